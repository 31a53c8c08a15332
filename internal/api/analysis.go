package api

import (
	"encoding/json"
	"net/http"

	"github.com/ashureev/site-insights/internal/analytics"
	"github.com/ashureev/site-insights/internal/workflow"
)

type trafficRequest struct {
	Domain string `json:"domain"`
}

// AnalyzeTraffic submits a domain and runs the traffic lookup.
// A failed lookup is reported through the returned session's stage and error.
func (h *Handler) AnalyzeTraffic(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req trafficRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.flow.SubmitDomain(r.Context(), st, req.Domain); err != nil {
		WriteError(w, err)
		return
	}
	writeSession(w, st)
}

// AnalyzeTech runs the technology lookup for the domain and its competitors.
func (h *Handler) AnalyzeTech(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.flow.RequestTech(r.Context(), st); err != nil {
		WriteError(w, err)
		return
	}
	writeSession(w, st)
}

// SearchTrends runs a trends lookup for the domain plus optional terms.
func (h *Handler) SearchTrends(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req workflow.TrendsRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if err := h.flow.RequestTrends(r.Context(), st, req); err != nil {
		WriteError(w, err)
		return
	}
	writeSession(w, st)
}

type summaryResponse struct {
	Domain      string                    `json:"domain"`
	Stage       string                    `json:"stage"`
	Competitors []string                  `json:"competitors"`
	Traffic     *analytics.TrafficSummary `json:"traffic,omitempty"`
	Tech        *analytics.TechSummary    `json:"tech,omitempty"`
	Trends      json.RawMessage           `json:"trends,omitempty"`
}

// GetSummary projects the stored payloads into display summaries.
// Payloads that cannot be decoded are left out of the response.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storeFor(r)
	if !ok {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	cur := st.Current()
	resp := summaryResponse{
		Domain:      cur.Domain,
		Stage:       string(cur.Stage),
		Competitors: cur.Competitors,
		Trends:      cur.TrendsPayload,
	}
	if len(cur.TrafficPayload) > 0 {
		var traffic analytics.TrafficResult
		if err := json.Unmarshal(cur.TrafficPayload, &traffic); err != nil {
			h.log.Warn("Stored traffic payload is not decodable", "error", err, "user_id", st.UserID())
		} else {
			summary := analytics.SummarizeTraffic(&traffic)
			resp.Traffic = &summary
		}
	}
	if len(cur.TechPayload) > 0 {
		var tech analytics.TechResult
		if err := json.Unmarshal(cur.TechPayload, &tech); err != nil {
			h.log.Warn("Stored tech payload is not decodable", "error", err, "user_id", st.UserID())
		} else {
			summary := analytics.SummarizeTech(&tech)
			resp.Tech = &summary
		}
	}
	JSON(w, http.StatusOK, resp)
}

// KeywordVolume proxies a keyword search volume lookup.
func (h *Handler) KeywordVolume(w http.ResponseWriter, r *http.Request) {
	var req analytics.KeywordVolumeRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	raw, err := h.backend.KeywordVolume(r.Context(), req)
	h.writeProxied(w, r, "keyword_volume", raw, err)
}

type domainTechnologiesRequest struct {
	Target string `json:"target"`
}

// DomainTechnologies proxies a domain technology lookup on the alternate provider.
func (h *Handler) DomainTechnologies(w http.ResponseWriter, r *http.Request) {
	var req domainTechnologiesRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	raw, err := h.backend.DomainTechnologies(r.Context(), req.Target)
	h.writeProxied(w, r, "domain_technologies", raw, err)
}

// DomainsByTechnology proxies a reverse technology lookup.
func (h *Handler) DomainsByTechnology(w http.ResponseWriter, r *http.Request) {
	var req analytics.DomainsByTechnologyRequest
	if err := decode(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	raw, err := h.backend.DomainsByTechnology(r.Context(), req)
	h.writeProxied(w, r, "domains_by_technology", raw, err)
}

func (h *Handler) writeProxied(w http.ResponseWriter, r *http.Request, op string, raw json.RawMessage, err error) {
	if err != nil {
		if analytics.IsUnreachable(err) {
			h.log.Warn("Analytics backend unreachable", "op", op, "error", err)
		}
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		h.log.Debug("Failed to write proxied response", "op", op, "error", err, "path", r.URL.Path)
	}
}
