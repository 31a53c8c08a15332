package analytics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestAnalyzeTrafficSendsWebsitesAndUserID(t *testing.T) {
	t.Parallel()

	var got WebsitesRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/analyze" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"success":true,"count":1,"data":[{"domain":"example.com","globalRank":"27",
			"topSimilarityCompetitors":[{"domain":"rival.com","affinity":0.8},{"domain":"other.com"}]}]}`)
	})

	res, err := c.AnalyzeTraffic(context.Background(), []string{"example.com"}, "user-1")
	if err != nil {
		t.Fatalf("AnalyzeTraffic failed: %v", err)
	}
	if len(got.Websites) != 1 || got.Websites[0] != "example.com" || got.UserID != "user-1" {
		t.Fatalf("unexpected request body: %+v", got)
	}
	if res.Count != 1 || int(res.Data[0].GlobalRank) != 27 {
		t.Fatalf("unexpected result: %+v", res)
	}
	comps := res.CompetitorDomains()
	if strings.Join(comps, ",") != "rival.com,other.com" {
		t.Fatalf("unexpected competitors: %v", comps)
	}
	if !json.Valid(res.Raw) || !strings.Contains(string(res.Raw), "rival.com") {
		t.Fatalf("expected raw payload to be kept: %s", res.Raw)
	}
}

func TestCompetitorDomainsFallsBackToCompetitorList(t *testing.T) {
	t.Parallel()

	var res TrafficResult
	if err := json.Unmarshal([]byte(`{"data":[{"competitors":["a.com",{"domain":"b.com"},""]}]}`), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := strings.Join(res.CompetitorDomains(), ","); got != "a.com,b.com" {
		t.Fatalf("unexpected competitors: %q", got)
	}

	var empty TrafficResult
	if got := empty.CompetitorDomains(); got != nil {
		t.Fatalf("expected nil competitors, got %v", got)
	}
}

func TestAnalyzeTechKeepsDomainOrder(t *testing.T) {
	t.Parallel()

	var got WebsitesRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"success":true,"data":[
			{"builtwith_result":{"domain":"example.com","technologies":[{"name":"React","tag":"javascript"}]}},
			{"name":"broken"}]}`)
	})

	res, err := c.AnalyzeTech(context.Background(), []string{"example.com", "a.com", "b.com"}, "user-1")
	if err != nil {
		t.Fatalf("AnalyzeTech failed: %v", err)
	}
	if strings.Join(got.Websites, ",") != "example.com,a.com,b.com" {
		t.Fatalf("unexpected websites order: %v", got.Websites)
	}
	if len(res.Data) != 2 || res.Data[1].BuiltWith != nil {
		t.Fatalf("expected entry without data to be tolerated: %+v", res.Data)
	}
}

func TestSearchTrendsBuildsQuery(t *testing.T) {
	t.Parallel()

	var path, query, timeframe, geo string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		query = r.URL.Query().Get("query")
		timeframe = r.URL.Query().Get("timeframe")
		geo = r.URL.Query().Get("geo")
		_, _ = io.WriteString(w, `{"success":true,"keywords":["example.com","shoes"]}`)
	})

	res, err := c.SearchTrends(context.Background(), TrendsQuery{
		Keywords:  []string{"example.com", "shoes"},
		Timeframe: "today 12-m",
		Geo:       "US",
		Visual:    true,
	})
	if err != nil {
		t.Fatalf("SearchTrends failed: %v", err)
	}
	if path != "/google-trends/visual-report" {
		t.Fatalf("unexpected path: %s", path)
	}
	if query != "example.com,shoes" || timeframe != "today 12-m" || geo != "US" {
		t.Fatalf("unexpected params: query=%q timeframe=%q geo=%q", query, timeframe, geo)
	}
	if len(res.Keywords) != 2 {
		t.Fatalf("unexpected keywords: %v", res.Keywords)
	}
}

func TestClientErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		h     http.HandlerFunc
		check func(error) bool
	}{
		{
			name: "not found status",
			h: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `{"detail":"Not Found"}`)
			},
			check: errdefs.IsNotFound,
		},
		{
			name: "invalid json",
			h: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `<html>oops</html>`)
			},
			check: errdefs.IsDataLoss,
		},
		{
			name: "success false",
			h: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, `{"success":false,"error":"quota exhausted"}`)
			},
			check: func(err error) bool {
				return errdefs.IsFailedPrecondition(err) && strings.Contains(err.Error(), "quota exhausted")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, tt.h)
			_, err := c.AnalyzeTraffic(context.Background(), []string{"example.com"}, "u")
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error classification: %v", err)
			}
		})
	}
}

func TestClientUnreachableBackend(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{BaseURL: url, Timeout: time.Second})
	_, err := c.AnalyzeTraffic(context.Background(), []string{"example.com"}, "u")
	if err == nil || !IsUnreachable(err) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestChatRequestAndReply(t *testing.T) {
	t.Parallel()

	var got ChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"response":"Traffic is up.","suggestions":["Why?","Compare rivals"]}`)
	})

	reply, err := c.Chat(context.Background(), ChatRequest{
		Message: "How is traffic?",
		AnalysisData: AnalysisData{
			Domain:         "example.com",
			Competitors:    []string{"rival.com"},
			SimilarWebData: json.RawMessage(`{"visits":1}`),
		},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got.Message != "How is traffic?" || got.AnalysisData.Domain != "example.com" {
		t.Fatalf("unexpected chat request: %+v", got)
	}
	if string(got.AnalysisData.SimilarWebData) != `{"visits":1}` {
		t.Fatalf("unexpected analysis data: %s", got.AnalysisData.SimilarWebData)
	}
	if reply.Response != "Traffic is up." || len(reply.Suggestions) != 2 {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestChatRejectsEmptyReply(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"response":"  "}`)
	})
	_, err := c.Chat(context.Background(), ChatRequest{Message: "hi"})
	if !errdefs.IsDataLoss(err) {
		t.Fatalf("expected data loss error, got %v", err)
	}
}

func TestProxyCallsValidateInput(t *testing.T) {
	t.Parallel()

	c := New(Config{BaseURL: "http://127.0.0.1:0"})
	ctx := context.Background()
	if _, err := c.KeywordVolume(ctx, KeywordVolumeRequest{}); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := c.DomainTechnologies(ctx, ""); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := c.DomainsByTechnology(ctx, DomainsByTechnologyRequest{}); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestKeywordVolumePassesPayloadThrough(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req KeywordVolumeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.LanguageCode != "en" || req.Keywords[0] != "shoes" {
			t.Errorf("unexpected request: %+v", req)
		}
		_, _ = io.WriteString(w, `{"tasks":[{"result":[{"keyword":"shoes","search_volume":1000}]}]}`)
	})

	raw, err := c.KeywordVolume(context.Background(), KeywordVolumeRequest{
		Keywords:     []string{"shoes"},
		Location:     "United States",
		LanguageCode: "en",
	})
	if err != nil {
		t.Fatalf("KeywordVolume failed: %v", err)
	}
	if !strings.Contains(string(raw), `"search_volume":1000`) {
		t.Fatalf("unexpected payload: %s", raw)
	}
}
