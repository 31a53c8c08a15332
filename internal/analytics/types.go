package analytics

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// WebsitesRequest is the body of the traffic and technology calls.
type WebsitesRequest struct {
	Websites []string `json:"websites"`
	UserID   string   `json:"userId"`
}

// TrafficResult is the decoded traffic response.
type TrafficResult struct {
	Raw     json.RawMessage `json:"-"`
	Success bool            `json:"success"`
	Data    []TrafficSite   `json:"data"`
	Count   int             `json:"count"`
}

// TrafficSite is one analyzed website. Backends are inconsistent about numeric
// encodings, so numbers accept either JSON numbers or numeric strings.
type TrafficSite struct {
	Domain                   string          `json:"domain"`
	GlobalRank               Number          `json:"globalRank"`
	TotalVisits              Number          `json:"totalVisits"`
	AvgVisitDuration         Text            `json:"avgVisitDuration"`
	BounceRate               Number          `json:"bounceRate"`
	CompanyName              string          `json:"companyName"`
	CompanyYearFounded       Number          `json:"companyYearFounded"`
	CompanyEmployeesMin      Number          `json:"companyEmployeesMin"`
	CompanyEmployeesMax      Number          `json:"companyEmployeesMax"`
	TrafficSources           *TrafficSources `json:"trafficSources"`
	TopCountries             []CountryShare  `json:"topCountries"`
	TopKeywords              []TopKeyword    `json:"topKeywords"`
	TopSimilarityCompetitors []SimilarSite   `json:"topSimilarityCompetitors"`
	Competitors              []SimilarSite   `json:"competitors"`
}

// TrafficSources holds visit shares per acquisition channel, as fractions.
type TrafficSources struct {
	Direct        Number `json:"directVisitsShare"`
	OrganicSearch Number `json:"organicSearchVisitsShare"`
	Referral      Number `json:"referralVisitsShare"`
	Social        Number `json:"socialNetworksVisitsShare"`
	Mail          Number `json:"mailVisitsShare"`
	PaidSearch    Number `json:"paidSearchVisitsShare"`
	Ads           Number `json:"adsVisitsShare"`
}

// CountryShare is the share of visits from one country.
type CountryShare struct {
	CountryCode string `json:"countryAlpha2Code"`
	VisitsShare Number `json:"visitsShare"`
}

// TopKeyword is a search keyword driving traffic to the site.
type TopKeyword struct {
	Name           string `json:"name"`
	Volume         Number `json:"volume"`
	EstimatedValue Number `json:"estimatedValue"`
}

// SimilarSite is a competitor entry. It decodes from either a bare domain string
// or an object with a domain field.
type SimilarSite struct {
	Domain           string `json:"domain"`
	VisitsTotalCount Number `json:"visitsTotalCount"`
	Affinity         Number `json:"affinity"`
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *SimilarSite) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		return json.Unmarshal(data, &s.Domain)
	}
	type plain SimilarSite
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = SimilarSite(p)
	return nil
}

// TechResult is the decoded technology response.
type TechResult struct {
	Raw     json.RawMessage `json:"-"`
	Success bool            `json:"success"`
	Data    []TechSite      `json:"data"`
}

// TechSite is one entry of the technology response.
// BuiltWith is nil when the provider returned nothing for that domain.
type TechSite struct {
	Name      string       `json:"name"`
	BuiltWith *TechProfile `json:"builtwith_result"`
}

// TechProfile lists the technologies detected on a domain.
type TechProfile struct {
	Domain       string       `json:"domain"`
	Technologies []Technology `json:"technologies"`
}

// Technology is one detected technology.
type Technology struct {
	Name       string `json:"name"`
	Tag        string `json:"tag"`
	Version    Text   `json:"version"`
	Popularity Number `json:"popularity"`
}

// TrendsQuery selects a search-trends lookup.
type TrendsQuery struct {
	Keywords  []string `json:"keywords"`
	Timeframe string   `json:"timeframe,omitempty"`
	Geo       string   `json:"geo,omitempty"`
	Visual    bool     `json:"visual,omitempty"`
}

// TrendsResult is the decoded trends response; only the envelope is interpreted.
type TrendsResult struct {
	Raw      json.RawMessage `json:"-"`
	Success  bool            `json:"success"`
	Keywords []string        `json:"keywords"`
}

// KeywordVolumeRequest is the body of the keyword volume call.
type KeywordVolumeRequest struct {
	Keywords     []string `json:"keywords"`
	Location     string   `json:"location,omitempty"`
	LanguageCode string   `json:"language_code,omitempty"`
}

// DomainsByTechnologyRequest is the body of the domains-by-technology call.
type DomainsByTechnologyRequest struct {
	Technologies   []string `json:"technologies"`
	CountryISOCode string   `json:"country_iso_code,omitempty"`
	DomainRankMin  int      `json:"domain_rank_min,omitempty"`
	OrderBy        []string `json:"order_by,omitempty"`
	Limit          int      `json:"limit,omitempty"`
}

// ChatRequest is the body of the chat call.
type ChatRequest struct {
	Message      string       `json:"message"`
	AnalysisData AnalysisData `json:"analysis_data"`
}

// AnalysisData is the context handed to the chat backend.
type AnalysisData struct {
	Domain         string          `json:"domain"`
	Competitors    []string        `json:"competitors"`
	SimilarWebData json.RawMessage `json:"similarWebData,omitempty"`
	BuiltWithData  json.RawMessage `json:"builtWithData,omitempty"`
	TrendsData     json.RawMessage `json:"trendsData,omitempty"`
}

// ChatReply is the chat backend's answer.
type ChatReply struct {
	Response    string   `json:"response"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Number is a float that also decodes from numeric strings. Anything else,
// including null, decodes to zero.
type Number float64

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	s = strings.TrimSuffix(s, "%")
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = Number(f)
	return nil
}

// Text is a string that also decodes from JSON numbers. Null decodes to "".
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*t = ""
	case bytes.HasPrefix(data, []byte(`"`)):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		*t = Text(data)
	}
	return nil
}
