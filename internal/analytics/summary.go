package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// CompetitorDomains returns the competitors reported for the first analyzed site:
// topSimilarityCompetitors when present, otherwise competitors. It returns nil when
// the response names none, so callers can apply their own default.
func (r *TrafficResult) CompetitorDomains() []string {
	if r == nil || len(r.Data) == 0 {
		return nil
	}
	first := r.Data[0]
	if out := domainsOf(first.TopSimilarityCompetitors); len(out) > 0 {
		return out
	}
	return domainsOf(first.Competitors)
}

func domainsOf(sites []SimilarSite) []string {
	var out []string
	for _, s := range sites {
		if d := strings.TrimSpace(s.Domain); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// TrafficSummary is the display projection of one traffic entry.
type TrafficSummary struct {
	Domain         string              `json:"domain"`
	GlobalRank     int                 `json:"global_rank"`
	MonthlyVisits  string              `json:"monthly_visits"`
	AvgDuration    string              `json:"avg_duration"`
	BounceRate     string              `json:"bounce_rate"`
	CompanyName    string              `json:"company_name"`
	Founded        int                 `json:"founded,omitempty"`
	Employees      string              `json:"employees,omitempty"`
	TrafficSources []Share             `json:"traffic_sources"`
	TopCountries   []Share             `json:"top_countries"`
	TopKeywords    []KeywordSummary    `json:"top_keywords"`
	Competitors    []CompetitorSummary `json:"competitors"`
}

// Share is a labelled percentage.
type Share struct {
	Name       string `json:"name"`
	Percentage int    `json:"percentage"`
}

// KeywordSummary is a display row for a traffic keyword.
type KeywordSummary struct {
	Keyword string `json:"keyword"`
	Volume  string `json:"volume"`
	Value   string `json:"value"`
}

// CompetitorSummary is a display row for a similar site.
type CompetitorSummary struct {
	Domain     string `json:"domain"`
	Visits     string `json:"visits"`
	Similarity string `json:"similarity"`
}

const (
	summaryListLimit       = 5
	summaryCompetitorLimit = 4
)

var countryNames = map[string]string{
	"US": "United States",
	"IN": "India",
	"GB": "United Kingdom",
	"BR": "Brazil",
	"CA": "Canada",
}

// SummarizeTraffic projects the first entry of r into a display summary.
// Missing fields stay at their zero value.
func SummarizeTraffic(r *TrafficResult) TrafficSummary {
	sum := TrafficSummary{
		TrafficSources: []Share{},
		TopCountries:   []Share{},
		TopKeywords:    []KeywordSummary{},
		Competitors:    []CompetitorSummary{},
	}
	if r == nil || len(r.Data) == 0 {
		return sum
	}
	site := r.Data[0]

	sum.Domain = site.Domain
	sum.GlobalRank = int(site.GlobalRank)
	sum.MonthlyVisits = compactVisits(float64(site.TotalVisits))
	sum.AvgDuration = string(site.AvgVisitDuration)
	if site.BounceRate > 0 {
		sum.BounceRate = fmt.Sprintf("%d%%", percent(site.BounceRate))
	}
	sum.CompanyName = site.CompanyName
	sum.Founded = int(site.CompanyYearFounded)
	switch minE, maxE := int(site.CompanyEmployeesMin), int(site.CompanyEmployeesMax); {
	case minE > 0 && maxE > 0:
		sum.Employees = fmt.Sprintf("%d-%d", minE, maxE)
	case minE > 0:
		sum.Employees = fmt.Sprintf("%d+", minE)
	}

	if ts := site.TrafficSources; ts != nil {
		sum.TrafficSources = []Share{
			{Name: "Direct", Percentage: percent(ts.Direct)},
			{Name: "Organic Search", Percentage: percent(ts.OrganicSearch)},
			{Name: "Referrals", Percentage: percent(ts.Referral)},
			{Name: "Social", Percentage: percent(ts.Social)},
			{Name: "Other", Percentage: percent(ts.Mail + ts.PaidSearch + ts.Ads)},
		}
	}
	for i, c := range site.TopCountries {
		if i == summaryListLimit {
			break
		}
		name := countryNames[c.CountryCode]
		if name == "" {
			name = c.CountryCode
		}
		sum.TopCountries = append(sum.TopCountries, Share{Name: name, Percentage: percent(c.VisitsShare)})
	}
	for i, k := range site.TopKeywords {
		if i == summaryListLimit {
			break
		}
		sum.TopKeywords = append(sum.TopKeywords, KeywordSummary{
			Keyword: k.Name,
			Volume:  compactKeyword(float64(k.Volume)),
			Value:   "$" + compactKeyword(float64(k.EstimatedValue)),
		})
	}
	for i, c := range site.TopSimilarityCompetitors {
		if i == summaryCompetitorLimit {
			break
		}
		sum.Competitors = append(sum.Competitors, CompetitorSummary{
			Domain:     c.Domain,
			Visits:     compactVisits(float64(c.VisitsTotalCount)),
			Similarity: fmt.Sprintf("%d%%", percent(c.Affinity)),
		})
	}
	return sum
}

// TechSummary is the display projection of a technology response. Popular lists
// technologies used by more than one analyzed domain, most used first.
type TechSummary struct {
	Domains    []DomainTech `json:"domains"`
	Popular    []TechUsage  `json:"popular"`
	Categories []string     `json:"categories"`
}

// DomainTech is one domain's technology profile.
type DomainTech struct {
	Domain       string           `json:"domain"`
	IsMain       bool             `json:"is_main"`
	TechScore    int              `json:"tech_score"`
	Technologies []TechnologyView `json:"technologies"`
}

// TechnologyView is a display row for one technology.
type TechnologyView struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Version  string `json:"version"`
}

// TechUsage counts how many analyzed domains use a technology.
type TechUsage struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// SummarizeTech projects a technology response into a display summary. Entries
// without a provider result are skipped. The first entry is the subject domain.
func SummarizeTech(r *TechResult) TechSummary {
	sum := TechSummary{Domains: []DomainTech{}, Popular: []TechUsage{}, Categories: []string{}}
	if r == nil {
		return sum
	}

	usage := make(map[string]int)
	categories := make(map[string]struct{})
	for i, site := range r.Data {
		if site.BuiltWith == nil {
			continue
		}
		dt := DomainTech{
			Domain:       site.BuiltWith.Domain,
			IsMain:       i == 0,
			TechScore:    techScore(len(site.BuiltWith.Technologies)),
			Technologies: []TechnologyView{},
		}
		seen := make(map[string]struct{})
		for _, t := range site.BuiltWith.Technologies {
			version := string(t.Version)
			if version == "" {
				version = "N/A"
			}
			dt.Technologies = append(dt.Technologies, TechnologyView{Name: t.Name, Category: t.Tag, Version: version})
			if t.Tag != "" {
				categories[t.Tag] = struct{}{}
			}
			if _, dup := seen[t.Name]; !dup {
				seen[t.Name] = struct{}{}
				usage[t.Name]++
			}
		}
		sum.Domains = append(sum.Domains, dt)
	}

	for name, n := range usage {
		if n > 1 {
			sum.Popular = append(sum.Popular, TechUsage{Name: name, Count: n})
		}
	}
	sort.Slice(sum.Popular, func(i, j int) bool {
		if sum.Popular[i].Count != sum.Popular[j].Count {
			return sum.Popular[i].Count > sum.Popular[j].Count
		}
		return sum.Popular[i].Name < sum.Popular[j].Name
	})
	for c := range categories {
		sum.Categories = append(sum.Categories, c)
	}
	sort.Strings(sum.Categories)
	return sum
}

// techScore grows with the number of detected technologies, bounded to 60..95.
// A profile with no technology list scores as five.
func techScore(n int) int {
	if n == 0 {
		n = 5
	}
	return min(95, max(60, n*12))
}

func percent(f Number) int {
	return int(math.Round(float64(f) * 100))
}

func compactVisits(v float64) string {
	switch {
	case v <= 0:
		return ""
	case v > 1e9:
		return fmt.Sprintf("%.1fB", v/1e9)
	default:
		return fmt.Sprintf("%.0fM", v/1e6)
	}
}

func compactKeyword(v float64) string {
	if v > 1e6 {
		return fmt.Sprintf("%.0fM", v/1e6)
	}
	return fmt.Sprintf("%.0fK", v/1e3)
}
