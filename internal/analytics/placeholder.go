package analytics

import "encoding/json"

// PlaceholderTrend is one canned trends row.
type PlaceholderTrend struct {
	Keyword        string   `json:"keyword"`
	Interest       int      `json:"interest"`
	RelatedQueries []string `json:"relatedQueries"`
	Geography      string   `json:"geography"`
	Timeframe      string   `json:"timeframe"`
}

// placeholderTrends is shown when the trends service cannot be reached.
var placeholderTrends = []PlaceholderTrend{
	{
		Keyword:        "job search",
		Interest:       85,
		RelatedQueries: []string{"jobs near me", "remote jobs", "part time jobs"},
		Geography:      "Worldwide",
		Timeframe:      "Past 12 months",
	},
	{
		Keyword:        "career opportunities",
		Interest:       72,
		RelatedQueries: []string{"career change", "career development", "job opportunities"},
		Geography:      "United States",
		Timeframe:      "Past 12 months",
	},
	{
		Keyword:        "professional networking",
		Interest:       68,
		RelatedQueries: []string{"business networking", "linkedin", "professional connections"},
		Geography:      "Worldwide",
		Timeframe:      "Past 12 months",
	},
}

// PlaceholderTrends returns the canned trends payload stored when a trends lookup
// fails. The placeholder flag lets views label it as sample data.
func PlaceholderTrends() json.RawMessage {
	data, err := json.Marshal(struct {
		Success     bool               `json:"success"`
		Placeholder bool               `json:"placeholder"`
		Trends      []PlaceholderTrend `json:"trends"`
	}{Success: true, Placeholder: true, Trends: placeholderTrends})
	if err != nil {
		// Static data always marshals.
		panic(err)
	}
	return data
}
