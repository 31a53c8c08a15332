// Package analytics talks to the remote analysis services: traffic, technology,
// search trends, keyword volume and the analysis chat.
package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 16 << 20

// Config configures a Client.
type Config struct {
	BaseURL    string
	TrendsURL  string // defaults to BaseURL
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the analytics backend over HTTP/JSON.
type Client struct {
	baseURL   string
	trendsURL string
	http      *http.Client
	log       *slog.Logger
}

// New creates a client for the backend at cfg.BaseURL.
func New(cfg Config) *Client {
	if cfg.TrendsURL == "" {
		cfg.TrendsURL = cfg.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		trendsURL: strings.TrimRight(cfg.TrendsURL, "/"),
		http:      cfg.HTTPClient,
		log:       cfg.Logger,
	}
}

// AnalyzeTraffic requests traffic analysis for websites (the subject domain first).
func (c *Client) AnalyzeTraffic(ctx context.Context, websites []string, userID string) (*TrafficResult, error) {
	raw, err := c.postJSON(ctx, c.baseURL, "/api/analyze", WebsitesRequest{Websites: websites, UserID: userID})
	if err != nil {
		return nil, err
	}
	res := &TrafficResult{Raw: raw}
	if err := decodeEnvelope(raw, res); err != nil {
		return nil, fmt.Errorf("analyze traffic: %w", err)
	}
	return res, nil
}

// AnalyzeTech requests technology profiles for websites, in the order given.
func (c *Client) AnalyzeTech(ctx context.Context, websites []string, userID string) (*TechResult, error) {
	raw, err := c.postJSON(ctx, c.baseURL, "/api/analyze-tech-stack", WebsitesRequest{Websites: websites, UserID: userID})
	if err != nil {
		return nil, err
	}
	res := &TechResult{Raw: raw}
	if err := decodeEnvelope(raw, res); err != nil {
		return nil, fmt.Errorf("analyze tech stack: %w", err)
	}
	return res, nil
}

// SearchTrends queries search-trend data. Visual selects the richer report variant.
func (c *Client) SearchTrends(ctx context.Context, q TrendsQuery) (*TrendsResult, error) {
	path := "/google-trends"
	if q.Visual {
		path = "/google-trends/visual-report"
	}
	params := url.Values{}
	params.Set("query", strings.Join(q.Keywords, ","))
	if q.Timeframe != "" {
		params.Set("timeframe", q.Timeframe)
	}
	if q.Geo != "" {
		params.Set("geo", q.Geo)
	}

	raw, err := c.getJSON(ctx, c.trendsURL, path, params)
	if err != nil {
		return nil, err
	}
	res := &TrendsResult{Raw: raw}
	if err := decodeEnvelope(raw, res); err != nil {
		return nil, fmt.Errorf("search trends: %w", err)
	}
	return res, nil
}

// KeywordVolume looks up search volume for keywords. The payload is returned verbatim.
func (c *Client) KeywordVolume(ctx context.Context, req KeywordVolumeRequest) (json.RawMessage, error) {
	if len(req.Keywords) == 0 {
		return nil, fmt.Errorf("keyword volume: no keywords: %w", errdefs.ErrInvalidArgument)
	}
	return c.postJSON(ctx, c.baseURL, "/api/keyword_search_volume", req)
}

// DomainTechnologies asks the alternate provider for a domain's technologies.
func (c *Client) DomainTechnologies(ctx context.Context, target string) (json.RawMessage, error) {
	if target == "" {
		return nil, fmt.Errorf("domain technologies: empty target: %w", errdefs.ErrInvalidArgument)
	}
	return c.postJSON(ctx, c.baseURL, "/api/domain-analytics/domain-technologies", map[string]string{"target": target})
}

// DomainsByTechnology lists domains using the given technologies.
func (c *Client) DomainsByTechnology(ctx context.Context, req DomainsByTechnologyRequest) (json.RawMessage, error) {
	if len(req.Technologies) == 0 {
		return nil, fmt.Errorf("domains by technology: no technologies: %w", errdefs.ErrInvalidArgument)
	}
	return c.postJSON(ctx, c.baseURL, "/api/domain-analytics/domains-by-technology", req)
}

// Chat sends one question about the collected analysis to the chat endpoint.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatReply, error) {
	raw, err := c.postJSON(ctx, c.baseURL, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	var reply ChatReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode chat reply: %w: %w", errdefs.ErrDataLoss, err)
	}
	if strings.TrimSpace(reply.Response) == "" {
		return nil, fmt.Errorf("chat reply has no response text: %w", errdefs.ErrDataLoss)
	}
	return &reply, nil
}

func (c *Client) postJSON(ctx context.Context, base, path string, body any) (json.RawMessage, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, path)
}

func (c *Client) getJSON(ctx context.Context, base, path string, params url.Values) (json.RawMessage, error) {
	u := base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	return c.do(req, path)
}

func (c *Client) do(req *http.Request, path string) (json.RawMessage, error) {
	req.Header.Set("Accept", "application/json")
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("Analytics request failed", "path", path, "error", err)
		return nil, fmt.Errorf("%s %s: %w: %w", req.Method, path, errdefs.ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w: %w", path, errdefs.ErrUnavailable, err)
	}

	c.log.Debug("Analytics request completed",
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s %s returned %d: %s: %w",
			req.Method, path, resp.StatusCode, backendMessage(body), errhttp.ToNative(resp.StatusCode))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s %s returned invalid JSON: %w", req.Method, path, errdefs.ErrDataLoss)
	}
	return json.RawMessage(body), nil
}

// envelope is the common {success, error|message|detail} wrapper.
type envelope struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  any    `json:"detail"`
}

func (e envelope) message() string {
	switch {
	case e.Error != "":
		return e.Error
	case e.Message != "":
		return e.Message
	case e.Detail != nil:
		return fmt.Sprint(e.Detail)
	default:
		return "backend reported failure"
	}
}

func decodeEnvelope(raw json.RawMessage, into any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrDataLoss, err)
	}
	if env.Success != nil && !*env.Success {
		return fmt.Errorf("%s: %w", env.message(), errdefs.ErrFailedPrecondition)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrDataLoss, err)
	}
	return nil
}

func backendMessage(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil {
		if msg := env.message(); msg != "backend reported failure" {
			return msg
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return "empty response"
	}
	return msg
}

// IsUnreachable reports whether err means the backend could not be reached at all.
func IsUnreachable(err error) bool {
	return errdefs.IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}
