// Package workflow sequences the remote lookups of an analysis and drives the
// session stage machine:
//
//	idle -> loading -> traffic-ready | error
//	traffic-ready -> tech-loading -> tech-ready (also on failure)
//	tech-ready -> chat
//	any -> idle (reset), error -> idle (retry)
//
// Remote failures are recorded in the session and never returned to callers.
// Errors returned by Controller methods mean the action itself was rejected.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/site-insights/internal/analytics"
	"github.com/ashureev/site-insights/internal/assistant"
	"github.com/ashureev/site-insights/internal/domain"
	"github.com/ashureev/site-insights/internal/session"
	"github.com/containerd/errdefs"
)

// Messages shown to the user.
const (
	TrafficFailureMessage = "Failed to analyze website. Please check if the backend is running."
	ChatFailureMessage    = "Sorry, I couldn't get an answer right now. Please try again."
)

const (
	opTraffic  = "traffic"
	opTech     = "tech"
	opTrends   = "trends"
	opChat     = "chat"
	opOpenChat = "open-chat"
	opSave     = "save"
	opRetry    = "retry"
)

// DefaultCompetitors is used when a traffic response names no competitors.
var DefaultCompetitors = []string{"indeed.com", "glassdoor.com", "monster.com", "ziprecruiter.com"}

// Backend is the subset of the analytics client the controller drives.
type Backend interface {
	AnalyzeTraffic(ctx context.Context, websites []string, userID string) (*analytics.TrafficResult, error)
	AnalyzeTech(ctx context.Context, websites []string, userID string) (*analytics.TechResult, error)
	SearchTrends(ctx context.Context, q analytics.TrendsQuery) (*analytics.TrendsResult, error)
	Chat(ctx context.Context, req analytics.ChatRequest) (*analytics.ChatReply, error)
}

var _ Backend = (*analytics.Client)(nil)

// Config tunes the controller.
type Config struct {
	DefaultCompetitors []string
	ProgressTick       time.Duration
	ProgressStep       int
	RequestTimeout     time.Duration
	TrendsTimeframe    string
	TrendsGeo          string
	VisualReportGeo    string
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		DefaultCompetitors: slices.Clone(DefaultCompetitors),
		ProgressTick:       500 * time.Millisecond,
		ProgressStep:       10,
		RequestTimeout:     90 * time.Second,
		TrendsTimeframe:    "today 12-m",
		VisualReportGeo:    "US",
	}
}

// Controller runs workflow actions against a session store.
type Controller struct {
	backend Backend
	cfg     Config
	log     *slog.Logger
	convo   assistant.ConversationLogger
}

// New creates a controller. Zero-valued config fields take their defaults.
func New(backend Backend, cfg Config, logger *slog.Logger, convo assistant.ConversationLogger) *Controller {
	def := DefaultConfig()
	if len(cfg.DefaultCompetitors) == 0 {
		cfg.DefaultCompetitors = def.DefaultCompetitors
	}
	if cfg.ProgressTick <= 0 {
		cfg.ProgressTick = def.ProgressTick
	}
	if cfg.ProgressStep <= 0 {
		cfg.ProgressStep = def.ProgressStep
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.TrendsTimeframe == "" {
		cfg.TrendsTimeframe = def.TrendsTimeframe
	}
	if cfg.VisualReportGeo == "" {
		cfg.VisualReportGeo = def.VisualReportGeo
	}
	if logger == nil {
		logger = slog.Default()
	}
	if convo == nil {
		convo = assistant.NoopConversationLogger{}
	}
	return &Controller{backend: backend, cfg: cfg, log: logger, convo: convo}
}

// remoteContext detaches from the caller's cancellation so that navigating away
// does not abort a lookup; the ticket check discards the late response instead.
func (c *Controller) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RequestTimeout)
}

// SubmitDomain runs the traffic lookup for name. Allowed only from idle.
func (c *Controller) SubmitDomain(ctx context.Context, st *session.Store, name string) error {
	name = normalizeDomain(name)
	if name == "" {
		return fmt.Errorf("domain is required: %w", errdefs.ErrInvalidArgument)
	}

	ticket, _, err := st.Begin(opTraffic, []domain.Stage{domain.StageIdle},
		session.SetDomain{Value: name},
		session.SetStage{Stage: domain.StageLoading},
		session.ClearError{},
		session.SetProgress{},
	)
	if err != nil {
		return err
	}
	log := c.log.With("user_id", st.UserID(), "op", opTraffic, "domain", name)
	log.Info("Traffic lookup started")

	stop := c.startProgress(st, ticket, nil)
	rctx, cancel := c.remoteContext(ctx)
	res, err := c.backend.AnalyzeTraffic(rctx, []string{name}, st.UserID())
	cancel()
	stop()

	if err != nil {
		log.Warn("Traffic lookup failed", "error", err)
		return c.complete(st, ticket, log,
			session.SetStage{Stage: domain.StageError},
			session.SetError{Message: TrafficFailureMessage},
			session.SetProgress{},
		)
	}

	competitors := res.CompetitorDomains()
	if len(competitors) == 0 {
		log.Info("Traffic response named no competitors, using defaults")
		competitors = c.cfg.DefaultCompetitors
	}
	log.Info("Traffic lookup completed", "competitors", len(competitors))
	return c.complete(st, ticket, log,
		session.SetPayload{Kind: domain.PayloadTraffic, Data: res.Raw},
		session.SetCompetitors{List: competitors},
		session.SetStage{Stage: domain.StageTrafficReady},
		session.SetProgress{},
	)
}

// RequestTech runs the technology lookup for the domain and its competitors.
// Allowed only from traffic-ready. A failed lookup still advances to tech-ready.
func (c *Controller) RequestTech(ctx context.Context, st *session.Store) error {
	ticket, snap, err := st.Begin(opTech, []domain.Stage{domain.StageTrafficReady},
		session.SetStage{Stage: domain.StageTechLoading},
		session.SetProgress{},
		session.SetCurrentCompetitor{},
	)
	if err != nil {
		return err
	}
	websites := append([]string{snap.Domain}, snap.Competitors...)
	log := c.log.With("user_id", st.UserID(), "op", opTech, "domain", snap.Domain)
	log.Info("Tech lookup started", "websites", len(websites))

	stop := c.startProgress(st, ticket, websites)
	rctx, cancel := c.remoteContext(ctx)
	res, err := c.backend.AnalyzeTech(rctx, websites, st.UserID())
	cancel()
	stop()

	done := []session.Intent{
		session.SetStage{Stage: domain.StageTechReady},
		session.SetProgress{},
		session.SetCurrentCompetitor{},
	}
	if err != nil {
		log.Warn("Tech lookup failed, continuing without tech data", "error", err)
		return c.complete(st, ticket, log, done...)
	}
	log.Info("Tech lookup completed", "entries", len(res.Data))
	return c.complete(st, ticket, log, append(done, session.SetPayload{Kind: domain.PayloadTech, Data: res.Raw})...)
}

// TrendsRequest selects a trends lookup. Terms are added to the subject domain.
type TrendsRequest struct {
	Terms     []string `json:"terms"`
	Timeframe string   `json:"timeframe"`
	Geo       string   `json:"geo"`
	Visual    bool     `json:"visual"`
}

// RequestTrends runs a trends lookup. Allowed in tech-ready and chat; the stage
// does not change. A failed lookup stores the placeholder payload.
func (c *Controller) RequestTrends(ctx context.Context, st *session.Store, req TrendsRequest) error {
	ticket, snap, err := st.Begin(opTrends, []domain.Stage{domain.StageTechReady, domain.StageChat})
	if err != nil {
		return err
	}

	q := analytics.TrendsQuery{
		Keywords:  TrendsKeywords(snap.Domain, req.Terms),
		Timeframe: req.Timeframe,
		Geo:       req.Geo,
		Visual:    req.Visual,
	}
	if q.Timeframe == "" {
		q.Timeframe = c.cfg.TrendsTimeframe
	}
	if q.Geo == "" {
		q.Geo = c.cfg.TrendsGeo
		if q.Visual {
			q.Geo = c.cfg.VisualReportGeo
		}
	}
	st.Touch(ticket, session.SetKeywords{List: q.Keywords})
	log := c.log.With("user_id", st.UserID(), "op", opTrends, "domain", snap.Domain)

	rctx, cancel := c.remoteContext(ctx)
	res, err := c.backend.SearchTrends(rctx, q)
	cancel()

	payload := analytics.PlaceholderTrends()
	if err != nil {
		log.Warn("Trends lookup failed, storing placeholder", "error", err)
	} else {
		payload = res.Raw
	}
	return c.complete(st, ticket, log, session.SetPayload{Kind: domain.PayloadTrends, Data: payload})
}

// TrendsKeywords returns the subject domain followed by the trimmed, de-duplicated terms.
func TrendsKeywords(subject string, terms []string) []string {
	out := make([]string, 0, len(terms)+1)
	seen := make(map[string]struct{}, len(terms)+1)
	for _, t := range append([]string{subject}, terms...) {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

// OpenChat moves from tech-ready to chat.
func (c *Controller) OpenChat(st *session.Store) error {
	return c.instant(st, opOpenChat, []domain.Stage{domain.StageTechReady},
		session.SetStage{Stage: domain.StageChat})
}

// SendChat appends the user's message, asks the chat backend about the collected
// analysis and appends the reply. Allowed only in chat. On failure an assistant
// message marked Failed is appended instead.
func (c *Controller) SendChat(ctx context.Context, st *session.Store, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("message is required: %w", errdefs.ErrInvalidArgument)
	}

	ticket, snap, err := st.Begin(opChat, []domain.Stage{domain.StageChat},
		session.AppendMessage{Message: domain.Message{Role: domain.RoleUser, Text: text}})
	if err != nil {
		return err
	}
	log := c.log.With("user_id", st.UserID(), "op", opChat, "domain", snap.Domain)
	c.logTurn(st.UserID(), snap, "outbound", "chat_user_message", text, nil)

	rctx, cancel := c.remoteContext(ctx)
	reply, err := c.backend.Chat(rctx, analytics.ChatRequest{
		Message: text,
		AnalysisData: analytics.AnalysisData{
			Domain:         snap.Domain,
			Competitors:    snap.Competitors,
			SimilarWebData: snap.TrafficPayload,
			BuiltWithData:  snap.TechPayload,
			TrendsData:     snap.TrendsPayload,
		},
	})
	cancel()

	if err != nil {
		log.Warn("Chat turn failed", "error", err)
		c.logTurn(st.UserID(), snap, "inbound", "chat_assistant_error", ChatFailureMessage, map[string]any{"error": err.Error()})
		return c.complete(st, ticket, log, session.AppendMessage{Message: domain.Message{
			Role:   domain.RoleAssistant,
			Text:   ChatFailureMessage,
			Failed: true,
		}})
	}

	c.logTurn(st.UserID(), snap, "inbound", "chat_assistant_message", reply.Response,
		map[string]any{"suggestions": len(reply.Suggestions)})
	return c.complete(st, ticket, log, session.AppendMessage{Message: domain.Message{
		Role:               domain.RoleAssistant,
		Text:               reply.Response,
		SuggestedFollowUps: reply.Suggestions,
	}})
}

// SaveSession freezes the active chat session into history and returns the entry id.
func (c *Controller) SaveSession(st *session.Store) (string, error) {
	ticket, _, err := st.Begin(opSave, []domain.Stage{domain.StageChat})
	if err != nil {
		return "", err
	}
	id, ok := st.SaveSessionToHistory()
	if err := st.Complete(ticket); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("nothing to save: %w", errdefs.ErrFailedPrecondition)
	}
	c.log.Info("Session saved to history", "user_id", st.UserID(), "entry_id", id)
	return id, nil
}

// Reset returns to an empty idle session from any stage. Pending lookups are
// discarded when they resolve.
func (c *Controller) Reset(st *session.Store) {
	st.ResetSession()
	c.log.Info("Session reset", "user_id", st.UserID())
}

// Retry leaves the error stage, keeping the domain so it can be resubmitted.
func (c *Controller) Retry(st *session.Store) error {
	return c.instant(st, opRetry, []domain.Stage{domain.StageError},
		session.SetStage{Stage: domain.StageIdle},
		session.ClearError{})
}

// instant performs a guarded transition that involves no remote call.
func (c *Controller) instant(st *session.Store, op string, allowed []domain.Stage, intents ...session.Intent) error {
	ticket, _, err := st.Begin(op, allowed)
	if err != nil {
		return err
	}
	return st.Complete(ticket, intents...)
}

// complete applies the outcome of a lookup. A stale ticket means the session was
// reset or replaced meanwhile; the outcome is dropped and that is not an error.
func (c *Controller) complete(st *session.Store, t session.Ticket, log *slog.Logger, intents ...session.Intent) error {
	err := st.Complete(t, intents...)
	if errors.Is(err, session.ErrStale) {
		log.Info("Discarding response for a session that moved on")
		return nil
	}
	return err
}

func (c *Controller) logTurn(userID string, snap domain.Session, direction, eventType, content string, meta map[string]any) {
	c.convo.Log(assistant.ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     userID,
		SessionID:  snap.ID,
		Domain:     snap.Domain,
		Channel:    "chat_http",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

// normalizeDomain trims whitespace and a scheme or path the user may have pasted.
func normalizeDomain(v string) string {
	v = strings.TrimSpace(v)
	for _, prefix := range []string{"https://", "http://"} {
		if len(v) >= len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			v = v[len(prefix):]
		}
	}
	if i := strings.IndexAny(v, "/?#"); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(v)
}

