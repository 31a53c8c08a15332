// Package assistant supports the analysis chat: a conversation log of every turn
// and a per-user rate limiter for chat requests.
package assistant

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ConversationLogger records chat turns.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

// ConversationLogEvent is one NDJSON line of the conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Domain     string         `json:"domain,omitempty"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogConfig controls where conversation logs are written.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// NoopConversationLogger discards every event.
type NoopConversationLogger struct{}

// Log implements ConversationLogger.
func (NoopConversationLogger) Log(ConversationLogEvent) {}

// Close implements ConversationLogger.
func (NoopConversationLogger) Close() error { return nil }

type fileConversationLogger struct {
	cfg    ConversationLogConfig
	log    *slog.Logger
	queue  chan ConversationLogEvent
	done   chan struct{}
	mu     sync.RWMutex
	closed bool

	files  map[string]*os.File
	global *os.File
}

// NewConversationLogger returns a logger writing one NDJSON file per user session
// under cfg.Dir, plus an optional global file. Writes happen on a background
// goroutine; events are dropped when the queue is full.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return NoopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileConversationLogger{
		cfg:   cfg,
		log:   logger,
		queue: make(chan ConversationLogEvent, cfg.QueueSize),
		done:  make(chan struct{}),
		files: make(map[string]*os.File),
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.log.Warn("Conversation log queue full, dropping event",
			"user_id", event.UserID,
			"event_type", event.EventType,
		)
	}
}

func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	var firstErr error
	for key, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", key, err)
		}
	}
	if l.global != nil {
		if err := l.global.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close global log: %w", err)
		}
	}
	return firstErr
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.log.Warn("Failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if f, err := l.sessionFile(event.UserID, event.SessionID); err != nil {
			l.log.Warn("Failed to open conversation log", "error", err, "user_id", event.UserID)
		} else if _, err := f.Write(line); err != nil {
			l.log.Warn("Failed to write conversation log", "error", err, "user_id", event.UserID)
		}

		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.log.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *fileConversationLogger) sessionFile(userID, sessionID string) (*os.File, error) {
	user := safePathComponent(userID, "anonymous")
	sess := safePathComponent(sessionID, "default")
	key := user + "/" + sess
	if f, ok := l.files[key]; ok {
		return f, nil
	}

	dir := filepath.Join(l.cfg.Dir, user)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, sess+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	l.files[key] = f
	return f, nil
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safePathComponent(v, fallback string) string {
	v = unsafePathChars.ReplaceAllString(strings.TrimSpace(v), "_")
	v = strings.Trim(v, ".")
	if v == "" {
		return fallback
	}
	return v
}

var (
	ansiCSI = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)
)

// cleanForReadability strips terminal escape sequences and control characters.
func cleanForReadability(raw string) string {
	s := ansiOSC.ReplaceAllString(raw, "")
	s = ansiCSI.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
