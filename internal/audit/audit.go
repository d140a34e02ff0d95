// Package audit implements the structured JSONL audit log described in
// spec §4.2: a bounded in-memory ring plus daily-rotated file append and
// live subscriber fan-out. Grounded on original_source
// app/services/triforce/audit_logger.py and adapted to gomind's mutex +
// structured-logging idiom (core/memory_store.go, orchestration/
// redis_task_queue.go).
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ailinux/llmesh/internal/meshlog"
	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/google/uuid"
)

const (
	defaultRingSize       = 1000
	defaultFlushThreshold = 100
)

var sensitiveKeyFragments = []string{"password", "api_key", "secret", "token", "credential"}

const sentinelValue = "***REDACTED***"
const maxParamStringLen = 500

// Subscriber receives a copy of every appended entry.
type Subscriber interface {
	Deliver(entry meshtypes.AuditEntry) error
}

// Log is the audit log singleton, created once during init and injected
// into every guarded component (§9 "shared singletons").
type Log struct {
	mu            sync.Mutex
	ring          []meshtypes.AuditEntry
	ringCap       int
	pending       []meshtypes.AuditEntry
	flushEvery    int
	dir           string
	logger        meshlog.Logger
	subscribers   map[int]Subscriber
	nextSubID     int
	currentDate   string
	currentFile   *os.File
	currentWriter *bufio.Writer
}

// Config configures the audit log's disk and ring behavior.
type Config struct {
	Dir            string
	RingSize       int
	FlushThreshold int
}

// New creates an audit log rooted at cfg.Dir.
func New(cfg Config, logger meshlog.Logger) (*Log, error) {
	if cfg.RingSize <= 0 {
		cfg.RingSize = defaultRingSize
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = defaultFlushThreshold
	}
	if logger == nil {
		logger = meshlog.NoOp()
	}
	if cal, ok := logger.(meshlog.ComponentAwareLogger); ok {
		logger = cal.WithComponent("audit")
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create dir: %w", err)
		}
	}
	return &Log{
		ring:        make([]meshtypes.AuditEntry, 0, cfg.RingSize),
		ringCap:     cfg.RingSize,
		flushEvery:  cfg.FlushThreshold,
		dir:         cfg.Dir,
		logger:      logger,
		subscribers: make(map[int]Subscriber),
	}, nil
}

// EntryParams is the set of fields a caller supplies when recording an
// entry; Timestamp and TraceID are filled in automatically when absent.
type EntryParams struct {
	TraceID         string
	SessionID       string
	CallerID        string
	Action          string
	Level           meshtypes.AuditLevel
	ToolName        string
	TargetEndpoint  string
	Params          map[string]any
	ResultStatus    string
	ExecutionTimeMs float64
	ErrorMessage    string
	Metadata        map[string]any
}

// Record appends one entry, broadcasts it to subscribers, and flushes to
// disk once the batch threshold is reached.
func (l *Log) Record(ctx context.Context, p EntryParams) meshtypes.AuditEntry {
	if p.TraceID == "" {
		p.TraceID = uuid.NewString()
	}
	if p.Level == "" {
		p.Level = meshtypes.LevelInfo
	}
	entry := meshtypes.AuditEntry{
		Timestamp:       time.Now().UTC(),
		TraceID:         p.TraceID,
		SessionID:       p.SessionID,
		CallerID:        p.CallerID,
		Action:          p.Action,
		Level:           p.Level,
		ToolName:        p.ToolName,
		TargetEndpoint:  p.TargetEndpoint,
		Params:          sanitizeParams(p.Params),
		ResultStatus:    p.ResultStatus,
		ExecutionTimeMs: p.ExecutionTimeMs,
		ErrorMessage:    p.ErrorMessage,
		Metadata:        p.Metadata,
	}

	l.mu.Lock()
	l.ring = append(l.ring, entry)
	if len(l.ring) > l.ringCap {
		l.ring = l.ring[len(l.ring)-l.ringCap:]
	}
	l.pending = append(l.pending, entry)
	shouldFlush := len(l.pending) >= l.flushEvery
	subs := make([]Subscriber, 0, len(l.subscribers))
	ids := make([]int, 0, len(l.subscribers))
	for id, s := range l.subscribers {
		subs = append(subs, s)
		ids = append(ids, id)
	}
	l.mu.Unlock()

	if shouldFlush {
		if err := l.Flush(); err != nil && l.logger != nil {
			l.logger.Error("audit flush failed", map[string]any{"error": err.Error()})
		}
	}

	for i, s := range subs {
		if err := s.Deliver(entry); err != nil {
			l.removeSubscriber(ids[i])
		}
	}

	return entry
}

// sanitizeParams replaces sensitive keys with a sentinel and truncates
// long strings, per §4.2.
func sanitizeParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		lower := strings.ToLower(k)
		sensitive := false
		for _, frag := range sensitiveKeyFragments {
			if strings.Contains(lower, frag) {
				sensitive = true
				break
			}
		}
		if sensitive {
			out[k] = sentinelValue
			continue
		}
		if s, ok := v.(string); ok && len(s) > maxParamStringLen {
			out[k] = s[:maxParamStringLen] + "...[truncated]"
			continue
		}
		out[k] = v
	}
	return out
}

// Subscribe registers a live subscriber and returns an id for Unsubscribe.
func (l *Log) Subscribe(s Subscriber) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = s
	return id
}

// Unsubscribe removes a subscriber by id.
func (l *Log) Unsubscribe(id int) {
	l.removeSubscriber(id)
}

func (l *Log) removeSubscriber(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscribers, id)
}

// Flush forces pending entries to disk immediately, rotating to a new
// daily file when the UTC date has changed.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if l.dir == "" || len(l.pending) == 0 {
		l.pending = l.pending[:0]
		return nil
	}
	today := time.Now().UTC().Format("2006-01-02")
	if err := l.rotateIfNeededLocked(today); err != nil {
		return err
	}
	for _, e := range l.pending {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if _, err := l.currentWriter.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("audit: write entry: %w", err)
		}
	}
	if err := l.currentWriter.Flush(); err != nil {
		return fmt.Errorf("audit: flush writer: %w", err)
	}
	l.pending = l.pending[:0]
	return nil
}

func (l *Log) rotateIfNeededLocked(today string) error {
	if today == l.currentDate && l.currentFile != nil {
		return nil
	}
	if l.currentFile != nil {
		_ = l.currentWriter.Flush()
		_ = l.currentFile.Close()
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit_%s.jsonl", today))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open rotation file: %w", err)
	}
	l.currentFile = f
	l.currentWriter = bufio.NewWriter(f)
	l.currentDate = today
	return nil
}

// LatestN returns the most recent n entries from the in-memory ring.
func (l *Log) LatestN(n int) []meshtypes.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 || n > len(l.ring) {
		n = len(l.ring)
	}
	out := make([]meshtypes.AuditEntry, n)
	copy(out, l.ring[len(l.ring)-n:])
	return out
}

// ByTrace returns ring entries matching traceID, oldest first.
func (l *Log) ByTrace(traceID string) []meshtypes.AuditEntry {
	return l.filter(func(e meshtypes.AuditEntry) bool { return e.TraceID == traceID })
}

// ByCaller returns ring entries matching callerID, oldest first.
func (l *Log) ByCaller(callerID string) []meshtypes.AuditEntry {
	return l.filter(func(e meshtypes.AuditEntry) bool { return e.CallerID == callerID })
}

// SecurityOnly returns ring entries at SECURITY level.
func (l *Log) SecurityOnly() []meshtypes.AuditEntry {
	return l.filter(func(e meshtypes.AuditEntry) bool { return e.Level == meshtypes.LevelSecurity })
}

// ErrorsOnly returns ring entries at ERROR level or above.
func (l *Log) ErrorsOnly() []meshtypes.AuditEntry {
	return l.filter(func(e meshtypes.AuditEntry) bool {
		return e.Level == meshtypes.LevelError || e.Level == meshtypes.LevelCritical
	})
}

func (l *Log) filter(pred func(meshtypes.AuditEntry) bool) []meshtypes.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]meshtypes.AuditEntry, 0)
	for _, e := range l.ring {
		if pred(e) {
			out = append(out, e)
		}
	}
	return out
}

// ByDate reloads and returns every entry recorded on the given UTC date
// (YYYY-MM-DD), reading straight from the rotated file rather than the
// in-memory ring.
func (l *Log) ByDate(date string) ([]meshtypes.AuditEntry, error) {
	if l.dir == "" {
		return nil, nil
	}
	path := filepath.Join(l.dir, fmt.Sprintf("audit_%s.jsonl", date))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	defer f.Close()

	var out []meshtypes.AuditEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e meshtypes.AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, scanner.Err()
}

// Close flushes and releases the current rotation file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	if l.currentFile != nil {
		return l.currentFile.Close()
	}
	return nil
}
