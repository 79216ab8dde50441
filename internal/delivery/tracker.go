// Package delivery keeps the ledger of artifacts that already went out, so a re-run
// of the same job never sends them twice.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"
)

var (
	// ErrEmptyKey reports an attempt keyed by an empty artifact key.
	ErrEmptyKey = errors.New("delivery: artifact key is required")
	// ErrMissingAction reports an attempt without an action to run.
	ErrMissingAction = errors.New("delivery: action is required")
)

// Outcome reports what RecordAndAttempt did.
type Outcome int

const (
	// Skipped means the key was already delivered and the action did not run.
	Skipped Outcome = iota + 1
	// Delivered means the action ran successfully and the key was recorded.
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Delivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Tracker is an append-only ordered set of delivered artifact keys persisted as a YAML list.
type Tracker struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	keys  []string
	index map[string]struct{}
	dirty bool
}

// Load reads the ledger at path. A missing file yields an empty ledger; an unreadable one
// is logged and treated as empty.
func Load(path string, logger *zap.Logger) (*Tracker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("delivery: ledger path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tracker := &Tracker{
		path:   path,
		logger: logger,
		index:  make(map[string]struct{}),
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return tracker, nil
	}
	if err != nil {
		logger.Warn("delivery ledger unreadable, starting empty", zap.String("path", path), zap.Error(err))
		return tracker, nil
	}

	var keys []string
	if err := yaml.Unmarshal(content, &keys); err != nil {
		logger.Warn("delivery ledger malformed, starting empty", zap.String("path", path), zap.Error(err))
		return tracker, nil
	}
	for _, key := range keys {
		tracker.add(key)
	}
	tracker.dirty = false
	return tracker, nil
}

// Path returns the ledger file location.
func (t *Tracker) Path() string {
	return t.path
}

// Keys returns the delivered keys in insertion order.
func (t *Tracker) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.keys...)
}

// WasDelivered reports whether key is in the ledger.
func (t *Tracker) WasDelivered(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.index[key]
	return ok
}

// RecordAndAttempt runs action unless key was already delivered. The key is recorded in
// memory only when action succeeds; call Flush to persist it.
func (t *Tracker) RecordAndAttempt(ctx context.Context, key string, action func(context.Context) error) (Outcome, error) {
	if strings.TrimSpace(key) == "" {
		return 0, ErrEmptyKey
	}
	if action == nil {
		return 0, ErrMissingAction
	}
	if t.WasDelivered(key) {
		t.logger.Info("delivery skipped, already sent", zap.String("key", key))
		return Skipped, nil
	}
	if err := action(ctx); err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.add(key)
	t.mu.Unlock()
	return Delivered, nil
}

// Dirty reports whether keys were added since the last load or flush.
func (t *Tracker) Dirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

// Flush rewrites the ledger file when keys were added; otherwise it does nothing.
func (t *Tracker) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.dirty {
		return nil
	}

	content, err := yaml.Marshal(t.keys)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}

	tempPath := t.path + ".tmp"
	if err := os.WriteFile(tempPath, content, 0o644); err != nil {
		return err
	}
	// Rename replaces the ledger in one step; a crash leaves the old or the new list.
	if err := os.Rename(tempPath, t.path); err != nil {
		return err
	}
	t.dirty = false
	t.logger.Debug("delivery ledger flushed", zap.String("path", t.path), zap.Int("keys", len(t.keys)))
	return nil
}

func (t *Tracker) add(key string) {
	if _, ok := t.index[key]; ok {
		return
	}
	t.index[key] = struct{}{}
	t.keys = append(t.keys, key)
	t.dirty = true
}

// DayKey is the ledger key for a calendar day in loc, e.g. "2024-03-05".
func DayKey(moment time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return moment.In(loc).Format("2006-01-02")
}
