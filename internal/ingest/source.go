package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"github.com/MarcoPoloResearchLab/daystats/internal/timefmt"
	"go.uber.org/zap"
)

// ErrSourceRateLimited reports that the event source kept refusing requests.
var ErrSourceRateLimited = errors.New("ingest: source rate limited")

// RawEvent is one record as yielded by a Source.
type RawEvent struct {
	Stream      string
	ChannelID   string
	ChannelName string
	ChannelKind store.DimensionKind
	UserID      string
	UserName    string
	Type        string
	Body        string
	NaturalKey  string
	Timestamp   timefmt.Input
	Metadata    map[string]any
}

// Source yields raw events per logical stream. When after is set, Fetch returns only
// records at or after it.
type Source interface {
	Streams(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, stream string, after *time.Time) ([]RawEvent, error)
}

// CompositeKey joins identifiers into a natural key, e.g. a report id and an answer id.
func CompositeKey(parts ...string) string {
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed = append(trimmed, strings.TrimSpace(part))
	}
	return strings.Join(trimmed, ":")
}

// RateLimitedError is returned by a Source when the remote asks the caller to back off.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrSourceRateLimited
}

// RetryOptions bounds the retries of WithRetry.
type RetryOptions struct {
	Attempts  int
	BaseDelay time.Duration
	Logger    *zap.Logger
	Sleep     func(ctx context.Context, delay time.Duration) error
}

type retryingSource struct {
	source    Source
	attempts  int
	baseDelay time.Duration
	logger    *zap.Logger
	sleep     func(ctx context.Context, delay time.Duration) error
}

// WithRetry wraps source so that rate-limited fetches are retried with backoff, honoring
// the source's RetryAfter hint, up to options.Attempts tries in total.
func WithRetry(source Source, options RetryOptions) Source {
	attempts := options.Attempts
	if attempts <= 0 {
		attempts = 4
	}
	baseDelay := options.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 10 * time.Second
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := options.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &retryingSource{source: source, attempts: attempts, baseDelay: baseDelay, logger: logger, sleep: sleep}
}

func (r *retryingSource) Streams(ctx context.Context) ([]string, error) {
	return r.source.Streams(ctx)
}

func (r *retryingSource) Fetch(ctx context.Context, stream string, after *time.Time) ([]RawEvent, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		events, err := r.source.Fetch(ctx, stream, after)
		if err == nil {
			return events, nil
		}
		var limited *RateLimitedError
		if !errors.As(err, &limited) {
			return nil, err
		}
		lastErr = err
		if attempt == r.attempts-1 {
			break
		}

		delay := limited.RetryAfter
		if delay <= 0 {
			delay = r.baseDelay << attempt
		}
		r.logger.Warn("source rate limited, backing off",
			zap.String("stream", stream),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))
		if err := r.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: stream %s after %d attempts: %v", ErrSourceRateLimited, stream, r.attempts, lastErr)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
