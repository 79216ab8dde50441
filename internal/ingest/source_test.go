package ingest

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakySource struct {
	failures int
	calls    int
	hint     time.Duration
	failWith error
}

func (f *flakySource) Streams(context.Context) ([]string, error) {
	return []string{"alpha"}, nil
}

func (f *flakySource) Fetch(context.Context, string, *time.Time) ([]RawEvent, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	if f.calls <= f.failures {
		return nil, &RateLimitedError{RetryAfter: f.hint}
	}
	return []RawEvent{{NaturalKey: "p/1"}}, nil
}

type recordedSleeps struct {
	delays []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, delay time.Duration) error {
	r.delays = append(r.delays, delay)
	return nil
}

func TestWithRetryBacksOffExponentially(t *testing.T) {
	source := &flakySource{failures: 2}
	sleeps := &recordedSleeps{}
	retrying := WithRetry(source, RetryOptions{Attempts: 4, BaseDelay: time.Second, Sleep: sleeps.sleep})

	events, err := retrying.Fetch(context.Background(), "alpha", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || source.calls != 3 {
		t.Fatalf("expected success on third call, got %d events after %d calls", len(events), source.calls)
	}
	if len(sleeps.delays) != 2 || sleeps.delays[0] != time.Second || sleeps.delays[1] != 2*time.Second {
		t.Fatalf("unexpected backoff delays %v", sleeps.delays)
	}
}

func TestWithRetryHonorsRetryAfterHint(t *testing.T) {
	source := &flakySource{failures: 1, hint: 7 * time.Second}
	sleeps := &recordedSleeps{}
	retrying := WithRetry(source, RetryOptions{Attempts: 2, BaseDelay: time.Second, Sleep: sleeps.sleep})
	if _, err := retrying.Fetch(context.Background(), "alpha", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeps.delays) != 1 || sleeps.delays[0] != 7*time.Second {
		t.Fatalf("expected hinted delay, got %v", sleeps.delays)
	}
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	source := &flakySource{failures: 10}
	sleeps := &recordedSleeps{}
	retrying := WithRetry(source, RetryOptions{Attempts: 3, BaseDelay: time.Millisecond, Sleep: sleeps.sleep})
	_, err := retrying.Fetch(context.Background(), "alpha", nil)
	if !errors.Is(err, ErrSourceRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if source.calls != 3 || len(sleeps.delays) != 2 {
		t.Fatalf("expected 3 calls and 2 sleeps, got %d and %d", source.calls, len(sleeps.delays))
	}
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	failure := errors.New("forbidden")
	source := &flakySource{failWith: failure}
	retrying := WithRetry(source, RetryOptions{Sleep: (&recordedSleeps{}).sleep})
	if _, err := retrying.Fetch(context.Background(), "alpha", nil); !errors.Is(err, failure) {
		t.Fatalf("expected original error, got %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected a single call, got %d", source.calls)
	}
}

func TestRateLimitedErrorMatchesSentinel(t *testing.T) {
	var err error = &RateLimitedError{RetryAfter: time.Second}
	if !errors.Is(err, ErrSourceRateLimited) {
		t.Fatalf("expected rate limited error to match sentinel")
	}
}

func TestCompositeKeyTrimsParts(t *testing.T) {
	if key := CompositeKey(" r-1 ", "a-2"); key != "r-1:a-2" {
		t.Fatalf("unexpected key %q", key)
	}
}
