package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/aggregate"
	"github.com/MarcoPoloResearchLab/daystats/internal/delivery"
	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"go.uber.org/zap"
)

// DefaultTopChannels is the number of busiest channels that get their own artifact.
const DefaultTopChannels = 5

const (
	opPublish       = "report.publish"
	opPublishDigest = "report.publish.digest"
)

var errMissingDependency = errors.New("missing dependency")

// ServiceError carries the operation code of a failed publishing step.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Config describes the dependencies of a Publisher.
type Config struct {
	Aggregator    *aggregate.Aggregator
	Store         *store.Store
	GraphsTracker *delivery.Tracker
	DaysTracker   *delivery.Tracker
	Renderer      Renderer
	Notifier      Notifier
	Clock         func() time.Time
	Location      *time.Location
	WindowDays    int
	TopChannels   int
	Logger        *zap.Logger
}

// Publisher renders the trailing-window artifacts and the daily digest, delivering each
// at most once across runs.
type Publisher struct {
	aggregator  *aggregate.Aggregator
	store       *store.Store
	graphs      *delivery.Tracker
	days        *delivery.Tracker
	renderer    Renderer
	notifier    Notifier
	clock       func() time.Time
	location    *time.Location
	windowDays  int
	topChannels int
	logger      *zap.Logger
}

// Result summarizes one publishing pass.
type Result struct {
	Rendered   int
	Delivered  int
	Skipped    int
	DigestSent bool
}

// NewPublisher constructs a Publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	switch {
	case cfg.Aggregator == nil:
		return nil, newServiceError(opPublish, "missing_aggregator", errMissingDependency)
	case cfg.Store == nil:
		return nil, newServiceError(opPublish, "missing_store", errMissingDependency)
	case cfg.GraphsTracker == nil || cfg.DaysTracker == nil:
		return nil, newServiceError(opPublish, "missing_tracker", errMissingDependency)
	case cfg.Renderer == nil:
		return nil, newServiceError(opPublish, "missing_renderer", errMissingDependency)
	case cfg.Notifier == nil:
		return nil, newServiceError(opPublish, "missing_notifier", errMissingDependency)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = cfg.Store.Normalizer().Location()
	}
	windowDays := cfg.WindowDays
	if windowDays <= 0 {
		windowDays = aggregate.DefaultWindowDays
	}
	topChannels := cfg.TopChannels
	if topChannels <= 0 {
		topChannels = DefaultTopChannels
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		aggregator:  cfg.Aggregator,
		store:       cfg.Store,
		graphs:      cfg.GraphsTracker,
		days:        cfg.DaysTracker,
		renderer:    cfg.Renderer,
		notifier:    cfg.Notifier,
		clock:       clock,
		location:    location,
		windowDays:  windowDays,
		topChannels: topChannels,
		logger:      logger,
	}, nil
}

// Publish renders and delivers the channel and category artifacts, then the daily digest.
// Artifacts whose key is already in the graphs ledger are not delivered again.
func (p *Publisher) Publish(ctx context.Context) (Result, error) {
	var result Result
	now := p.clock().In(p.location)

	artifacts, err := p.artifacts(ctx, now)
	if err != nil {
		return result, err
	}

	for _, artifact := range artifacts {
		key, err := p.renderer.Render(ctx, artifact)
		if err != nil {
			p.logError(opPublish, "render_failed", err, zap.String("artifact", artifact.Name))
			return result, newServiceError(opPublish, "render_failed", err)
		}
		result.Rendered++

		caption := artifact.Caption
		outcome, err := p.graphs.RecordAndAttempt(ctx, key, func(ctx context.Context) error {
			return p.notifier.Deliver(ctx, key, caption)
		})
		if err != nil {
			// Keys delivered so far still need to reach the ledger.
			if flushErr := p.graphs.Flush(); flushErr != nil {
				p.logError(opPublish, "flush_failed", flushErr)
			}
			p.logError(opPublish, "deliver_failed", err, zap.String("key", key))
			return result, newServiceError(opPublish, "deliver_failed", err)
		}
		if outcome == delivery.Delivered {
			result.Delivered++
		} else {
			result.Skipped++
		}
	}

	if result.Delivered > 0 {
		if err := p.graphs.Flush(); err != nil {
			return result, newServiceError(opPublish, "flush_failed", err)
		}
		if err := p.notifier.Announce(ctx, fmt.Sprintf("Sent %d graphs", result.Delivered)); err != nil {
			return result, newServiceError(opPublish, "announce_failed", err)
		}
	}

	sent, err := p.publishDigest(ctx, now)
	if err != nil {
		return result, err
	}
	result.DigestSent = sent

	p.logger.Info("publishing finished",
		zap.Int("rendered", result.Rendered),
		zap.Int("delivered", result.Delivered),
		zap.Int("skipped", result.Skipped),
		zap.Bool("digest_sent", result.DigestSent))
	return result, nil
}

func (p *Publisher) artifacts(ctx context.Context, now time.Time) ([]Artifact, error) {
	since := p.aggregator.TrailingWindowStart(p.windowDays)

	channelRollups, err := p.aggregator.RollupsFor(ctx, aggregate.GroupByChannel, since)
	if err != nil {
		return nil, newServiceError(opPublish, "channel_rollups_failed", err)
	}
	categoryRollups, err := p.aggregator.RollupsFor(ctx, aggregate.GroupByCategory, since)
	if err != nil {
		return nil, newServiceError(opPublish, "category_rollups_failed", err)
	}
	if len(channelRollups) == 0 {
		return nil, nil
	}

	names, err := p.store.DimensionNames(ctx)
	if err != nil {
		return nil, newServiceError(opPublish, "dimension_names_failed", err)
	}
	label := func(group string) string {
		if name, ok := names[group]; ok && name != "" {
			return name
		}
		return group
	}
	window := fmt.Sprintf("last %d days", p.windowDays)

	artifacts := []Artifact{
		buildArtifact("channels-all", "All events per day ("+window+")", now, channelRollups, []string{store.AllGroupKey}, label, true),
	}
	for _, group := range topGroups(channelRollups, p.topChannels, store.AllGroupKey) {
		artifacts = append(artifacts, buildArtifact(
			"channels-"+slug(group),
			fmt.Sprintf("Events per day in %s (%s)", label(group), window),
			now, channelRollups, []string{group}, label, true))
	}

	if len(categoryRollups) > 0 {
		categories := topGroups(categoryRollups, 0, "")
		artifacts = append(artifacts, buildArtifact(
			"categories",
			"Events per day by category ("+window+")",
			now, categoryRollups, categories, func(category string) string {
				if category == "" {
					return "uncategorized"
				}
				return category
			}, false))
	}
	return artifacts, nil
}

// publishDigest announces the all-time top channels once per calendar day.
func (p *Publisher) publishDigest(ctx context.Context, now time.Time) (bool, error) {
	key := delivery.DayKey(now, p.location)
	outcome, err := p.days.RecordAndAttempt(ctx, key, func(ctx context.Context) error {
		totals, err := p.store.ChannelTotals(ctx)
		if err != nil {
			return err
		}
		if len(totals) == 0 {
			return p.notifier.Announce(ctx, "No events recorded yet")
		}
		if _, err := p.store.RecordAllTimeStats(ctx); err != nil {
			return err
		}
		return p.notifier.Announce(ctx, digestText(totals, p.topChannels))
	})
	if err != nil {
		p.logError(opPublishDigest, "digest_failed", err, zap.String("key", key))
		return false, newServiceError(opPublishDigest, "digest_failed", err)
	}
	if outcome == delivery.Skipped {
		return false, nil
	}
	if err := p.days.Flush(); err != nil {
		return true, newServiceError(opPublishDigest, "flush_failed", err)
	}
	return true, nil
}

func digestText(totals []store.GroupTotal, limit int) string {
	if len(totals) > limit {
		totals = totals[:limit]
	}
	var builder strings.Builder
	builder.WriteString("Top channels of all time:")
	for index, total := range totals {
		fmt.Fprintf(&builder, "\n%d. %s: %d", index+1, total.Name(), total.Total)
	}
	return builder.String()
}

func (p *Publisher) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	p.logger.Error("report operation failed", allFields...)
}
