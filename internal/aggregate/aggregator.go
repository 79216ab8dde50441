package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/runid"
	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"github.com/MarcoPoloResearchLab/daystats/internal/timefmt"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// DefaultWindowDays is the trailing window served to report builders.
const DefaultWindowDays = 10

var (
	errMissingStore = errors.New("store is required")
	noOpLogger      = zap.NewNop()
)

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

const (
	opAggregatorNew = "aggregate.new"
	opRun           = "aggregate.run"
	opWatermark     = "aggregate.watermark"
	opRollupsFor    = "aggregate.rollups_for"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Config describes the dependencies of an Aggregator.
type Config struct {
	Store      *store.Store
	Clock      func() time.Time
	IDProvider runid.Provider
	Logger     *zap.Logger
}

// Aggregator rolls raw events up into one aggregate row per group and completed day.
type Aggregator struct {
	store      *store.Store
	clock      func() time.Time
	normalizer timefmt.Normalizer
	idProvider runid.Provider
	logger     *zap.Logger
}

// New constructs an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opAggregatorNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = runid.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Aggregator{
		store:      cfg.Store,
		clock:      clock,
		normalizer: cfg.Store.Normalizer(),
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// RunResult summarizes one aggregation pass.
type RunResult struct {
	RunID         string
	DaysProcessed int
	DaysSkipped   int
	RowsInserted  int
	Watermark     time.Time
	HasWatermark  bool
}

// Run aggregates every completed day after the watermark up to, but excluding, the
// current day. On a cold start it begins with the day of the oldest event. Days at or
// before the watermark are never revisited, so late events for them are not counted.
func (a *Aggregator) Run(ctx context.Context) (RunResult, error) {
	runID, err := a.idProvider.NewID()
	if err != nil {
		return RunResult{}, newServiceError(opRun, "id_generation_failed", err)
	}
	result := RunResult{RunID: runID}
	logger := a.logger.With(zap.String("run_id", runID))

	start, found, err := a.startingPoint(ctx)
	if err != nil {
		a.logError(opRun, "starting_point_failed", err, zap.String("run_id", runID))
		return result, newServiceError(opRun, "starting_point_failed", err)
	}
	if !found {
		logger.Info("nothing to aggregate")
		return result, nil
	}

	now := a.clock()
	for dayStart := start; !dayStart.After(now); dayStart = a.normalizer.NextDay(dayStart) {
		dayEnd := a.normalizer.NextDay(dayStart)
		forDate := a.normalizer.Format(dayStart)
		if dayEnd.After(now) {
			result.DaysSkipped++
			logger.Debug("skipping incomplete day", zap.String("for_date", forDate))
			continue
		}

		inserted, err := a.aggregateDay(ctx, dayStart, dayEnd)
		if err != nil {
			a.logError(opRun, "day_failed", err, zap.String("run_id", runID), zap.String("for_date", forDate))
			return result, newServiceError(opRun, "day_failed", fmt.Errorf("for_date %s: %w", forDate, err))
		}
		result.DaysProcessed++
		result.RowsInserted += inserted
		logger.Debug("day aggregated", zap.String("for_date", forDate), zap.Int("rows_inserted", inserted))
	}

	watermark, hasWatermark, err := a.Watermark(ctx)
	if err != nil {
		return result, err
	}
	result.Watermark = watermark
	result.HasWatermark = hasWatermark

	fields := []zap.Field{
		zap.Int("days_processed", result.DaysProcessed),
		zap.Int("days_skipped", result.DaysSkipped),
		zap.Int("rows_inserted", result.RowsInserted),
	}
	if hasWatermark {
		fields = append(fields, zap.String("watermark", a.normalizer.Format(watermark)))
	}
	logger.Info("aggregation finished", fields...)
	return result, nil
}

// Watermark returns the most recent day with stored aggregates.
func (a *Aggregator) Watermark(ctx context.Context) (time.Time, bool, error) {
	latest, found, err := a.store.LatestAggregateDate(ctx)
	if err != nil {
		return time.Time{}, false, newServiceError(opWatermark, "query_failed", err)
	}
	if !found {
		return time.Time{}, false, nil
	}
	parsed, err := a.normalizer.Parse(latest)
	if err != nil {
		return time.Time{}, false, newServiceError(opWatermark, "parse_failed", err)
	}
	return parsed, true, nil
}

// startingPoint is the day after the watermark, or the day of the oldest event on a
// cold start.
func (a *Aggregator) startingPoint(ctx context.Context) (time.Time, bool, error) {
	watermark, found, err := a.Watermark(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	if found {
		return a.normalizer.NextDay(watermark), true, nil
	}
	earliest, found, err := a.store.EarliestEventTime(ctx)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	parsed, err := a.normalizer.Parse(earliest)
	if err != nil {
		return time.Time{}, false, err
	}
	return a.normalizer.StartOfDay(parsed), true, nil
}

func (a *Aggregator) aggregateDay(ctx context.Context, dayStart, dayEnd time.Time) (int, error) {
	forDate := a.normalizer.Format(dayStart)
	inserted := 0
	err := a.store.WithinTransaction(ctx, func(tx *store.Store) error {
		events, err := tx.EventsBetween(ctx, forDate, a.normalizer.Format(dayEnd))
		if err != nil {
			return err
		}
		for _, row := range ComputeDay(forDate, events) {
			outcome, err := tx.IngestOrIgnore(ctx, row)
			if err != nil {
				return err
			}
			if outcome == store.Inserted {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ComputeDay builds the rollups of one day: an "all" row holding the total, and one row
// per group. Events are grouped by user when present, otherwise by channel; the group's
// category is the type of its first event.
func ComputeDay(forDate string, events []store.Event) []*store.AggregateRow {
	rows := make([]*store.AggregateRow, 0, 1+len(events))
	rows = append(rows, &store.AggregateRow{
		GroupKey: store.AllGroupKey,
		Count:    int64(len(events)),
		ForDate:  forDate,
	})

	groups := lo.GroupBy(events, groupKeyOf)
	keys := lo.Keys(groups)
	sort.Strings(keys)
	for _, key := range keys {
		members := groups[key]
		rows = append(rows, &store.AggregateRow{
			GroupKey: key,
			Category: categoryOf(members[0]),
			Count:    int64(len(members)),
			ForDate:  forDate,
		})
	}
	return rows
}

func groupKeyOf(event store.Event) string {
	if event.UserID != nil && *event.UserID != "" {
		return *event.UserID
	}
	if event.ChannelID != nil && *event.ChannelID != "" {
		return *event.ChannelID
	}
	return store.UnknownGroupKey
}

func categoryOf(event store.Event) *string {
	if event.Type == "" {
		return nil
	}
	category := event.Type
	return &category
}

func (a *Aggregator) loggerOrDefault() *zap.Logger {
	if a == nil || a.logger == nil {
		return noOpLogger
	}
	return a.logger
}

func (a *Aggregator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.loggerOrDefault().Error("aggregator error", attrs...)
}
