package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RollupRow is the summed count of one group value on one day.
type RollupRow struct {
	GroupValue string `gorm:"column:group_value"`
	Total      int64  `gorm:"column:total"`
	ForDate    string `gorm:"column:for_date"`
}

// RollupQuery selects aggregate sums grouped by GroupBy and day, for days on or after Since.
type RollupQuery struct {
	GroupBy    Column
	Since      string
	ExcludeAll bool
}

// GroupTotal is the all-time event count of one group with its display name, if known.
type GroupTotal struct {
	GroupKey    string `gorm:"column:group_key"`
	DisplayName string `gorm:"column:display_name"`
	Total       int64  `gorm:"column:total"`
}

// Name returns the display name, falling back to the group key.
func (g GroupTotal) Name() string {
	if g.DisplayName != "" {
		return g.DisplayName
	}
	return g.GroupKey
}

// LatestAggregateDate returns the most recent for_date present in the aggregate table.
func (s *Store) LatestAggregateDate(ctx context.Context) (string, bool, error) {
	var row AggregateRow
	err := s.db.WithContext(ctx).
		Select(string(ColumnForDate)).
		Order(string(ColumnForDate) + " DESC").
		Take(&row).Error
	return s.singleValue("latest_aggregate_date", row.ForDate, err)
}

// EarliestEventTime returns the oldest occurred_at among stored events.
func (s *Store) EarliestEventTime(ctx context.Context) (string, bool, error) {
	var event Event
	err := s.db.WithContext(ctx).
		Select(string(ColumnOccurredAt)).
		Order(string(ColumnOccurredAt) + " ASC").
		Take(&event).Error
	return s.singleValue("earliest_event_time", event.OccurredAt, err)
}

// LatestEventTime returns the newest occurred_at recorded for a logical stream.
func (s *Store) LatestEventTime(ctx context.Context, stream string) (string, bool, error) {
	var event Event
	err := s.db.WithContext(ctx).
		Select(string(ColumnOccurredAt)).
		Where("stream = ?", stream).
		Order(string(ColumnOccurredAt) + " DESC").
		Take(&event).Error
	return s.singleValue("latest_event_time", event.OccurredAt, err)
}

func (s *Store) singleValue(reason, value string, err error) (string, bool, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		s.logError(opQuery, reason, err)
		return "", false, storageFault(opQuery, reason, err)
	}
	return value, true, nil
}

// EventsBetween returns the events with start <= occurred_at < end, oldest first.
func (s *Store) EventsBetween(ctx context.Context, start, end string) ([]Event, error) {
	var events []Event
	err := s.db.WithContext(ctx).
		Where("occurred_at >= ? AND occurred_at < ?", start, end).
		Order("occurred_at ASC, natural_key ASC").
		Find(&events).Error
	if err != nil {
		s.logError(opQuery, "events_between", err, zap.String("start", start), zap.String("end", end))
		return nil, storageFault(opQuery, "events_between", err)
	}
	return events, nil
}

// AggregatesOn returns every aggregate row stored for a day.
func (s *Store) AggregatesOn(ctx context.Context, forDate string) ([]AggregateRow, error) {
	var rows []AggregateRow
	err := s.db.WithContext(ctx).
		Where("for_date = ?", forDate).
		Order("group_key ASC").
		Find(&rows).Error
	if err != nil {
		s.logError(opQuery, "aggregates_on", err, zap.String("for_date", forDate))
		return nil, storageFault(opQuery, "aggregates_on", err)
	}
	return rows, nil
}

// CountAggregates returns the number of stored aggregate rows.
func (s *Store) CountAggregates(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AggregateRow{}).Count(&count).Error; err != nil {
		s.logError(opQuery, "count_aggregates", err)
		return 0, storageFault(opQuery, "count_aggregates", err)
	}
	return count, nil
}

// CountEvents returns the number of stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Event{}).Count(&count).Error; err != nil {
		s.logError(opQuery, "count_events", err)
		return 0, storageFault(opQuery, "count_events", err)
	}
	return count, nil
}

// Rollups sums aggregate counts per group value and day.
func (s *Store) Rollups(ctx context.Context, q RollupQuery) ([]RollupRow, error) {
	if q.GroupBy != ColumnGroupKey && q.GroupBy != ColumnCategory {
		return nil, newStoreError(opQuery, "invalid_group_by", fmt.Errorf("%w: group by %q", ErrInvalidQuery, q.GroupBy))
	}

	tx := s.db.WithContext(ctx).
		Model(&AggregateRow{}).
		Select(fmt.Sprintf("COALESCE(%s, '') AS group_value, CAST(SUM(event_count) AS BIGINT) AS total, for_date", q.GroupBy)).
		Where("for_date >= ?", q.Since)
	if q.ExcludeAll {
		tx = tx.Where("group_key <> ?", AllGroupKey)
	}

	var rows []RollupRow
	err := tx.
		Group(fmt.Sprintf("COALESCE(%s, ''), for_date", q.GroupBy)).
		Order("for_date ASC, group_value DESC").
		Scan(&rows).Error
	if err != nil {
		s.logError(opQuery, "rollups", err, zap.String("group_by", string(q.GroupBy)))
		return nil, storageFault(opQuery, "rollups", err)
	}
	return rows, nil
}

// DimensionNames maps every known dimension id to its display name.
func (s *Store) DimensionNames(ctx context.Context) (map[string]string, error) {
	var dimensions []Dimension
	if err := s.db.WithContext(ctx).Find(&dimensions).Error; err != nil {
		s.logError(opQuery, "dimension_names", err)
		return nil, storageFault(opQuery, "dimension_names", err)
	}
	names := make(map[string]string, len(dimensions))
	for _, dimension := range dimensions {
		names[dimension.ID] = dimension.DisplayName
	}
	return names, nil
}

// HasDimension reports whether id already has a display-name mapping.
func (s *Store) HasDimension(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Dimension{}).Where("id = ?", id).Count(&count).Error; err != nil {
		s.logError(opQuery, "has_dimension", err, zap.String("dimension_id", id))
		return false, storageFault(opQuery, "has_dimension", err)
	}
	return count > 0, nil
}

// ChannelTotals counts all stored events per group, largest first. Events are grouped the
// same way the aggregator groups them: by user when present, otherwise by channel.
func (s *Store) ChannelTotals(ctx context.Context) ([]GroupTotal, error) {
	const totalsSQL = `
SELECT g.group_key AS group_key, COALESCE(d.display_name, '') AS display_name, g.total AS total
FROM (
    SELECT COALESCE(NULLIF(user_id, ''), NULLIF(channel_id, ''), ?) AS group_key, COUNT(*) AS total
    FROM events
    GROUP BY 1
) g
LEFT JOIN dimensions d ON d.id = g.group_key
ORDER BY g.total DESC, g.group_key ASC`

	var totals []GroupTotal
	if err := s.db.WithContext(ctx).Raw(totalsSQL, UnknownGroupKey).Scan(&totals).Error; err != nil {
		s.logError(opQuery, "channel_totals", err)
		return nil, storageFault(opQuery, "channel_totals", err)
	}
	return totals, nil
}

// RecordAllTimeStats appends a snapshot row per group with its current all-time total.
// At most one set of snapshots is kept per calendar day; later calls that day record nothing.
func (s *Store) RecordAllTimeStats(ctx context.Context) (int, error) {
	now := s.clock()
	dayStart := s.normalizer.StartOfDay(now)
	var existing int64
	err := s.db.WithContext(ctx).Model(&StatSnapshot{}).
		Where("recorded_at >= ? AND recorded_at < ?", s.normalizer.Format(dayStart), s.normalizer.Format(s.normalizer.NextDay(dayStart))).
		Count(&existing).Error
	if err != nil {
		s.logError(opRecordStats, "lookup_failed", err)
		return 0, storageFault(opRecordStats, "lookup_failed", err)
	}
	if existing > 0 {
		return 0, nil
	}

	totals, err := s.ChannelTotals(ctx)
	if err != nil {
		return 0, err
	}
	if len(totals) == 0 {
		return 0, nil
	}

	recordedAt := s.normalizer.Format(now)
	snapshots := make([]StatSnapshot, 0, len(totals))
	for _, total := range totals {
		snapshots = append(snapshots, StatSnapshot{
			GroupKey:    total.GroupKey,
			DisplayName: total.DisplayName,
			Total:       total.Total,
			RecordedAt:  recordedAt,
		})
	}
	if err := s.db.WithContext(ctx).Create(&snapshots).Error; err != nil {
		s.logError(opRecordStats, "insert_failed", err)
		return 0, storageFault(opRecordStats, "insert_failed", err)
	}
	return len(snapshots), nil
}
