package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/store"
)

// GroupBy selects the dimension rollups are summed over.
type GroupBy string

const (
	GroupByChannel  GroupBy = "channel"
	GroupByCategory GroupBy = "category"
)

// ParseGroupBy validates a group-by name.
func ParseGroupBy(raw string) (GroupBy, error) {
	switch GroupBy(raw) {
	case GroupByChannel, GroupByCategory:
		return GroupBy(raw), nil
	default:
		return "", fmt.Errorf("unsupported group_by %q", raw)
	}
}

// Rollup is the summed count of one group on one day.
type Rollup struct {
	Group   string
	Count   int64
	ForDate string
	Day     time.Time
}

// TrailingWindowStart returns local midnight days days before today.
func (a *Aggregator) TrailingWindowStart(days int) time.Time {
	if days <= 0 {
		days = DefaultWindowDays
	}
	today := a.normalizer.StartOfDay(a.clock())
	return time.Date(today.Year(), today.Month(), today.Day()-days, 0, 0, 0, 0, a.normalizer.Location())
}

// RollupsFor returns per-day sums grouped by channel or by category for days on or
// after since, oldest day first. Channel rollups include the "all" group; category
// rollups do not, since the "all" row carries no category.
func (a *Aggregator) RollupsFor(ctx context.Context, groupBy GroupBy, since time.Time) ([]Rollup, error) {
	query := store.RollupQuery{Since: a.normalizer.Format(since)}
	switch groupBy {
	case GroupByChannel:
		query.GroupBy = store.ColumnGroupKey
	case GroupByCategory:
		query.GroupBy = store.ColumnCategory
		query.ExcludeAll = true
	default:
		return nil, newServiceError(opRollupsFor, "invalid_group_by", fmt.Errorf("unsupported group_by %q", groupBy))
	}

	rows, err := a.store.Rollups(ctx, query)
	if err != nil {
		return nil, newServiceError(opRollupsFor, "query_failed", err)
	}

	rollups := make([]Rollup, 0, len(rows))
	for _, row := range rows {
		day, err := a.normalizer.Parse(row.ForDate)
		if err != nil {
			return nil, newServiceError(opRollupsFor, "parse_failed", err)
		}
		rollups = append(rollups, Rollup{
			Group:   row.GroupValue,
			Count:   row.Total,
			ForDate: row.ForDate,
			Day:     day,
		})
	}
	return rollups, nil
}
