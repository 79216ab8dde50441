// Package report renders rollup artifacts and delivers them through the delivery ledgers.
package report

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/aggregate"
	"github.com/samber/lo"
)

// Series is one named line of an artifact, aligned with the artifact's days.
type Series struct {
	Name   string
	Counts []int64
}

// Artifact is a renderable table of per-day counts.
type Artifact struct {
	Name    string
	Caption string
	Date    time.Time
	Days    []string
	Series  []Series
}

// Renderer turns an artifact into a stored file and returns its key.
type Renderer interface {
	Render(ctx context.Context, artifact Artifact) (string, error)
}

// Notifier sends rendered artifacts and short notices to their audience.
type Notifier interface {
	Deliver(ctx context.Context, key, caption string) error
	Announce(ctx context.Context, text string) error
}

// buildArtifact lays out rollups as one series per group over the distinct days present.
// Groups are ordered as listed in groups; days without a row count as zero. With
// splitWeekend each group gets a second series holding its Saturday and Sunday counts,
// and the first series keeps only weekdays.
func buildArtifact(name, caption string, date time.Time, rollups []aggregate.Rollup, groups []string, label func(string) string, splitWeekend bool) Artifact {
	days := lo.Uniq(lo.Map(rollups, func(r aggregate.Rollup, _ int) string { return dayOf(r.ForDate) }))
	sort.Strings(days)
	position := make(map[string]int, len(days))
	for index, day := range days {
		position[day] = index
	}

	weekday := make(map[string][]int64, len(groups))
	weekend := make(map[string][]int64, len(groups))
	for _, group := range groups {
		weekday[group] = make([]int64, len(days))
		weekend[group] = make([]int64, len(days))
	}
	for _, rollup := range rollups {
		series, ok := weekday[rollup.Group]
		if !ok {
			continue
		}
		if splitWeekend && isWeekend(rollup.Day) {
			series = weekend[rollup.Group]
		}
		series[position[dayOf(rollup.ForDate)]] += rollup.Count
	}

	series := make([]Series, 0, 2*len(groups))
	for _, group := range groups {
		series = append(series, Series{Name: label(group), Counts: weekday[group]})
		if splitWeekend {
			series = append(series, Series{Name: label(group) + " (weekend)", Counts: weekend[group]})
		}
	}
	return Artifact{Name: name, Caption: caption, Date: date, Days: days, Series: series}
}

func isWeekend(day time.Time) bool {
	weekday := day.Weekday()
	return weekday == time.Saturday || weekday == time.Sunday
}

// topGroups returns up to limit groups with the largest totals, excluding skip.
func topGroups(rollups []aggregate.Rollup, limit int, skip string) []string {
	totals := make(map[string]int64)
	for _, rollup := range rollups {
		if rollup.Group == skip {
			continue
		}
		totals[rollup.Group] += rollup.Count
	}
	groups := lo.Keys(totals)
	sort.Slice(groups, func(i, j int) bool {
		if totals[groups[i]] != totals[groups[j]] {
			return totals[groups[i]] > totals[groups[j]]
		}
		return groups[i] < groups[j]
	})
	if limit > 0 && len(groups) > limit {
		groups = groups[:limit]
	}
	return groups
}

func dayOf(forDate string) string {
	if index := strings.IndexByte(forDate, ' '); index > 0 {
		return forDate[:index]
	}
	return forDate
}

// slug makes a group key safe to use in a file name.
func slug(value string) string {
	var builder strings.Builder
	for _, r := range strings.ToLower(value) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	if builder.Len() == 0 {
		return "unnamed"
	}
	return builder.String()
}
