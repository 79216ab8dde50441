package store

import (
	"gorm.io/datatypes"
)

// Table enumerates the tables owned by the store.
type Table string

const (
	TableEvents        Table = "events"
	TableDimensions    Table = "dimensions"
	TableAggregates    Table = "aggregate_rows"
	TableStatSnapshots Table = "stat_snapshots"
)

// Column names a column of one of the store's tables.
type Column string

const (
	ColumnChannelID   Column = "channel_id"
	ColumnUserID      Column = "user_id"
	ColumnType        Column = "type"
	ColumnBody        Column = "body"
	ColumnNaturalKey  Column = "natural_key"
	ColumnOccurredAt  Column = "occurred_at"
	ColumnRecordedAt  Column = "recorded_at"
	ColumnStream      Column = "stream"
	ColumnID          Column = "id"
	ColumnDisplayName Column = "display_name"
	ColumnKind        Column = "kind"
	ColumnGroupKey    Column = "group_key"
	ColumnCategory    Column = "category"
	ColumnCount       Column = "event_count"
	ColumnForDate     Column = "for_date"
	ColumnTotal       Column = "total"
)

var tableColumns = map[Table]map[Column]struct{}{
	TableEvents: columnSet(ColumnChannelID, ColumnUserID, ColumnType, ColumnBody, ColumnNaturalKey,
		ColumnOccurredAt, ColumnRecordedAt, ColumnStream),
	TableDimensions:    columnSet(ColumnID, ColumnDisplayName, ColumnKind),
	TableAggregates:    columnSet(ColumnID, ColumnGroupKey, ColumnCategory, ColumnCount, ColumnForDate, ColumnRecordedAt),
	TableStatSnapshots: columnSet(ColumnID, ColumnGroupKey, ColumnDisplayName, ColumnTotal, ColumnRecordedAt),
}

func columnSet(columns ...Column) map[Column]struct{} {
	set := make(map[Column]struct{}, len(columns))
	for _, column := range columns {
		set[column] = struct{}{}
	}
	return set
}

// HasColumn reports whether column belongs to table.
func (t Table) HasColumn(column Column) bool {
	columns, ok := tableColumns[t]
	if !ok {
		return false
	}
	_, ok = columns[column]
	return ok
}

// AllGroupKey is the sentinel group holding the total for a day.
const AllGroupKey = "all"

// UnknownGroupKey groups events that carried neither a user nor a channel.
const UnknownGroupKey = "unknown"

// DimensionKind classifies a dimension entry.
type DimensionKind string

const (
	DimensionChannel DimensionKind = "channel"
	DimensionGroup   DimensionKind = "group"
	DimensionMPIM    DimensionKind = "mpim"
	DimensionUser    DimensionKind = "user"
)

// Record is a row that can be written through Ingest or IngestOrIgnore.
type Record interface {
	TableName() string
	table() Table
}

// Event is a raw ingested record.
type Event struct {
	NaturalKey string         `gorm:"column:natural_key;primaryKey;size:255;not null"`
	Stream     string         `gorm:"column:stream;size:128;not null;default:'';index:idx_events_stream_occurred,priority:1"`
	ChannelID  *string        `gorm:"column:channel_id;size:64"`
	UserID     *string        `gorm:"column:user_id;size:64"`
	Type       string         `gorm:"column:type;size:32;not null;default:''"`
	Body       string         `gorm:"column:body;type:text;not null;default:''"`
	OccurredAt string         `gorm:"column:occurred_at;size:19;not null;index;index:idx_events_stream_occurred,priority:2"`
	RecordedAt string         `gorm:"column:recorded_at;size:19;not null"`
	Metadata   datatypes.JSON `gorm:"column:metadata"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return string(TableEvents)
}

func (*Event) table() Table { return TableEvents }

// Dimension maps a channel or user identifier to its display name.
type Dimension struct {
	ID          string        `gorm:"column:id;primaryKey;size:64;not null"`
	DisplayName string        `gorm:"column:display_name;size:128;not null;default:''"`
	Kind        DimensionKind `gorm:"column:kind;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Dimension) TableName() string {
	return string(TableDimensions)
}

func (*Dimension) table() Table { return TableDimensions }

// AggregateRow is one rollup: the event count for a group on a calendar day.
type AggregateRow struct {
	ID         int64   `gorm:"column:id;primaryKey;autoIncrement"`
	GroupKey   string  `gorm:"column:group_key;size:64;not null;uniqueIndex:idx_aggregate_rows_group_date,priority:1"`
	Category   *string `gorm:"column:category;size:32"`
	Count      int64   `gorm:"column:event_count;not null;default:0"`
	ForDate    string  `gorm:"column:for_date;size:19;not null;index;uniqueIndex:idx_aggregate_rows_group_date,priority:2"`
	RecordedAt string  `gorm:"column:recorded_at;size:19;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AggregateRow) TableName() string {
	return string(TableAggregates)
}

func (*AggregateRow) table() Table { return TableAggregates }

// StatSnapshot records the all-time event total of a group at a point in time.
type StatSnapshot struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GroupKey    string `gorm:"column:group_key;size:64;not null;index"`
	DisplayName string `gorm:"column:display_name;size:128;not null;default:''"`
	Total       int64  `gorm:"column:total;not null;default:0"`
	RecordedAt  string `gorm:"column:recorded_at;size:19;not null"`
}

// TableName provides the explicit table binding for GORM.
func (StatSnapshot) TableName() string {
	return string(TableStatSnapshots)
}

func (*StatSnapshot) table() Table { return TableStatSnapshots }

// Models lists every persisted model for schema migration.
func Models() []any {
	return []any{&Event{}, &Dimension{}, &AggregateRow{}, &StatSnapshot{}}
}
