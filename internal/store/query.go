package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// Operator is a comparison allowed in a query condition.
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "<>"
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
)

func (o Operator) valid() bool {
	switch o {
	case OpEqual, OpNotEqual, OpGreater, OpGreaterOrEqual, OpLess, OpLessOrEqual:
		return true
	default:
		return false
	}
}

// Condition restricts a query to rows where Column Op Value holds.
type Condition struct {
	Column Column
	Op     Operator
	Value  any
}

// Query selects columns from one table. Rows come back in no particular order unless
// OrderBy is set.
type Query struct {
	Table      Table
	Columns    []Column
	Where      []Condition
	OrderBy    Column
	Descending bool
	Limit      int
}

func (q Query) validate() error {
	if _, ok := tableColumns[q.Table]; !ok {
		return fmt.Errorf("%w: unknown table %q", ErrInvalidQuery, q.Table)
	}
	if len(q.Columns) == 0 {
		return fmt.Errorf("%w: no columns selected", ErrInvalidQuery)
	}
	for _, column := range q.Columns {
		if !q.Table.HasColumn(column) {
			return fmt.Errorf("%w: column %q not in %q", ErrInvalidQuery, column, q.Table)
		}
	}
	for _, condition := range q.Where {
		if !q.Table.HasColumn(condition.Column) {
			return fmt.Errorf("%w: column %q not in %q", ErrInvalidQuery, condition.Column, q.Table)
		}
		if !condition.Op.valid() {
			return fmt.Errorf("%w: operator %q", ErrInvalidQuery, condition.Op)
		}
	}
	if q.OrderBy != "" && !q.Table.HasColumn(q.OrderBy) {
		return fmt.Errorf("%w: order column %q not in %q", ErrInvalidQuery, q.OrderBy, q.Table)
	}
	if q.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// Select runs q and returns each row as a column name to value mapping.
func (s *Store) Select(ctx context.Context, q Query) ([]map[string]any, error) {
	if err := q.validate(); err != nil {
		return nil, newStoreError(opSelect, "invalid_query", err)
	}

	columns := make([]string, 0, len(q.Columns))
	for _, column := range q.Columns {
		columns = append(columns, string(column))
	}

	tx := s.db.WithContext(ctx).Table(string(q.Table)).Select(columns)
	for _, condition := range q.Where {
		tx = tx.Where(fmt.Sprintf("? %s ?", condition.Op), clause.Column{Name: string(condition.Column)}, condition.Value)
	}
	if q.OrderBy != "" {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: string(q.OrderBy)}, Desc: q.Descending})
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		s.logError(opSelect, "query_failed", err, zap.String("table", string(q.Table)))
		return nil, storageFault(opSelect, "query_failed", err)
	}
	return rows, nil
}
