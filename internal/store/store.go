package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/timefmt"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrConstraintViolation reports that a record with the same unique key already exists.
	ErrConstraintViolation = errors.New("store: constraint violation")
	// ErrStorageFault wraps any failure of the backing database.
	ErrStorageFault = errors.New("store: storage fault")
	// ErrInvalidRecord reports a record that cannot be written as supplied.
	ErrInvalidRecord = errors.New("store: invalid record")
	// ErrInvalidQuery reports a query naming an unknown table, column or operator.
	ErrInvalidQuery = errors.New("store: invalid query")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
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
	opStoreNew       = "store.new"
	opIngest         = "store.ingest"
	opIngestOrIgnore = "store.ingest_or_ignore"
	opUpsertDim      = "store.upsert_dimension"
	opSelect         = "store.select"
	opQuery          = "store.query"
	opTransaction    = "store.transaction"
	opRecordStats    = "store.record_all_time_stats"
)

func newStoreError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func storageFault(operation, reason string, cause error) error {
	return newStoreError(operation, reason, fmt.Errorf("%w: %w", ErrStorageFault, cause))
}

// IngestResult reports what an idempotent insert did.
type IngestResult int

const (
	Inserted IngestResult = iota + 1
	AlreadyExists
)

func (r IngestResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Location *time.Location
	Logger   *zap.Logger
}

// Store is the single writer for events, dimensions, aggregates and stat snapshots.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	normalizer timefmt.Normalizer
	logger     *zap.Logger
}

// New constructs a Store over an already migrated database handle.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		normalizer: timefmt.NewNormalizer(cfg.Location),
		logger:     logger,
	}, nil
}

// Normalizer exposes the timestamp normalizer bound to the store's location.
func (s *Store) Normalizer() timefmt.Normalizer {
	return s.normalizer
}

func (s *Store) withDB(db *gorm.DB) *Store {
	return &Store{db: db, clock: s.clock, normalizer: s.normalizer, logger: s.logger}
}

// WithinTransaction runs fn against a store bound to a single transaction.
// The transaction commits only when fn returns nil.
func (s *Store) WithinTransaction(ctx context.Context, fn func(tx *Store) error) error {
	var unitErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		unitErr = fn(s.withDB(tx))
		return unitErr
	})
	if err == nil {
		return nil
	}
	if unitErr != nil {
		return unitErr
	}
	s.logError(opTransaction, "commit_failed", err)
	return storageFault(opTransaction, "commit_failed", err)
}

// IngestOrIgnore inserts record unless a row with the same unique key exists, in which
// case nothing is written and AlreadyExists is returned.
func (s *Store) IngestOrIgnore(ctx context.Context, record Record) (IngestResult, error) {
	if err := s.prepare(record); err != nil {
		return 0, newStoreError(opIngestOrIgnore, "invalid_record", err)
	}
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(record)
	if result.Error != nil {
		s.logError(opIngestOrIgnore, "insert_failed", result.Error, zap.String("table", string(record.table())))
		return 0, storageFault(opIngestOrIgnore, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

// Ingest inserts record and reports an existing row as ErrConstraintViolation.
func (s *Store) Ingest(ctx context.Context, record Record) error {
	outcome, err := s.IngestOrIgnore(ctx, record)
	if err != nil {
		return err
	}
	if outcome == AlreadyExists {
		return newStoreError(opIngest, "duplicate", fmt.Errorf("%w: %s", ErrConstraintViolation, record.table()))
	}
	return nil
}

// UpsertDimension inserts or replaces a display-name mapping. Names are stored trimmed.
func (s *Store) UpsertDimension(ctx context.Context, dimension Dimension) error {
	dimension.ID = strings.TrimSpace(dimension.ID)
	dimension.DisplayName = strings.TrimSpace(dimension.DisplayName)
	if dimension.ID == "" {
		return newStoreError(opUpsertDim, "invalid_record", fmt.Errorf("%w: empty dimension id", ErrInvalidRecord))
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: string(ColumnID)}},
			DoUpdates: clause.AssignmentColumns([]string{string(ColumnDisplayName), string(ColumnKind)}),
		}).
		Create(&dimension).Error
	if err != nil {
		s.logError(opUpsertDim, "upsert_failed", err, zap.String("dimension_id", dimension.ID))
		return storageFault(opUpsertDim, "upsert_failed", err)
	}
	return nil
}

func (s *Store) prepare(record Record) error {
	recordedAt := s.normalizer.Format(s.clock())
	switch typed := record.(type) {
	case *Event:
		if typed == nil || strings.TrimSpace(typed.NaturalKey) == "" {
			return fmt.Errorf("%w: event natural key is required", ErrInvalidRecord)
		}
		if strings.TrimSpace(typed.OccurredAt) == "" {
			return fmt.Errorf("%w: event timestamp is required", ErrInvalidRecord)
		}
		if typed.RecordedAt == "" {
			typed.RecordedAt = recordedAt
		}
	case *AggregateRow:
		if typed == nil || strings.TrimSpace(typed.GroupKey) == "" || strings.TrimSpace(typed.ForDate) == "" {
			return fmt.Errorf("%w: aggregate group and date are required", ErrInvalidRecord)
		}
		if typed.Count < 0 {
			return fmt.Errorf("%w: negative aggregate count %d", ErrInvalidRecord, typed.Count)
		}
		if typed.RecordedAt == "" {
			typed.RecordedAt = recordedAt
		}
	case *StatSnapshot:
		if typed == nil || strings.TrimSpace(typed.GroupKey) == "" {
			return fmt.Errorf("%w: snapshot group is required", ErrInvalidRecord)
		}
		if typed.RecordedAt == "" {
			typed.RecordedAt = recordedAt
		}
	case *Dimension:
		if typed == nil || strings.TrimSpace(typed.ID) == "" {
			return fmt.Errorf("%w: dimension id is required", ErrInvalidRecord)
		}
	case nil:
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	return nil
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store error", attrs...)
}
