package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimDimensionNames = "2026-10-05_trim_dimension_display_names"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimDimensionNames, apply: trimDimensionNames},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// UpsertDimension stored display names exactly as the source exported them until it
// started trimming them; names written before that may carry padding.
func trimDimensionNames(db *gorm.DB) error {
	return db.Model(&store.Dimension{}).
		Where("display_name <> TRIM(display_name)").
		Update("display_name", gorm.Expr("TRIM(display_name)")).Error
}
