package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/credentials"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationDropBlankCursors    = "2026-09-02_drop_blank_commit_cursors"
	migrationUppercaseCardStates = "2026-09-30_uppercase_card_states"
)

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
		{name: migrationDropBlankCursors, apply: dropBlankCursors},
		{name: migrationUppercaseCardStates, apply: uppercaseCardStates},
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

// dropBlankCursors removes cursor rows without a commit id.
func dropBlankCursors(db *gorm.DB) error {
	return db.Where("trim(commit_id) = ''").Delete(&commits.CommitCursor{}).Error
}

func uppercaseCardStates(db *gorm.DB) error {
	return db.Model(&credentials.Card{}).
		Where("state <> upper(state)").
		Update("state", gorm.Expr("upper(state)")).Error
}
