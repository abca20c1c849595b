package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/credentials"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRepairsLegacyRows(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&commits.CommitCursor{}, &credentials.Card{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	cursors := []commits.CommitCursor{
		{DeviceID: "device-1", CommitID: "   ", UpdatedAtSeconds: 1},
		{DeviceID: "device-2", CommitID: "21321312", UpdatedAtSeconds: 1},
	}
	if err := database.Create(&cursors).Error; err != nil {
		testContext.Fatalf("failed to insert cursors: %v", err)
	}
	card := credentials.Card{UserID: "user-1", CreditCardID: "card-1", State: "active"}
	if err := database.Create(&card).Error; err != nil {
		testContext.Fatalf("failed to insert card: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []commits.CommitCursor
	if err := database.Order("device_id").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload cursors: %v", err)
	}
	if len(remaining) != 1 || remaining[0].DeviceID != "device-2" {
		testContext.Fatalf("expected only the non-blank cursor to remain, got %#v", remaining)
	}

	var stored credentials.Card
	if err := database.Where("user_id = ? AND credit_card_id = ?", card.UserID, card.CreditCardID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload card: %v", err)
	}
	if stored.State != credentials.StateActive {
		testContext.Fatalf("expected state to be uppercased, got %q", stored.State)
	}

	for _, name := range []string{migrationDropBlankCursors, migrationUppercaseCardStates} {
		var record migrationRecord
		if err := database.Where("name = ?", name).Take(&record).Error; err != nil {
			testContext.Fatalf("expected migration record %s to be created: %v", name, err)
		}
		if record.AppliedAtSeconds == 0 {
			testContext.Fatalf("expected migration timestamp to be set")
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "sesync.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"device_commit_cursors", "credential_cards", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
