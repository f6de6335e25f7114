package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/courierchat/courier/internal/applet"
)

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:database_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestMigrationsRunOnce(t *testing.T) {
	db := newTestDatabase(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations must be idempotent: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Where("name = ?", migrationDropOrphanedSendRanges).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one migration record, got %d", count)
	}
}

func TestDropOrphanedSendRanges(t *testing.T) {
	db := newTestDatabase(t)

	instance := applet.Applet{AppletID: "applet-live", ChatID: "chat-1", ThreadID: "thread-1", Kind: applet.KindApplet}
	if err := db.Create(&instance).Error; err != nil {
		t.Fatalf("failed to seed applet: %v", err)
	}
	ranges := []applet.SendRange{
		{AppletID: "applet-live", FirstSerial: 1, LastSerial: 2},
		{AppletID: "applet-gone", FirstSerial: 5, LastSerial: 9},
	}
	for _, entry := range ranges {
		preserved := entry
		if err := db.Create(&preserved).Error; err != nil {
			t.Fatalf("failed to seed send range: %v", err)
		}
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var remaining []applet.SendRange
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatalf("failed to load ranges: %v", err)
	}
	if len(remaining) != 1 || remaining[0].AppletID != "applet-live" {
		t.Fatalf("expected only the live applet's range to survive, got %#v", remaining)
	}
}
