package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/courierchat/courier/internal/account"
	"github.com/courierchat/courier/internal/applet"
	"github.com/courierchat/courier/internal/chat"
	"github.com/courierchat/courier/internal/transport"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate creates or updates the schema for every persisted relation.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&account.Account{},
		&chat.Chat{},
		&chat.Message{},
		&applet.Applet{},
		&applet.StatusUpdate{},
		&applet.SendRange{},
		&transport.SpoolEntry{},
		&migrationRecord{},
	)
}
