package database

import (
	"fmt"
	"log"

	"github.com/deconst/client/internal/model"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the SQLite database at dsn and runs auto-migration
func Open(dsn string, level logger.LogLevel) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := db.AutoMigrate(&model.PreparationRun{}, &model.AuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Init initializes the SQLite database, exiting the process on failure
func Init(dbPath string) *gorm.DB {
	db, err := Open(dbPath, logger.Warn)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Enable WAL mode for better concurrent read performance
	sqlDB, _ := db.DB()
	sqlDB.Exec("PRAGMA journal_mode=WAL")

	// Runs left open by a previous process can never finish
	db.Model(&model.PreparationRun{}).
		Where("status = ?", model.RunRunning).
		Updates(map[string]interface{}{"status": model.RunCancelled, "detail": "interrupted by restart"})

	log.Println("Database initialized successfully")
	return db
}
