package database

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// ErrUnknownDriver is returned when DATABASE_DRIVER names an unsupported backend
var ErrUnknownDriver = errors.New("unknown database driver")

// UTCNow is the timestamp source for gorm-managed columns. Stored times are always UTC so
// comparisons behave the same on postgres and sqlite.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// Open opens a gorm connection for the given driver ("postgres" or "sqlite")
func Open(driver, dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: UTCNow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite" {
		// sqlite allows a single writer; one connection keeps claim transactions serialized
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Connect establishes the global database connection
func Connect(driver, dsn string, logLevel logger.LogLevel) error {
	db, err := Open(driver, dsn, logLevel)
	if err != nil {
		return err
	}
	DB = db
	slog.Info("database connection established", "driver", driver)
	return nil
}

// Models lists every table owned by the bridge, in migration order
func Models() []interface{} {
	return []interface{}{
		&BridgeConfig{},
		&RoutingRule{},
		&WebhookEvent{},
		&BridgeQueueItem{},
		&TriageItem{},
		&IssueMapping{},
		&DeadLetterItem{},
		&MetricsBucket{},
	}
}

// Migrate runs schema migrations against db
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// AutoMigrate runs database migrations on the global connection
func AutoMigrate() error {
	slog.Info("running database migrations")
	if err := Migrate(DB); err != nil {
		return err
	}
	slog.Info("database migrations completed")
	return nil
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

// Close closes the database connection
func Close() error {
	sqlDB, err := DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetBridgeConfig retrieves the active bridge config for a tenant.
// Accepts a db parameter so it can run inside a caller's transaction.
func GetBridgeConfig(db *gorm.DB, tenantID string) (*BridgeConfig, error) {
	var cfg BridgeConfig
	if err := db.Where("tenant_id = ?", tenantID).First(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}
