package metadata

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/supporttools/GoDRGuard/pkg/config"
)

// Open connects to the metadata database and runs migrations when enabled
func Open(cfg config.MetadataDBConfig, debug bool, log logrus.FieldLogger) (*gorm.DB, error) {
	db, err := Connect(cfg, debug)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}
	if log != nil {
		log.Infof("Connected to metadata database at %s:%d", cfg.Host, cfg.Port)
	}

	if cfg.AutoMigrate {
		if log != nil {
			log.Info("Running database migrations for metadata tables")
		}
		if err := RunMigrations(db); err != nil {
			_ = Close(db)
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
	}
	return db, nil
}

// DSN builds the go-sql-driver DSN for cfg
func DSN(cfg config.MetadataDBConfig) string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
}

// Connect establishes a connection to the database
func Connect(cfg config.MetadataDBConfig, debug bool) (*gorm.DB, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(mysql.Open(DSN(cfg)), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	lifetime := 5 * time.Minute
	if cfg.ConnMaxLifetime != "" {
		if d, err := time.ParseDuration(cfg.ConnMaxLifetime); err == nil {
			lifetime = d
		}
	}
	sqlDB.SetConnMaxLifetime(lifetime)

	return db, nil
}

// RunMigrations creates or updates the orchestration tables
func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&BackupConfig{},
		&BackupJob{},
		&BackupVerification{},
		&RecoveryJob{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}
	return sqlDB.Close()
}
