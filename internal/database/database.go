package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/patent-dev/aria2-fleet/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type DB struct {
	*gorm.DB
}

func New(cfg *config.Config) (*DB, error) {
	var dialector gorm.Dialector

	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabasePath() + "?_foreign_keys=on&_busy_timeout=5000")
	case "postgres":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("ARIA2_FLEET_DB_DSN is required for postgres")
		}
		dialector = postgres.Open(cfg.DBDSN)
	case "mysql":
		if cfg.DBDSN == "" {
			return nil, fmt.Errorf("ARIA2_FLEET_DB_DSN is required for mysql")
		}
		dialector = mysql.Open(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.DBDriver)
	}

	db, err := Open(dialector, cfg.DevMode)
	if err != nil {
		return nil, err
	}

	slog.Info("Database connected", "driver", cfg.DBDriver)
	return db, nil
}

// Open connects with the given dialector and migrates the schema. SQLite
// connections are limited to one so that in-memory databases and
// per-connection pragmas behave.
func Open(dialector gorm.Dialector, devMode bool) (*DB, error) {
	gormLogger := logger.Default.LogMode(logger.Silent)
	if devMode {
		gormLogger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &DB{DB: db}, nil
}

func runMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&Binary{},
		&ArgumentTag{},
		&Argument{},
		&Profile{},
		&ArgumentPair{},
		&Instance{},
		&GID{},
		&Task{},
		&Webhook{},
		&Setting{},
	)
}

func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (db *DB) GetSetting(key string) (string, error) {
	var setting Setting
	if err := db.Where(&Setting{Key: key}).First(&setting).Error; err != nil {
		return "", err
	}
	return setting.Value, nil
}

func (db *DB) SetSetting(key, value string) error {
	return db.Save(&Setting{Key: key, Value: value}).Error
}

func (db *DB) HasSetting(key string) bool {
	var count int64
	db.Model(&Setting{}).Where(&Setting{Key: key}).Count(&count)
	return count > 0
}

func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
