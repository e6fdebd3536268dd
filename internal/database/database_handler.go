package database

import (
	"fmt"
	"time"

	"mtdbench/internal/domain"
	"mtdbench/internal/support"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	DB *gorm.DB
)

const defaultSQLitePath = "data/mtdbench.db"

type Config struct {
	ExistingDB  *gorm.DB
	Dialector   gorm.Dialector
	Logger      logger.Interface
	AutoMigrate bool
	Migrations  []any
}

type Option func(*Config)

// SetupDB opens the store and migrates the simulation tables. Without options
// it uses postgres when DATABASE_URL is set and a sqlite file at SQLITE_PATH
// otherwise.
func SetupDB(opts ...Option) (*gorm.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	switch {
	case cfg.ExistingDB != nil:
		DB = cfg.ExistingDB
	case cfg.Dialector != nil:
		gormCfg := &gorm.Config{}
		if cfg.Logger != nil {
			gormCfg.Logger = cfg.Logger
		}
		db, err := gorm.Open(cfg.Dialector, gormCfg)
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		DB = db
		configureConnectionPool(db)
	default:
		return nil, fmt.Errorf("database: no dialector or existing connection provided")
	}

	if DB == nil {
		return nil, fmt.Errorf("database: connection was not configured")
	}

	if cfg.AutoMigrate && len(cfg.Migrations) > 0 {
		if err := DB.AutoMigrate(cfg.Migrations...); err != nil {
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		log.Info("Database migration completed.", "dialect", DB.Dialector.Name())
	}

	return DB, nil
}

func defaultConfig() Config {
	return Config{
		Dialector:   defaultDialector(),
		Logger:      silentLogger(),
		AutoMigrate: true,
		Migrations:  defaultMigrations(),
	}
}

func defaultDialector() gorm.Dialector {
	if dsn := support.GetEnv("DATABASE_URL", ""); dsn != "" {
		return postgres.Open(dsn)
	}
	return sqlite.Open(support.GetEnv("SQLITE_PATH", defaultSQLitePath))
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

func defaultMigrations() []any {
	return []any{
		domain.TrainingSample{},
		domain.SimulationRun{},
	}
}

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithMigrations(models ...any) Option {
	return func(cfg *Config) {
		if len(models) == 0 {
			cfg.Migrations = nil
			return
		}
		cfg.Migrations = append([]any(nil), models...)
	}
}

func configureConnectionPool(db *gorm.DB) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Error("database: get sql.DB", "error", err)
		return
	}

	maxOpen := support.GetEnvInt("DB_MAX_OPEN_CONNS", 8)
	maxIdle := support.GetEnvInt("DB_MAX_IDLE_CONNS", maxOpen)
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	connLifetimeSeconds := support.GetEnvInt("DB_CONN_MAX_LIFETIME", 300)

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connLifetimeSeconds > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(connLifetimeSeconds) * time.Second)
	}
}

// Close releases the shared connection.
func Close() error {
	if DB == nil {
		return nil
	}
	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("database: get sql.DB: %w", err)
	}
	DB = nil
	return sqlDB.Close()
}
