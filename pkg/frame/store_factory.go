package frame

import (
	"fmt"
	"log/slog"
)

// StoreConfig selects and configures a Store backend.
type StoreConfig struct {
	Backend    string `env:"FRAMERELAY_STORE_BACKEND" envDefault:"sqlite"`
	SQLitePath string `env:"FRAMERELAY_SQLITE_PATH" envDefault:"./data/frames.db"`
	Postgres   PostgresConfig
}

// NewStore constructs a Store for cfg.Backend ("memory", "sqlite", or
// "postgres").
func NewStore(cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "memory":
		logger.Info("using in-memory frame store")
		return NewMemoryStore(), nil
	case "sqlite", "":
		logger.Info("using sqlite frame store", "path", cfg.SQLitePath)
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		logger.Info("using postgres frame store", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return NewPostgresStore(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
