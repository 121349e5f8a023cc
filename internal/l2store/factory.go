package l2store

import (
	"github.com/coderisk/cachecore/internal/config"
	"github.com/coderisk/cachecore/internal/errs"
	"github.com/sirupsen/logrus"
)

// Open constructs the configured durable store backend.
func Open(cfg config.StorageConfig, logger *logrus.Logger) (Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case "postgres":
		return NewPostgresStore(cfg.PostgresDSN, logger)
	case "bolt":
		return NewBoltStore(cfg.BoltPath)
	default:
		return nil, errs.Newf(errs.ConfigError, "unknown storage type %q", cfg.Type)
	}
}
