// Package storage opens the configured storage provider.
package storage

import (
	"fmt"

	"github.com/tjfontaine/polyglot-call-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-call-gateway/internal/pkg/config"
	"github.com/tjfontaine/polyglot-call-gateway/internal/storage/memory"
	"github.com/tjfontaine/polyglot-call-gateway/internal/storage/sqldb"
)

// NewProvider returns the storage backend named by cfg.Driver.
func NewProvider(cfg config.StorageConfig) (ports.StorageProvider, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite", "postgres", "":
		driver := cfg.Driver
		if driver == "" {
			driver = "sqlite"
		}
		store, err := sqldb.New(sqldb.Config{
			Driver:       driver,
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			MaxIdleConns: cfg.MaxIdleConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
