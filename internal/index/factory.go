package index

import (
	"context"
	"fmt"

	"github.com/cloudparity/parity/pkg/config"
	pkgerrors "github.com/cloudparity/parity/pkg/errors"
	"github.com/cloudparity/parity/pkg/logger"
)

// Open builds and connects the event index selected by cfg.Backend.
//
// When the Redis backend is selected but unreachable, Open logs the failure
// and falls back to the embedded SQLite backend so the service can start
// degraded rather than not at all. An unknown backend name is a
// configuration error.
func Open(ctx context.Context, cfg config.IndexConfig, redisCfg config.RedisConfig) (Index, error) {
	log := logger.WithComponent("event-index")

	switch cfg.Backend {
	case "redis":
		idx := NewRedis(redisCfg, cfg.TTL)
		err := idx.Connect(ctx)
		if err == nil {
			return idx, nil
		}
		log.Warn("redis index unavailable, falling back to sqlite",
			"addr", redisCfg.Addr,
			"error", err,
		)
		fallthrough
	case "sqlite":
		idx := NewSQLite(cfg.SQLitePath, cfg.TTL)
		if err := idx.Connect(ctx); err != nil {
			return nil, fmt.Errorf("opening sqlite index: %w", err)
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown index backend %q", pkgerrors.ErrInvalidInput, cfg.Backend)
	}
}
