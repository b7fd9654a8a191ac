package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "chatgate/pkg/logx"
)

// Store is the minimal persistence API used by the gateway.
type Store interface {
	AppendDispatch(ctx context.Context, rec DispatchRecord) error
	PutIdempotency(ctx context.Context, key string, until time.Time) error
	GetIdempotency(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// PruneIdempotency drops expired keys and reports how many were removed.
	PruneIdempotency(ctx context.Context) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
