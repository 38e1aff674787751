package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	logx "weekplan/pkg/logx"
)

// Store is the persistence API used by the planner and the HTTP layer.
//
// CurrentTaskSet and LatestReport return (nil, nil) when nothing has been
// stored yet.
type Store interface {
	CurrentTaskSet(ctx context.Context) (json.RawMessage, error)

	// ReplaceTaskSet archives the current set (if any) into history and
	// installs tasks as the new current set.
	ReplaceTaskSet(ctx context.Context, tasks json.RawMessage) error

	// History lists archived task sets, newest first, at most limit
	// entries (limit <= 0 means all).
	History(ctx context.Context, limit int) ([]Archive, error)

	// PruneHistory keeps the newest keep archives and drops the rest.
	PruneHistory(ctx context.Context, keep int) error

	SaveReport(ctx context.Context, report json.RawMessage) error
	LatestReport(ctx context.Context) (json.RawMessage, error)

	Close() error
}

// Open initializes the configured store.
// It returns ErrDisabled if no driver is configured; every consumer here
// requires a store, so a disabled config is a caller error.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, ErrDisabled
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
