package storage

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (json + jsonl history)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Archive is one superseded task set. Payloads stay opaque JSON so the
// drivers never chase the wire schema.
type Archive struct {
	ID         int64           `json:"id"`
	ArchivedAt time.Time       `json:"archived_at"`
	Tasks      json.RawMessage `json:"tasks"`
}
