package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"cruisectl/internal/cruise"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrConflict = errors.New("storage: too many concurrent updates")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process tables, lost on exit
//   - "file": memory tables persisted as a JSON snapshot + JSONL status journal
//   - "sqlite": SQLite database file
//   - "etcd": etcd cluster, CBOR values under Prefix
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Endpoints   []string      // etcd only
	Prefix      string        // etcd only; default DefaultEtcdPrefix
	DialTimeout time.Duration // etcd only; 0 means 5s
}

// StatusRecord is one status report pushed by the runner.
// Payload is opaque; records are never modified once appended.
type StatusRecord struct {
	ID      string          `json:"id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Backend is the persistence contract every driver satisfies.
//
// Every mutation is atomic: a reader never sees a cruise whose current mode
// has advanced while its assignments have not. Callbacks handed to View and
// ViewAll must neither modify nor retain the state they receive.
type Backend interface {
	// Put installs st under st.ID, replacing any cruise with that id.
	Put(ctx context.Context, st *cruise.State) (replaced bool, err error)
	// Create installs st only if no cruise with st.ID exists yet.
	Create(ctx context.Context, st *cruise.State) error
	// Delete removes a cruise; existed is false for unknown ids.
	Delete(ctx context.Context, id string) (existed bool, err error)
	// List returns every cruise id, sorted.
	List(ctx context.Context) ([]string, error)

	// View runs fn against one cruise. Unknown ids yield a NotFoundError.
	View(ctx context.Context, id string, fn func(st *cruise.State) error) error
	// ViewAll runs fn against every cruise from a single consistent read.
	ViewAll(ctx context.Context, fn func(st *cruise.State) error) error
	// Update runs fn against a private copy of one cruise and commits the
	// copy only if fn returns nil.
	Update(ctx context.Context, id string, fn func(st *cruise.State) error) error

	AppendStatus(ctx context.Context, rec StatusRecord) error
	// Statuses returns up to limit records, most recent first.
	// limit <= 0 returns all of them.
	Statuses(ctx context.Context, limit int) ([]StatusRecord, error)

	Close() error
}

func alreadyExists(id string) error {
	return cruise.Invalidf("cruise %q already exists", id)
}
