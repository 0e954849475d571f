// Package store persists merged actor records, the technique catalogue,
// field-level change history and run summaries. Three backends implement the
// same contract: BadgerDB (default, embedded), Redis, and an in-memory store
// for tests.
package store

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
)

var (
	// ErrNotFound is returned when a looked-up key does not exist.
	ErrNotFound = errors.New("record not found")
)

// Key prefixes shared by the Badger and Redis backends.
const (
	actorPrefix     = "actor:"
	ttpPrefix       = "ttp:"
	changelogPrefix = "changelog:"
	runPrefix       = "run:"
)

// Store is the persistence contract of the pipeline. Records are only ever
// created or overwritten, never deleted.
type Store interface {
	// GetActor returns the record for id, or ErrNotFound.
	GetActor(ctx context.Context, id actor.ID) (*actor.Record, error)
	// CommitActor writes the record and its change entries in one atomic
	// step: either both land or neither does.
	CommitActor(ctx context.Context, record *actor.Record, changes []actor.ChangeEntry) error
	// ListActorIDs returns all known canonical IDs, sorted.
	ListActorIDs(ctx context.Context) ([]actor.ID, error)
	// ListActors returns all records, sorted by ID.
	ListActors(ctx context.Context) ([]*actor.Record, error)
	// ListChanges returns an actor's change history, newest first, at most
	// limit entries (limit <= 0 means all).
	ListChanges(ctx context.Context, id actor.ID, limit int) ([]actor.ChangeEntry, error)

	// UpsertTTPs overwrites catalogue entries for the given techniques.
	UpsertTTPs(ctx context.Context, ttps []actor.TTP) error
	// GetTTP returns one technique by STIX id, or ErrNotFound.
	GetTTP(ctx context.Context, id string) (*actor.TTP, error)
	// ListTTPs returns the full catalogue, sorted by STIX id.
	ListTTPs(ctx context.Context) ([]actor.TTP, error)

	// RecordRun appends a run summary.
	RecordRun(ctx context.Context, summary actor.RunSummary) error
	// LastRun returns the most recent summary, or ErrNotFound.
	LastRun(ctx context.Context) (*actor.RunSummary, error)
	// ListRuns returns summaries newest first, at most limit (<= 0 all).
	ListRuns(ctx context.Context, limit int) ([]actor.RunSummary, error)

	Close() error
}

// Open constructs the backend selected in the configuration. The Badger
// backend shares the handle already opened for the response cache.
func Open(cfg *config.Config, db *badger.DB, logger *zap.Logger) (Store, error) {
	switch cfg.Data.Backend {
	case config.BackendBadger:
		return NewBadger(db, logger), nil
	case config.BackendRedis:
		return NewRedis(cfg.Redis, logger)
	case config.BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Data.Backend)
	}
}
