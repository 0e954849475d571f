package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
)

// BadgerStore persists records in an embedded BadgerDB. It shares the
// database handle with the response cache; the key prefixes keep the two
// keyspaces apart. Closing the shared handle is the owner's job, so Close is
// a no-op here.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadger wraps an open Badger handle.
func NewBadger(db *badger.DB, logger *zap.Logger) *BadgerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerStore{db: db, logger: logger.Named("store")}
}

func actorKey(id actor.ID) []byte {
	return []byte(actorPrefix + string(id))
}

func ttpKey(id string) []byte {
	return []byte(ttpPrefix + id)
}

// changelogKey orders entries per actor by timestamp; the zero-padded
// nanosecond count keeps lexical and chronological order identical.
func changelogKey(entry actor.ChangeEntry) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%s", changelogPrefix, entry.ActorID, entry.At.UnixNano(), entry.EntryID))
}

func runKey(summary actor.RunSummary) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", runPrefix, summary.StartedAt.UnixNano(), summary.RunID))
}

func (s *BadgerStore) GetActor(ctx context.Context, id actor.ID) (*actor.Record, error) {
	var record actor.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(actorKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading actor %s: %w", id, err)
	}
	return &record, nil
}

func (s *BadgerStore) CommitActor(ctx context.Context, record *actor.Record, changes []actor.ChangeEntry) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding actor %s: %w", record.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(actorKey(record.ID), payload); err != nil {
			return err
		}
		for _, entry := range changes {
			row, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("encoding change entry %s: %w", entry.EntryID, err)
			}
			if err := txn.Set(changelogKey(entry), row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing actor %s: %w", record.ID, err)
	}
	return nil
}

func (s *BadgerStore) ListActorIDs(ctx context.Context) ([]actor.ID, error) {
	var ids []actor.ID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(actorPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			ids = append(ids, actor.ID(key[len(actorPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing actor ids: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *BadgerStore) ListActors(ctx context.Context) ([]*actor.Record, error) {
	var records []*actor.Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(actorPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var record actor.Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			})
			if err != nil {
				return err
			}
			records = append(records, &record)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing actors: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *BadgerStore) ListChanges(ctx context.Context, id actor.ID, limit int) ([]actor.ChangeEntry, error) {
	prefix := []byte(changelogPrefix + string(id) + ":")
	var entries []actor.ChangeEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		// Seek past the prefix range, then walk backwards: newest first.
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry actor.ChangeEntry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing changes for %s: %w", id, err)
	}
	return entries, nil
}

func (s *BadgerStore) UpsertTTPs(ctx context.Context, ttps []actor.TTP) error {
	// Write batches keep large catalogues out of a single oversized txn.
	batch := s.db.NewWriteBatch()
	defer batch.Cancel()

	for _, ttp := range ttps {
		payload, err := json.Marshal(ttp)
		if err != nil {
			return fmt.Errorf("encoding ttp %s: %w", ttp.ID, err)
		}
		if err := batch.Set(ttpKey(ttp.ID), payload); err != nil {
			return fmt.Errorf("writing ttp %s: %w", ttp.ID, err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("flushing ttp batch: %w", err)
	}
	return nil
}

func (s *BadgerStore) GetTTP(ctx context.Context, id string) (*actor.TTP, error) {
	var ttp actor.TTP
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ttpKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &ttp)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading ttp %s: %w", id, err)
	}
	return &ttp, nil
}

func (s *BadgerStore) ListTTPs(ctx context.Context) ([]actor.TTP, error) {
	var ttps []actor.TTP
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(ttpPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ttp actor.TTP
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &ttp)
			})
			if err != nil {
				return err
			}
			ttps = append(ttps, ttp)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing ttps: %w", err)
	}
	sort.Slice(ttps, func(i, j int) bool { return ttps[i].ID < ttps[j].ID })
	return ttps, nil
}

func (s *BadgerStore) RecordRun(ctx context.Context, summary actor.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding run summary: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(summary), payload)
	})
	if err != nil {
		return fmt.Errorf("recording run %s: %w", summary.RunID, err)
	}
	return nil
}

func (s *BadgerStore) LastRun(ctx context.Context) (*actor.RunSummary, error) {
	runs, err := s.ListRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNotFound
	}
	return &runs[0], nil
}

func (s *BadgerStore) ListRuns(ctx context.Context, limit int) ([]actor.RunSummary, error) {
	prefix := []byte(runPrefix)
	var runs []actor.RunSummary
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte(nil), prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var summary actor.RunSummary
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &summary)
			})
			if err != nil {
				return err
			}
			runs = append(runs, summary)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Close is a no-op: the Badger handle is owned by whoever opened it.
func (s *BadgerStore) Close() error {
	return nil
}
