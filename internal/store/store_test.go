package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
)

// The three backends share one behavioral contract; every test below runs
// against each of them through the openStore factory.

type openStore func(t *testing.T) Store

func openMemory(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func openBadger(t *testing.T) Store {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewBadger(db, nil)
}

func openRedis(t *testing.T) Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	s, err := NewRedis(config.RedisConfig{Addr: addr, DB: 15, PoolSize: 4}, nil)
	if err != nil {
		t.Fatalf("connecting to redis: %v", err)
	}
	if err := s.client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flushing test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func backends() map[string]openStore {
	return map[string]openStore{
		"memory": openMemory,
		"badger": openBadger,
		"redis":  openRedis,
	}
}

func testRecord(id actor.ID, name string) *actor.Record {
	p := 50
	return &actor.Record{
		ID:              id,
		Name:            name,
		Aliases:         []string{"Alias One", "Alias Two"},
		OriginCountries: []string{"China"},
		Popularity:      &p,
		ContentHash:     "abc123",
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

// ============================================================
// Actor Record Contract
// ============================================================

func TestStoreActorRoundTrip(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			if _, err := s.GetActor(ctx, "intrusion-set--missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing actor: got %v, want ErrNotFound", err)
			}

			record := testRecord("intrusion-set--aaa", "Wicked Panda")
			if err := s.CommitActor(ctx, record, nil); err != nil {
				t.Fatalf("CommitActor: %v", err)
			}

			got, err := s.GetActor(ctx, record.ID)
			if err != nil {
				t.Fatalf("GetActor: %v", err)
			}
			if got.Name != "Wicked Panda" || len(got.Aliases) != 2 || *got.Popularity != 50 {
				t.Errorf("round-trip mismatch: %+v", got)
			}
			if !got.CreatedAt.Equal(record.CreatedAt) {
				t.Errorf("created at = %v, want %v", got.CreatedAt, record.CreatedAt)
			}
		})
	}
}

func TestStoreCommitOverwrites(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			record := testRecord("intrusion-set--aaa", "Old Name")
			if err := s.CommitActor(ctx, record, nil); err != nil {
				t.Fatalf("CommitActor: %v", err)
			}

			record.Name = "New Name"
			record.Aliases = append(record.Aliases, "Alias Three")
			if err := s.CommitActor(ctx, record, nil); err != nil {
				t.Fatalf("CommitActor overwrite: %v", err)
			}

			got, err := s.GetActor(ctx, record.ID)
			if err != nil {
				t.Fatalf("GetActor: %v", err)
			}
			if got.Name != "New Name" || len(got.Aliases) != 3 {
				t.Errorf("overwrite not visible: %+v", got)
			}
		})
	}
}

func TestStoreReturnsIsolatedCopies(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			record := testRecord("intrusion-set--aaa", "Wicked Panda")
			if err := s.CommitActor(ctx, record, nil); err != nil {
				t.Fatalf("CommitActor: %v", err)
			}

			first, _ := s.GetActor(ctx, record.ID)
			first.Aliases[0] = "mutated"
			first.Name = "mutated"

			second, _ := s.GetActor(ctx, record.ID)
			if second.Name != "Wicked Panda" || second.Aliases[0] != "Alias One" {
				t.Error("mutating a returned record leaked into the store")
			}
		})
	}
}

func TestStoreListActors(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			for _, id := range []actor.ID{"intrusion-set--ccc", "intrusion-set--aaa", "intrusion-set--bbb"} {
				if err := s.CommitActor(ctx, testRecord(id, string(id)), nil); err != nil {
					t.Fatalf("CommitActor: %v", err)
				}
			}

			ids, err := s.ListActorIDs(ctx)
			if err != nil {
				t.Fatalf("ListActorIDs: %v", err)
			}
			if len(ids) != 3 || ids[0] != "intrusion-set--aaa" || ids[2] != "intrusion-set--ccc" {
				t.Errorf("ids not sorted: %v", ids)
			}

			records, err := s.ListActors(ctx)
			if err != nil {
				t.Fatalf("ListActors: %v", err)
			}
			if len(records) != 3 || records[0].ID != "intrusion-set--aaa" {
				t.Errorf("records not sorted: got %d", len(records))
			}
		})
	}
}

// ============================================================
// Changelog Contract
// ============================================================

func TestStoreChangelogNewestFirst(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()
			id := actor.ID("intrusion-set--aaa")

			t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
			t2 := t1.Add(time.Hour)

			first := []actor.ChangeEntry{
				{EntryID: "e1", ActorID: id, Field: "name", New: "Wicked Panda", Action: actor.ActionCreate, At: t1},
				{EntryID: "e2", ActorID: id, Field: "aliases", New: "APT41", Action: actor.ActionCreate, At: t1},
			}
			if err := s.CommitActor(ctx, testRecord(id, "Wicked Panda"), first); err != nil {
				t.Fatalf("CommitActor: %v", err)
			}

			second := []actor.ChangeEntry{
				{EntryID: "e3", ActorID: id, Field: "description", Old: "", New: "updated", Action: actor.ActionUpdate, At: t2},
			}
			if err := s.CommitActor(ctx, testRecord(id, "Wicked Panda"), second); err != nil {
				t.Fatalf("CommitActor: %v", err)
			}

			all, err := s.ListChanges(ctx, id, 0)
			if err != nil {
				t.Fatalf("ListChanges: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("expected 3 entries, got %d", len(all))
			}
			if all[0].EntryID != "e3" {
				t.Errorf("newest entry first, got %s", all[0].EntryID)
			}

			top, err := s.ListChanges(ctx, id, 1)
			if err != nil {
				t.Fatalf("ListChanges limit: %v", err)
			}
			if len(top) != 1 || top[0].EntryID != "e3" {
				t.Errorf("limit 1 should return the newest entry, got %v", top)
			}

			// Another actor's history stays empty.
			other, err := s.ListChanges(ctx, "intrusion-set--bbb", 0)
			if err != nil {
				t.Fatalf("ListChanges other: %v", err)
			}
			if len(other) != 0 {
				t.Errorf("unrelated actor has %d entries", len(other))
			}
		})
	}
}

// ============================================================
// Technique Catalogue Contract
// ============================================================

func TestStoreTTPs(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			ttps := []actor.TTP{
				{ID: "attack-pattern--bbb", MitreID: "T1071", Name: "Application Layer Protocol"},
				{ID: "attack-pattern--aaa", MitreID: "T1059", Name: "Command and Scripting Interpreter"},
			}
			if err := s.UpsertTTPs(ctx, ttps); err != nil {
				t.Fatalf("UpsertTTPs: %v", err)
			}

			got, err := s.GetTTP(ctx, "attack-pattern--aaa")
			if err != nil {
				t.Fatalf("GetTTP: %v", err)
			}
			if got.MitreID != "T1059" {
				t.Errorf("mitre id = %q", got.MitreID)
			}

			if _, err := s.GetTTP(ctx, "attack-pattern--zzz"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing ttp: got %v, want ErrNotFound", err)
			}

			all, err := s.ListTTPs(ctx)
			if err != nil {
				t.Fatalf("ListTTPs: %v", err)
			}
			if len(all) != 2 || all[0].ID != "attack-pattern--aaa" {
				t.Errorf("catalogue not sorted: %v", all)
			}
		})
	}
}

// ============================================================
// Run Summary Contract
// ============================================================

func TestStoreRunSummaries(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			if _, err := s.LastRun(ctx); !errors.Is(err, ErrNotFound) {
				t.Fatalf("empty store: got %v, want ErrNotFound", err)
			}

			base := time.Date(2026, 8, 25, 6, 0, 0, 0, time.UTC)
			for i, runID := range []string{"run-1", "run-2", "run-3"} {
				summary := actor.RunSummary{
					RunID:      runID,
					Mode:       config.ModeOnce,
					StartedAt:  base.Add(time.Duration(i) * time.Hour),
					ActorsSeen: 10 + i,
				}
				if err := s.RecordRun(ctx, summary); err != nil {
					t.Fatalf("RecordRun: %v", err)
				}
			}

			last, err := s.LastRun(ctx)
			if err != nil {
				t.Fatalf("LastRun: %v", err)
			}
			if last.RunID != "run-3" || last.ActorsSeen != 12 {
				t.Errorf("last run = %+v", last)
			}

			runs, err := s.ListRuns(ctx, 2)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != 2 || runs[0].RunID != "run-3" || runs[1].RunID != "run-2" {
				t.Errorf("runs not newest-first: %v", runs)
			}
		})
	}
}

// ============================================================
// Factory Tests
// ============================================================

func TestOpenSelectsBackend(t *testing.T) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	defer db.Close()

	cfg := config.DefaultConfig()
	cfg.Data.Backend = config.BackendBadger
	s, err := Open(cfg, db, nil)
	if err != nil {
		t.Fatalf("Open badger: %v", err)
	}
	if _, ok := s.(*BadgerStore); !ok {
		t.Errorf("backend = %T, want *BadgerStore", s)
	}

	cfg.Data.Backend = config.BackendMemory
	s, err = Open(cfg, nil, nil)
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("backend = %T, want *MemoryStore", s)
	}

	cfg.Data.Backend = "mongo"
	if _, err := Open(cfg, nil, nil); err == nil {
		t.Error("unknown backend should fail")
	}
}
