package store

import (
	"context"
	"sort"
	"sync"

	"github.com/lvonguyen/actorforge/internal/actor"
)

// MemoryStore is the test backend: the full contract with no persistence.
type MemoryStore struct {
	mu      sync.RWMutex
	actors  map[actor.ID]*actor.Record
	ttps    map[string]actor.TTP
	changes map[actor.ID][]actor.ChangeEntry // newest first
	runs    []actor.RunSummary               // newest first
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		actors:  make(map[actor.ID]*actor.Record),
		ttps:    make(map[string]actor.TTP),
		changes: make(map[actor.ID][]actor.ChangeEntry),
	}
}

func (s *MemoryStore) GetActor(ctx context.Context, id actor.ID) (*actor.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.actors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) CommitActor(ctx context.Context, record *actor.Record, changes []actor.ChangeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actors[record.ID] = record.Clone()
	if len(changes) > 0 {
		merged := make([]actor.ChangeEntry, 0, len(changes)+len(s.changes[record.ID]))
		for i := len(changes) - 1; i >= 0; i-- {
			merged = append(merged, changes[i])
		}
		s.changes[record.ID] = append(merged, s.changes[record.ID]...)
	}
	return nil
}

func (s *MemoryStore) ListActorIDs(ctx context.Context) ([]actor.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]actor.ID, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) ListActors(ctx context.Context) ([]*actor.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]*actor.Record, 0, len(s.actors))
	for _, record := range s.actors {
		records = append(records, record.Clone())
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

func (s *MemoryStore) ListChanges(ctx context.Context, id actor.ID, limit int) ([]actor.ChangeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.changes[id]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return append([]actor.ChangeEntry(nil), entries...), nil
}

func (s *MemoryStore) UpsertTTPs(ctx context.Context, ttps []actor.TTP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ttp := range ttps {
		s.ttps[ttp.ID] = ttp
	}
	return nil
}

func (s *MemoryStore) GetTTP(ctx context.Context, id string) (*actor.TTP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ttp, ok := s.ttps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ttp, nil
}

func (s *MemoryStore) ListTTPs(ctx context.Context) ([]actor.TTP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ttps := make([]actor.TTP, 0, len(s.ttps))
	for _, ttp := range s.ttps {
		ttps = append(ttps, ttp)
	}
	sort.Slice(ttps, func(i, j int) bool { return ttps[i].ID < ttps[j].ID })
	return ttps, nil
}

func (s *MemoryStore) RecordRun(ctx context.Context, summary actor.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append([]actor.RunSummary{summary}, s.runs...)
	return nil
}

func (s *MemoryStore) LastRun(ctx context.Context) (*actor.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return nil, ErrNotFound
	}
	summary := s.runs[0]
	return &summary, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, limit int) ([]actor.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := s.runs
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return append([]actor.RunSummary(nil), runs...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
