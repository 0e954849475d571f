// Package identity assigns canonical actor IDs. The resolver is seeded from
// the authoritative bulk source once per run; fragments from the other
// sources then join an existing identity or stay unmatched. Nothing in this
// package ever mints a new identity for an unmatched fragment.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
)

// ErrUnmatched reports a fragment that joined no seeded identity.
var ErrUnmatched = errors.New("no matching identity")

// AmbiguityError reports a fragment matching several identities equally
// well. Ambiguous fragments are left unmatched rather than guessed.
type AmbiguityError struct {
	Name       string
	Candidates []actor.ID
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("ambiguous identity for %q: %d equally good candidates", e.Name, len(e.Candidates))
}

type identityEntry struct {
	id    actor.ID
	name  string
	terms map[string]struct{} // lowercase name + aliases
}

// Resolver maps fragment names onto canonical actor IDs through three join
// tiers: exact name, alias intersection, normalized name. Reads may run
// concurrently; Seed must not race with Resolve.
type Resolver struct {
	mu           sync.RWMutex
	logger       *zap.Logger
	entries      map[actor.ID]*identityEntry
	byName       map[string]actor.ID
	byTerm       map[string][]actor.ID
	byNormalized map[string][]actor.ID
	unmatched    []string
}

// NewResolver creates an empty resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		logger:       logger.Named("identity"),
		entries:      make(map[actor.ID]*identityEntry),
		byName:       make(map[string]actor.ID),
		byTerm:       make(map[string][]actor.ID),
		byNormalized: make(map[string][]actor.ID),
	}
}

// Seed replaces the identity set with one entry per authoritative fragment,
// keyed by the fragment's own source key. It returns the number of
// identities seeded.
func (r *Resolver) Seed(fragments []actor.Fragment) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = make(map[actor.ID]*identityEntry, len(fragments))
	r.byName = make(map[string]actor.ID, len(fragments))
	r.byTerm = make(map[string][]actor.ID)
	r.byNormalized = make(map[string][]actor.ID)
	r.unmatched = nil

	for _, frag := range fragments {
		if frag.SourceKey == "" || frag.Name == "" {
			r.logger.Warn("skipping unseedable fragment",
				zap.String("source", frag.Source),
				zap.String("name", frag.Name),
			)
			continue
		}

		id := actor.ID(frag.SourceKey)
		entry := &identityEntry{
			id:    id,
			name:  frag.Name,
			terms: make(map[string]struct{}, len(frag.Aliases)+1),
		}

		name := strings.ToLower(frag.Name)
		if prev, ok := r.byName[name]; ok {
			r.logger.Warn("duplicate primary name in seed set",
				zap.String("name", frag.Name),
				zap.String("kept", string(prev)),
				zap.String("dropped", string(id)),
			)
		} else {
			r.byName[name] = id
		}

		r.index(entry, frag.Name)
		for _, alias := range frag.Aliases {
			r.index(entry, alias)
		}
		r.entries[id] = entry
	}

	r.logger.Info("seeded identities", zap.Int("count", len(r.entries)))
	return len(r.entries)
}

func (r *Resolver) index(entry *identityEntry, term string) {
	lowered := strings.ToLower(strings.TrimSpace(term))
	if lowered == "" {
		return
	}
	if _, ok := entry.terms[lowered]; !ok {
		entry.terms[lowered] = struct{}{}
		r.byTerm[lowered] = append(r.byTerm[lowered], entry.id)
	}
	normalized := actor.NormalizeName(term)
	if normalized != "" {
		r.byNormalized[normalized] = appendUnique(r.byNormalized[normalized], entry.id)
	}
}

// Resolve joins a fragment to a canonical ID. An unmatched or ambiguous
// fragment is recorded for the run summary and reported via ErrUnmatched or
// AmbiguityError; the identity set itself is never modified.
func (r *Resolver) Resolve(frag actor.Fragment) (actor.ID, error) {
	id, err := r.resolve(frag)
	if err != nil {
		r.mu.Lock()
		r.unmatched = append(r.unmatched, frag.Source+":"+frag.Name)
		r.mu.Unlock()
		return "", err
	}
	return id, nil
}

func (r *Resolver) resolve(frag actor.Fragment) (actor.ID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if frag.Name == "" && len(frag.Aliases) == 0 {
		return "", ErrUnmatched
	}

	// Tier 1: exact primary-name match.
	if frag.Name != "" {
		if id, ok := r.byName[strings.ToLower(frag.Name)]; ok {
			return id, nil
		}
	}

	terms := fragmentTerms(frag)

	// Tier 2: alias-set intersection.
	if id, err := r.pick(frag.Name, r.candidatesByTerm(terms), terms); err != nil || id != "" {
		return id, err
	}

	// Tier 3: normalized primary name.
	if normalized := actor.NormalizeName(frag.Name); normalized != "" {
		if id, err := r.pick(frag.Name, r.byNormalized[normalized], terms); err != nil || id != "" {
			return id, err
		}
	}

	return "", ErrUnmatched
}

// candidatesByTerm collects every identity sharing at least one term with
// the fragment.
func (r *Resolver) candidatesByTerm(terms map[string]struct{}) []actor.ID {
	var candidates []actor.ID
	for term := range terms {
		for _, id := range r.byTerm[term] {
			candidates = appendUnique(candidates, id)
		}
	}
	return candidates
}

// pick reduces a candidate list to one winner. With several candidates the
// one sharing the most terms with the fragment wins; a persisting tie is
// ambiguous.
func (r *Resolver) pick(name string, candidates []actor.ID, terms map[string]struct{}) (actor.ID, error) {
	switch len(candidates) {
	case 0:
		return "", nil
	case 1:
		return candidates[0], nil
	}

	best, bestOverlap, tied := actor.ID(""), -1, false
	for _, id := range candidates {
		entry, ok := r.entries[id]
		if !ok {
			continue
		}
		overlap := 0
		for term := range terms {
			if _, ok := entry.terms[term]; ok {
				overlap++
			}
		}
		switch {
		case overlap > bestOverlap:
			best, bestOverlap, tied = id, overlap, false
		case overlap == bestOverlap:
			tied = true
		}
	}

	if tied || best == "" {
		sorted := append([]actor.ID(nil), candidates...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		r.logger.Warn("ambiguous identity",
			zap.String("name", name),
			zap.Int("candidates", len(sorted)),
		)
		return "", &AmbiguityError{Name: name, Candidates: sorted}
	}
	return best, nil
}

// Size returns the number of seeded identities.
func (r *Resolver) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Unmatched returns the source-qualified names that failed to resolve since
// the last Seed.
func (r *Resolver) Unmatched() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.unmatched...)
}

func fragmentTerms(frag actor.Fragment) map[string]struct{} {
	terms := make(map[string]struct{}, len(frag.Aliases)+1)
	if name := strings.ToLower(strings.TrimSpace(frag.Name)); name != "" {
		terms[name] = struct{}{}
	}
	for _, alias := range frag.Aliases {
		if lowered := strings.ToLower(strings.TrimSpace(alias)); lowered != "" {
			terms[lowered] = struct{}{}
		}
	}
	return terms
}

func appendUnique(ids []actor.ID, id actor.ID) []actor.ID {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
