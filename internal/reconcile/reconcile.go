// Package reconcile merges per-source fragments into canonical actor records
// and owns every write to the actor store. Merge decides field winners;
// Apply turns a decision into an atomic record-plus-changelog commit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/store"
)

// Outcome classifies what Apply did to a record.
type Outcome int

const (
	OutcomeUnchanged Outcome = iota
	OutcomeCreated
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Engine reconciles fragments against the store. No other component writes
// actor records.
type Engine struct {
	store  store.Store
	logger *zap.Logger
}

// NewEngine creates a reconciliation engine over the given store.
func NewEngine(st store.Store, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, logger: logger.Named("reconcile")}
}

// Merge folds fragments into the existing record (nil for a new actor) and
// reports whether the result differs. Fragments are applied oldest first so
// the most recent non-empty value wins; union fields only ever grow.
func (e *Engine) Merge(existing *actor.Record, fragments []actor.Fragment) (actor.Record, bool) {
	var merged actor.Record
	if existing != nil {
		merged = *existing.Clone()
	}

	ordered := append([]actor.Fragment(nil), fragments...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].FetchedAt.Before(ordered[j].FetchedAt)
	})

	for _, frag := range ordered {
		applyFragment(&merged, frag)
	}

	merged.Aliases = unionFold(merged.Aliases)
	merged.OriginCountries = unionFold(merged.OriginCountries)
	merged.VictimSectors = unionFold(merged.VictimSectors)

	merged.ContentHash = actor.Hash(&merged)
	changed := existing == nil || existing.ContentHash != merged.ContentHash
	return merged, changed
}

// applyFragment applies one source view. Recency wins by default; aliases
// and the two union fields accumulate; popularity is trusted from the
// enrichment source only; the longer description wins.
func applyFragment(merged *actor.Record, frag actor.Fragment) {
	if frag.Name != "" {
		merged.Name = frag.Name
	}
	if len(frag.Description) > len(merged.Description) {
		merged.Description = frag.Description
	}

	merged.Aliases = append(merged.Aliases, frag.Aliases...)
	merged.OriginCountries = append(merged.OriginCountries, frag.OriginCountries...)
	merged.VictimSectors = append(merged.VictimSectors, frag.VictimSectors...)

	if len(frag.VictimCountries) > 0 {
		merged.VictimCountries = append([]string(nil), frag.VictimCountries...)
	}
	if len(frag.Motivations) > 0 {
		merged.Motivations = append([]string(nil), frag.Motivations...)
	}
	if len(frag.AssociatedMalware) > 0 {
		merged.AssociatedMalware = append([]actor.Malware(nil), frag.AssociatedMalware...)
	}
	if len(frag.ReferenceURLs) > 0 {
		merged.ReferenceURLs = append([]string(nil), frag.ReferenceURLs...)
	}
	if len(frag.IncidentTypes) > 0 {
		merged.IncidentTypes = append([]string(nil), frag.IncidentTypes...)
	}
	if len(frag.RelatedActors) > 0 {
		merged.RelatedActors = append([]string(nil), frag.RelatedActors...)
	}
	if len(frag.Badges) > 0 {
		merged.Badges = append([]string(nil), frag.Badges...)
	}
	if len(frag.TTPRefs) > 0 {
		merged.TTPRefs = append([]string(nil), frag.TTPRefs...)
	}
	if frag.AttributionConfidence != "" {
		merged.AttributionConfidence = frag.AttributionConfidence
	}
	if !frag.FirstSeenAt.IsZero() {
		merged.FirstSeenAt = frag.FirstSeenAt
	}
	if frag.KnowledgeBaseURL != "" {
		merged.KnowledgeBaseURL = frag.KnowledgeBaseURL
	}
	if frag.MalpediaUUID != "" {
		merged.MalpediaUUID = frag.MalpediaUUID
	}
	if frag.FeedlyID != "" {
		merged.FeedlyID = frag.FeedlyID
	}
	if frag.Source == actor.SourceFeedly && frag.Popularity != nil {
		p := *frag.Popularity
		merged.Popularity = &p
	}
}

// Apply merges, detects change via the content hash, and commits the record
// together with its changelog rows. Identical inputs are a no-op: nothing is
// written and OutcomeUnchanged is returned.
func (e *Engine) Apply(ctx context.Context, id actor.ID, fragments []actor.Fragment) (*actor.Record, Outcome, error) {
	existing, err := e.store.GetActor(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, OutcomeUnchanged, fmt.Errorf("loading actor %s: %w", id, err)
	}

	merged, changed := e.Merge(existing, fragments)
	merged.ID = id

	if !changed {
		return existing, OutcomeUnchanged, nil
	}

	now := time.Now().UTC()
	outcome := OutcomeUpdated
	if existing == nil {
		outcome = OutcomeCreated
		merged.CreatedAt = now
	} else {
		merged.CreatedAt = existing.CreatedAt
	}
	merged.UpdatedAt = now
	merged.LastEnrichedAt = now

	changes := diffRecords(existing, &merged, now)
	if err := e.store.CommitActor(ctx, &merged, changes); err != nil {
		return nil, OutcomeUnchanged, err
	}

	e.logger.Debug("reconciled actor",
		zap.String("actor_id", string(id)),
		zap.String("outcome", outcome.String()),
		zap.Int("changed_fields", len(changes)),
	)
	return &merged, outcome, nil
}

// fieldView is one record field flattened for the changelog.
type fieldView struct {
	name  string
	value string
}

func fieldViews(r *actor.Record) []fieldView {
	join := func(values []string) string {
		return strings.Join(actor.SortedCopy(values), ", ")
	}

	popularity := ""
	if r.Popularity != nil {
		popularity = strconv.Itoa(*r.Popularity)
	}
	firstSeen := ""
	if !r.FirstSeenAt.IsZero() {
		firstSeen = r.FirstSeenAt.UTC().Format("2006-01-02")
	}
	malware := make([]string, 0, len(r.AssociatedMalware))
	for _, m := range r.AssociatedMalware {
		malware = append(malware, m.Label)
	}

	return []fieldView{
		{"name", r.Name},
		{"description", r.Description},
		{"aliases", join(r.Aliases)},
		{"origin_countries", join(r.OriginCountries)},
		{"victim_sectors", join(r.VictimSectors)},
		{"victim_countries", join(r.VictimCountries)},
		{"motivations", join(r.Motivations)},
		{"associated_malware", join(malware)},
		{"popularity", popularity},
		{"reference_urls", join(r.ReferenceURLs)},
		{"attribution_confidence", r.AttributionConfidence},
		{"incident_types", join(r.IncidentTypes)},
		{"related_actors", join(r.RelatedActors)},
		{"first_seen_at", firstSeen},
		{"knowledge_base_url", r.KnowledgeBaseURL},
		{"badges", join(r.Badges)},
		{"malpedia_uuid", r.MalpediaUUID},
		{"feedly_id", r.FeedlyID},
		{"ttp_refs", join(r.TTPRefs)},
	}
}

// diffRecords emits one changelog row per field that gained a value (create)
// or changed value (update).
func diffRecords(existing, merged *actor.Record, at time.Time) []actor.ChangeEntry {
	after := fieldViews(merged)

	var before []fieldView
	if existing != nil {
		before = fieldViews(existing)
	}

	action := actor.ActionUpdate
	if existing == nil {
		action = actor.ActionCreate
	}

	var entries []actor.ChangeEntry
	for i, field := range after {
		old := ""
		if before != nil {
			old = before[i].value
		}
		if field.value == old {
			continue
		}
		entries = append(entries, actor.ChangeEntry{
			EntryID: uuid.NewString(),
			ActorID: merged.ID,
			Field:   field.name,
			Old:     old,
			New:     field.value,
			Action:  action,
			At:      at,
		})
	}
	return entries
}

// unionFold deduplicates case-insensitively, keeps the first-seen casing,
// and sorts.
func unionFold(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	return actor.SortedCopy(out)
}
