// Package actor defines the canonical threat-actor data model shared by the
// ingestion pipeline: per-source fragments, merged records, technique links,
// field-level change entries and per-run accounting.
package actor

import (
	"time"
)

// ID is the canonical actor identifier, a STIX-style string of the form
// "intrusion-set--<uuid>". It is assigned once from the authoritative
// identity source and never changes.
type ID string

// Source names used to tag fragments.
const (
	SourceMITRE    = "mitre"
	SourceMalpedia = "malpedia"
	SourceFeedly   = "feedly"
)

// Change actions recorded in the changelog.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
)

// Malware identifies an associated malware family.
type Malware struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
}

// Fragment is a single source's partial view of one actor. Fragments are
// immutable once produced; a new fetch produces a new fragment.
type Fragment struct {
	Source       string    `json:"source"`
	SourceKey    string    `json:"source_key,omitempty"` // source-native key (STIX id, Malpedia UUID, Feedly entity id)
	FetchedAt    time.Time `json:"fetched_at"`
	LastModified time.Time `json:"last_modified"` // source-reported modification time, when available
	Digest       string    `json:"digest,omitempty"` // sha256 of the raw payload this fragment was parsed from

	Name                  string    `json:"name,omitempty"`
	Aliases               []string  `json:"aliases,omitempty"`
	Description           string    `json:"description,omitempty"`
	OriginCountries       []string  `json:"origin_countries,omitempty"`
	VictimSectors         []string  `json:"victim_sectors,omitempty"`
	VictimCountries       []string  `json:"victim_countries,omitempty"`
	Motivations           []string  `json:"motivations,omitempty"`
	AssociatedMalware     []Malware `json:"associated_malware,omitempty"`
	Popularity            *int      `json:"popularity,omitempty"`
	ReferenceURLs         []string  `json:"reference_urls,omitempty"`
	AttributionConfidence string    `json:"attribution_confidence,omitempty"`
	IncidentTypes         []string  `json:"incident_types,omitempty"`
	RelatedActors         []string  `json:"related_actors,omitempty"`
	FirstSeenAt           time.Time `json:"first_seen_at"`
	KnowledgeBaseURL      string    `json:"knowledge_base_url,omitempty"`
	Badges                []string  `json:"badges,omitempty"`
	MalpediaUUID          string    `json:"malpedia_uuid,omitempty"`
	FeedlyID              string    `json:"feedly_id,omitempty"`
	TTPRefs               []string  `json:"ttp_refs,omitempty"` // STIX attack-pattern ids linked to this actor
}

// Record is the merged, persisted actor. Records are created on first
// successful identity resolution and updated in place on later runs; the
// pipeline never deletes them.
type Record struct {
	ID                    ID        `json:"id"`
	Name                  string    `json:"name"`
	Aliases               []string  `json:"aliases,omitempty"`
	Description           string    `json:"description,omitempty"`
	OriginCountries       []string  `json:"origin_countries,omitempty"`
	VictimSectors         []string  `json:"victim_sectors,omitempty"`
	VictimCountries       []string  `json:"victim_countries,omitempty"`
	Motivations           []string  `json:"motivations,omitempty"`
	AssociatedMalware     []Malware `json:"associated_malware,omitempty"`
	Popularity            *int      `json:"popularity,omitempty"`
	ReferenceURLs         []string  `json:"reference_urls,omitempty"`
	AttributionConfidence string    `json:"attribution_confidence,omitempty"`
	IncidentTypes         []string  `json:"incident_types,omitempty"`
	RelatedActors         []string  `json:"related_actors,omitempty"`
	FirstSeenAt           time.Time `json:"first_seen_at"`
	KnowledgeBaseURL      string    `json:"knowledge_base_url,omitempty"`
	Badges                []string  `json:"badges,omitempty"`
	MalpediaUUID          string    `json:"malpedia_uuid,omitempty"`
	FeedlyID              string    `json:"feedly_id,omitempty"`
	TTPRefs               []string  `json:"ttp_refs,omitempty"`

	ContentHash    string    `json:"content_hash"`
	LastEnrichedAt time.Time `json:"last_enriched_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the record. Slice fields are copied so that
// callers can mutate the clone without aliasing the original.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Aliases = cloneStrings(r.Aliases)
	out.OriginCountries = cloneStrings(r.OriginCountries)
	out.VictimSectors = cloneStrings(r.VictimSectors)
	out.VictimCountries = cloneStrings(r.VictimCountries)
	out.Motivations = cloneStrings(r.Motivations)
	out.ReferenceURLs = cloneStrings(r.ReferenceURLs)
	out.IncidentTypes = cloneStrings(r.IncidentTypes)
	out.RelatedActors = cloneStrings(r.RelatedActors)
	out.Badges = cloneStrings(r.Badges)
	out.TTPRefs = cloneStrings(r.TTPRefs)
	if r.AssociatedMalware != nil {
		out.AssociatedMalware = append([]Malware(nil), r.AssociatedMalware...)
	}
	if r.Popularity != nil {
		p := *r.Popularity
		out.Popularity = &p
	}
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// TTP is a technique from the MITRE ATT&CK bulk set.
type TTP struct {
	ID              string   `json:"id"`       // STIX attack-pattern id
	MitreID         string   `json:"mitre_id"` // e.g., "T1059"
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	KillChainPhases []string `json:"kill_chain_phases,omitempty"`
	URL             string   `json:"url,omitempty"`
}

// ChangeEntry is one field-level audit row written when a merged record is
// created or a field value changes between runs.
type ChangeEntry struct {
	EntryID string    `json:"entry_id"`
	ActorID ID        `json:"actor_id"`
	Field   string    `json:"field"`
	Old     string    `json:"old_value,omitempty"`
	New     string    `json:"new_value,omitempty"`
	Action  string    `json:"action"`
	At      time.Time `json:"at"`
}

// RunSummary is the accounting record for one orchestrator pass. It is
// assembled during the run and never mutated after the run ends.
type RunSummary struct {
	RunID     string        `json:"run_id"`
	Mode      string        `json:"mode"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	ActorsSeen   int      `json:"actors_seen"`
	Enriched     int      `json:"enriched"`
	CacheHits    int      `json:"cache_hits"`
	SkippedCap   int      `json:"skipped_cap"`
	SkippedNoKey int      `json:"skipped_no_key"`
	Failed       int      `json:"failed"`
	Unmatched    []string `json:"unmatched,omitempty"` // names of source records that joined no identity
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Unchanged    int      `json:"unchanged"`
	TTPsSeen     int      `json:"ttps_seen"`
	RateLimited  bool     `json:"rate_limited"` // true if any entity exhausted its throttling budget
}
