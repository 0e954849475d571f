package actor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Hash computes the content hash over a record's merge-relevant fields.
// List fields are hashed in sorted order so that element ordering never
// produces a spurious change. Bookkeeping timestamps and the stored hash
// itself are excluded.
func Hash(r *Record) string {
	h := sha256.New()

	writeField(h, "name", r.Name)
	writeField(h, "description", r.Description)
	writeList(h, "aliases", r.Aliases)
	writeList(h, "origin_countries", r.OriginCountries)
	writeList(h, "victim_sectors", r.VictimSectors)
	writeList(h, "victim_countries", r.VictimCountries)
	writeList(h, "motivations", r.Motivations)
	writeList(h, "associated_malware", malwareKeys(r.AssociatedMalware))
	writeList(h, "reference_urls", r.ReferenceURLs)
	writeField(h, "attribution_confidence", r.AttributionConfidence)
	writeList(h, "incident_types", r.IncidentTypes)
	writeList(h, "related_actors", r.RelatedActors)
	writeField(h, "knowledge_base_url", r.KnowledgeBaseURL)
	writeList(h, "badges", r.Badges)
	writeField(h, "malpedia_uuid", r.MalpediaUUID)
	writeField(h, "feedly_id", r.FeedlyID)
	writeList(h, "ttp_refs", r.TTPRefs)
	if r.Popularity != nil {
		writeField(h, "popularity", fmt.Sprintf("%d", *r.Popularity))
	}
	if !r.FirstSeenAt.IsZero() {
		writeField(h, "first_seen_at", r.FirstSeenAt.UTC().Format("2006-01-02"))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeField(w io.Writer, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w, "%s=%s\n", name, value)
}

func writeList(w io.Writer, name string, values []string) {
	if len(values) == 0 {
		return
	}
	writeField(w, name, strings.Join(SortedCopy(values), "\x1f"))
}

func malwareKeys(ms []Malware) []string {
	if len(ms) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ms))
	for _, m := range ms {
		keys = append(keys, m.ID+"|"+m.Label)
	}
	return keys
}

// SortedCopy returns a sorted copy of values, ordered case-insensitively
// with byte order breaking ties so the result is deterministic.
func SortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Slice(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i]), strings.ToLower(out[j])
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}
