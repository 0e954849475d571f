package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
)

// mitreBundleSignature caches the whole repository snapshot: the bundle URL
// is version-pinned upstream, so one signature covers the full bulk fetch.
const mitreBundleSignature = "mitre:enterprise-bundle"

// MITREClient fetches the enterprise ATT&CK STIX bundle and translates its
// intrusion-set, attack-pattern and relationship objects into actor
// fragments, a technique catalogue and actor-to-technique links. MITRE is
// the authoritative identity source: each intrusion-set id becomes a
// canonical actor id downstream.
type MITREClient struct {
	config     config.MITREConfig
	httpClient *http.Client
	cache      ResponseCache
	force      bool
	logger     *zap.Logger

	mu   sync.RWMutex
	ttps []actor.TTP
}

// NewMITREClient creates a MITRE ATT&CK bulk client.
func NewMITREClient(cfg config.MITREConfig, opts Options) (*MITREClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("MITRE bundle URL is required")
	}

	httpClient, err := newHTTPClient(cfg.Timeout, opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	return &MITREClient{
		config:     cfg,
		httpClient: httpClient,
		cache:      opts.Cache,
		force:      opts.ForceRefresh,
		logger:     opts.logger().Named("mitre"),
	}, nil
}

// Name returns the source identifier.
func (c *MITREClient) Name() string {
	return actor.SourceMITRE
}

// FetchAll retrieves the bundle (cache-first) and returns one fragment per
// intrusion-set, with technique links resolved from relationship objects.
func (c *MITREClient) FetchAll(ctx context.Context) ([]actor.Fragment, error) {
	payload, fetchedAt, err := c.fetchBundle(ctx)
	if err != nil {
		return nil, err
	}

	fragments, ttps, err := c.parseBundle(payload, fetchedAt)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.ttps = ttps
	c.mu.Unlock()

	c.logger.Info("parsed ATT&CK bundle",
		zap.Int("intrusion_sets", len(fragments)),
		zap.Int("techniques", len(ttps)),
	)

	return fragments, nil
}

// TTPs returns the technique catalogue from the most recent FetchAll.
func (c *MITREClient) TTPs() []actor.TTP {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttps
}

// HealthCheck verifies the bundle URL answers.
func (c *MITREClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("MITRE health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("MITRE returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *MITREClient) fetchBundle(ctx context.Context) ([]byte, time.Time, error) {
	if c.cache != nil && !c.force {
		if entry, ok := c.cache.Get(mitreBundleSignature); ok && entry.Success {
			c.logger.Debug("bundle served from cache",
				zap.Time("fetched_at", entry.FetchedAt),
			)
			return entry.Payload, entry.FetchedAt, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.URL, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("creating bundle request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, time.Time{}, classifyTransport(ctx, actor.SourceMITRE, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, classifyStatus(actor.SourceMITRE, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, classifyTransport(ctx, actor.SourceMITRE, err)
	}

	if c.cache != nil {
		c.cache.Put(mitreBundleSignature, payload, true)
	}

	return payload, time.Now().UTC(), nil
}

func (c *MITREClient) parseBundle(payload []byte, fetchedAt time.Time) ([]actor.Fragment, []actor.TTP, error) {
	var bundle stixBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, nil, &PermanentError{Source: actor.SourceMITRE, Err: fmt.Errorf("decoding STIX bundle: %w", err)}
	}

	dig := payloadDigest(payload)

	intrusionSets := make(map[string]stixObject)
	ttpByID := make(map[string]actor.TTP)
	var edges []stixObject

	for _, obj := range bundle.Objects {
		if obj.Revoked || obj.Deprecated {
			continue
		}
		switch obj.Type {
		case "intrusion-set":
			if obj.ID == "" || obj.Name == "" {
				c.logger.Warn("dropping malformed intrusion-set", zap.String("id", obj.ID))
				continue
			}
			intrusionSets[obj.ID] = obj
		case "attack-pattern":
			ttp, ok := toTTP(obj)
			if !ok {
				c.logger.Warn("dropping malformed attack-pattern", zap.String("id", obj.ID))
				continue
			}
			ttpByID[ttp.ID] = ttp
		case "relationship":
			if strings.HasPrefix(obj.SourceRef, "intrusion-set--") &&
				strings.HasPrefix(obj.TargetRef, "attack-pattern--") {
				edges = append(edges, obj)
			}
		}
	}

	// Resolve actor -> technique links, keeping only edges whose both ends
	// survived parsing.
	links := make(map[string][]string)
	for _, edge := range edges {
		if _, ok := intrusionSets[edge.SourceRef]; !ok {
			continue
		}
		if _, ok := ttpByID[edge.TargetRef]; !ok {
			continue
		}
		links[edge.SourceRef] = append(links[edge.SourceRef], edge.TargetRef)
	}

	fragments := make([]actor.Fragment, 0, len(intrusionSets))
	for id, obj := range intrusionSets {
		frag := actor.Fragment{
			Source:       actor.SourceMITRE,
			SourceKey:    id,
			FetchedAt:    fetchedAt,
			LastModified: parseSTIXTime(obj.Modified),
			Digest:       dig,
			Name:         obj.Name,
			Description:  obj.Description,
			Aliases:      aliasesWithoutName(obj.Aliases, obj.Name),
			Motivations:  motivations(obj),
		}
		for _, ref := range obj.ExternalReferences {
			if ref.URL != "" {
				frag.ReferenceURLs = append(frag.ReferenceURLs, ref.URL)
			}
		}
		if refs := links[id]; len(refs) > 0 {
			frag.TTPRefs = actor.SortedCopy(dedupe(refs))
		}
		fragments = append(fragments, frag)
	}

	// Deterministic output order keeps downstream runs reproducible.
	sort.Slice(fragments, func(i, j int) bool { return fragments[i].SourceKey < fragments[j].SourceKey })

	ttps := make([]actor.TTP, 0, len(ttpByID))
	for _, ttp := range ttpByID {
		ttps = append(ttps, ttp)
	}
	sort.Slice(ttps, func(i, j int) bool { return ttps[i].ID < ttps[j].ID })

	return fragments, ttps, nil
}

// toTTP converts an attack-pattern object; the MITRE technique id comes from
// the external reference whose source_name is "mitre-attack".
func toTTP(obj stixObject) (actor.TTP, bool) {
	if obj.ID == "" || obj.Name == "" {
		return actor.TTP{}, false
	}

	ttp := actor.TTP{
		ID:          obj.ID,
		Name:        obj.Name,
		Description: obj.Description,
	}
	for _, ref := range obj.ExternalReferences {
		if ref.SourceName == "mitre-attack" {
			ttp.MitreID = ref.ExternalID
			ttp.URL = ref.URL
			break
		}
	}
	for _, phase := range obj.KillChainPhases {
		if phase.PhaseName != "" {
			ttp.KillChainPhases = append(ttp.KillChainPhases, phase.PhaseName)
		}
	}
	return ttp, true
}

// aliasesWithoutName drops the primary name from the STIX alias list, which
// conventionally repeats it.
func aliasesWithoutName(aliases []string, name string) []string {
	var out []string
	for _, alias := range aliases {
		if alias == "" || strings.EqualFold(alias, name) {
			continue
		}
		out = append(out, alias)
	}
	return out
}

func motivations(obj stixObject) []string {
	var out []string
	if obj.PrimaryMotivation != "" {
		out = append(out, obj.PrimaryMotivation)
	}
	for _, m := range obj.SecondaryMotivations {
		if m != "" {
			out = append(out, m)
		}
	}
	return out
}

func parseSTIXTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// STIX object subset used by the parser.

type stixBundle struct {
	Objects []stixObject `json:"objects"`
}

type stixObject struct {
	Type                 string               `json:"type"`
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Description          string               `json:"description"`
	Aliases              []string             `json:"aliases"`
	Modified             string               `json:"modified"`
	Revoked              bool                 `json:"revoked"`
	Deprecated           bool                 `json:"x_mitre_deprecated"`
	PrimaryMotivation    string               `json:"primary_motivation"`
	SecondaryMotivations []string             `json:"secondary_motivations"`
	ExternalReferences   []stixExternalRef    `json:"external_references"`
	KillChainPhases      []stixKillChainPhase `json:"kill_chain_phases"`
	RelationshipType     string               `json:"relationship_type"`
	SourceRef            string               `json:"source_ref"`
	TargetRef            string               `json:"target_ref"`
}

type stixExternalRef struct {
	SourceName string `json:"source_name"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

type stixKillChainPhase struct {
	KillChainName string `json:"kill_chain_name"`
	PhaseName     string `json:"phase_name"`
}
