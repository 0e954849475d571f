package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
)

// feedlyEntityPrefix keys threat-actor entities in Feedly's knowledge graph;
// the suffix is the actor's Malpedia UUID.
const feedlyEntityPrefix = "nlp/f/entity/gz:ta:"

// orgWords mark target labels that name organisations rather than countries.
// Matching is case-sensitive on purpose: "exchanges" appears lowercased in
// phrases like "cryptocurrency exchanges" while country labels are title-cased.
var orgWords = []string{"Bank", "Pictures", "Entertainment", "exchanges", "Exchange"}

// sectorKeywords drive sector inference when the entity carries no explicit
// industry list. Keys are lowercase substrings looked up in the description
// and target labels.
var sectorKeywords = map[string]string{
	"aviation":       "transportation",
	"bank":           "finance",
	"cryptocurrency": "finance",
	"defense":        "defense",
	"e-commerce":     "retail",
	"education":      "education",
	"electric":       "energy",
	"embass":         "government",
	"energy":         "energy",
	"financ":         "finance",
	"government":     "government",
	"healthcare":     "healthcare",
	"hospital":       "healthcare",
	"manufactur":     "manufacturing",
	"media":          "media",
	"medical":        "healthcare",
	"militar":        "defense",
	"ministr":        "government",
	"news":           "media",
	"oil":            "energy",
	"retail":         "retail",
	"school":         "education",
	"software":       "technology",
	"technology":     "technology",
	"telecom":        "telecom",
	"transport":      "transportation",
	"universit":      "education",
}

// FeedlyClient enriches one actor at a time from the Feedly threat
// intelligence API. Calls are paced to a minimum interval, cached per UTC
// day, and guarded by a circuit breaker so a melting upstream fails the
// remaining entities fast instead of burning the whole run budget.
type FeedlyClient struct {
	config     config.FeedlyConfig
	httpClient *http.Client
	cache      ResponseCache
	pacer      Pacer
	breaker    *gobreaker.CircuitBreaker[feedlyResult]
	force      bool
	token      string
	logger     *zap.Logger
}

type feedlyResult struct {
	status int
	body   []byte
}

// NewFeedlyClient creates a Feedly per-entity client. The API token is
// required: construction fails if the configured environment variable is
// unset, before any network traffic.
func NewFeedlyClient(cfg config.FeedlyConfig, pacer Pacer, opts Options) (*FeedlyClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Feedly URL is required")
	}

	token := os.Getenv(cfg.APIKeyEnv)
	if token == "" {
		return nil, fmt.Errorf("Feedly API token not found: set %s", cfg.APIKeyEnv)
	}

	httpClient, err := newHTTPClient(cfg.Timeout, opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	logger := opts.logger().Named("feedly")

	breaker := gobreaker.NewCircuitBreaker[feedlyResult](gobreaker.Settings{
		Name:        "feedly",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &FeedlyClient{
		config:     cfg,
		httpClient: httpClient,
		cache:      opts.Cache,
		pacer:      pacer,
		breaker:    breaker,
		force:      opts.ForceRefresh,
		token:      token,
		logger:     logger,
	}, nil
}

// Name returns the source identifier.
func (c *FeedlyClient) Name() string {
	return actor.SourceFeedly
}

// InCache reports whether today's response for the actor is already cached,
// meaning a FetchEntity call will spend no rate budget.
func (c *FeedlyClient) InCache(id actor.ID) bool {
	if c.cache == nil || c.force {
		return false
	}
	_, ok := c.cache.Get(c.signature(id))
	return ok
}

// FetchEntity retrieves the Feedly entity for one actor. The hint must carry
// the actor's Malpedia UUID; without it there is nothing to look up and
// ErrNoEntityKey is returned before any network or rate-limit cost.
func (c *FeedlyClient) FetchEntity(ctx context.Context, id actor.ID, hint EntityHint) (*actor.Fragment, error) {
	if hint.MalpediaUUID == "" {
		return nil, ErrNoEntityKey
	}

	sig := c.signature(id)

	if c.cache != nil && !c.force {
		if entry, ok := c.cache.Get(sig); ok {
			if !entry.Success {
				return nil, fmt.Errorf("feedly entity for %s: %w", hint.Name, ErrNotFound)
			}
			c.logger.Debug("entity served from cache",
				zap.String("actor_id", string(id)),
				zap.Time("fetched_at", entry.FetchedAt),
			)
			return c.parseEntity(entry.Payload, hint, entry.FetchedAt)
		}
	}

	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	entityID := feedlyEntityPrefix + hint.MalpediaUUID
	endpoint := strings.TrimSuffix(c.config.URL, "/") + "/v3/entities/" + url.PathEscape(entityID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating entity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.token)

	// Transport errors and 5xx count against the breaker; 4xx responses are
	// the caller's problem and must not open it.
	res, err := c.breaker.Execute(func() (feedlyResult, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return feedlyResult{}, classifyTransport(ctx, actor.SourceFeedly, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return feedlyResult{}, classifyTransport(ctx, actor.SourceFeedly, err)
		}
		if resp.StatusCode >= 500 {
			return feedlyResult{}, classifyStatus(actor.SourceFeedly, resp.StatusCode)
		}
		return feedlyResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &PermanentError{Source: actor.SourceFeedly, Err: fmt.Errorf("circuit open: %w", err)}
		}
		return nil, err
	}

	switch {
	case res.status == http.StatusOK:
		if c.cache != nil {
			c.cache.Put(sig, res.body, true)
		}
		return c.parseEntity(res.body, hint, time.Now().UTC())
	case res.status == http.StatusNotFound:
		// Negative-cached: the entity will not appear mid-day, so spare the
		// rate budget until the next bucket.
		if c.cache != nil {
			c.cache.Put(sig, res.body, false)
		}
		return nil, fmt.Errorf("feedly entity for %s: %w", hint.Name, ErrNotFound)
	default:
		return nil, classifyStatus(actor.SourceFeedly, res.status)
	}
}

// signature buckets the cache key by UTC day so each actor costs at most one
// call per day.
func (c *FeedlyClient) signature(id actor.ID) string {
	return fmt.Sprintf("feedly:%s:%s", id, time.Now().UTC().Format("2006-01-02"))
}

func (c *FeedlyClient) parseEntity(payload []byte, hint EntityHint, fetchedAt time.Time) (*actor.Fragment, error) {
	var entity feedlyEntity
	if err := json.Unmarshal(payload, &entity); err != nil {
		return nil, &PermanentError{Source: actor.SourceFeedly, Err: fmt.Errorf("decoding entity: %w", err)}
	}

	details := entity.ThreatActorDetails

	frag := &actor.Fragment{
		Source:           actor.SourceFeedly,
		SourceKey:        feedlyEntityPrefix + hint.MalpediaUUID,
		MalpediaUUID:     hint.MalpediaUUID,
		FetchedAt:        fetchedAt,
		Digest:           payloadDigest(payload),
		Name:             entity.Label,
		Aliases:          aliasesWithoutName(entity.Aliases, entity.Label),
		Description:      entity.description(),
		Motivations:      details.Motivations,
		KnowledgeBaseURL: entity.KnowledgeBaseURL,
		FeedlyID:         entity.ID,
	}

	if entity.Popularity != nil {
		p := int(*entity.Popularity)
		frag.Popularity = &p
	}
	if entity.FirstSeenAt > 0 {
		frag.FirstSeenAt = time.UnixMilli(entity.FirstSeenAt).UTC()
	}
	for _, badge := range entity.Badges {
		if badge.Label != "" {
			frag.Badges = append(frag.Badges, badge.Label)
		}
	}

	if code := strings.TrimSpace(details.Country); code != "" {
		if name, ok := countryName(code); ok {
			frag.OriginCountries = []string{name}
		} else {
			frag.OriginCountries = []string{code}
		}
	}

	frag.VictimSectors = victimSectors(details.TargetIndustries, details.Targets, frag.Description)
	frag.VictimCountries = victimCountries(details.Targets)

	for _, m := range details.AssociatedMalwares {
		if m.Label == "" {
			continue
		}
		frag.AssociatedMalware = append(frag.AssociatedMalware, actor.Malware{ID: m.ID, Label: m.Label})
	}

	return frag, nil
}

// victimSectors prefers the entity's explicit industry list and falls back to
// keyword inference over the targets and description.
func victimSectors(industries []feedlyLabel, targets []string, description string) []string {
	var out []string
	for _, industry := range industries {
		if industry.Label != "" {
			out = append(out, industry.Label)
		}
	}
	if len(out) > 0 {
		return dedupe(out)
	}

	haystack := strings.ToLower(description + " " + strings.Join(targets, " "))
	seen := make(map[string]struct{})
	for keyword, sector := range sectorKeywords {
		if !strings.Contains(haystack, keyword) {
			continue
		}
		if _, ok := seen[sector]; ok {
			continue
		}
		seen[sector] = struct{}{}
		out = append(out, sector)
	}
	return actor.SortedCopy(out)
}

// victimCountries keeps targets that name places, dropping organisation
// labels, and resolves bare country codes to display names.
func victimCountries(targets []string) []string {
	var out []string
targets:
	for _, target := range targets {
		target = strings.TrimSpace(target)
		if target == "" {
			continue
		}
		for _, word := range orgWords {
			if strings.Contains(target, word) {
				continue targets
			}
		}
		if name, ok := countryName(target); ok && len(target) == 2 {
			target = name
		}
		out = append(out, target)
	}
	return dedupe(out)
}

// Feedly API types.

type feedlyEntity struct {
	ID                 string                  `json:"id"`
	Label              string                  `json:"label"`
	Description        string                  `json:"description"`
	Aliases            []string                `json:"aliases"`
	Popularity         *float64                `json:"popularity"`
	KnowledgeBaseURL   string                  `json:"knowledgeBaseUrl"`
	FirstSeenAt        int64                   `json:"firstSeenAt"`
	Badges             []feedlyLabel           `json:"badges"`
	ThreatActorDetails feedlyThreatActorDetail `json:"threatActorDetails"`
}

// description prefers the Malpedia-sourced text Feedly republishes under
// threatActorDetails, which is usually richer than Feedly's own summary.
func (e feedlyEntity) description() string {
	if e.ThreatActorDetails.MalpediaDescription != "" {
		return e.ThreatActorDetails.MalpediaDescription
	}
	return e.Description
}

type feedlyLabel struct {
	ID    string `json:"id,omitempty"`
	Label string `json:"label"`
}

// feedlyThreatActorDetail is the threatActorDetails object. The actor-scoped
// enrichment fields all live here, not on the entity envelope.
type feedlyThreatActorDetail struct {
	Country             string        `json:"country"`
	MalpediaDescription string        `json:"malpediaDescription"`
	Motivations         []string      `json:"motivations"`
	Targets             []string      `json:"targets"`
	TargetIndustries    []feedlyLabel `json:"targetIndustries"`
	AssociatedMalwares  []feedlyLabel `json:"associatedMalwares"`
}
