package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
)

// malpediaActorsSignature covers the full actor dump; Malpedia serves the
// whole corpus in one response.
const malpediaActorsSignature = "malpedia:actors"

// MalpediaClient fetches the Malpedia actor corpus. Malpedia contributes
// aliases, country attribution, incident typing, reference URLs and the
// per-actor UUID that keys Feedly enrichment.
type MalpediaClient struct {
	config     config.MalpediaConfig
	httpClient *http.Client
	cache      ResponseCache
	force      bool
	apiKey     string
	logger     *zap.Logger
}

// NewMalpediaClient creates a Malpedia bulk client. The API key is optional:
// the actor dump is public, authentication only lifts Malpedia's anonymous
// quota.
func NewMalpediaClient(cfg config.MalpediaConfig, opts Options) (*MalpediaClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("Malpedia URL is required")
	}

	httpClient, err := newHTTPClient(cfg.Timeout, opts.ProxyURL)
	if err != nil {
		return nil, err
	}

	logger := opts.logger().Named("malpedia")

	var apiKey string
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			logger.Debug("no API key in environment, using anonymous access",
				zap.String("env", cfg.APIKeyEnv),
			)
		}
	}

	return &MalpediaClient{
		config:     cfg,
		httpClient: httpClient,
		cache:      opts.Cache,
		force:      opts.ForceRefresh,
		apiKey:     apiKey,
		logger:     logger,
	}, nil
}

// Name returns the source identifier.
func (c *MalpediaClient) Name() string {
	return actor.SourceMalpedia
}

// FetchAll retrieves the actor dump (cache-first) and returns one fragment
// per actor entry.
func (c *MalpediaClient) FetchAll(ctx context.Context) ([]actor.Fragment, error) {
	payload, fetchedAt, err := c.fetchActors(ctx)
	if err != nil {
		return nil, err
	}

	fragments, err := c.parseActors(payload, fetchedAt)
	if err != nil {
		return nil, err
	}

	c.logger.Info("parsed Malpedia actor dump", zap.Int("actors", len(fragments)))
	return fragments, nil
}

// HealthCheck verifies the API answers.
func (c *MalpediaClient) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, "/get/version")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Malpedia health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("Malpedia returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *MalpediaClient) newRequest(ctx context.Context, path string) (*http.Request, error) {
	url := strings.TrimSuffix(c.config.URL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "apitoken "+c.apiKey)
	}
	return req, nil
}

func (c *MalpediaClient) fetchActors(ctx context.Context) ([]byte, time.Time, error) {
	if c.cache != nil && !c.force {
		if entry, ok := c.cache.Get(malpediaActorsSignature); ok && entry.Success {
			c.logger.Debug("actor dump served from cache",
				zap.Time("fetched_at", entry.FetchedAt),
			)
			return entry.Payload, entry.FetchedAt, nil
		}
	}

	req, err := c.newRequest(ctx, "/get/actors")
	if err != nil {
		return nil, time.Time{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, time.Time{}, classifyTransport(ctx, actor.SourceMalpedia, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, classifyStatus(actor.SourceMalpedia, resp.StatusCode)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, classifyTransport(ctx, actor.SourceMalpedia, err)
	}

	if c.cache != nil {
		c.cache.Put(malpediaActorsSignature, payload, true)
	}

	return payload, time.Now().UTC(), nil
}

func (c *MalpediaClient) parseActors(payload []byte, fetchedAt time.Time) ([]actor.Fragment, error) {
	var actors map[string]malpediaActor
	if err := json.Unmarshal(payload, &actors); err != nil {
		return nil, &PermanentError{Source: actor.SourceMalpedia, Err: fmt.Errorf("decoding actor dump: %w", err)}
	}

	dig := payloadDigest(payload)

	// Related actors are referenced by UUID; index names first so links can
	// be resolved to something readable.
	nameByUUID := make(map[string]string, len(actors))
	for _, entry := range actors {
		if entry.UUID != "" && entry.Value != "" {
			nameByUUID[entry.UUID] = entry.Value
		}
	}

	fragments := make([]actor.Fragment, 0, len(actors))
	for slug, entry := range actors {
		if entry.Value == "" {
			c.logger.Warn("dropping unnamed Malpedia actor", zap.String("slug", slug))
			continue
		}

		frag := actor.Fragment{
			Source:                actor.SourceMalpedia,
			SourceKey:             slug,
			MalpediaUUID:          entry.UUID,
			FetchedAt:             fetchedAt,
			Digest:                dig,
			Name:                  entry.Value,
			Description:           entry.Description,
			Aliases:               aliasesWithoutName(entry.Meta.Synonyms, entry.Value),
			AttributionConfidence: string(entry.Meta.AttributionConfidence),
			IncidentTypes:         entry.Meta.CfrTypeOfIncident,
			ReferenceURLs:         entry.Meta.Refs,
		}

		if code := strings.TrimSpace(entry.Meta.Country); code != "" {
			if name, ok := countryName(code); ok {
				frag.OriginCountries = []string{name}
			} else {
				frag.OriginCountries = []string{code}
			}
		}

		for _, rel := range entry.Related {
			if name, ok := nameByUUID[rel.DestUUID]; ok && name != entry.Value {
				frag.RelatedActors = append(frag.RelatedActors, name)
			}
		}
		if len(frag.RelatedActors) > 0 {
			frag.RelatedActors = actor.SortedCopy(dedupe(frag.RelatedActors))
		}

		fragments = append(fragments, frag)
	}

	sort.Slice(fragments, func(i, j int) bool { return fragments[i].SourceKey < fragments[j].SourceKey })
	return fragments, nil
}

// Malpedia API types. The dump follows the MISP galaxy cluster layout, so a
// few meta fields arrive as either a scalar or a list depending on the
// entry.

type malpediaActor struct {
	Value       string            `json:"value"`
	Description string            `json:"description"`
	UUID        string            `json:"uuid"`
	Meta        malpediaMeta      `json:"meta"`
	Related     []malpediaRelated `json:"related"`
}

type malpediaMeta struct {
	Synonyms              []string    `json:"synonyms"`
	Country               string      `json:"country"`
	AttributionConfidence flexString  `json:"attribution-confidence"`
	CfrTypeOfIncident     flexStrings `json:"cfr-type-of-incident"`
	Refs                  []string    `json:"refs"`
}

type malpediaRelated struct {
	DestUUID string `json:"dest-uuid"`
	Type     string `json:"type"`
}

// flexStrings accepts a JSON string or array of strings.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*f = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	if single == "" {
		*f = nil
		return nil
	}
	*f = []string{single}
	return nil
}

// flexString accepts a JSON string or bare number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(trimmed)
	return nil
}
