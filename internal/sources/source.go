// Package sources provides the three external intelligence clients feeding
// the pipeline: the MITRE ATT&CK bulk STIX repository, the Malpedia actor
// catalogue and the Feedly per-entity enrichment API. Each client translates
// its source-native schema into actor fragments; no client carries
// cross-source knowledge or writes to the actor store.
package sources

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/cache"
)

const userAgent = "actorforge/1.0"

// BulkFetcher is the capability of sources fetched whole, once per pass.
type BulkFetcher interface {
	Name() string
	FetchAll(ctx context.Context) ([]actor.Fragment, error)
}

// EntityFetcher is the capability of sources queried one entity at a time.
type EntityFetcher interface {
	Name() string
	FetchEntity(ctx context.Context, id actor.ID, hint EntityHint) (*actor.Fragment, error)
}

// TTPProvider is the additional capability of a bulk source that also
// carries a technique catalogue.
type TTPProvider interface {
	TTPs() []actor.TTP
}

// HealthChecker is implemented by clients that can verify connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EntityHint carries the join keys a per-entity source needs to locate an
// actor it has no canonical identifier for.
type EntityHint struct {
	MalpediaUUID string
	Name         string
	Aliases      []string
}

// ResponseCache is the slice of the response cache consulted by clients
// before any outbound call. A nil cache disables caching.
type ResponseCache interface {
	Get(signature string) (cache.Entry, bool)
	Put(signature string, payload []byte, success bool)
}

// Pacer blocks callers long enough to keep a minimum interval between
// outbound calls to one source.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Options carries the cross-cutting collaborators shared by all clients.
type Options struct {
	Cache        ResponseCache
	Logger       *zap.Logger
	ProxyURL     string
	ForceRefresh bool
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// newHTTPClient builds an HTTP client honoring the per-source timeout and
// the optional outbound proxy.
func newHTTPClient(timeout time.Duration, proxyURL string) (*http.Client, error) {
	client := &http.Client{Timeout: timeout}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	}

	return client, nil
}

// payloadDigest returns the hex sha256 of a raw response payload.
func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
