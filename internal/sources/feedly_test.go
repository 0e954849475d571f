package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
)

const testUUID = "9c124874-042d-48cd-b72b-ccdc51ecbbd6"

const testEntity = `{
  "id": "nlp/f/entity/gz:ta:9c124874-042d-48cd-b72b-ccdc51ecbbd6",
  "label": "APT41",
  "aliases": ["APT41", "Wicked Panda", "BARIUM"],
  "description": "Short summary.",
  "popularity": 82,
  "knowledgeBaseUrl": "https://attack.mitre.org/groups/G0096",
  "firstSeenAt": 1416787200000,
  "badges": [{"label": "APT"}],
  "threatActorDetails": {
    "country": "CN",
    "malpediaDescription": "APT41 targets healthcare providers and government ministries.",
    "motivations": ["espionage", "financial"],
    "targets": ["United States", "Bank of Valletta", "South Korea", "cryptocurrency exchanges"],
    "targetIndustries": [],
    "associatedMalwares": [
      {"id": "gz:mal:shadowpad", "label": "ShadowPad"},
      {"label": ""}
    ]
  }
}`

func newFeedlyTestClient(t *testing.T, url string, c ResponseCache, p Pacer) *FeedlyClient {
	t.Helper()

	os.Setenv("TEST_FEEDLY_TOKEN", "test-token")
	t.Cleanup(func() { os.Unsetenv("TEST_FEEDLY_TOKEN") })

	client, err := NewFeedlyClient(config.FeedlyConfig{
		URL:       url,
		APIKeyEnv: "TEST_FEEDLY_TOKEN",
		Timeout:   5 * time.Second,
	}, p, testOptions(c))
	if err != nil {
		t.Fatalf("NewFeedlyClient: %v", err)
	}
	return client
}

func testHint() EntityHint {
	return EntityHint{MalpediaUUID: testUUID, Name: "APT41"}
}

// ============================================================
// Construction Tests
// ============================================================

func TestFeedlyMissingTokenFailsConstruction(t *testing.T) {
	os.Unsetenv("TEST_FEEDLY_ABSENT")

	_, err := NewFeedlyClient(config.FeedlyConfig{
		URL:       "https://api.feedly.com",
		APIKeyEnv: "TEST_FEEDLY_ABSENT",
		Timeout:   5 * time.Second,
	}, nil, testOptions(nil))
	if err == nil {
		t.Fatal("expected construction to fail without the API token")
	}
	if !strings.Contains(err.Error(), "TEST_FEEDLY_ABSENT") {
		t.Errorf("error should name the missing variable, got %v", err)
	}
}

// ============================================================
// Request Shape Tests
// ============================================================

func TestFeedlyRequestPathAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.EscapedPath(); !strings.HasSuffix(got, "/v3/entities/nlp%2Ff%2Fentity%2Fgz:ta:"+testUUID) {
			t.Errorf("entity id should stay one escaped path segment, got %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(testEntity))
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, nil, nil)

	if _, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint()); err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}
}

// ============================================================
// Entity Parsing Tests
// ============================================================

func TestFeedlyParseEntity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testEntity))
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, nil, nil)

	frag, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint())
	if err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}

	if frag.Name != "APT41" {
		t.Errorf("name = %q", frag.Name)
	}
	if len(frag.Aliases) != 2 {
		t.Errorf("aliases should exclude the primary label, got %v", frag.Aliases)
	}
	if !strings.HasPrefix(frag.Description, "APT41 targets healthcare") {
		t.Errorf("malpediaDescription should win, got %q", frag.Description)
	}
	if len(frag.Motivations) != 2 || frag.Motivations[0] != "espionage" || frag.Motivations[1] != "financial" {
		t.Errorf("motivations = %v", frag.Motivations)
	}
	if frag.Popularity == nil || *frag.Popularity != 82 {
		t.Errorf("popularity = %v", frag.Popularity)
	}
	if frag.KnowledgeBaseURL != "https://attack.mitre.org/groups/G0096" {
		t.Errorf("knowledge base url = %q", frag.KnowledgeBaseURL)
	}
	if want := time.Date(2014, 11, 24, 0, 0, 0, 0, time.UTC); !frag.FirstSeenAt.Equal(want) {
		t.Errorf("first seen = %v, want %v", frag.FirstSeenAt, want)
	}
	if len(frag.Badges) != 1 || frag.Badges[0] != "APT" {
		t.Errorf("badges = %v", frag.Badges)
	}
	if len(frag.OriginCountries) != 1 || frag.OriginCountries[0] != "China" {
		t.Errorf("origin countries = %v", frag.OriginCountries)
	}
	if frag.FeedlyID == "" || frag.MalpediaUUID != testUUID {
		t.Errorf("identity fields: feedly id %q, uuid %q", frag.FeedlyID, frag.MalpediaUUID)
	}

	// Organisation labels are filtered out; only places remain.
	if len(frag.VictimCountries) != 2 ||
		frag.VictimCountries[0] != "United States" ||
		frag.VictimCountries[1] != "South Korea" {
		t.Errorf("victim countries = %v", frag.VictimCountries)
	}

	// No explicit industries, so sectors come from keyword inference over the
	// description and target labels.
	wantSectors := []string{"finance", "government", "healthcare"}
	if len(frag.VictimSectors) != len(wantSectors) {
		t.Fatalf("victim sectors = %v, want %v", frag.VictimSectors, wantSectors)
	}
	for i, want := range wantSectors {
		if frag.VictimSectors[i] != want {
			t.Errorf("victim sectors[%d] = %q, want %q", i, frag.VictimSectors[i], want)
		}
	}

	if len(frag.AssociatedMalware) != 1 || frag.AssociatedMalware[0].Label != "ShadowPad" {
		t.Errorf("associated malware = %v", frag.AssociatedMalware)
	}
}

func TestFeedlyExplicitIndustriesWin(t *testing.T) {
	entity := `{
	  "label": "APT41",
	  "description": "Targets healthcare providers.",
	  "threatActorDetails": {"targetIndustries": [{"label": "Aerospace"}, {"label": "Aerospace"}]}
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(entity))
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, nil, nil)

	frag, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint())
	if err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}
	if len(frag.VictimSectors) != 1 || frag.VictimSectors[0] != "Aerospace" {
		t.Errorf("explicit industries should suppress inference, got %v", frag.VictimSectors)
	}
}

// The actor-scoped fields live under threatActorDetails; occurrences of the
// same names on the entity envelope must not populate the fragment.
func TestFeedlyEnvelopeLevelDetailFieldsIgnored(t *testing.T) {
	entity := `{
	  "label": "APT41",
	  "description": "Short summary.",
	  "malpediaDescription": "Stray envelope text.",
	  "motivations": ["espionage"],
	  "targets": ["United States", "cryptocurrency exchanges"],
	  "threatActorDetails": {"country": "CN"}
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(entity))
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, nil, nil)

	frag, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint())
	if err != nil {
		t.Fatalf("FetchEntity: %v", err)
	}
	if frag.Description != "Short summary." {
		t.Errorf("description = %q, want the plain summary", frag.Description)
	}
	if len(frag.Motivations) != 0 {
		t.Errorf("motivations = %v, want none", frag.Motivations)
	}
	if len(frag.VictimCountries) != 0 {
		t.Errorf("victim countries = %v, want none", frag.VictimCountries)
	}
	if len(frag.VictimSectors) != 0 {
		t.Errorf("victim sectors = %v, want none", frag.VictimSectors)
	}
	if len(frag.OriginCountries) != 1 || frag.OriginCountries[0] != "China" {
		t.Errorf("origin countries = %v", frag.OriginCountries)
	}
}

// ============================================================
// Keying Tests
// ============================================================

func TestFeedlyNoUUIDSkipsNetwork(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, nil, nil)

	_, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", EntityHint{Name: "APT41"})
	if !errors.Is(err, ErrNoEntityKey) {
		t.Fatalf("expected ErrNoEntityKey, got %v", err)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Error("missing key must not cost a network call")
	}
}

// ============================================================
// Caching Tests
// ============================================================

func TestFeedlySecondFetchServedFromCache(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(testEntity))
	}))
	defer server.Close()

	pacer := &countingPacer{}
	client := newFeedlyTestClient(t, server.URL, newMemCache(), pacer)

	id := actor.ID("intrusion-set--aaaa1111")
	if client.InCache(id) {
		t.Error("InCache should be false before the first fetch")
	}

	for i := 0; i < 3; i++ {
		if _, err := client.FetchEntity(context.Background(), id, testHint()); err != nil {
			t.Fatalf("FetchEntity #%d: %v", i+1, err)
		}
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("expected 1 network call, got %d", got)
	}
	if got := atomic.LoadInt64(&pacer.calls); got != 1 {
		t.Errorf("cache hits must not spend rate budget, pacer waited %d times", got)
	}
	if !client.InCache(id) {
		t.Error("InCache should be true after a successful fetch")
	}
}

func TestFeedlyNotFoundIsNegativeCached(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, newMemCache(), nil)

	for i := 0; i < 2; i++ {
		_, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint())
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("attempt %d: expected ErrNotFound, got %v", i+1, err)
		}
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("404 should be negative-cached, got %d network calls", got)
	}
}

func TestFeedlyThrottleIsNotCached(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, newMemCache(), nil)

	for i := 0; i < 2; i++ {
		_, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint())
		if !IsThrottled(err) {
			t.Fatalf("attempt %d: expected throttled error, got %v", i+1, err)
		}
	}

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("throttled responses must not be cached, got %d network calls", got)
	}
}

// ============================================================
// Circuit Breaker Tests
// ============================================================

func TestFeedlyBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newFeedlyTestClient(t, server.URL, nil, nil)

	for i := 0; i < 10; i++ {
		_, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint())
		if !IsTransient(err) {
			t.Fatalf("attempt %d: expected transient error, got %v", i+1, err)
		}
	}

	// The breaker is open now: the next call fails fast and permanently.
	_, err := client.FetchEntity(context.Background(), "intrusion-set--aaaa1111", testHint())
	if err == nil || IsTransient(err) {
		t.Fatalf("open breaker should yield a permanent error, got %v", err)
	}
	if got := atomic.LoadInt64(&calls); got != 10 {
		t.Errorf("open breaker must not reach the network, got %d calls", got)
	}
}

// countingPacer records Wait calls without delaying.
type countingPacer struct {
	calls int64
}

func (p *countingPacer) Wait(ctx context.Context) error {
	atomic.AddInt64(&p.calls, 1)
	return nil
}
