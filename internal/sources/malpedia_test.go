package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/actorforge/internal/config"
)

const testActorDump = `{
  "apt41": {
    "value": "APT41",
    "description": "APT41 is a dual espionage and cybercrime group.",
    "uuid": "9c124874-042d-48cd-b72b-ccdc51ecbbd6",
    "meta": {
      "country": "CN",
      "synonyms": ["APT41", "Wicked Panda", "BARIUM"],
      "attribution-confidence": 50,
      "cfr-type-of-incident": "Espionage",
      "refs": ["https://attack.mitre.org/groups/G0096"]
    },
    "related": [
      {"dest-uuid": "32fafa69-fe3c-49db-afd4-aac2664bcf0d", "type": "similar"}
    ]
  },
  "lazarus": {
    "value": "Lazarus Group",
    "uuid": "32fafa69-fe3c-49db-afd4-aac2664bcf0d",
    "meta": {
      "country": "KP",
      "synonyms": ["HIDDEN COBRA"],
      "attribution-confidence": "50",
      "cfr-type-of-incident": ["Espionage", "Sabotage"]
    }
  },
  "ghost": {
    "value": "",
    "uuid": "00000000-0000-0000-0000-000000000000"
  }
}`

func newMalpediaTestClient(t *testing.T, url string, c ResponseCache) *MalpediaClient {
	t.Helper()
	client, err := NewMalpediaClient(config.MalpediaConfig{URL: url, Timeout: 5 * time.Second}, testOptions(c))
	if err != nil {
		t.Fatalf("NewMalpediaClient: %v", err)
	}
	return client
}

// ============================================================
// Actor Dump Parsing Tests
// ============================================================

func TestMalpediaFetchAllParsesDump(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get/actors" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("anonymous client sent Authorization header %q", auth)
		}
		w.Write([]byte(testActorDump))
	}))
	defer server.Close()

	client := newMalpediaTestClient(t, server.URL, nil)

	fragments, err := client.FetchAll(context.Background())
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	// The unnamed entry is dropped.
	if len(fragments) != 2 {
		t.Fatalf("expected 2 fragments, got %d", len(fragments))
	}

	// Fragments come back sorted by slug.
	apt41, lazarus := fragments[0], fragments[1]
	if apt41.Name != "APT41" || lazarus.Name != "Lazarus Group" {
		t.Fatalf("unexpected order: %q, %q", apt41.Name, lazarus.Name)
	}

	if apt41.MalpediaUUID != "9c124874-042d-48cd-b72b-ccdc51ecbbd6" {
		t.Errorf("uuid = %q", apt41.MalpediaUUID)
	}
	if len(apt41.Aliases) != 2 {
		t.Errorf("synonyms should exclude the primary name, got %v", apt41.Aliases)
	}
	if len(apt41.OriginCountries) != 1 || apt41.OriginCountries[0] != "China" {
		t.Errorf("origin countries = %v", apt41.OriginCountries)
	}
	if apt41.AttributionConfidence != "50" {
		t.Errorf("numeric attribution-confidence should decode to %q, got %q", "50", apt41.AttributionConfidence)
	}
	if len(apt41.IncidentTypes) != 1 || apt41.IncidentTypes[0] != "Espionage" {
		t.Errorf("scalar cfr-type-of-incident should decode to one entry, got %v", apt41.IncidentTypes)
	}
	if len(apt41.RelatedActors) != 1 || apt41.RelatedActors[0] != "Lazarus Group" {
		t.Errorf("related uuid should resolve to a name, got %v", apt41.RelatedActors)
	}

	if len(lazarus.OriginCountries) != 1 || lazarus.OriginCountries[0] != "North Korea" {
		t.Errorf("KP should map to North Korea, got %v", lazarus.OriginCountries)
	}
	if len(lazarus.IncidentTypes) != 2 {
		t.Errorf("list cfr-type-of-incident should decode fully, got %v", lazarus.IncidentTypes)
	}
}

// ============================================================
// Authentication Tests
// ============================================================

func TestMalpediaSendsAPITokenWhenConfigured(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	os.Setenv("TEST_MALPEDIA_KEY", "secret-token")
	defer os.Unsetenv("TEST_MALPEDIA_KEY")

	client, err := NewMalpediaClient(config.MalpediaConfig{
		URL:       server.URL,
		APIKeyEnv: "TEST_MALPEDIA_KEY",
		Timeout:   5 * time.Second,
	}, testOptions(nil))
	if err != nil {
		t.Fatalf("NewMalpediaClient: %v", err)
	}

	if _, err := client.FetchAll(context.Background()); err != nil {
		t.Fatalf("FetchAll: %v", err)
	}

	if got := gotAuth.Load(); got != "apitoken secret-token" {
		t.Errorf("Authorization = %q, want %q", got, "apitoken secret-token")
	}
}

func TestMalpediaMissingKeyStaysAnonymous(t *testing.T) {
	os.Unsetenv("TEST_MALPEDIA_MISSING")

	client, err := NewMalpediaClient(config.MalpediaConfig{
		URL:       "http://malpedia.local",
		APIKeyEnv: "TEST_MALPEDIA_MISSING",
		Timeout:   5 * time.Second,
	}, testOptions(nil))
	if err != nil {
		t.Fatalf("missing optional key must not fail construction: %v", err)
	}
	if client.apiKey != "" {
		t.Errorf("apiKey = %q, want empty", client.apiKey)
	}
}

// ============================================================
// Caching and Failure Tests
// ============================================================

func TestMalpediaFetchAllUsesCache(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.Write([]byte(testActorDump))
	}))
	defer server.Close()

	client := newMalpediaTestClient(t, server.URL, newMemCache())

	for i := 0; i < 3; i++ {
		if _, err := client.FetchAll(context.Background()); err != nil {
			t.Fatalf("FetchAll #%d: %v", i+1, err)
		}
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("expected 1 network call with a warm cache, got %d", got)
	}
}

func TestMalpediaRateLimitIsThrottled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newMalpediaTestClient(t, server.URL, nil)

	_, err := client.FetchAll(context.Background())
	if err == nil {
		t.Fatal("expected error on 429")
	}
	if !IsTransient(err) || !IsThrottled(err) {
		t.Errorf("429 should be transient and throttled, got %v", err)
	}
}
