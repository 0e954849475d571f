package sources

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/cache"
)

// memCache is a test double for the response cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	puts    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]cache.Entry)}
}

func (m *memCache) Get(signature string) (cache.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[signature]
	return entry, ok
}

func (m *memCache) Put(signature string, payload []byte, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.entries[signature] = cache.Entry{
		Payload:   append([]byte(nil), payload...),
		FetchedAt: time.Now().UTC(),
		Success:   success,
	}
}

func testOptions(c ResponseCache) Options {
	return Options{Cache: c, Logger: zap.NewNop()}
}
