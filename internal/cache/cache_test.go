package cache

import (
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

func testDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("opening badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// ============================================================
// Get / Put Tests
// ============================================================

func TestPutGetRoundTrip(t *testing.T) {
	c := New(testDB(t), time.Hour, time.Minute, nil)

	payload := []byte(`{"objects":[]}`)
	c.Put("mitre:enterprise-bundle", payload, true)

	entry, ok := c.Get("mitre:enterprise-bundle")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(entry.Payload) != string(payload) {
		t.Errorf("payload = %q, want %q", entry.Payload, payload)
	}
	if !entry.Success {
		t.Error("entry should record success")
	}
	if entry.FetchedAt.IsZero() {
		t.Error("entry should carry a fetch timestamp")
	}
}

func TestGetMiss(t *testing.T) {
	c := New(testDB(t), time.Hour, time.Minute, nil)

	if _, ok := c.Get("malpedia:actors"); ok {
		t.Error("expected miss for unknown signature")
	}
}

func TestFailureEntryRetained(t *testing.T) {
	c := New(testDB(t), time.Hour, time.Minute, nil)

	c.Put("feedly:intrusion-set--aaa:2026-08-25", nil, false)

	entry, ok := c.Get("feedly:intrusion-set--aaa:2026-08-25")
	if !ok {
		t.Fatal("failure entries should be readable within their TTL")
	}
	if entry.Success {
		t.Error("entry should record failure")
	}
}

// ============================================================
// Expiry Tests
// ============================================================

func TestExpiredEntryIsMiss(t *testing.T) {
	db := testDB(t)
	c := New(db, 50*time.Millisecond, 50*time.Millisecond, nil)

	c.Put("mitre:enterprise-bundle", []byte("x"), true)
	time.Sleep(80 * time.Millisecond)

	if _, ok := c.Get("mitre:enterprise-bundle"); ok {
		t.Error("expired entry should be a miss")
	}
}

func TestNegativeTTLShorterThanPositive(t *testing.T) {
	db := testDB(t)
	c := New(db, time.Hour, 50*time.Millisecond, nil)

	c.Put("feedly:intrusion-set--bbb:2026-08-25", nil, false)
	time.Sleep(80 * time.Millisecond)

	if _, ok := c.Get("feedly:intrusion-set--bbb:2026-08-25"); ok {
		t.Error("failure entry should expire on the negative TTL")
	}
}

// ============================================================
// Corruption Tests
// ============================================================

func TestCorruptEnvelopeIsMiss(t *testing.T) {
	db := testDB(t)
	c := New(db, time.Hour, time.Minute, nil)

	err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("cache:mitre:enterprise-bundle"), []byte("not json"))
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("mitre:enterprise-bundle"); ok {
		t.Error("corrupt entry should be reported as a miss")
	}

	// The corrupt value must have been dropped so a refetch can repopulate.
	err = db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("cache:mitre:enterprise-bundle"))
		return err
	})
	if err != badger.ErrKeyNotFound {
		t.Errorf("corrupt entry should be deleted, got %v", err)
	}
}

func TestDigestMismatchIsMiss(t *testing.T) {
	db := testDB(t)
	c := New(db, time.Hour, time.Minute, nil)

	entry := Entry{
		Payload:   []byte("tampered"),
		FetchedAt: time.Now().UTC(),
		Success:   true,
		Digest:    "0000000000000000000000000000000000000000000000000000000000000000",
	}
	data, _ := json.Marshal(entry)
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("cache:malpedia:actors"), data)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Get("malpedia:actors"); ok {
		t.Error("digest mismatch should be reported as a miss")
	}
}

// ============================================================
// Invalidation Tests
// ============================================================

func TestInvalidateOlderThan(t *testing.T) {
	db := testDB(t)
	c := New(db, time.Hour, time.Minute, nil)

	c.Put("feedly:intrusion-set--old:2026-08-24", []byte("old"), true)
	time.Sleep(60 * time.Millisecond)
	c.Put("feedly:intrusion-set--new:2026-08-25", []byte("new"), true)

	removed := c.InvalidateOlderThan(30 * time.Millisecond)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	if _, ok := c.Get("feedly:intrusion-set--old:2026-08-24"); ok {
		t.Error("old entry should be gone")
	}
	if _, ok := c.Get("feedly:intrusion-set--new:2026-08-25"); !ok {
		t.Error("recent entry should survive")
	}
}

// ============================================================
// Concurrency Tests
// ============================================================

func TestConcurrentAccess(t *testing.T) {
	c := New(testDB(t), time.Hour, time.Minute, nil)

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				c.Put("mitre:enterprise-bundle", []byte("payload"), true)
				c.Get("mitre:enterprise-bundle")
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if _, ok := c.Get("mitre:enterprise-bundle"); !ok {
		t.Error("entry should be present after concurrent writes")
	}
}
