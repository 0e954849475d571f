// Package cache provides the durable response cache consulted before every
// outbound source call. Entries are content-addressed by request signature
// ({source}:{logical-request-key}) and persisted in BadgerDB, whose
// transactional writes guarantee a partially written entry is never read
// back as valid.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const keyPrefix = "cache:"

// Entry is one cached response payload plus its fetch metadata. A Success
// of false records a failed fetch so a broken source is not hammered on
// every pass; callers treat such entries as known-bad, not as payloads.
type Entry struct {
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
	Success   bool      `json:"success"`
	Digest    string    `json:"digest"`
}

// Cache is a BadgerDB-backed response cache with per-entry TTLs. Values are
// derived data: reads and writes are safe for concurrent use and
// last-writer-wins is acceptable.
type Cache struct {
	db          *badger.DB
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *zap.Logger
}

// New creates a response cache on top of an open Badger handle. The handle
// may be shared with other keyspaces; the cache confines itself to the
// "cache:" prefix.
func New(db *badger.DB, ttl, negativeTTL time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		db:          db,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		logger:      logger,
	}
}

// Get returns the entry stored under signature. Expired entries and entries
// that fail integrity checks are reported as misses; a corrupt entry is
// deleted so the following fetch repopulates it.
func (c *Cache) Get(signature string) (Entry, bool) {
	var (
		entry   Entry
		corrupt bool
	)

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(signature))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return badger.ErrKeyNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &entry); err != nil {
				corrupt = true
				return nil
			}
			if entry.Digest != "" && entry.Digest != digest(entry.Payload) {
				corrupt = true
			}
			return nil
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false
	}
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss",
			zap.String("signature", signature),
			zap.Error(err),
		)
		return Entry{}, false
	}

	if corrupt {
		c.logger.Warn("corrupt cache entry, treating as miss",
			zap.String("signature", signature),
		)
		c.delete(signature)
		return Entry{}, false
	}

	if c.expired(entry) {
		return Entry{}, false
	}

	return entry, true
}

// Put stores a response payload under signature. Failed fetches are kept for
// the shorter negative TTL. Write errors are logged, never propagated: the
// cache holds derived data and must not fail a fetch that already succeeded.
func (c *Cache) Put(signature string, payload []byte, success bool) {
	entry := Entry{
		Payload:   payload,
		FetchedAt: time.Now().UTC(),
		Success:   success,
		Digest:    digest(payload),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("cache entry marshal failed", zap.String("signature", signature), zap.Error(err))
		return
	}

	ttl := c.ttl
	if !success {
		ttl = c.negativeTTL
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(c.key(signature), data)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		c.logger.Warn("cache write failed", zap.String("signature", signature), zap.Error(err))
	}
}

// InvalidateOlderThan removes every cache entry fetched more than age ago.
func (c *Cache) InvalidateOlderThan(age time.Duration) int {
	cutoff := time.Now().UTC().Add(-age)

	var stale [][]byte
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				var entry Entry
				if err := json.Unmarshal(val, &entry); err != nil {
					stale = append(stale, key)
					return nil
				}
				if entry.FetchedAt.Before(cutoff) {
					stale = append(stale, key)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("cache scan failed", zap.Error(err))
		return 0
	}

	removed := 0
	err = c.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("cache invalidation failed", zap.Error(err))
	}

	return removed
}

func (c *Cache) expired(entry Entry) bool {
	ttl := c.ttl
	if !entry.Success {
		ttl = c.negativeTTL
	}
	if ttl <= 0 {
		return false
	}
	return time.Now().UTC().After(entry.FetchedAt.Add(ttl))
}

func (c *Cache) delete(signature string) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(c.key(signature))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		c.logger.Warn("cache delete failed", zap.String("signature", signature), zap.Error(err))
	}
}

func (c *Cache) key(signature string) []byte {
	return []byte(keyPrefix + signature)
}

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
