package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/actorforge/internal/actor"
	"github.com/lvonguyen/actorforge/internal/config"
)

const runsKey = runPrefix + "history"

// RedisStore keeps records in Redis for deployments where several readers
// share one pipeline's output. Change history and run summaries live in
// lists, newest first.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedis connects to Redis and verifies the connection before returning.
// The password is read from the configured environment variable, never from
// the config file itself.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var password string
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{client: client, logger: logger.Named("store")}, nil
}

func (s *RedisStore) GetActor(ctx context.Context, id actor.ID) (*actor.Record, error) {
	payload, err := s.client.Get(ctx, actorPrefix+string(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading actor %s: %w", id, err)
	}
	var record actor.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decoding actor %s: %w", id, err)
	}
	return &record, nil
}

func (s *RedisStore) CommitActor(ctx context.Context, record *actor.Record, changes []actor.ChangeEntry) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding actor %s: %w", record.ID, err)
	}

	rows := make([]interface{}, 0, len(changes))
	for _, entry := range changes {
		row, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encoding change entry %s: %w", entry.EntryID, err)
		}
		rows = append(rows, row)
	}

	// MULTI/EXEC keeps the record and its change rows together.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, actorPrefix+string(record.ID), payload, 0)
		if len(rows) > 0 {
			pipe.LPush(ctx, changelogPrefix+string(record.ID), rows...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("committing actor %s: %w", record.ID, err)
	}
	return nil
}

func (s *RedisStore) ListActorIDs(ctx context.Context) ([]actor.ID, error) {
	var ids []actor.ID
	iter := s.client.Scan(ctx, 0, actorPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, actor.ID(iter.Val()[len(actorPrefix):]))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning actor ids: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *RedisStore) ListActors(ctx context.Context) ([]*actor.Record, error) {
	ids, err := s.ListActorIDs(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]*actor.Record, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetActor(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *RedisStore) ListChanges(ctx context.Context, id actor.ID, limit int) ([]actor.ChangeEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	rows, err := s.client.LRange(ctx, changelogPrefix+string(id), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing changes for %s: %w", id, err)
	}
	entries := make([]actor.ChangeEntry, 0, len(rows))
	for _, row := range rows {
		var entry actor.ChangeEntry
		if err := json.Unmarshal([]byte(row), &entry); err != nil {
			return nil, fmt.Errorf("decoding change entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *RedisStore) UpsertTTPs(ctx context.Context, ttps []actor.TTP) error {
	if len(ttps) == 0 {
		return nil
	}
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, ttp := range ttps {
			payload, err := json.Marshal(ttp)
			if err != nil {
				return fmt.Errorf("encoding ttp %s: %w", ttp.ID, err)
			}
			pipe.Set(ctx, ttpPrefix+ttp.ID, payload, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing ttps: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTTP(ctx context.Context, id string) (*actor.TTP, error) {
	payload, err := s.client.Get(ctx, ttpPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading ttp %s: %w", id, err)
	}
	var ttp actor.TTP
	if err := json.Unmarshal(payload, &ttp); err != nil {
		return nil, fmt.Errorf("decoding ttp %s: %w", id, err)
	}
	return &ttp, nil
}

func (s *RedisStore) ListTTPs(ctx context.Context) ([]actor.TTP, error) {
	var ttps []actor.TTP
	iter := s.client.Scan(ctx, 0, ttpPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		ttp, err := s.GetTTP(ctx, iter.Val()[len(ttpPrefix):])
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		ttps = append(ttps, *ttp)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning ttps: %w", err)
	}
	sort.Slice(ttps, func(i, j int) bool { return ttps[i].ID < ttps[j].ID })
	return ttps, nil
}

func (s *RedisStore) RecordRun(ctx context.Context, summary actor.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding run summary: %w", err)
	}
	if err := s.client.LPush(ctx, runsKey, payload).Err(); err != nil {
		return fmt.Errorf("recording run %s: %w", summary.RunID, err)
	}
	return nil
}

func (s *RedisStore) LastRun(ctx context.Context) (*actor.RunSummary, error) {
	payload, err := s.client.LIndex(ctx, runsKey, 0).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading last run: %w", err)
	}
	var summary actor.RunSummary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("decoding run summary: %w", err)
	}
	return &summary, nil
}

func (s *RedisStore) ListRuns(ctx context.Context, limit int) ([]actor.RunSummary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	rows, err := s.client.LRange(ctx, runsKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]actor.RunSummary, 0, len(rows))
	for _, row := range rows {
		var summary actor.RunSummary
		if err := json.Unmarshal([]byte(row), &summary); err != nil {
			return nil, fmt.Errorf("decoding run summary: %w", err)
		}
		runs = append(runs, summary)
	}
	return runs, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
