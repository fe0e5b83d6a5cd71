package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/pkg/models"
	"github.com/redis/go-redis/v9"
)

// casRetries bounds optimistic-lock retries when a watched key changes
// between read and write.
const casRetries = 5

// RedisStore implements Store using go-redis/v9.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from a Redis URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) SaveJob(ctx context.Context, job *models.Job, ttl time.Duration) error {
	return s.setJSON(ctx, JobKey(job.ID), job, ttl)
}

func (s *RedisStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := s.getJSON(ctx, JobKey(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, jobID uuid.UUID, ttl time.Duration, fn func(*models.Job) error) (*models.Job, error) {
	key := JobKey(jobID)
	var updated *models.Job

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("unmarshaling job %s: %w", jobID, err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		buf, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("marshaling job %s: %w", jobID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, buf, ttl)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("job %s: too many concurrent updates", jobID)
}

func (s *RedisStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	return s.client.Del(ctx, JobKey(jobID)).Err()
}

func (s *RedisStore) ListJobIDs(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	iter := s.client.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw := strings.TrimPrefix(iter.Val(), jobKeyPrefix)
		id, err := uuid.Parse(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	return s.setJSON(ctx, SessionKey(sess.JobID), sess, ttl)
}

func (s *RedisStore) GetSession(ctx context.Context, jobID uuid.UUID) (*models.Session, error) {
	var sess models.Session
	if err := s.getJSON(ctx, SessionKey(jobID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *RedisStore) DeleteSession(ctx context.Context, jobID uuid.UUID) error {
	return s.client.Del(ctx, SessionKey(jobID)).Err()
}

func (s *RedisStore) SaveNotification(ctx context.Context, p *models.NotificationPayload, ttl time.Duration) error {
	return s.setJSON(ctx, NotifyKey(p.JobID), p, ttl)
}

func (s *RedisStore) GetNotification(ctx context.Context, jobID uuid.UUID) (*models.NotificationPayload, error) {
	var p models.NotificationPayload
	if err := s.getJSON(ctx, NotifyKey(jobID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) TouchNotification(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, NotifyKey(jobID), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	return s.client.Set(ctx, key, buf, ttl).Err()
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
