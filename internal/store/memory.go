package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/provbot/provbot/pkg/models"
)

// MemoryStore is an in-process Store with lazy TTL expiry. It backs unit
// tests and the memory backend for local development; semantics mirror
// RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	// now is swappable so expiry can be tested without sleeping.
	now func() time.Time
}

type memEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) SaveJob(ctx context.Context, job *models.Job, ttl time.Duration) error {
	return s.set(JobKey(job.ID), job, ttl)
}

func (s *MemoryStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	var job models.Job
	if err := s.get(JobKey(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, jobID uuid.UUID, ttl time.Duration, fn func(*models.Job) error) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(JobKey(jobID))
	if !ok {
		return nil, ErrNotFound
	}
	var job models.Job
	if err := json.Unmarshal(entry.data, &job); err != nil {
		return nil, err
	}
	if err := fn(&job); err != nil {
		return nil, err
	}
	buf, err := json.Marshal(&job)
	if err != nil {
		return nil, err
	}
	s.put(JobKey(jobID), buf, ttl)
	return &job, nil
}

func (s *MemoryStore) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	return s.delete(JobKey(jobID))
}

func (s *MemoryStore) ListJobIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for key := range s.entries {
		if len(key) <= len(jobKeyPrefix) || key[:len(jobKeyPrefix)] != jobKeyPrefix {
			continue
		}
		if _, ok := s.live(key); !ok {
			continue
		}
		id, err := uuid.Parse(key[len(jobKeyPrefix):])
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) SaveSession(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	return s.set(SessionKey(sess.JobID), sess, ttl)
}

func (s *MemoryStore) GetSession(ctx context.Context, jobID uuid.UUID) (*models.Session, error) {
	var sess models.Session
	if err := s.get(SessionKey(jobID), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, jobID uuid.UUID) error {
	return s.delete(SessionKey(jobID))
}

func (s *MemoryStore) SaveNotification(ctx context.Context, p *models.NotificationPayload, ttl time.Duration) error {
	return s.set(NotifyKey(p.JobID), p, ttl)
}

func (s *MemoryStore) GetNotification(ctx context.Context, jobID uuid.UUID) (*models.NotificationPayload, error) {
	var p models.NotificationPayload
	if err := s.get(NotifyKey(jobID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MemoryStore) TouchNotification(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := NotifyKey(jobID)
	entry, ok := s.live(key)
	if !ok {
		return ErrNotFound
	}
	s.put(key, entry.data, ttl)
	return nil
}

func (s *MemoryStore) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if entry, ok := s.live(key); ok {
		if err := json.Unmarshal(entry.data, &count); err != nil {
			return 0, err
		}
	}
	count++
	buf, _ := json.Marshal(count)
	s.put(key, buf, expiry)
	return count, nil
}

// SetNow overrides the clock used for expiry checks. Test hook.
func (s *MemoryStore) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- internals (callers of live/put hold s.mu) ---

func (s *MemoryStore) live(key string) (memEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !entry.expiresAt.IsZero() && s.now().After(entry.expiresAt) {
		delete(s.entries, key)
		return memEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) put(key string, data []byte, ttl time.Duration) {
	entry := memEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *MemoryStore) set(key string, v any, ttl time.Duration) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, buf, ttl)
	return nil
}

func (s *MemoryStore) get(key string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live(key)
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(entry.data, v)
}

func (s *MemoryStore) delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
