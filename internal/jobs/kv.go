package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// maxCASAttempts bounds the read-merge-write loop when concurrent writers
// race on the same record.
const maxCASAttempts = 5

// kvAPI is the compare-and-set surface KVStore needs.
type kvAPI interface {
	get(ctx context.Context, key string) ([]byte, uint64, error)
	create(ctx context.Context, key string, value []byte) (uint64, error)
	update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
}

type jetstreamKV struct {
	kv jetstream.KeyValue
}

func (b jetstreamKV) get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return entry.Value(), entry.Revision(), nil
}

func (b jetstreamKV) create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return 0, errKeyExists
	}
	return rev, err
}

func (b jetstreamKV) update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return b.kv.Update(ctx, key, value, revision)
}

var errKeyExists = errors.New("key exists")

// KVStore keeps job records in a JetStream key-value bucket, so the API and
// every worker tier share them. Updates are compare-and-set on the entry
// revision; expiry comes from the bucket TTL.
type KVStore struct {
	kv     kvAPI
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewKVStore wraps a bucket opened with bus.Client.KeyValue. ttl should match
// the bucket's TTL; it only feeds Record.TTL.
func NewKVStore(kv jetstream.KeyValue, ttl time.Duration, logger *slog.Logger) *KVStore {
	return newKVStore(jetstreamKV{kv: kv}, ttl, logger)
}

func newKVStore(api kvAPI, ttl time.Duration, logger *slog.Logger) *KVStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: api, ttl: ttl, now: time.Now, logger: logger}
}

func (s *KVStore) Create(ctx context.Context, rec Record) (*Record, error) {
	if rec.JobID == "" {
		return nil, fmt.Errorf("create job: empty job id")
	}
	now := s.now().UTC()
	if !rec.Status.Valid() {
		rec.Status = StatusQueued
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	rec.Progress = clampProgress(rec.Progress)
	rec.TTL = now.Add(s.ttl).Unix()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode job record: %w", err)
	}
	if _, err := s.kv.create(ctx, rec.JobID, data); err != nil {
		if errors.Is(err, errKeyExists) {
			return s.Get(ctx, rec.JobID)
		}
		return nil, fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	return &rec, nil
}

func (s *KVStore) Get(ctx context.Context, jobID string) (*Record, error) {
	rec, _, err := s.load(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return rec, nil
}

func (s *KVStore) Update(ctx context.Context, jobID string, u Update) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("update job: empty job id")
	}

	var lastErr error
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		now := s.now().UTC()
		rec, rev, err := s.load(ctx, jobID)
		switch {
		case errors.Is(err, ErrNotFound):
			s.logger.Warn("job record missing, recreating from update", "job_id", jobID)
			rec = &Record{JobID: jobID, Status: StatusQueued, CreatedAt: now}
		case err != nil:
			return nil, fmt.Errorf("update job %s: %w", jobID, err)
		}

		if err := rec.Apply(u, now); err != nil {
			return rec, fmt.Errorf("update job %s (%s): %w", jobID, rec.Status, err)
		}
		rec.TTL = now.Add(s.ttl).Unix()
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode job record: %w", err)
		}

		if rev == 0 {
			_, err = s.kv.create(ctx, jobID, data)
		} else {
			_, err = s.kv.update(ctx, jobID, data, rev)
		}
		if err == nil {
			return rec, nil
		}
		lastErr = err
		s.logger.Debug("job record write conflict, retrying", "job_id", jobID, "attempt", attempt, "err", err)
	}
	return nil, fmt.Errorf("update job %s after %d attempts: %w", jobID, maxCASAttempts, lastErr)
}

func (s *KVStore) load(ctx context.Context, jobID string) (*Record, uint64, error) {
	data, rev, err := s.kv.get(ctx, jobID)
	if err != nil {
		return nil, 0, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, 0, fmt.Errorf("decode job record: %w", err)
	}
	return &rec, rev, nil
}
