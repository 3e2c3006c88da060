package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

// DefaultTTL is how long a record is retained after its last update.
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "job/"

// badgerLogger routes badger's internal logging through slog.
type badgerLogger struct {
	logger *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (bl *badgerLogger) Errorf(msg string, items ...any) {
	bl.logger.Error(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Warningf(msg string, items ...any) {
	bl.logger.Warn(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Infof(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

func (bl *badgerLogger) Debugf(msg string, items ...any) {
	bl.logger.Debug(fmt.Sprintf(msg, items...))
}

// BadgerStore keeps job records in a BadgerDB instance. Each write refreshes
// the entry TTL so records expire after the retention window.
type BadgerStore struct {
	db     *badger.DB
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type BadgerOption func(*BadgerStore)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) BadgerOption {
	return func(s *BadgerStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) BadgerOption {
	return func(s *BadgerStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) BadgerOption {
	return func(s *BadgerStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// OpenBadger opens the store at dir, creating the directory if needed. An
// empty dir opens an in-memory database.
func OpenBadger(dir string, opts ...BadgerOption) (*BadgerStore, error) {
	s := &BadgerStore{
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var bopts badger.Options
	if dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create job store dir: %w", err)
		}
		bopts = badger.DefaultOptions(dir)
	}
	bopts.Logger = &badgerLogger{logger: s.logger.With("component", "badger")}
	bopts.Compression = options.None

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Create(ctx context.Context, rec Record) (*Record, error) {
	if rec.JobID == "" {
		return nil, fmt.Errorf("create job: empty job id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *Record
	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := s.load(txn, rec.JobID)
		switch {
		case err == nil:
			out = existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
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
		if err := s.save(txn, &rec); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create job %s: %w", rec.JobID, err)
	}
	return out, nil
}

func (s *BadgerStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *Record
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := s.load(txn, jobID)
		if err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return out, nil
}

func (s *BadgerStore) Update(ctx context.Context, jobID string, u Update) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("update job: empty job id")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *Record
	err := s.db.Update(func(txn *badger.Txn) error {
		now := s.now().UTC()
		rec, err := s.load(txn, jobID)
		if errors.Is(err, ErrNotFound) {
			// Redelivered message whose record was lost or expired.
			s.logger.Warn("job record missing, recreating from update", "job_id", jobID)
			rec = &Record{JobID: jobID, Status: StatusQueued, CreatedAt: now}
		} else if err != nil {
			return err
		}

		if err := rec.Apply(u, now); err != nil {
			out = rec
			return err
		}
		if err := s.save(txn, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrTerminal) {
			return out, fmt.Errorf("update job %s (%s): %w", jobID, out.Status, err)
		}
		return nil, fmt.Errorf("update job %s: %w", jobID, err)
	}
	return out, nil
}

func (s *BadgerStore) load(txn *badger.Txn, jobID string) (*Record, error) {
	item, err := txn.Get(recordKey(jobID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("decode job record: %w", err)
	}
	return &rec, nil
}

func (s *BadgerStore) save(txn *badger.Txn, rec *Record) error {
	expires := s.now().Add(s.ttl)
	rec.TTL = expires.Unix()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job record: %w", err)
	}
	return txn.SetEntry(badger.NewEntry(recordKey(rec.JobID), data).WithTTL(s.ttl))
}

func recordKey(jobID string) []byte {
	return []byte(keyPrefix + jobID)
}
