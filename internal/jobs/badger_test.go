package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-extractor/pkg/schema"
)

func openTestStore(t *testing.T, opts ...BadgerOption) *BadgerStore {
	t.Helper()
	s, err := OpenBadger("", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.Create(ctx, NewRecord("job-1", "a.pdf", "user-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, first.Status)
	assert.Equal(t, string(schema.StageQueued), first.Stage)
	assert.NotZero(t, first.TTL)

	_, err = s.Update(ctx, "job-1", Processing("downloading", 10))
	require.NoError(t, err)

	again, err := s.Create(ctx, NewRecord("job-1", "other.pdf", "user-2"))
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, again.Status)
	assert.Equal(t, "a.pdf", again.FileName)
	assert.Equal(t, 10, again.Progress)
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Create(ctx, NewRecord("job-2", "doc.docx", ""))
	require.NoError(t, err)

	_, err = s.Update(ctx, "job-2", Processing("downloading", 10))
	require.NoError(t, err)
	_, err = s.Update(ctx, "job-2", Progressing("parsing", 40))
	require.NoError(t, err)

	result := json.RawMessage(`{"text":"hello"}`)
	rec, err := s.Update(ctx, "job-2", Completed(ResultInline, result, ""))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, ResultInline, rec.ResultLocation)
	assert.JSONEq(t, `{"text":"hello"}`, string(rec.Result))
	require.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.FailedAt)
	assert.Empty(t, rec.ErrorMessage)

	stored, err := s.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, rec.Status, stored.Status)
	assert.JSONEq(t, string(rec.Result), string(stored.Result))
}

func TestUpdateProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Update(ctx, "job-3", Processing("extracting", 60))
	require.NoError(t, err)

	rec, err := s.Update(ctx, "job-3", Processing("downloading", 10))
	require.NoError(t, err)
	assert.Equal(t, 60, rec.Progress)
	assert.Equal(t, StatusProcessing, rec.Status)
}

func TestUpdateStatusNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Update(ctx, "job-4", Processing("downloading", 10))
	require.NoError(t, err)

	queued := StatusQueued
	rec, err := s.Update(ctx, "job-4", Update{Status: &queued})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, rec.Status)
}

func TestTerminalRecordIsImmutable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Update(ctx, "job-5", Failed(errors.New("boom")))
	require.NoError(t, err)

	rec, err := s.Update(ctx, "job-5", Processing("downloading", 10))
	require.ErrorIs(t, err, ErrTerminal)
	require.NotNil(t, rec)
	assert.Equal(t, StatusFailed, rec.Status)

	_, err = s.Update(ctx, "job-5", Completed(ResultInline, json.RawMessage(`{}`), ""))
	require.ErrorIs(t, err, ErrTerminal)

	stored, err := s.Get(ctx, "job-5")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "failed", stored.Stage)
	assert.Equal(t, "boom", stored.ErrorMessage)
	assert.Empty(t, stored.Result)
}

func TestReplayedUpdatesConverge(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	updates := []Update{
		Processing("downloading", 10),
		Progressing("detecting_format", 25),
		Progressing("extracting", 70),
		Completed(ResultExternal, nil, "results/job-6/result.json"),
	}
	for _, u := range updates {
		_, err := s.Update(ctx, "job-6", u)
		require.NoError(t, err)
	}
	// A redelivery replays the whole sequence.
	for _, u := range updates {
		_, _ = s.Update(ctx, "job-6", u)
	}

	rec, err := s.Get(ctx, "job-6")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, ResultExternal, rec.ResultLocation)
	assert.Equal(t, "results/job-6/result.json", rec.ResultExternalKey)
	assert.Empty(t, rec.Result)
}

func TestTTLFollowsClock(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithTTL(time.Hour), WithClock(func() time.Time { return now }))

	rec, err := s.Create(context.Background(), NewRecord("job-7", "", ""))
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour).Unix(), rec.TTL)
}

func TestApplyClampsProgress(t *testing.T) {
	rec := Record{JobID: "x", Status: StatusProcessing}
	require.NoError(t, rec.Apply(Progressing("x", 250), time.Now()))
	assert.Equal(t, 100, rec.Progress)
}

func TestApplyIgnoresErrorMessageUnlessFailed(t *testing.T) {
	rec := Record{JobID: "x", Status: StatusProcessing}
	msg := "not yet"
	require.NoError(t, rec.Apply(Update{ErrorMessage: &msg}, time.Now()))
	assert.Empty(t, rec.ErrorMessage)
}
