package jobstore

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/models"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := NewRedisStoreWithClient(client, "jobs", zerolog.Nop())
	t.Cleanup(func() { _ = st.Close() })
	return st, mr
}

type snapshotRecorder struct {
	mu    sync.Mutex
	snaps []models.Snapshot
}

func (r *snapshotRecorder) record(s models.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapshotRecorder) waitFor(t *testing.T, cond func(models.Snapshot) bool) models.Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if n := len(r.snaps); n > 0 && cond(r.snaps[n-1]) {
			s := r.snaps[n-1]
			r.mu.Unlock()
			return s
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for snapshot")
	return models.Snapshot{}
}

func TestRedisStoreSubmitGetUpdate(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t)

	key, err := st.Submit(ctx, "img2img", newRecord("job-1", models.StatusProcessing))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !mr.Exists("jobs:img2img") {
		t.Fatalf("expected collection hash to exist")
	}

	snap, err := st.Get(ctx, "img2img")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(snap.Records) != 1 || snap.Records[0].Key != key || snap.Records[0].ID != "job-1" {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}

	status := models.StatusCanceled
	msg := "canceled by user"
	if err := st.Update(ctx, "img2img", key, models.Patch{Status: &status, Error: &msg}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap, _ = st.Get(ctx, "img2img")
	if snap.Records[0].Status != models.StatusCanceled || snap.Records[0].ErrorText() != msg {
		t.Fatalf("update not applied: %#v", snap.Records[0])
	}
}

func TestRedisStoreSkipsMalformedRecords(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t)

	if _, err := st.Submit(ctx, "txt2img", newRecord("job-1", models.StatusProcessing)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mr.HSet("jobs:txt2img", "garbage", "{not json")

	snap, err := st.Get(ctx, "txt2img")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(snap.Records) != 1 {
		t.Fatalf("expected malformed record to be skipped, got %d records", len(snap.Records))
	}
}

func TestRedisStoreUpdateMissingKey(t *testing.T) {
	st, _ := newRedisStore(t)
	status := models.StatusCanceled
	err := st.Update(context.Background(), "txt2img", "missing", models.Patch{Status: &status})
	if !errors.Is(err, jobserr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRedisStoreSubscribePushesSnapshots(t *testing.T) {
	ctx := context.Background()
	st, _ := newRedisStore(t)

	rec := &snapshotRecorder{}
	unsub, err := st.Subscribe(ctx, "txt2img", rec.record)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	rec.waitFor(t, func(s models.Snapshot) bool { return len(s.Records) == 0 })

	key, err := st.Submit(ctx, "txt2img", newRecord("job-1", models.StatusProcessing))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.waitFor(t, func(s models.Snapshot) bool { return len(s.Records) == 1 })

	status := models.StatusCompleted
	if err := st.Update(ctx, "txt2img", key, models.Patch{Status: &status, Output: &models.JobOutput{ImageURL: "https://x/y.png"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	snap := rec.waitFor(t, func(s models.Snapshot) bool {
		return len(s.Records) == 1 && s.Records[0].Status == models.StatusCompleted
	})
	if snap.Records[0].Output.ImageURL != "https://x/y.png" {
		t.Fatalf("unexpected output: %#v", snap.Records[0].Output)
	}
}

func TestRedisStoreAuthFailureIsPermissionDenied(t *testing.T) {
	st, mr := newRedisStore(t)
	mr.RequireAuth("s3cret")

	_, err := st.Submit(context.Background(), "txt2img", newRecord("job-1", models.StatusProcessing))
	if !errors.Is(err, jobserr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if jobserr.Retryable(err) {
		t.Fatalf("permission denied must not be retryable")
	}
}

func TestRedisStoreConnectionLossIsUnavailable(t *testing.T) {
	st, mr := newRedisStore(t)
	mr.Close()

	_, err := st.Get(context.Background(), "txt2img")
	if !errors.Is(err, jobserr.ErrStoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
}

func TestRedisStoreUnsubscribeInsideCallback(t *testing.T) {
	ctx := context.Background()
	st, _ := newRedisStore(t)

	var calls atomic.Int32
	var unsub Unsubscribe
	unsub, err := st.Subscribe(ctx, "txt2img", func(s models.Snapshot) {
		calls.Add(1)
		if len(s.Records) > 0 {
			unsub()
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := st.Submit(ctx, "txt2img", newRecord("job-1", models.StatusProcessing)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected a pushed snapshot, got %d calls", calls.Load())
	}

	for _, id := range []string{"job-2", "job-3"} {
		if _, err := st.Submit(ctx, "txt2img", newRecord(id, models.StatusProcessing)); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("expected deliveries to stop after unsubscribe, got %d calls", calls.Load())
	}
	unsub()
}

func TestRedisStoreRefreshRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t)

	if _, err := st.Submit(ctx, "txt2img", newRecord("job-1", models.StatusProcessing)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mr.SetError("ERR store temporarily unavailable")
	go func() {
		time.Sleep(60 * time.Millisecond)
		mr.SetError("")
	}()

	snap, err := st.refresh(ctx, "txt2img")
	if err != nil {
		t.Fatalf("refresh should recover once the store is back: %v", err)
	}
	if len(snap.Records) != 1 || snap.Records[0].ID != "job-1" {
		t.Fatalf("unexpected snapshot: %#v", snap)
	}
}

func TestRedisStoreRefreshStopsOnPermissionDenied(t *testing.T) {
	ctx := context.Background()
	st, mr := newRedisStore(t)
	mr.SetError("NOPERM this user has no permissions")
	defer mr.SetError("")

	start := time.Now()
	_, err := st.refresh(ctx, "txt2img")
	if !errors.Is(err, jobserr.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if time.Since(start) > refreshBackoff {
		t.Fatalf("permission errors must not be retried")
	}
}
