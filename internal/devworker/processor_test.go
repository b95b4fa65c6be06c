package devworker

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/config"
	"memecraft-jobsync/internal/jobstore"
	"memecraft-jobsync/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}
}

type flakyUploader struct {
	failures int
	calls    int
	inner    Uploader
}

func (f *flakyUploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("bucket unavailable")
	}
	return f.inner.Upload(ctx, key, body, contentType)
}

func newTestProcessor(t *testing.T, st jobstore.Store, up Uploader) *Processor {
	t.Helper()
	cfg := config.DevWorkerConfig{Concurrency: 2, UploadRetries: 3, PixelSize: 4}
	p := NewProcessor(cfg, st, []models.Kind{models.KindTextToImage, models.KindImageToImage}, up, zerolog.Nop())
	p.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return p
}

func submit(t *testing.T, st jobstore.Store, payload models.Payload) models.JobRecord {
	t.Helper()
	rec := models.JobRecord{
		ID:       "job-" + string(payload.Kind()),
		Kind:     payload.Kind(),
		Input:    payload.Input(),
		Metadata: models.JobMetadata{CreatedAt: time.Now().UTC()},
		Status:   models.StatusProcessing,
	}
	key, err := st.Submit(context.Background(), payload.Kind().Path(), rec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec.Key = key
	return rec
}

func latest(t *testing.T, st jobstore.Store, kind models.Kind) models.JobRecord {
	t.Helper()
	snap, err := st.Get(context.Background(), kind.Path())
	if err != nil || len(snap.Records) != 1 {
		t.Fatalf("expected one record, got %d err=%v", len(snap.Records), err)
	}
	return snap.Records[0]
}

func TestRunOnceCompletesBothKinds(t *testing.T) {
	st := jobstore.NewMemoryStore()
	dir := t.TempDir()
	p := newTestProcessor(t, st, &localUploader{baseDir: dir, baseURL: "http://localhost:8080/artifacts"})

	var seen []models.Status
	unsub, err := st.Subscribe(context.Background(), models.KindImageToImage.Path(), func(s models.Snapshot) {
		if len(s.Records) == 1 {
			seen = append(seen, s.Records[0].Status)
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	submit(t, st, models.TextToImagePayload{Prompt: "orange cat", Width: 64, Height: 64})
	submit(t, st, models.ImageToImagePayload{InputImage: testPNG(t, 16, 16), Width: 64, Height: 64})

	n, err := p.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected two jobs processed, got %d err=%v", n, err)
	}

	for _, kind := range []models.Kind{models.KindTextToImage, models.KindImageToImage} {
		rec := latest(t, st, kind)
		if rec.Status != models.StatusCompleted {
			t.Fatalf("%s: expected completed, got %s (%s)", kind, rec.Status, rec.ErrorText())
		}
		want := "http://localhost:8080/artifacts/" + string(kind) + "/" + rec.ID + ".png"
		if rec.Output.ImageURL != want {
			t.Fatalf("%s: unexpected url %q", kind, rec.Output.ImageURL)
		}
		if _, err := os.Stat(filepath.Join(dir, string(kind), rec.ID+".png")); err != nil {
			t.Fatalf("%s: artifact not written: %v", kind, err)
		}
	}

	want := []models.Status{models.StatusProcessing, models.StatusProcessingPixel, models.StatusProcessingStyle, models.StatusCompleted}
	if len(seen) != len(want) {
		t.Fatalf("unexpected img2img transitions %v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("unexpected img2img transitions %v", seen)
		}
	}

	if n, _ := p.RunOnce(context.Background()); n != 0 {
		t.Fatalf("completed records must not be picked up again, got %d", n)
	}
}

func TestProcessNeverOverwritesCanceled(t *testing.T) {
	st := jobstore.NewMemoryStore()
	p := newTestProcessor(t, st, &localUploader{baseDir: t.TempDir()})
	rec := submit(t, st, models.TextToImagePayload{Prompt: "cancel me"})

	p.sleep = func(ctx context.Context, _ time.Duration) error {
		status := models.StatusCanceled
		msg := models.CanceledMessage
		return st.Update(ctx, models.KindTextToImage.Path(), rec.Key, models.Patch{Status: &status, Error: &msg})
	}

	if err := p.Process(context.Background(), models.KindTextToImage, rec); err != nil {
		t.Fatalf("process: %v", err)
	}
	got := latest(t, st, models.KindTextToImage)
	if got.Status != models.StatusCanceled || got.ErrorText() != models.CanceledMessage || got.Output.ImageURL != "" {
		t.Fatalf("canceled record was overwritten: %+v", got)
	}
}

func TestProcessRecordsRenderFailure(t *testing.T) {
	st := jobstore.NewMemoryStore()
	p := newTestProcessor(t, st, &localUploader{baseDir: t.TempDir()})
	rec := submit(t, st, models.ImageToImagePayload{InputImage: "aGVsbG8="})

	if err := p.Process(context.Background(), models.KindImageToImage, rec); err == nil {
		t.Fatalf("expected decode failure")
	}
	got := latest(t, st, models.KindImageToImage)
	if got.Status != models.StatusError || !strings.Contains(got.ErrorText(), "decode image") {
		t.Fatalf("expected error record, got %+v", got)
	}
}

func TestUploadRetries(t *testing.T) {
	st := jobstore.NewMemoryStore()
	up := &flakyUploader{failures: 2, inner: &localUploader{baseDir: t.TempDir()}}
	p := newTestProcessor(t, st, up)
	rec := submit(t, st, models.TextToImagePayload{Prompt: "retry"})

	if err := p.Process(context.Background(), models.KindTextToImage, rec); err != nil {
		t.Fatalf("process: %v", err)
	}
	if up.calls != 3 {
		t.Fatalf("expected 3 upload attempts, got %d", up.calls)
	}
	if got := latest(t, st, models.KindTextToImage); got.Status != models.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestUploadGivesUp(t *testing.T) {
	st := jobstore.NewMemoryStore()
	up := &flakyUploader{failures: 10, inner: &localUploader{baseDir: t.TempDir()}}
	p := newTestProcessor(t, st, up)
	rec := submit(t, st, models.TextToImagePayload{Prompt: "doomed"})

	if err := p.Process(context.Background(), models.KindTextToImage, rec); err == nil {
		t.Fatalf("expected upload failure")
	}
	got := latest(t, st, models.KindTextToImage)
	if got.Status != models.StatusError || !strings.Contains(got.ErrorText(), "bucket unavailable") {
		t.Fatalf("expected error record, got %+v", got)
	}
}
