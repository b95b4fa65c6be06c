package reducer

import (
	"reflect"
	"testing"
	"time"

	"memecraft-jobsync/internal/models"
)

var base = time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)

func rec(key, id string, offset time.Duration, status models.Status) models.JobRecord {
	return models.JobRecord{
		ID:       id,
		Key:      key,
		Kind:     models.KindImageToImage,
		Metadata: models.JobMetadata{CreatedAt: base.Add(offset)},
		Status:   status,
	}
}

func strPtr(s string) *string { return &s }

func TestReduceEmptyIsInitial(t *testing.T) {
	view := Reduce(nil, DefaultWindow)
	if view != models.InitialView() {
		t.Fatalf("expected initial view, got %#v", view)
	}
}

func TestReduceUsesLatestRecordOnly(t *testing.T) {
	older := rec("k1", "job-old", 0, models.StatusProcessing)
	done := rec("k2", "job-new", time.Minute, models.StatusCompleted)
	done.Output.ImageURL = "https://x/y.png"

	view := Reduce([]models.JobRecord{done, older}, DefaultWindow)
	want := models.DerivedStatusView{
		Status:      models.StatusCompleted,
		Result:      "https://x/y.png",
		SourceJobID: "job-new",
		SourceKey:   "k2",
	}
	if view != want {
		t.Fatalf("got %#v want %#v", view, want)
	}
}

func TestReduceTerminalErrorFields(t *testing.T) {
	cases := []struct {
		name   string
		status models.Status
		errMsg *string
		want   models.DerivedStatusView
	}{
		{
			name:   "error",
			status: models.StatusError,
			errMsg: strPtr("worker crashed"),
			want:   models.DerivedStatusView{Status: models.StatusError, Error: "worker crashed", SourceJobID: "job", SourceKey: "k"},
		},
		{
			name:   "canceled",
			status: models.StatusCanceled,
			errMsg: strPtr("canceled by user"),
			want:   models.DerivedStatusView{Status: models.StatusCanceled, Error: "canceled by user", SourceJobID: "job", SourceKey: "k"},
		},
		{
			name:   "processing ignores stale error",
			status: models.StatusProcessing,
			errMsg: strPtr("ignored"),
			want:   models.DerivedStatusView{Status: models.StatusProcessing, SourceJobID: "job", SourceKey: "k"},
		},
		{
			name:   "pixel stage",
			status: models.StatusProcessingPixel,
			want:   models.DerivedStatusView{Status: models.StatusGenerating, Stage: "pixel", SourceJobID: "job", SourceKey: "k"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := rec("k", "job", 0, tc.status)
			r.Error = tc.errMsg
			if got := Reduce([]models.JobRecord{r}, DefaultWindow); got != tc.want {
				t.Fatalf("got %#v want %#v", got, tc.want)
			}
		})
	}
}

func TestReduceTieBreaksOnGreaterKey(t *testing.T) {
	a := rec("-Nabc", "job-a", 0, models.StatusError)
	b := rec("-Nabd", "job-b", 0, models.StatusProcessing)

	for _, order := range [][]models.JobRecord{{a, b}, {b, a}} {
		view := Reduce(order, DefaultWindow)
		if view.SourceJobID != "job-b" {
			t.Fatalf("expected greater key to win, got %s", view.SourceJobID)
		}
	}
}

func TestReduceIsIdempotent(t *testing.T) {
	records := []models.JobRecord{
		rec("k1", "a", 0, models.StatusCompleted),
		rec("k2", "b", time.Second, models.StatusProcessing),
		rec("k3", "c", 2*time.Second, models.StatusGenerating),
	}
	snapshot := make([]models.JobRecord, len(records))
	copy(snapshot, records)

	first := Reduce(records, DefaultWindow)
	second := Reduce(records, DefaultWindow)
	if first != second {
		t.Fatalf("reduce not idempotent: %#v vs %#v", first, second)
	}
	if !reflect.DeepEqual(records, snapshot) {
		t.Fatalf("reduce mutated its input")
	}
}

func TestHistoryPadsToWindow(t *testing.T) {
	records := []models.JobRecord{
		rec("k1", "a", 0, models.StatusCompleted),
		rec("k2", "b", time.Second, models.StatusError),
	}
	hist := History(records, 4)
	if len(hist) != 4 {
		t.Fatalf("expected 4 slots, got %d", len(hist))
	}
	if hist[0] == nil || hist[0].ID != "b" || hist[1] == nil || hist[1].ID != "a" {
		t.Fatalf("unexpected history order: %#v", hist)
	}
	if hist[2] != nil || hist[3] != nil {
		t.Fatalf("expected nil padding")
	}
}

func TestHistoryTruncatesToWindow(t *testing.T) {
	var records []models.JobRecord
	for i := 0; i < 6; i++ {
		records = append(records, rec(string(rune('a'+i)), string(rune('a'+i)), time.Duration(i)*time.Second, models.StatusCompleted))
	}
	hist := History(records, 4)
	if len(hist) != 4 || hist[0].ID != "f" || hist[3].ID != "c" {
		t.Fatalf("unexpected window: %v %v", hist[0].ID, hist[3].ID)
	}
}
