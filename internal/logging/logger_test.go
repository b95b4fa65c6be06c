package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestProdLoggerWritesJSONAtInfo(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "prod")
	l.Debug().Msg("hidden")
	l.Info().Str("kind", "txt2img").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if entry["kind"] != "txt2img" || entry["message"] != "visible" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestDevLoggerIsDebug(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "dev")
	if l.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", l.GetLevel())
	}
	l.Debug().Msg("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, "prod")
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if !strings.Contains(buf.String(), `"status":418`) || !strings.Contains(buf.String(), `"path":"/healthz"`) {
		t.Fatalf("unexpected log %q", buf.String())
	}
}
