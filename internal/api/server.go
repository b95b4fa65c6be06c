package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/config"
	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/logging"
	"memecraft-jobsync/internal/models"
	"memecraft-jobsync/internal/notify"
	"memecraft-jobsync/internal/ratelimit"
	"memecraft-jobsync/internal/session"
	"memecraft-jobsync/internal/telemetry"
)

// Server wires HTTP handlers for the job tracker.
type Server struct {
	cfg      config.Config
	sessions *session.Manager
	board    *notify.Board
	limiter  *ratelimit.TokenBucket
	logger   zerolog.Logger
}

// New constructs the API server. limiter may be nil.
func New(cfg config.Config, sessions *session.Manager, board *notify.Board, limiter *ratelimit.TokenBucket, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		board:    board,
		limiter:  limiter,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(logging.Middleware(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/notifications", s.handleNotifications)
	r.Route("/sessions/{kind}", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Post("/cancel", s.handleCancel)
		r.Get("/status", s.handleStatus)
	})

	if dir := s.cfg.DevWorker.OutputDir; dir != "" {
		r.Handle("/artifacts/*", http.StripPrefix("/artifacts/", http.FileServer(http.Dir(dir))))
	}
	return r
}

type submitResponse struct {
	State string `json:"state"`
	JobID string `json:"job_id"`
	Key   string `json:"key"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	payload, err := decodePayload(r, sess.Kind())
	if err != nil {
		s.writeError(w, jobserr.Validation(err))
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(r.Context(), s.limiter.Key(sessionFromRequest(r), string(sess.Kind())))
		if err != nil {
			s.logger.Error().Err(err).Msg("rate limit check failed")
			s.writeError(w, jobserr.Wrap(jobserr.CodeStoreUnavailable, "rate limit check failed", err))
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			s.writeError(w, jobserr.New(jobserr.CodeRateLimited, "too many submissions, slow down"))
			return
		}
	}

	snap, err := sess.Submit(r.Context(), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{State: string(snap.State), JobID: snap.JobID, Key: snap.Key})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	outcome, err := sess.Cancel(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Status())
}

func (s *Server) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	visible := []models.Notification{}
	if s.board != nil {
		visible = append(visible, s.board.Visible()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": visible})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	kind := models.Kind(chi.URLParam(r, "kind"))
	sess, ok := s.sessions.Get(kind)
	if !ok {
		s.writeError(w, jobserr.New(jobserr.CodeNotFound, fmt.Sprintf("no session for kind %q", kind)))
		return nil, false
	}
	return sess, true
}

func decodePayload(r *http.Request, kind models.Kind) (models.Payload, error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	switch kind {
	case models.KindTextToImage:
		var p models.TextToImagePayload
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return p, nil
	case models.KindImageToImage:
		var p models.ImageToImagePayload
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unsupported kind %q", kind)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := jobserr.CodeOf(err)
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("code", string(code)).Msg("request failed")
	}
	writeJSON(w, status, map[string]errorBody{"error": {Code: string(code), Message: jobserr.MessageOf(err)}})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, jobserr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, jobserr.ErrAlreadyActive), errors.Is(err, jobserr.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, jobserr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, jobserr.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, jobserr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobserr.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func sessionFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Session-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
