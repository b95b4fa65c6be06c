// Package session runs the per-kind event loop: store pushes are reduced to a
// view, the view drives the dispatcher and the controller, and the latest
// view is kept for the presentation layer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/controller"
	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/jobstore"
	"memecraft-jobsync/internal/models"
	"memecraft-jobsync/internal/notify"
	"memecraft-jobsync/internal/reducer"
	"memecraft-jobsync/internal/telemetry"
)

// Config wires a Session.
type Config struct {
	Kind       models.Kind
	Store      jobstore.Store
	Surface    notify.Surface
	Window     int
	Dispatcher notify.Options
	Logger     zerolog.Logger
	Controller []controller.Option
}

// Status is what the presentation layer renders.
type Status struct {
	Kind         models.Kind              `json:"kind"`
	View         models.DerivedStatusView `json:"view"`
	History      []*models.JobRecord      `json:"history"`
	Controller   controller.Snapshot      `json:"controller"`
	Notification *models.Notification     `json:"notification,omitempty"`
}

// Session tracks one job kind for one user.
type Session struct {
	kind       models.Kind
	store      jobstore.Store
	ctrl       *controller.Controller
	dispatcher *notify.Dispatcher
	window     int
	logger     zerolog.Logger

	// mailbox keeps only the newest undelivered snapshot.
	mailboxMu sync.Mutex
	pending   *models.Snapshot
	signal    chan struct{}

	// handleMu serializes snapshot handling.
	handleMu sync.Mutex
	loaded   bool

	viewMu  sync.RWMutex
	view    models.DerivedStatusView
	history []*models.JobRecord

	unsubscribe jobstore.Unsubscribe
	closeOnce   sync.Once
	closed      chan struct{}
}

// New builds a session. Call Start to subscribe.
func New(cfg Config) (*Session, error) {
	if !cfg.Kind.Valid() {
		return nil, fmt.Errorf("unknown job kind %q", cfg.Kind)
	}
	if cfg.Store == nil || cfg.Surface == nil {
		return nil, errors.New("session requires a store and a surface")
	}
	window := cfg.Window
	if window <= 0 {
		window = reducer.DefaultWindow
	}
	logger := cfg.Logger.With().Str("component", "session").Str("kind", string(cfg.Kind)).Logger()
	dispOpts := cfg.Dispatcher
	dispOpts.Kind = cfg.Kind
	dispOpts.Logger = cfg.Logger

	return &Session{
		kind:       cfg.Kind,
		store:      cfg.Store,
		ctrl:       controller.New(cfg.Store, cfg.Kind, cfg.Logger, cfg.Controller...),
		dispatcher: notify.NewDispatcher(cfg.Surface, dispOpts),
		window:     window,
		logger:     logger,
		signal:     make(chan struct{}, 1),
		view:       models.InitialView(),
		history:    make([]*models.JobRecord, window),
		closed:     make(chan struct{}),
	}, nil
}

// Kind returns the partition tracked by the session.
func (s *Session) Kind() models.Kind {
	return s.kind
}

// Start subscribes to the store. The initial snapshot is processed before Start returns.
func (s *Session) Start(ctx context.Context) error {
	unsub, err := s.store.Subscribe(ctx, s.kind.Path(), s.enqueue)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.kind, err)
	}
	s.unsubscribe = unsub
	s.Drain()
	return nil
}

// Run processes pushes until ctx is done or the session is closed.
func (s *Session) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-s.signal:
			s.Drain()
		}
	}
}

// enqueue is the store callback. It never blocks.
func (s *Session) enqueue(snap models.Snapshot) {
	telemetry.SnapshotsReceived.WithLabelValues(string(s.kind)).Inc()
	s.mailboxMu.Lock()
	s.pending = &snap
	s.mailboxMu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Drain handles the pending snapshot, if any, and reports whether one was handled.
func (s *Session) Drain() bool {
	s.mailboxMu.Lock()
	snap := s.pending
	s.pending = nil
	s.mailboxMu.Unlock()
	if snap == nil {
		return false
	}
	s.handle(*snap)
	return true
}

func (s *Session) handle(snap models.Snapshot) {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}

	view := reducer.Reduce(snap.Records, s.window)
	history := reducer.History(snap.Records, s.window)

	s.viewMu.Lock()
	s.view = view
	s.history = history
	s.viewMu.Unlock()

	if !s.loaded {
		s.loaded = true
		s.dispatcher.Prime(view)
		s.logger.Debug().Str("status", string(view.Status)).Int("records", len(snap.Records)).Msg("initial snapshot")
	} else {
		s.dispatcher.Dispatch(view)
	}
	s.ctrl.Observe(view)
}

// Submit starts a new job. Local failures are also shown as an alert.
func (s *Session) Submit(ctx context.Context, payload models.Payload) (controller.Snapshot, error) {
	snap, err := s.ctrl.Submit(ctx, payload)
	if err != nil {
		s.logger.Info().Err(err).Msg("submit rejected")
		s.dispatcher.Alert(err)
		return controller.Snapshot{}, err
	}
	return snap, nil
}

// Cancel requests cancellation of the active job. Having nothing to cancel
// is reported to the caller only, so a finished job's notification stays up.
func (s *Session) Cancel(ctx context.Context) (controller.CancelOutcome, error) {
	outcome, err := s.ctrl.Cancel(ctx)
	if err != nil {
		s.logger.Info().Err(err).Msg("cancel failed")
		if !errors.Is(err, jobserr.ErrNotActive) {
			s.dispatcher.Alert(err)
		}
		return "", err
	}
	return outcome, nil
}

// Status returns the latest derived state.
func (s *Session) Status() Status {
	s.viewMu.RLock()
	view := s.view
	history := make([]*models.JobRecord, len(s.history))
	copy(history, s.history)
	s.viewMu.RUnlock()

	st := Status{
		Kind:       s.kind,
		View:       view,
		History:    history,
		Controller: s.ctrl.Snapshot(),
	}
	if n, ok := s.dispatcher.Active(); ok {
		st.Notification = &n
	}
	return st
}

// Close unsubscribes and dismisses every tracked notification.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.handleMu.Lock()
		s.dispatcher.Close()
		s.handleMu.Unlock()
		s.logger.Debug().Msg("session closed")
	})
}
