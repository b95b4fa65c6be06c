package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/jobstore"
	"memecraft-jobsync/internal/models"
	"memecraft-jobsync/internal/telemetry"
)

// State of a session's job lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StateActive     State = "active"
	StateCanceling  State = "canceling"
)

// CancelOutcome reports which side won a cancel request.
type CancelOutcome string

const (
	CancelApplied      CancelOutcome = "canceled"
	CancelLostToFinish CancelOutcome = "already_terminal"
)

// Snapshot describes the controller for presentation.
type Snapshot struct {
	State State  `json:"state"`
	JobID string `json:"job_id,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Controller owns the current job of one session and enforces one active job at a time.
type Controller struct {
	mu     sync.Mutex
	store  jobstore.Store
	kind   models.Kind
	logger zerolog.Logger
	now    func() time.Time
	newID  func() string

	state State
	jobID string
	key   string
	// finished is set when a terminal view for jobID arrives while a store call is in flight.
	finished bool
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the timestamp source used for createdAt.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// New builds an idle controller for one job kind.
func New(store jobstore.Store, kind models.Kind, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		kind:   kind,
		logger: logger.With().Str("component", "controller").Str("kind", string(kind)).Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
		state:  StateIdle,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Kind returns the partition this controller writes to.
func (c *Controller) Kind() models.Kind {
	return c.kind
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, JobID: c.jobID, Key: c.key}
}

// Submit validates payload and writes a new Processing record.
// Validation and AlreadyActive failures never touch the store.
func (c *Controller) Submit(ctx context.Context, payload models.Payload) (Snapshot, error) {
	if payload == nil {
		return Snapshot{}, jobserr.Validation(errors.New("payload is required"))
	}
	if payload.Kind() != c.kind {
		return Snapshot{}, jobserr.Validation(fmt.Errorf("payload kind %s does not match session %s", payload.Kind(), c.kind))
	}
	if err := models.ValidatePayload(payload); err != nil {
		telemetry.Submissions.WithLabelValues(string(c.kind), "invalid").Inc()
		return Snapshot{}, jobserr.Validation(err)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		telemetry.Submissions.WithLabelValues(string(c.kind), "already_active").Inc()
		return Snapshot{}, jobserr.New(jobserr.CodeAlreadyActive, fmt.Sprintf("a %s job is already in progress (session is %s)", c.kind, state))
	}
	jobID := c.newID()
	c.state = StateSubmitting
	c.jobID = jobID
	c.key = ""
	c.finished = false
	c.mu.Unlock()

	rec := models.JobRecord{
		ID:       jobID,
		Kind:     c.kind,
		Input:    payload.Input(),
		Metadata: models.JobMetadata{CreatedAt: c.now()},
		Status:   models.StatusProcessing,
	}
	key, err := c.store.Submit(ctx, c.kind.Path(), rec)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.resetLocked()
		telemetry.Submissions.WithLabelValues(string(c.kind), "store_error").Inc()
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("submit failed")
		return Snapshot{}, err
	}
	telemetry.Submissions.WithLabelValues(string(c.kind), "accepted").Inc()
	c.logger.Info().Str("job_id", jobID).Str("key", key).Msg("job submitted")
	if c.finished {
		// The worker finished before our write returned.
		c.resetLocked()
		return Snapshot{State: StateIdle, JobID: jobID, Key: key}, nil
	}
	c.state = StateActive
	c.key = key
	telemetry.ActiveJobs.WithLabelValues(string(c.kind)).Set(1)
	return Snapshot{State: c.state, JobID: jobID, Key: key}, nil
}

// Cancel asks the store to mark the active job Canceled unless it already finished.
func (c *Controller) Cancel(ctx context.Context) (CancelOutcome, error) {
	c.mu.Lock()
	if c.state != StateActive {
		state := c.state
		c.mu.Unlock()
		return "", jobserr.New(jobserr.CodeNotActive, fmt.Sprintf("no active %s job to cancel (session is %s)", c.kind, state))
	}
	jobID, key := c.jobID, c.key
	c.state = StateCanceling
	c.mu.Unlock()

	outcome, err := c.cancelRecord(ctx, jobID, key)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && jobserr.Retryable(err) && !c.finished && c.jobID == jobID {
		c.state = StateActive
		telemetry.Cancellations.WithLabelValues(string(c.kind), "retryable_error").Inc()
		return "", err
	}
	if c.jobID == jobID {
		c.resetLocked()
	}
	if err != nil {
		telemetry.Cancellations.WithLabelValues(string(c.kind), "error").Inc()
		return "", err
	}
	telemetry.Cancellations.WithLabelValues(string(c.kind), string(outcome)).Inc()
	c.logger.Info().Str("job_id", jobID).Str("outcome", string(outcome)).Msg("cancel finished")
	return outcome, nil
}

// cancelRecord is the read-then-conditional-update sequence. A terminal record is never downgraded.
func (c *Controller) cancelRecord(ctx context.Context, jobID, key string) (CancelOutcome, error) {
	snap, err := c.store.Get(ctx, c.kind.Path())
	if err != nil {
		return "", err
	}
	var current *models.JobRecord
	for i := range snap.Records {
		r := snap.Records[i]
		if r.Key == key || (key == "" && r.ID == jobID) {
			current = &r
			break
		}
	}
	if current == nil {
		return "", jobserr.New(jobserr.CodeNotFound, "job "+jobID+" not found")
	}
	if current.Status.Terminal() {
		return CancelLostToFinish, nil
	}
	status := models.StatusCanceled
	msg := models.CanceledMessage
	if err := c.store.Update(ctx, c.kind.Path(), current.Key, models.Patch{Status: &status, Error: &msg}); err != nil {
		return "", err
	}
	return CancelApplied, nil
}

// Observe feeds a derived view. A terminal view of the current job returns the session to Idle.
func (c *Controller) Observe(view models.DerivedStatusView) {
	if !view.Status.Terminal() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobID == "" || view.SourceJobID != c.jobID {
		return
	}
	switch c.state {
	case StateActive:
		c.logger.Debug().Str("job_id", c.jobID).Str("status", string(view.Status)).Msg("job finished")
		c.resetLocked()
	case StateSubmitting, StateCanceling:
		c.finished = true
	}
}

func (c *Controller) resetLocked() {
	c.state = StateIdle
	c.jobID = ""
	c.key = ""
	c.finished = false
	telemetry.ActiveJobs.WithLabelValues(string(c.kind)).Set(0)
}
