// Package notify turns derived status views into user-visible notifications.
//
// The Dispatcher owns a single active notification handle. Every status
// transition dismisses the previous notification before showing the next one,
// and a repeated status is never announced twice.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/models"
	"memecraft-jobsync/internal/telemetry"
)

const (
	DefaultSuccessDuration = 3 * time.Second
	DefaultErrorDuration   = 5 * time.Second
)

// Surface displays and removes notifications. Implementations must not call back into the Dispatcher.
type Surface interface {
	Show(n models.Notification)
	Dismiss(handle string)
}

// Options configures a Dispatcher.
type Options struct {
	Kind            models.Kind
	SuccessDuration time.Duration
	ErrorDuration   time.Duration
	Clock           Clock
	Logger          zerolog.Logger
}

// Dispatcher announces each status transition exactly once.
type Dispatcher struct {
	mu      sync.Mutex
	surface Surface
	clock   Clock
	logger  zerolog.Logger
	kind    models.Kind

	successFor time.Duration
	errorFor   time.Duration

	active *models.Notification
	timer  Timer

	announced transition
	// resume is the announced in-progress view, re-shown when a local alert covering it expires.
	resume      *models.DerivedStatusView
	alertHandle string
	primed      bool
	closed      bool
	seq         uint64
}

// transition identifies what was last announced.
type transition struct {
	status models.Status
	stage  string
	jobID  string
}

func transitionOf(view models.DerivedStatusView) transition {
	return transition{status: view.Status, stage: view.Stage, jobID: view.SourceJobID}
}

// NewDispatcher builds a dispatcher writing to surface.
func NewDispatcher(surface Surface, opts Options) *Dispatcher {
	if opts.SuccessDuration <= 0 {
		opts.SuccessDuration = DefaultSuccessDuration
	}
	if opts.ErrorDuration <= 0 {
		opts.ErrorDuration = DefaultErrorDuration
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	return &Dispatcher{
		surface:    surface,
		clock:      opts.Clock,
		logger:     opts.Logger.With().Str("component", "dispatcher").Str("kind", string(opts.Kind)).Logger(),
		kind:       opts.Kind,
		successFor: opts.SuccessDuration,
		errorFor:   opts.ErrorDuration,
		announced:  transition{status: models.StatusInitial},
	}
}

// Prime records the state found on first load without announcing it.
// It has no effect once anything was primed or dispatched.
func (d *Dispatcher) Prime(view models.DerivedStatusView) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.primed || d.closed {
		return
	}
	d.primed = true
	d.announced = transitionOf(view)
}

// Dispatch handles one derived view. It returns the notification shown, if any.
func (d *Dispatcher) Dispatch(view models.DerivedStatusView) (models.Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return models.Notification{}, false
	}
	d.primed = true

	next := transitionOf(view)
	if next == d.announced {
		telemetry.NotificationsSuppressed.WithLabelValues(string(d.kind)).Inc()
		return models.Notification{}, false
	}
	d.announced = next
	d.dismissLocked()
	d.alertHandle = ""
	d.resume = nil

	n, ok := d.buildLocked(view)
	if !ok {
		return models.Notification{}, false
	}
	if view.Status.InProgress() {
		v := view
		d.resume = &v
	}
	d.showLocked(n)
	return n, true
}

// Alert shows a local error that never reached the store, replacing the active notification.
// When the alert expires, an in-progress notification it covered is shown again.
func (d *Dispatcher) Alert(err error) (models.Notification, bool) {
	if err == nil {
		return models.Notification{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return models.Notification{}, false
	}
	d.dismissLocked()
	n := models.Notification{
		Handle:   d.nextHandleLocked(),
		Title:    "[ERROR]",
		Body:     jobserr.MessageOf(err),
		Severity: models.SeverityError,
		Code:     string(jobserr.CodeOf(err)),
		Duration: d.errorFor,
	}
	if jobserr.Retryable(err) {
		n.Severity = models.SeverityWarning
		n.Title = "[RETRY]"
	}
	d.showLocked(n)
	d.alertHandle = n.Handle
	return n, true
}

// Active returns the currently displayed notification.
func (d *Dispatcher) Active() (models.Notification, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		return models.Notification{}, false
	}
	return *d.active, true
}

// Close dismisses everything and ignores later input.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dismissLocked()
	d.closed = true
	d.resume = nil
}

func (d *Dispatcher) buildLocked(view models.DerivedStatusView) (models.Notification, bool) {
	n := models.Notification{
		Handle: d.nextHandleLocked(),
		Status: view.Status,
		JobID:  view.SourceJobID,
	}
	switch view.Status {
	case models.StatusQueued, models.StatusProcessing, models.StatusGenerating:
		n.Title = "[AI PROCESS]"
		n.Body = StatusMessage(view.Status, view.Stage)
		n.Severity = models.SeverityInfo
	case models.StatusCompleted:
		n.Title = "[SUCCESS]"
		n.Body = StatusMessage(view.Status, "")
		n.Severity = models.SeveritySuccess
		n.Duration = d.successFor
	case models.StatusError, models.StatusCanceled:
		n.Title = "[ERROR]"
		if view.Status == models.StatusCanceled {
			n.Title = "[CANCELED]"
		}
		n.Body = view.Error
		if n.Body == "" {
			n.Body = StatusMessage(view.Status, "")
		}
		n.Severity = models.SeverityError
		n.Code = string(jobserr.CodeRemoteJob)
		n.Duration = d.errorFor
	default:
		return models.Notification{}, false
	}
	return n, true
}

func (d *Dispatcher) showLocked(n models.Notification) {
	n.CreatedAt = d.clock.Now()
	d.surface.Show(n)
	d.active = &n
	telemetry.NotificationsShown.WithLabelValues(string(d.kind), string(n.Severity)).Inc()
	d.logger.Debug().Str("handle", n.Handle).Str("severity", string(n.Severity)).Str("status", string(n.Status)).Msg("notification shown")

	if n.Persistent() {
		return
	}
	handle := n.Handle
	d.timer = d.clock.AfterFunc(n.Duration, func() { d.expire(handle) })
}

func (d *Dispatcher) expire(handle string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil || d.active.Handle != handle {
		return
	}
	d.surface.Dismiss(handle)
	d.active = nil
	d.timer = nil

	if d.closed || handle != d.alertHandle {
		return
	}
	d.alertHandle = ""
	if d.resume == nil {
		return
	}
	if n, ok := d.buildLocked(*d.resume); ok {
		d.showLocked(n)
	}
}

func (d *Dispatcher) dismissLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.active != nil {
		d.surface.Dismiss(d.active.Handle)
		d.active = nil
	}
}

func (d *Dispatcher) nextHandleLocked() string {
	d.seq++
	return fmt.Sprintf("%s-%d", d.kind, d.seq)
}

// StatusMessage is the short status line shown to the user.
func StatusMessage(status models.Status, stage string) string {
	switch status {
	case models.StatusQueued:
		return "[QUEUED...]"
	case models.StatusProcessing:
		return "[AI PROCESS STARTED...]"
	case models.StatusGenerating:
		switch stage {
		case "pixel":
			return "[CREATING PIXEL ART...]"
		case "style":
			return "[APPLYING STYLE TRANSFER...]"
		}
		return "[GENERATING...]"
	case models.StatusCompleted:
		return "[PROCESS COMPLETED]"
	case models.StatusError:
		return "[AN ERROR OCCURRED]"
	case models.StatusCanceled:
		return models.CanceledMessage
	}
	return "[READY]"
}
