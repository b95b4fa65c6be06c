package notify

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"memecraft-jobsync/internal/models"
)

// Board is a Surface that keeps visible notifications in memory for polling clients.
type Board struct {
	mu      sync.Mutex
	visible map[string]models.Notification
	shown   int
	peak    int
	logger  zerolog.Logger
}

// NewBoard returns an empty board.
func NewBoard(logger zerolog.Logger) *Board {
	return &Board{
		visible: make(map[string]models.Notification),
		logger:  logger.With().Str("component", "board").Logger(),
	}
}

func (b *Board) Show(n models.Notification) {
	b.mu.Lock()
	b.visible[n.Handle] = n
	b.shown++
	if len(b.visible) > b.peak {
		b.peak = len(b.visible)
	}
	b.mu.Unlock()

	ev := b.logger.Info()
	if n.Severity == models.SeverityError {
		ev = b.logger.Warn()
	}
	ev.Str("handle", n.Handle).
		Str("severity", string(n.Severity)).
		Str("code", n.Code).
		Str("job_id", n.JobID).
		Msgf("%s %s", n.Title, n.Body)
}

func (b *Board) Dismiss(handle string) {
	b.mu.Lock()
	delete(b.visible, handle)
	b.mu.Unlock()
}

// Visible returns the notifications currently on screen, oldest first.
func (b *Board) Visible() []models.Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Notification, 0, len(b.visible))
	for _, n := range b.visible {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shown returns how many notifications were ever displayed.
func (b *Board) Shown() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shown
}

// Peak returns the largest number of notifications visible at once.
func (b *Board) Peak() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}
