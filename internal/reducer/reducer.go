// Package reducer derives the logical status of a collection from a snapshot.
//
// Reduce is a pure full recompute: it never looks at previous output, so a
// dropped or duplicated push cannot corrupt the derived view.
package reducer

import (
	"sort"

	"memecraft-jobsync/internal/models"
)

// DefaultWindow is the number of most recent records exposed as history.
const DefaultWindow = 4

// Sorted returns a copy of records ordered most recent first.
// Equal timestamps are ordered by the greater store key.
func Sorted(records []models.JobRecord) []models.JobRecord {
	out := make([]models.JobRecord, len(records))
	copy(out, records)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].CreatedAt(), out[j].CreatedAt()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].Key > out[j].Key
	})
	return out
}

// Window returns at most windowSize most recent records.
func Window(records []models.JobRecord, windowSize int) []models.JobRecord {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	sorted := Sorted(records)
	if len(sorted) > windowSize {
		sorted = sorted[:windowSize]
	}
	return sorted
}

// Reduce maps the most recent record onto a DerivedStatusView.
func Reduce(records []models.JobRecord, windowSize int) models.DerivedStatusView {
	recent := Window(records, windowSize)
	if len(recent) == 0 {
		return models.InitialView()
	}
	latest := recent[0]
	status, stage := latest.Status.Normalize()
	view := models.DerivedStatusView{
		Status:      status,
		Stage:       stage,
		SourceJobID: latest.ID,
		SourceKey:   latest.Key,
	}
	switch status {
	case models.StatusCompleted:
		view.Result = latest.Output.ImageURL
	case models.StatusError, models.StatusCanceled:
		view.Error = latest.ErrorText()
	}
	return view
}

// History returns the read-only history grid: windowSize slots, most recent first,
// padded with nil when fewer records exist.
func History(records []models.JobRecord, windowSize int) []*models.JobRecord {
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	recent := Window(records, windowSize)
	out := make([]*models.JobRecord, windowSize)
	for i := range recent {
		rec := recent[i]
		out[i] = &rec
	}
	return out
}
