package models

import (
	"time"
)

// Kind selects the collection partition a job lives in.
type Kind string

const (
	KindTextToImage  Kind = "txt2img"
	KindImageToImage Kind = "img2img"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	return k == KindTextToImage || k == KindImageToImage
}

// Path returns the store collection path for the kind.
func (k Kind) Path() string {
	return string(k)
}

// Status enumerates lifecycle states written to the shared store.
type Status string

const (
	StatusInitial    Status = "initial"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCanceled   Status = "canceled"

	// Stage statuses written by the image-to-image worker.
	StatusProcessingPixel Status = "processing_pixel"
	StatusProcessingStyle Status = "processing_style"
)

// CanceledMessage is written as the error of a record canceled by its submitter.
const CanceledMessage = "[PROCESS CANCELED]"

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCanceled:
		return true
	}
	return false
}

// InProgress reports whether s is a non-terminal state of a submitted job.
func (s Status) InProgress() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusGenerating, StatusProcessingPixel, StatusProcessingStyle:
		return true
	}
	return false
}

// Normalize folds worker stage statuses into the logical status set.
// The second value is the stage name, empty when s is already logical.
func (s Status) Normalize() (Status, string) {
	switch s {
	case StatusProcessingPixel:
		return StatusGenerating, "pixel"
	case StatusProcessingStyle:
		return StatusGenerating, "style"
	}
	return s, ""
}

// Rank orders statuses along the lifecycle path; terminal states share the top rank.
func (s Status) Rank() int {
	norm, _ := s.Normalize()
	switch norm {
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	case StatusGenerating:
		return 3
	case StatusCompleted, StatusError, StatusCanceled:
		return 4
	}
	return 0
}

// JobOutput is the mutable result slot of a record.
type JobOutput struct {
	ImageURL string `json:"image_url"`
}

// JobMetadata carries bookkeeping written once at submit time.
type JobMetadata struct {
	CreatedAt time.Time `json:"created_at"`
}

// JobRecord is one submitted unit of generation work as stored in a partition.
type JobRecord struct {
	ID       string         `json:"id"`
	Kind     Kind           `json:"type"`
	Input    map[string]any `json:"input"`
	Output   JobOutput      `json:"output"`
	Metadata JobMetadata    `json:"metadata"`
	Status   Status         `json:"status"`
	Error    *string        `json:"error"`

	// Key is assigned by the store and is not part of the stored document.
	Key string `json:"-"`
}

// CreatedAt returns the submission timestamp used for ordering.
func (r JobRecord) CreatedAt() time.Time {
	return r.Metadata.CreatedAt
}

// ErrorText returns the error description or "".
func (r JobRecord) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// Snapshot is the full set of visible records under a collection path.
type Snapshot struct {
	Path    string
	Records []JobRecord
}

// Patch is a partial write applied to a single record.
type Patch struct {
	Status *Status
	Error  *string
	Output *JobOutput
}

// Apply merges the patch into rec and returns the result.
func (p Patch) Apply(rec JobRecord) JobRecord {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.Error != nil {
		msg := *p.Error
		rec.Error = &msg
	}
	if p.Output != nil {
		rec.Output = *p.Output
	}
	return rec
}
