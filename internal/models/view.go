package models

import "time"

// DerivedStatusView is the projection of the latest record in a partition.
type DerivedStatusView struct {
	Status      Status `json:"status"`
	Stage       string `json:"stage,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
	SourceJobID string `json:"source_job_id,omitempty"`
	SourceKey   string `json:"source_key,omitempty"`
}

// InitialView is returned for an empty partition.
func InitialView() DerivedStatusView {
	return DerivedStatusView{Status: StatusInitial}
}

// Severity of a user-visible notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is a user-visible message owned by the dispatcher.
type Notification struct {
	Handle    string        `json:"handle"`
	Title     string        `json:"title"`
	Body      string        `json:"body"`
	Severity  Severity      `json:"severity"`
	Code      string        `json:"code,omitempty"`
	Status    Status        `json:"status,omitempty"`
	JobID     string        `json:"job_id,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Persistent reports whether the notification has no auto-expiry.
func (n Notification) Persistent() bool {
	return n.Duration <= 0
}
