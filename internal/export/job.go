// Package export materializes the full event store into downloadable
// JSON or CSV artifacts through trackable background jobs.
package export

import "time"

// Status is an export job's lifecycle state. Completed and failed are
// terminal; a failed job is recreated, never retried.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Format selects the artifact serialization.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Valid reports whether f is a supported format.
func (f Format) Valid() bool { return f == FormatJSON || f == FormatCSV }

// Progress is updated after every store object the worker consumes, so a
// poller always observes monotonically increasing counts.
type Progress struct {
	FilesProcessed  int `json:"filesProcessed"`
	TotalFiles      int `json:"totalFiles"`
	EventsProcessed int `json:"eventsProcessed"`
}

// Job is an export job. Every mutation is persisted as a full snapshot of
// this struct to the job's well-known object key; the latest write always
// fully represents current state. That snapshot is the job's durability
// mechanism in lieu of a database.
type Job struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Format      Format     `json:"format"`
	StartDate   string     `json:"startDate,omitempty"`
	EndDate     string     `json:"endDate,omitempty"`
	Progress    Progress   `json:"progress"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FileURL     string     `json:"fileUrl,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// clone returns a copy safe to hand to callers while the worker keeps
// mutating the original.
func (j *Job) clone() *Job {
	cp := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
