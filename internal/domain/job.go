package domain

import "time"

// JobKind selects the executor that processes a job's batches.
type JobKind string

const (
	JobKindCCU        JobKind = "ccu"
	JobKindExtension  JobKind = "extension"
	JobKindPrice      JobKind = "price"      // ITAD price history
	JobKindSteamPrice JobKind = "steamprice" // current Steam Store prices
)

// ParseJobKind validates a kind string coming from a request or flag.
func ParseJobKind(s string) (JobKind, bool) {
	switch k := JobKind(s); k {
	case JobKindCCU, JobKindExtension, JobKindPrice, JobKindSteamPrice:
		return k, true
	}
	return "", false
}

// JobStatus represents the status of a harvest job.
// Values include JobStatusRunning, JobStatusStopped, JobStatusCompleted, and JobStatusFailed.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusStopped   JobStatus = "stopped"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// HarvestJob is the history row kept for every accepted start request.
type HarvestJob struct {
	ID               string     `gorm:"type:text;primaryKey" json:"id"`
	Kind             JobKind    `gorm:"type:text;not null;index" json:"kind"`
	Status           JobStatus  `gorm:"type:text;default:running" json:"status"`
	TotalItems       int        `gorm:"default:0" json:"total_items"`
	TotalBatches     int        `gorm:"default:0" json:"total_batches"`
	CompletedBatches int        `gorm:"default:0" json:"completed_batches"`
	FailedBatches    int        `gorm:"default:0" json:"failed_batches"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ErrorLog         string     `json:"error_log,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TableName returns the database table name for HarvestJob.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (HarvestJob) TableName() string {
	return "harvest_jobs"
}

// JobStateRecord holds the single persisted controller snapshot.
// Payload is the JSON encoding of the whole state; it is replaced, never patched.
type JobStateRecord struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	JobID     string    `gorm:"type:text" json:"job_id"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for JobStateRecord.
func (JobStateRecord) TableName() string {
	return "job_states"
}
