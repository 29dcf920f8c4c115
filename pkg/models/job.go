package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a transcription job
type JobStatus string

// JobStatus constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are permitted
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// transitions lists every permitted edge. running -> queued is only taken by
// the startup recovery sweep.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusFailed},
	JobStatusRunning: {JobStatusCompleted, JobStatusFailed, JobStatusQueued},
}

// CanTransition reports whether from -> to is an edge of the job state machine
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job represents one transcription request tracked through its lifecycle
type Job struct {
	ID               string          `json:"id" db:"id"`
	TenantID         string          `json:"tenant_id" db:"tenant_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	Status           JobStatus       `json:"status" db:"status"`
	Options          JobOptions      `json:"options" db:"options"`
	Media            MediaDescriptor `json:"media" db:"media"`
	Result           *Transcript     `json:"result,omitempty" db:"result"`
	ErrorMsg         string          `json:"error_msg,omitempty" db:"error_msg"`
	Attempts         int             `json:"attempts" db:"attempts"`
	EstimatedMinutes int             `json:"estimated_minutes" db:"estimated_minutes"`
	ActualMinutes    int             `json:"actual_minutes" db:"actual_minutes"`
	Committed        bool            `json:"committed" db:"committed"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	WorkerID         string          `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt        *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Identity returns the owning (tenant, user) pair
func (j *Job) Identity() Identity {
	return Identity{TenantID: j.TenantID, UserID: j.UserID}
}

// OutstandingMinutes is the part of the admission estimate that is still
// held as a reservation in the usage ledger.
func (j *Job) OutstandingMinutes() int {
	if j.Committed {
		return 0
	}
	return j.EstimatedMinutes
}

// Clone returns a deep copy safe to hand out from in-memory stores
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		r := *j.Result
		r.Segments = append([]Segment(nil), j.Result.Segments...)
		c.Result = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobOptions holds the options requested by the client
type JobOptions struct {
	Language       string `json:"language"`
	Format         string `json:"format"`
	ModelSize      string `json:"model_size"`
	WordTimestamps bool   `json:"word_timestamps"`
	Diarization    bool   `json:"diarization"`
}

// Value implements driver.Valuer for database storage
func (o JobOptions) Value() (driver.Value, error) {
	return json.Marshal(o)
}

// Scan implements sql.Scanner for database retrieval
func (o *JobOptions) Scan(value interface{}) error {
	return scanJSON(value, o)
}

// Output formats accepted on submission
const (
	FormatText        = "text"
	FormatJSON        = "json"
	FormatVerboseJSON = "verbose_json"
	FormatSRT         = "srt"
	FormatVTT         = "vtt"
)

// OutputFormats lists every accepted format value
var OutputFormats = []string{FormatText, FormatJSON, FormatVerboseJSON, FormatSRT, FormatVTT}

// MediaDescriptor describes the uploaded source media
type MediaDescriptor struct {
	Filename            string  `json:"filename"`
	ContentType         string  `json:"content_type"`
	SizeBytes           int64   `json:"size_bytes"`
	DeclaredDurationSec float64 `json:"declared_duration_sec,omitempty"`
	ProbedDurationSec   float64 `json:"probed_duration_sec,omitempty"`
	StorageKey          string  `json:"storage_key,omitempty"`
}

// Value implements driver.Valuer for database storage
func (m MediaDescriptor) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval
func (m *MediaDescriptor) Scan(value interface{}) error {
	return scanJSON(value, m)
}

// Transcript is the result payload of a completed job
type Transcript struct {
	Text            string    `json:"text"`
	Language        string    `json:"language,omitempty"`
	DurationSeconds float64   `json:"duration_seconds,omitempty"`
	Segments        []Segment `json:"segments,omitempty"`
}

// Segment is a timed portion of the transcript
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
	Words   []Word  `json:"words,omitempty"`
}

// Word is a single word with timing, present when word timestamps were requested
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported scan type %T", value)
	}
}
