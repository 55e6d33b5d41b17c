package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind identifies what the operator asked the system to review.
type TaskKind string

const (
	TaskPullRequestReview TaskKind = "pull_request_review"
	TaskSourceReview      TaskKind = "source_review"
)

// Status is the collection status of a session. Transitions between
// statuses are owned by the workflow package; session code only enforces
// field-level invariants.
type Status string

const (
	StatusCollecting Status = "collecting"
	StatusCollected  Status = "collected"
	StatusConfirmed  Status = "confirmed"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// TargetRef is the parsed, validated reference to the thing under review.
type TargetRef struct {
	Host       string `json:"host"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	PullNumber int    `json:"pull_number,omitempty"`
}

func (r TargetRef) String() string {
	if r.PullNumber > 0 {
		return fmt.Sprintf("%s:%s/%s#%d", r.Host, r.Owner, r.Repo, r.PullNumber)
	}
	return fmt.Sprintf("%s:%s/%s", r.Host, r.Owner, r.Repo)
}

// Validate checks that the reference is well-formed for the given task kind.
func (r TargetRef) Validate(kind TaskKind) error {
	if r.Host == "" || r.Owner == "" || r.Repo == "" {
		return &InputError{Reason: "target reference is missing host, owner or repository"}
	}
	if kind == TaskPullRequestReview && r.PullNumber <= 0 {
		return &InputError{Reason: "pull request review requires a positive pull request number"}
	}
	return nil
}

// InputError marks malformed operator input. Recoverable: the session stays
// in Collecting and the operator is re-prompted.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string { return "invalid input: " + e.Reason }

// ProtocolError marks a programming defect (duplicate write to a write-once
// field, invalid state transition). Always fatal to the session.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation in %s: %s", e.Op, e.Reason)
}

// ProgressEntry is one append-only progress log record.
type ProgressEntry struct {
	Stage     string    `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail"`
}

// AnalysisRecord stores one analyzer's outcome. Write-once per analyzer name.
type AnalysisRecord struct {
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"` // "ok" or "failed"
}

// Session is one review request in flight, from collection through reporting.
type Session struct {
	ID            string                    `json:"id"`
	Kind          TaskKind                  `json:"task_kind"`
	Ref           TargetRef                 `json:"target_ref"`
	Status        Status                    `json:"collection_status"`
	Progress      []ProgressEntry           `json:"progress_log"`
	Results       map[string]AnalysisRecord `json:"analysis_results"`
	Report        string                    `json:"report,omitempty"`
	CommentID     int64                     `json:"comment_id,omitempty"`
	FailureReason string                    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`

	now func() time.Time
}

// New creates a fresh session in Collecting.
func New() *Session {
	t := time.Now().UTC()
	return &Session{
		ID:        uuid.NewString(),
		Status:    StatusCollecting,
		Results:   make(map[string]AnalysisRecord),
		CreatedAt: t,
		UpdatedAt: t,
		now:       time.Now,
	}
}

func (s *Session) clock() time.Time {
	if s.now != nil {
		return s.now().UTC()
	}
	return time.Now().UTC()
}

// AppendProgress records a stage event. The log is append-only; earlier
// entries are never touched.
func (s *Session) AppendProgress(stage, detail string) {
	s.Progress = append(s.Progress, ProgressEntry{
		Stage:     stage,
		Timestamp: s.clock(),
		Detail:    detail,
	})
	s.UpdatedAt = s.clock()
}

// RecordResult stores an analyzer outcome. A second write for the same
// analyzer name signals a caller bug, not a transient failure.
func (s *Session) RecordResult(name string, rec AnalysisRecord) error {
	if s.Results == nil {
		s.Results = make(map[string]AnalysisRecord)
	}
	if _, exists := s.Results[name]; exists {
		return &ProtocolError{Op: "RecordResult", Reason: fmt.Sprintf("duplicate result for analyzer %q", name)}
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.clock()
	}
	s.Results[name] = rec
	s.UpdatedAt = s.clock()
	return nil
}

// SetReport stores the final Markdown artifact. Produced exactly once per
// session; a second write is a protocol violation.
func (s *Session) SetReport(markdown string) error {
	if s.Report != "" {
		return &ProtocolError{Op: "SetReport", Reason: "report already produced for this session"}
	}
	s.Report = markdown
	s.UpdatedAt = s.clock()
	return nil
}

// ClearForRestart re-enters collection, dropping analyzer results and the
// report while keeping the progress log intact.
func (s *Session) ClearForRestart() {
	s.Kind = ""
	s.Ref = TargetRef{}
	s.Results = make(map[string]AnalysisRecord)
	s.Report = ""
	s.CommentID = 0
	s.FailureReason = ""
	s.UpdatedAt = s.clock()
}
