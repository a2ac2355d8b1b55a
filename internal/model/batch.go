package model

import "time"

// BatchJobStatus is the state of one submission to the external batch
// inference API. Transitions are monotonic and never regress.
type BatchJobStatus string

const (
	BatchSubmitted BatchJobStatus = "submitted"
	BatchCompleted BatchJobStatus = "completed"
	BatchFailed    BatchJobStatus = "failed"
	BatchProcessed BatchJobStatus = "processed"
)

// batchTransitions enumerates the legal status moves. failed and processed
// are terminal.
var batchTransitions = map[BatchJobStatus][]BatchJobStatus{
	BatchSubmitted: {BatchCompleted, BatchFailed},
	BatchCompleted: {BatchProcessed},
}

// CanTransition reports whether a batch job may move from one status to
// another.
func (s BatchJobStatus) CanTransition(to BatchJobStatus) bool {
	for _, next := range batchTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s BatchJobStatus) Terminal() bool {
	return len(batchTransitions[s]) == 0
}

// BatchJob is one submission unit covering many sessions. Jobs are never
// deleted; they double as the submission audit trail.
type BatchJob struct {
	ID           string         `json:"id"`
	ExternalID   string         `json:"external_id"`
	Status       BatchJobStatus `json:"status"`
	OutputRef    string         `json:"output_ref,omitempty"`
	RequestCount int            `json:"request_count"`
	SubmittedAt  time.Time      `json:"submitted_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// EnrichmentAudit records the outcome of one reconciliation attempt for one
// session. Append-only.
type EnrichmentAudit struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	BatchJobID   string    `json:"batch_job_id"`
	Success      bool      `json:"success"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
