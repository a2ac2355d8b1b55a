package model

import "time"

// TurnRole identifies the speaker of a conversation turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
)

// Turn is one parsed message in a session transcript. Turns are ordered by
// Seq and immutable once created.
type Turn struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Role      TurnRole `json:"role"`
	Content   string   `json:"content"`
	Seq       int      `json:"seq"`
}

// Session is a promoted, analyzable chat session. Promotion creates it;
// batch enrichment is the only writer afterwards (enrichment fields,
// RetryCount, BatchJobID).
type Session struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	ExternalID string `json:"external_id"`

	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	Country         string    `json:"country,omitempty"`
	Language        string    `json:"language,omitempty"`
	MessageCount    int       `json:"message_count"`
	Escalated       bool      `json:"escalated"`
	ForwardedHuman  bool      `json:"forwarded_human"`
	TranscriptURL   string    `json:"transcript_url,omitempty"`
	AvgResponseSecs float64   `json:"avg_response_secs"`
	Tokens          int       `json:"tokens"`
	TokenCost       float64   `json:"token_cost"`
	InitialMessage  string    `json:"initial_message,omitempty"`

	Turns []Turn `json:"turns,omitempty"`

	// Enrichment output. Nil/empty until a batch result is reconciled.
	Sentiment  *float64   `json:"sentiment,omitempty"`
	Category   string     `json:"category,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	EnrichedAt *time.Time `json:"enriched_at,omitempty"`

	// RetryCount increases at batch submission time and never decreases.
	// BatchJobID is set only while a non-terminal batch job owns the session.
	RetryCount int     `json:"retry_count"`
	BatchJobID *string `json:"batch_job_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasTranscript reports whether the session carries any conversation turns.
func (s Session) HasTranscript() bool {
	return len(s.Turns) > 0
}

// Enriched reports whether enrichment results have been applied.
func (s Session) Enriched() bool {
	return s.EnrichedAt != nil
}
