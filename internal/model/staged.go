package model

import "time"

// StagedRowStatus is the promotion state of a staged import row.
type StagedRowStatus string

const (
	StagedPending   StagedRowStatus = "pending"
	StagedProcessed StagedRowStatus = "processed"
	StagedError     StagedRowStatus = "error"
)

// StagedRow is one raw CSV row captured for a tenant, normalized at
// ingestion time. Rows are unique on (TenantID, ExternalID); re-importing
// the same row updates it in place.
type StagedRow struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	ExternalID string          `json:"external_id"`
	Status     StagedRowStatus `json:"status"`
	Error      string          `json:"error,omitempty"`

	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	IPAddress       string    `json:"ip_address,omitempty"`
	Country         string    `json:"country,omitempty"`  // ISO 3166-1 alpha-2
	Language        string    `json:"language,omitempty"` // ISO 639-1
	MessageCount    int       `json:"message_count"`
	Sentiment       *float64  `json:"sentiment,omitempty"` // -1.0 .. 1.0
	Escalated       bool      `json:"escalated"`
	ForwardedHuman  bool      `json:"forwarded_human"`
	TranscriptURL   string    `json:"transcript_url,omitempty"`
	AvgResponseSecs float64   `json:"avg_response_secs"`
	Tokens          int       `json:"tokens"`
	TokenCost       float64   `json:"token_cost"`
	Category        string    `json:"category,omitempty"`
	InitialMessage  string    `json:"initial_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
