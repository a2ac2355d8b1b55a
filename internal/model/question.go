package model

import (
	"strings"
	"time"
)

// Question is a normalized customer question extracted during enrichment.
// Questions are deduplicated per tenant on their normalized text and linked
// to sessions through a join table.
type Question struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeQuestionText canonicalizes extracted question text for
// deduplication: collapse internal whitespace and trim. Case folding is the
// store's concern (unique index on lower(text)).
func NormalizeQuestionText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
