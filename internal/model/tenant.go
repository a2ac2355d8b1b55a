// Package model defines the persistent entities of the chat ingestion and
// enrichment pipeline.
package model

import "time"

// TenantStatus is the lifecycle state of a tenant account.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantInactive TenantStatus = "inactive"
)

// Tenant is a customer account owning one chat-export feed.
type Tenant struct {
	ID        string       `json:"id" yaml:"id"`
	Name      string       `json:"name" yaml:"name"`
	FeedURL   string       `json:"feed_url" yaml:"feed_url"`
	FeedUser  string       `json:"feed_user,omitempty" yaml:"feed_user,omitempty"`
	FeedPass  string       `json:"-" yaml:"feed_pass,omitempty"`
	Status    TenantStatus `json:"status" yaml:"status"`
	CreatedAt time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt time.Time    `json:"updated_at" yaml:"-"`
}

// Pollable reports whether the ingestion task should fetch this tenant's feed.
func (t Tenant) Pollable() bool {
	return t.Status == TenantActive && t.FeedURL != ""
}
