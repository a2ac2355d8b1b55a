package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to BatchJobStatus
		want     bool
	}{
		{BatchSubmitted, BatchCompleted, true},
		{BatchSubmitted, BatchFailed, true},
		{BatchSubmitted, BatchProcessed, false},
		{BatchCompleted, BatchProcessed, true},
		{BatchCompleted, BatchSubmitted, false},
		{BatchProcessed, BatchCompleted, false},
		{BatchProcessed, BatchSubmitted, false},
		{BatchFailed, BatchSubmitted, false},
		{BatchFailed, BatchCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestBatchJobStatus_Terminal(t *testing.T) {
	assert.False(t, BatchSubmitted.Terminal())
	assert.False(t, BatchCompleted.Terminal())
	assert.True(t, BatchFailed.Terminal())
	assert.True(t, BatchProcessed.Terminal())
}

func TestTenant_Pollable(t *testing.T) {
	assert.True(t, Tenant{Status: TenantActive, FeedURL: "https://feed.example.com/export.csv"}.Pollable())
	assert.False(t, Tenant{Status: TenantInactive, FeedURL: "https://feed.example.com/export.csv"}.Pollable())
	assert.False(t, Tenant{Status: TenantActive}.Pollable())
}

func TestNormalizeQuestionText(t *testing.T) {
	assert.Equal(t, "how do I reset my password?", NormalizeQuestionText("  how do I\treset   my password?\n"))
	assert.Equal(t, "", NormalizeQuestionText("   "))
}
