package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunward-labs/chatpipe/internal/model"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantErr   bool
		sentiment float64
		category  string
		questions int
	}{
		{
			name:      "plain object",
			input:     `{"sentiment": 0.75, "category": "billing", "summary": "refund request", "questions": ["When will I be refunded?"]}`,
			sentiment: 0.75,
			category:  "Billing",
			questions: 1,
		},
		{
			name:      "markdown fenced",
			input:     "```json\n{\"sentiment\": -0.5, \"category\": \"Shipping\", \"summary\": \" late delivery \", \"questions\": []}\n```",
			sentiment: -0.5,
			category:  "Shipping",
		},
		{
			name:      "bare fence",
			input:     "```\n{\"sentiment\": 0, \"category\": \"other\", \"summary\": \"s\", \"questions\": []}\n```",
			sentiment: 0,
			category:  "Other",
		},
		{
			name:      "surrounding prose",
			input:     "Here is the analysis:\n{\"sentiment\": 0.2, \"category\": \"account\", \"summary\": \"s\", \"questions\": []}\nLet me know if you need more.",
			sentiment: 0.2,
			category:  "Account",
		},
		{
			name:      "free-form category folded",
			input:     `{"sentiment": 0.1, "category": "refund question", "summary": "s", "questions": []}`,
			sentiment: 0.1,
			category:  "Billing",
		},
		{
			name:      "unknown category defaults",
			input:     `{"sentiment": 0.1, "category": "weather", "summary": "s", "questions": []}`,
			sentiment: 0.1,
			category:  "Other",
		},
		{
			name:      "sentiment clamped high",
			input:     `{"sentiment": 3.5, "category": "other", "summary": "s", "questions": []}`,
			sentiment: 1,
			category:  "Other",
		},
		{
			name:      "sentiment clamped low",
			input:     `{"sentiment": -2, "category": "other", "summary": "s", "questions": []}`,
			sentiment: -1,
			category:  "Other",
		},
		{
			name:    "no object",
			input:   "I could not analyze this conversation.",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "truncated object",
			input:   `{"sentiment": 0.5, "category": "bil}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := parseResult(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, res.Sentiment)
			assert.InDelta(t, tt.sentiment, *res.Sentiment, 1e-9)
			assert.Equal(t, tt.category, res.Category)
			assert.Len(t, res.Questions, tt.questions)
		})
	}
}

func TestParseResult_NullSentiment(t *testing.T) {
	res, err := parseResult(`{"sentiment": null, "category": "other", "summary": "s", "questions": []}`)
	require.NoError(t, err)
	assert.Nil(t, res.Sentiment)
}

func TestParseResult_TrimsSummary(t *testing.T) {
	res, err := parseResult(`{"sentiment": 0, "category": "other", "summary": "  padded summary  ", "questions": []}`)
	require.NoError(t, err)
	assert.Equal(t, "padded summary", res.Summary)
}

func TestCleanJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, cleanJSON("```json\n{\"a\": 1}\n```"))
	assert.Equal(t, `{"a": 1}`, cleanJSON(`prose {"a": 1} trailing`))
	assert.Equal(t, "", cleanJSON("no braces here"))
	assert.Equal(t, "", cleanJSON("}{"))
}

func TestBuildRequest(t *testing.T) {
	sess := model.Session{
		ID:           "sess-9",
		Country:      "DE",
		Language:     "de",
		MessageCount: 4,
		Escalated:    true,
	}
	turns := []model.Turn{
		{Role: model.RoleUser, Content: "ich brauche hilfe", Seq: 1},
		{Role: model.RoleAssistant, Content: "gerne", Seq: 2},
	}

	item := buildRequest("claude-haiku-4-5-20251001", 512, sess, turns)

	assert.Equal(t, "sess-9", item.CustomID)
	assert.Equal(t, int64(512), item.Params.MaxTokens)
	require.Len(t, item.Params.System, 1)
	require.NotNil(t, item.Params.System[0].CacheControl)

	require.Len(t, item.Params.Messages, 1)
	body := item.Params.Messages[0].Content
	assert.Contains(t, body, "country=DE")
	assert.Contains(t, body, "escalated=true")
	assert.Contains(t, body, "Customer: ich brauche hilfe")
	assert.Contains(t, body, "Agent: gerne")
}

func TestRenderTranscript_UnknownMetadata(t *testing.T) {
	body := renderTranscript(model.Session{ID: "s"}, nil)
	assert.Contains(t, body, "country=unknown")
	assert.Contains(t, body, "language=unknown")
}
