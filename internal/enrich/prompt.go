package enrich

import (
	"fmt"
	"strings"

	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/pkg/inference"
)

// systemPrompt instructs the model to analyze one support conversation and
// answer with a single JSON object. It is identical across all requests so
// a cache breakpoint makes every batch request after the primer cheap.
const systemPrompt = `You are a customer support conversation analyst. You will be given the full transcript of one support chat session.

Analyze the conversation and respond with exactly one JSON object, no markdown fences, with these fields:
- "sentiment": the customer's overall sentiment as a number from -1.0 (very negative) to 1.0 (very positive)
- "category": one short lowercase topic label for the conversation (e.g. "billing", "shipping", "returns", "account", "technical", "other")
- "summary": a one or two sentence summary of what the customer wanted and how the conversation ended
- "questions": an array of the distinct questions the customer asked, each rephrased as a short standalone question; empty array if none

Respond with the JSON object only.`

// buildRequest builds one batch item for a claimed session. The session's
// primary key is the custom_id so the result can be correlated back
// without any shared state.
func buildRequest(modelID string, maxTokens int64, sess model.Session, turns []model.Turn) inference.BatchRequestItem {
	return inference.BatchRequestItem{
		CustomID: sess.ID,
		Params: inference.MessageRequest{
			Model:     modelID,
			MaxTokens: maxTokens,
			System:    inference.BuildCachedSystemBlocks(systemPrompt),
			Messages: []inference.Message{
				{Role: "user", Content: renderTranscript(sess, turns)},
			},
		},
	}
}

// renderTranscript flattens a session's turns into the analysis prompt.
func renderTranscript(sess model.Session, turns []model.Turn) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session metadata: country=%s language=%s messages=%d escalated=%t forwarded_to_human=%t\n\nTranscript:\n",
		orUnknown(sess.Country), orUnknown(sess.Language), sess.MessageCount, sess.Escalated, sess.ForwardedHuman)
	for _, turn := range turns {
		label := "Customer"
		if turn.Role == model.RoleAssistant {
			label = "Agent"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, turn.Content)
	}
	return sb.String()
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
