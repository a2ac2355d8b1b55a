package enrich

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sunward-labs/chatpipe/internal/normalize"
)

// analysisResult is the JSON payload the model returns for one session.
type analysisResult struct {
	Sentiment *float64 `json:"sentiment"`
	Category  string   `json:"category"`
	Summary   string   `json:"summary"`
	Questions []string `json:"questions"`
}

// parseResult extracts the analysis payload from raw model output. Models
// occasionally wrap the object in markdown fences or prose despite the
// instructions, so the object is located before unmarshalling.
func parseResult(text string) (*analysisResult, error) {
	cleaned := cleanJSON(text)
	if cleaned == "" {
		return nil, eris.New("enrich: no JSON object in result")
	}

	var res analysisResult
	if err := json.Unmarshal([]byte(cleaned), &res); err != nil {
		return nil, eris.Wrap(err, "enrich: parse result JSON")
	}

	if res.Sentiment != nil {
		if *res.Sentiment > 1 {
			*res.Sentiment = 1
		}
		if *res.Sentiment < -1 {
			*res.Sentiment = -1
		}
	}
	// The model answers with free-form labels; fold them into the same
	// closed category set ingestion stages.
	res.Category = normalize.Category(res.Category)
	res.Summary = strings.TrimSpace(res.Summary)
	return &res, nil
}

// cleanJSON strips markdown fences and extracts the outermost JSON object.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start : end+1])
}
