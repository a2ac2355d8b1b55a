package normalize

import (
	"strconv"
	"strings"
)

// sentimentScores maps feed sentiment labels (with locale variants) to a
// score in [-1.0, 1.0].
var sentimentScores = map[string]float64{
	"happy":     1.0,
	"blij":      1.0,
	"delighted": 1.0,
	"positive":  0.7,
	"positief":  0.7,
	"satisfied": 0.7,
	"tevreden":  0.7,
	"content":   0.5,
	"neutral":   0.0,
	"neutraal":  0.0,
	"mixed":     0.0,
	"negative":  -0.7,
	"negatief":  -0.7,
	"unhappy":   -0.7,
	"ontevreden": -0.7,
	"frustrated": -0.8,
	"gefrustreerd": -0.8,
	"angry":     -1.0,
	"boos":      -1.0,
	"furious":   -1.0,
	"woedend":   -1.0,
}

// Sentiment normalizes a raw sentiment value to a score pointer. Labels are
// resolved through the score table; anything else falls back to a numeric
// parse clamped to [-1, 1]. Returns nil when the value carries no signal.
func Sentiment(raw string) *float64 {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return nil
	}

	if score, ok := sentimentScores[v]; ok {
		return &score
	}

	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	if f > 1.0 {
		f = 1.0
	}
	if f < -1.0 {
		f = -1.0
	}
	return &f
}
