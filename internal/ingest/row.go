package ingest

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/normalize"
)

// Feed column positions. The export has no header row; the contract is
// purely positional.
const (
	colSessionID = iota
	colStartedAt
	colEndedAt
	colIPAddress
	colCountry
	colLanguage
	colMessageCount
	colSentiment
	colEscalated
	colForwardedHuman
	colTranscriptURL
	colAvgResponseSecs
	colTokens
	colTokenCost
	colCategory
	colInitialMessage

	feedColumns = 16
)

// ParseRow normalizes one positional CSV record into a staged row.
// Field-level normalization is lossy: unparseable numbers become zero and
// unknown codes are kept verbatim, so a sloppy export still stages. Only a
// missing session id or a wrong column count rejects the row.
func ParseRow(tenantID string, record []string) (*model.StagedRow, error) {
	if len(record) != feedColumns {
		return nil, eris.Errorf("ingest: expected %d columns, got %d", feedColumns, len(record))
	}
	if record[colSessionID] == "" {
		return nil, eris.New("ingest: missing session id")
	}

	now := time.Now().UTC()
	started := normalize.Time(record[colStartedAt], now)
	return &model.StagedRow{
		TenantID:        tenantID,
		ExternalID:      record[colSessionID],
		Status:          model.StagedPending,
		StartedAt:       started,
		EndedAt:         normalize.Time(record[colEndedAt], started),
		IPAddress:       record[colIPAddress],
		Country:         normalize.Country(record[colCountry]),
		Language:        normalize.Language(record[colLanguage]),
		MessageCount:    normalize.Int(record[colMessageCount]),
		Sentiment:       normalize.Sentiment(record[colSentiment]),
		Escalated:       normalize.Bool(record[colEscalated]),
		ForwardedHuman:  normalize.Bool(record[colForwardedHuman]),
		TranscriptURL:   record[colTranscriptURL],
		AvgResponseSecs: normalize.Float(record[colAvgResponseSecs]),
		Tokens:          normalize.Int(record[colTokens]),
		TokenCost:       normalize.Float(record[colTokenCost]),
		Category:        normalize.Category(record[colCategory]),
		InitialMessage:  record[colInitialMessage],
	}, nil
}
