package fetcher

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sunward-labs/chatpipe/internal/model"
)

// TranscriptFetcher retrieves and parses plain-text chat transcripts.
// Transcript fetches carry their own timeout so a slow transcript host
// degrades a single row, not the whole promotion run.
type TranscriptFetcher struct {
	inner   Fetcher
	timeout time.Duration
}

// NewTranscriptFetcher wraps a Fetcher with a per-fetch timeout.
func NewTranscriptFetcher(inner Fetcher, timeout time.Duration) *TranscriptFetcher {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &TranscriptFetcher{inner: inner, timeout: timeout}
}

// Fetch downloads the transcript at rawURL and parses it into ordered
// turns for the given session.
func (t *TranscriptFetcher) Fetch(ctx context.Context, rawURL, sessionID string, creds Credentials) ([]model.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body, err := t.inner.Fetch(ctx, rawURL, creds)
	if err != nil {
		return nil, eris.Wrap(err, "transcript: fetch")
	}
	defer body.Close() //nolint:errcheck

	turns, err := ParseTranscript(body, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "transcript: parse")
	}
	return turns, nil
}

// rolePrefixes maps transcript line prefixes to turn roles. The feed's
// export tool labels speakers inconsistently across tenants.
var rolePrefixes = []struct {
	prefix string
	role   model.TurnRole
}{
	{"user:", model.RoleUser},
	{"customer:", model.RoleUser},
	{"visitor:", model.RoleUser},
	{"klant:", model.RoleUser},
	{"assistant:", model.RoleAssistant},
	{"agent:", model.RoleAssistant},
	{"bot:", model.RoleAssistant},
	{"ai:", model.RoleAssistant},
	{"support:", model.RoleAssistant},
}

// ParseTranscript parses a plain-text transcript into turns using a
// line-prefix heuristic. A line starting with a known speaker label
// opens a new turn; unlabeled lines continue the current turn. Leading
// text before the first label is attributed to the user, since exports
// always open with the visitor's message. Seq is monotonic from 1.
func ParseTranscript(r io.Reader, sessionID string) ([]model.Turn, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var turns []model.Turn
	appendLine := func(role model.TurnRole, text string) {
		if len(turns) > 0 && turns[len(turns)-1].Role == role {
			cur := &turns[len(turns)-1]
			if cur.Content != "" && text != "" {
				cur.Content += "\n"
			}
			cur.Content += text
			return
		}
		turns = append(turns, model.Turn{
			SessionID: sessionID,
			Role:      role,
			Content:   text,
			Seq:       len(turns) + 1,
		})
	}

	var current model.TurnRole
	started := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		role, rest, ok := matchRolePrefix(line)
		if ok {
			current = role
			started = true
			appendLine(role, rest)
			continue
		}

		if !started {
			current = model.RoleUser
			started = true
		}
		appendLine(current, strings.TrimSpace(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "transcript: scan")
	}

	return turns, nil
}

func matchRolePrefix(line string) (model.TurnRole, string, bool) {
	trimmed := strings.TrimSpace(line)
	lower := strings.ToLower(trimmed)
	for _, rp := range rolePrefixes {
		if strings.HasPrefix(lower, rp.prefix) {
			return rp.role, strings.TrimSpace(trimmed[len(rp.prefix):]), true
		}
	}
	return "", "", false
}
