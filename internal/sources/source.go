// Package sources contains the catalog of pollable platforms and the
// adapters that query them for brand mentions.
package sources

import (
	"context"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/signalze/mention-worker/internal/models"
)

// Source is the one capability the pipeline needs from a platform adapter.
//
// Search returns at most limit candidates published at or after since (the
// caller already widens since by the configured overlap). Adapters stamp
// Platform with their registry key, produce stable external ids across polls,
// and never retry internally. Any network, auth, quota or parse failure is
// returned as an error and handled at the task level by the caller.
type Source interface {
	Search(ctx context.Context, query string, since time.Time, limit int) ([]models.MentionCandidate, error)
}

// Credentials carries the per-platform secrets and tuning knobs the registry
// builders need. Builders that find their credentials missing decline with
// ReasonMissingCredentials instead of constructing a broken adapter.
type Credentials struct {
	RedditClientID     string
	RedditClientSecret string
	RedditUserAgent    string
	GitHubToken        string
	GoogleAPIKey       string
	GoogleCSEID        string
	BraveAPIKey        string
	DevToTopDays       int
}

const maxExcerptLen = 500

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// normalizeExcerpt collapses all whitespace runs to single spaces and
// truncates to maxExcerptLen runes.
func normalizeExcerpt(s string) string {
	return truncateRunes(strings.Join(strings.Fields(s), " "), maxExcerptLen)
}

// stripHTML drops tags and unescapes entities, normalizing whitespace on the
// way out. Used by adapters whose APIs return HTML fragments.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	text := htmlTagRe.ReplaceAllString(s, " ")
	return html.UnescapeString(strings.Join(strings.Fields(text), " "))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func clampLimit(limit, max int) int {
	if limit < 1 {
		return 1
	}
	if limit > max {
		return max
	}
	return limit
}
