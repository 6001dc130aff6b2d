package timeline

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sonet-app/timeline/internal/note"
)

// Drop reasons reported by the filter. Exposed for metrics labels.
const (
	DropMutedAuthor   = "muted_author"
	DropMutedKeyword  = "muted_keyword"
	DropPolicyBanned  = "policy_banned"
	DropPolicySpam    = "policy_spam"
	DropTooOld        = "too_old"
	DropLowEngagement = "low_engagement"
)

// defaultBannedKeywords is the platform policy list. Matching is
// whole-token, case-insensitive.
var defaultBannedKeywords = []string{
	"spam", "scam", "phishing", "malware", "fraud",
}

// defaultSpamPatterns are lowercase phrases that mark promotional spam.
var defaultSpamPatterns = []string{
	"click here",
	"buy now",
	"limited time offer",
	"act now",
	"free money",
	"make money fast",
	"work from home",
	"miracle cure",
	"you won't believe",
}

// ContentFilter decides whether a note is shown to a viewer. Policy lists
// are process-wide; per-viewer mutes come from the engagement profile.
type ContentFilter struct {
	mu       sync.RWMutex
	banned   map[string]struct{}
	patterns []string
}

// NewContentFilter returns a filter loaded with the default policy lists.
func NewContentFilter() *ContentFilter {
	f := &ContentFilter{
		banned:   make(map[string]struct{}, len(defaultBannedKeywords)),
		patterns: append([]string(nil), defaultSpamPatterns...),
	}
	for _, kw := range defaultBannedKeywords {
		f.banned[kw] = struct{}{}
	}
	return f
}

// AddBannedKeyword extends the policy list at runtime.
func (f *ContentFilter) AddBannedKeyword(kw string) {
	f.mu.Lock()
	f.banned[strings.ToLower(kw)] = struct{}{}
	f.mu.Unlock()
}

// ShouldShow evaluates the drop conditions in order and short-circuits on
// the first hit. Unknown or missing data keeps the note.
func (f *ContentFilter) ShouldShow(n note.Note, profile *EngagementProfile, cfg Config, now time.Time) (bool, string) {
	if profile != nil {
		if profile.IsMutedAuthor(n.AuthorID) {
			return false, DropMutedAuthor
		}
		if matchesAnyKeyword(n, profile.MutedKeywords) {
			return false, DropMutedKeyword
		}
	}

	f.mu.RLock()
	bannedHit := tokenInSet(n, f.banned)
	spamHit := f.spamHit(n)
	f.mu.RUnlock()
	if bannedHit {
		return false, DropPolicyBanned
	}
	if spamHit {
		return false, DropPolicySpam
	}

	if cfg.MaxAgeHours > 0 && now.Sub(n.CreatedAt) > cfg.MaxAge() {
		return false, DropTooOld
	}

	// Widely seen but never engaged reads as spam to active viewers.
	if n.Metrics.Views > 100 && n.TotalEngagements() == 0 &&
		profile != nil && profile.DailyEngagement > 0 {
		return false, DropLowEngagement
	}

	return true, ""
}

// spamHit checks the pattern list and the shouting heuristic. Callers hold
// the read lock.
func (f *ContentFilter) spamHit(n note.Note) bool {
	lower := strings.ToLower(n.Content)
	for _, p := range f.patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return excessiveCaps(n.Content)
}

// excessiveCaps flags content that is mostly uppercase, ignoring short
// strings where a ratio is meaningless.
func excessiveCaps(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters <= 10 {
		return false
	}
	return float64(upper)/float64(letters) > 0.7
}

// matchesAnyKeyword reports whether any keyword matches a token of the
// content or one of the note's hashtags. Case-insensitive.
func matchesAnyKeyword(n note.Note, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	tokens := contentTokens(n)
	for _, kw := range keywords {
		if _, ok := tokens[strings.ToLower(kw)]; ok {
			return true
		}
	}
	return false
}

func tokenInSet(n note.Note, set map[string]struct{}) bool {
	if len(set) == 0 {
		return false
	}
	for tok := range contentTokens(n) {
		if _, ok := set[tok]; ok {
			return true
		}
	}
	return false
}

// contentTokens lowercases and tokenizes the content on whitespace, with
// leading #/@ stripped, and merges in the hashtag list.
func contentTokens(n note.Note) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(n.Content))
	tokens := make(map[string]struct{}, len(fields)+len(n.Hashtags))
	for _, tok := range fields {
		tok = strings.TrimFunc(tok, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if tok != "" {
			tokens[tok] = struct{}{}
		}
	}
	for _, tag := range n.Hashtags {
		tokens[strings.ToLower(tag)] = struct{}{}
	}
	return tokens
}
