package note

import (
	"regexp"
	"time"
)

// Visibility controls who may see a note. The timeline core never mutates
// notes; visibility is enforced when assembling slates for a viewer.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityFollowers Visibility = "followers"
	VisibilityCircle    Visibility = "circle"
	VisibilityPrivate   Visibility = "private"
)

// Metrics holds the engagement counters attached to a note by the note
// service. Counters are a snapshot; the core treats them as read-only.
type Metrics struct {
	Views   int64 `json:"views"`
	Likes   int64 `json:"likes"`
	Reposts int64 `json:"reposts"`
	Replies int64 `json:"replies"`
	Quotes  int64 `json:"quotes"`
}

// MediaItem is an attachment reference. Media processing lives outside the
// timeline core; only presence matters for ranking.
type MediaItem struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Note is the unit of content flowing through the timeline. It is borrowed
// from the note service and immutable during a slate build.
type Note struct {
	ID         string      `json:"id"`
	AuthorID   string      `json:"author_id"`
	CreatedAt  time.Time   `json:"created_at"`
	Visibility Visibility  `json:"visibility"`
	Content    string      `json:"content"`
	Metrics    Metrics     `json:"metrics"`
	Media      []MediaItem `json:"media,omitempty"`
	Hashtags   []string    `json:"hashtags,omitempty"`
	IsReply    bool        `json:"is_reply,omitempty"`
	IsRepost   bool        `json:"is_repost,omitempty"`
}

var (
	hashtagRe = regexp.MustCompile(`#(\w+)`)
	mentionRe = regexp.MustCompile(`@(\w+)`)
	urlRe     = regexp.MustCompile(`https?://\S+`)
)

// TotalEngagements sums all engagement counters.
func (n Note) TotalEngagements() int64 {
	m := n.Metrics
	return m.Likes + m.Reposts + m.Replies + m.Quotes
}

// EngagementRate returns engagements per view, with views floored at 1.
func (n Note) EngagementRate() float64 {
	views := n.Metrics.Views
	if views < 1 {
		views = 1
	}
	return float64(n.TotalEngagements()) / float64(views)
}

// HashtagList returns the note's hashtags, falling back to extracting them
// from the content when the note service did not populate the field.
func (n Note) HashtagList() []string {
	if len(n.Hashtags) > 0 {
		return n.Hashtags
	}
	return ExtractHashtags(n.Content)
}

// AgeHours returns the note age in fractional hours relative to now.
func (n Note) AgeHours(now time.Time) float64 {
	return now.Sub(n.CreatedAt).Hours()
}

// ExtractHashtags returns the hashtag words (without '#') found in text.
func ExtractHashtags(text string) []string {
	matches := hashtagRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, m[1])
	}
	return tags
}

// ExtractMentions returns the mentioned handles (without '@') found in text.
func ExtractMentions(text string) []string {
	matches := mentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	mentions := make([]string, 0, len(matches))
	for _, m := range matches {
		mentions = append(mentions, m[1])
	}
	return mentions
}

// ContainsURL reports whether text contains an http(s) link.
func ContainsURL(text string) bool {
	return urlRe.MatchString(text)
}
