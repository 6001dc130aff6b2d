// Package timeline contains the core slate-assembly domain: candidate
// sources, the content filter, the ranking engine, the assembler, and the
// request façade that ties them together.
package timeline

import (
	"context"
	"sort"
	"time"

	"github.com/sonet-app/timeline/internal/note"
)

// Source identifies the adapter a candidate came from. Provenance is
// first-seen and never rewritten after the merge.
type Source string

const (
	SourceFollowing   Source = "following"
	SourceRecommended Source = "recommended"
	SourceTrending    Source = "trending"
	SourceLists       Source = "lists"
)

// MergeOrder is the deterministic order candidates are merged and deduped in.
var MergeOrder = []Source{SourceFollowing, SourceRecommended, SourceTrending, SourceLists}

// Algorithm selects how a slate is scored.
type Algorithm string

const (
	AlgorithmChronological Algorithm = "chronological"
	AlgorithmAlgorithmic   Algorithm = "algorithmic"
	AlgorithmHybrid        Algorithm = "hybrid"
)

// ValidAlgorithm reports whether a is one of the supported modes.
func ValidAlgorithm(a Algorithm) bool {
	switch a {
	case AlgorithmChronological, AlgorithmAlgorithmic, AlgorithmHybrid:
		return true
	}
	return false
}

// Signals are the per-item ranking components, exposed on request for
// debugging and experimentation.
type Signals struct {
	AuthorAffinity     float64 `json:"author_affinity"`
	ContentQuality     float64 `json:"content_quality"`
	EngagementVelocity float64 `json:"engagement_velocity"`
	Recency            float64 `json:"recency"`
	Personalization    float64 `json:"personalization"`
}

// SlateItem is one ranked entry of an assembled timeline.
type SlateItem struct {
	Note       note.Note `json:"note"`
	Score      float64   `json:"score"`
	Source     Source    `json:"source"`
	Reason     string    `json:"reason"`
	InjectedAt time.Time `json:"injected_at"`
	Signals    *Signals  `json:"signals,omitempty"`
}

// Candidate is a fetched note tagged with the source that produced it.
type Candidate struct {
	Note   note.Note
	Source Source
}

// EngagementProfile is the per-viewer personalization state: learned author
// affinities, hashtag interests, and mute lists. It is cached, not
// authoritative.
type EngagementProfile struct {
	ViewerID         string             `json:"viewer_id"`
	AuthorAffinity   map[string]float64 `json:"author_affinity"`
	HashtagInterests map[string]float64 `json:"hashtag_interests"`
	MutedAuthors     []string           `json:"muted_authors,omitempty"`
	MutedKeywords    []string           `json:"muted_keywords,omitempty"`
	LastUpdated      time.Time          `json:"last_updated"`
	AvgSessionMins   float64            `json:"avg_session_minutes"`
	DailyEngagement  float64            `json:"daily_engagement"`
}

// NewEngagementProfile returns an empty profile for viewerID.
func NewEngagementProfile(viewerID string, now time.Time) *EngagementProfile {
	return &EngagementProfile{
		ViewerID:         viewerID,
		AuthorAffinity:   make(map[string]float64),
		HashtagInterests: make(map[string]float64),
		LastUpdated:      now,
	}
}

// IsMutedAuthor reports whether authorID is on the viewer's mute list.
func (p *EngagementProfile) IsMutedAuthor(authorID string) bool {
	for _, id := range p.MutedAuthors {
		if id == authorID {
			return true
		}
	}
	return false
}

// MuteAuthor adds authorID to the mute list. Idempotent.
func (p *EngagementProfile) MuteAuthor(authorID string) {
	if p.IsMutedAuthor(authorID) {
		return
	}
	p.MutedAuthors = append(p.MutedAuthors, authorID)
}

// UnmuteAuthor removes authorID from the mute list. Idempotent.
func (p *EngagementProfile) UnmuteAuthor(authorID string) {
	out := p.MutedAuthors[:0]
	for _, id := range p.MutedAuthors {
		if id != authorID {
			out = append(out, id)
		}
	}
	p.MutedAuthors = out
}

// HasMutedKeyword reports whether kw is on the viewer's keyword mute list.
func (p *EngagementProfile) HasMutedKeyword(kw string) bool {
	for _, k := range p.MutedKeywords {
		if k == kw {
			return true
		}
	}
	return false
}

// MuteKeyword adds kw to the keyword mute list. Idempotent.
func (p *EngagementProfile) MuteKeyword(kw string) {
	if p.HasMutedKeyword(kw) {
		return
	}
	p.MutedKeywords = append(p.MutedKeywords, kw)
}

// UnmuteKeyword removes kw from the keyword mute list. Idempotent.
func (p *EngagementProfile) UnmuteKeyword(kw string) {
	out := p.MutedKeywords[:0]
	for _, k := range p.MutedKeywords {
		if k != kw {
			out = append(out, k)
		}
	}
	p.MutedKeywords = out
}

// TopHashtags returns up to n interest hashtags ordered by score descending,
// ties broken lexically for determinism.
func (p *EngagementProfile) TopHashtags(n int) []string {
	return topKeys(p.HashtagInterests, n)
}

// TopAuthors returns up to n authors ordered by learned affinity descending.
func (p *EngagementProfile) TopAuthors(n int) []string {
	return topKeys(p.AuthorAffinity, n)
}

func topKeys(m map[string]float64, n int) []string {
	if len(m) == 0 || n <= 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// UpdateKind enumerates live-update message types.
type UpdateKind string

const (
	UpdateNewNote     UpdateKind = "new_note"
	UpdateNoteEdited  UpdateKind = "note_updated"
	UpdateNoteDeleted UpdateKind = "note_deleted"
	UpdateRefresh     UpdateKind = "refresh"
	UpdateHeartbeat   UpdateKind = "heartbeat"
)

// Update is one message delivered to a live-update session.
type Update struct {
	Kind      UpdateKind `json:"kind"`
	NoteID    string     `json:"note_id,omitempty"`
	Note      *note.Note `json:"note,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// EventKind enumerates write-path events handed to the fan-out worker.
type EventKind string

const (
	EventNoteCreated   EventKind = "note_created"
	EventNoteUpdated   EventKind = "note_updated"
	EventNoteDeleted   EventKind = "note_deleted"
	EventFollowChanged EventKind = "follow_changed"
)

// Event is a unit of fan-out work. Effects are idempotent; delivery is
// at-least-once.
type Event struct {
	Kind       EventKind
	Note       *note.Note
	NoteID     string
	AuthorID   string
	FollowerID string
	Followed   bool
	EnqueuedAt time.Time
}

// EngagementAction enumerates the viewer actions the ranking engine learns
// from.
type EngagementAction string

const (
	ActionLike   EngagementAction = "like"
	ActionRepost EngagementAction = "repost"
	ActionReply  EngagementAction = "reply"
	ActionFollow EngagementAction = "follow"
	ActionView   EngagementAction = "view"
)

// Cache is the two-tier slate/profile/last-read store consumed by the
// service façade. A miss is (zero, false, nil); errors are transport
// failures.
type Cache interface {
	GetSlate(ctx context.Context, viewerID string) ([]SlateItem, bool, error)
	SetSlate(ctx context.Context, viewerID string, items []SlateItem, ttl time.Duration) error
	InvalidateSlate(ctx context.Context, viewerID string) error
	GetProfile(ctx context.Context, viewerID string) (*EngagementProfile, bool, error)
	SetProfile(ctx context.Context, p *EngagementProfile, ttl time.Duration) error
	GetLastRead(ctx context.Context, viewerID string) (time.Time, bool, error)
	SetLastRead(ctx context.Context, viewerID string, t time.Time) error
}

// PreferencesStore persists per-viewer timeline preferences. Get returns
// (nil, nil) when the viewer has none stored.
type PreferencesStore interface {
	Get(ctx context.Context, viewerID string) (*Preferences, error)
	Set(ctx context.Context, viewerID string, p Preferences) error
}

// Publisher delivers live updates to a viewer's active sessions.
type Publisher interface {
	Publish(viewerID string, upd Update)
}

// EventSink accepts fan-out events. Enqueue never blocks; false means the
// event was dropped.
type EventSink interface {
	Enqueue(ev Event) bool
}

// FollowGraph resolves the social graph. Implementations cache aggressively.
type FollowGraph interface {
	Following(ctx context.Context, viewerID string) ([]string, error)
	Followers(ctx context.Context, authorID string) ([]string, error)
}

// NoteLister fetches recent notes for a fixed author set, newest first.
type NoteLister interface {
	RecentByAuthors(ctx context.Context, authorIDs []string, since time.Time, limit int) ([]note.Note, error)
}

// RankedID is one entry of an external ranker response.
type RankedID struct {
	NoteID string  `json:"note_id"`
	Score  float64 `json:"score"`
}

// Overdrive is the optional external ranker. Errors mean "keep the heuristic
// order"; they never fail the request.
type Overdrive interface {
	RankForYou(ctx context.Context, viewerID string, candidateIDs []string, k int) ([]RankedID, error)
}

// SourceAdapter fetches candidates for one source. Implementations honor ctx
// and return at most limit notes newer than since, newest first.
type SourceAdapter interface {
	Source() Source
	GetContent(ctx context.Context, viewerID string, cfg Config, since time.Time, limit int) ([]note.Note, error)
}

// ScoreRequest bundles everything the ranking engine needs for one slate.
type ScoreRequest struct {
	ViewerID   string
	Candidates []Candidate
	Profile    *EngagementProfile
	Config     Config
	Followed   map[string]bool
	Now        time.Time
}

// Ranker scores candidates into a slate ordered by score descending.
type Ranker interface {
	Score(req ScoreRequest) []SlateItem
	RecordEngagement(viewerID, authorID string, action EngagementAction)
}
