package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/note"
	"github.com/sonet-app/timeline/internal/timeline"
)

const (
	trendingWindow = 6 * time.Hour

	// Personalization fan-in for the recommended source.
	topInterestTags   = 10
	topAffinityAuthor = 20
)

// retryOnce runs fn and retries a single time on failure, honoring ctx.
// Transient upstream blips are common enough to be worth one cheap retry;
// persistent failure trips the breaker above us.
func retryOnce(ctx context.Context, fn func() ([]note.Note, error)) ([]note.Note, error) {
	notes, err := fn()
	if err == nil {
		return notes, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(100 * time.Millisecond):
	}
	return fn()
}

// FollowingAdapter fetches recent notes from the authors the viewer follows.
type FollowingAdapter struct {
	notes   NoteService
	follows FollowGraph
	cb      *gobreaker.CircuitBreaker
}

// NewFollowingAdapter wires the adapter with its own breaker.
func NewFollowingAdapter(notes NoteService, follows FollowGraph) *FollowingAdapter {
	return &FollowingAdapter{notes: notes, follows: follows, cb: newBreaker("source_following")}
}

func (a *FollowingAdapter) Source() timeline.Source { return timeline.SourceFollowing }

func (a *FollowingAdapter) GetContent(ctx context.Context, viewerID string, _ timeline.Config, since time.Time, limit int) ([]note.Note, error) {
	return execute(a.cb, func() ([]note.Note, error) {
		authors, err := a.follows.GetFollowing(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("resolve following: %w", err)
		}
		if len(authors) == 0 {
			return nil, nil
		}
		notes, err := retryOnce(ctx, func() ([]note.Note, error) {
			return a.notes.GetRecentByAuthors(ctx, authors, since, limit)
		})
		if err != nil {
			return nil, fmt.Errorf("recent by authors: %w", err)
		}
		return trim(notes, limit), nil
	})
}

// RecommendedAdapter fetches discovery content matching the viewer's learned
// interests: top hashtag interests plus high-affinity authors.
type RecommendedAdapter struct {
	notes    NoteService
	profiles ProfileSource
	cb       *gobreaker.CircuitBreaker
}

// NewRecommendedAdapter wires the adapter with its own breaker.
func NewRecommendedAdapter(notes NoteService, profiles ProfileSource) *RecommendedAdapter {
	return &RecommendedAdapter{notes: notes, profiles: profiles, cb: newBreaker("source_recommended")}
}

func (a *RecommendedAdapter) Source() timeline.Source { return timeline.SourceRecommended }

func (a *RecommendedAdapter) GetContent(ctx context.Context, viewerID string, _ timeline.Config, since time.Time, limit int) ([]note.Note, error) {
	return execute(a.cb, func() ([]note.Note, error) {
		var tags, authors []string
		if a.profiles != nil {
			profile, found, err := a.profiles.GetProfile(ctx, viewerID)
			if err == nil && found {
				tags = profile.TopHashtags(topInterestTags)
				authors = profile.TopAuthors(topAffinityAuthor)
			}
		}

		var merged []note.Note
		if len(tags) > 0 {
			byInterest, err := retryOnce(ctx, func() ([]note.Note, error) {
				return a.notes.GetRecentByInterests(ctx, tags, since, limit)
			})
			if err != nil {
				return nil, fmt.Errorf("recent by interests: %w", err)
			}
			merged = append(merged, byInterest...)
		}
		if len(authors) > 0 && len(merged) < limit {
			byAuthor, err := retryOnce(ctx, func() ([]note.Note, error) {
				return a.notes.GetRecentByAuthors(ctx, authors, since, limit-len(merged))
			})
			if err != nil {
				return nil, fmt.Errorf("recent by affinity authors: %w", err)
			}
			merged = append(merged, byAuthor...)
		}
		// Cold-start viewers with no learned interests fall back to trending
		// shaped content so discovery is never empty.
		if len(merged) == 0 {
			trending, err := retryOnce(ctx, func() ([]note.Note, error) {
				return a.notes.GetTrending(ctx, since, limit)
			})
			if err != nil {
				return nil, fmt.Errorf("cold-start trending: %w", err)
			}
			merged = trending
		}
		return trim(dedupNotes(merged), limit), nil
	})
}

// TrendingAdapter fetches globally hot notes from the recent window.
type TrendingAdapter struct {
	notes NoteService
	clk   clock.Clock
	cb    *gobreaker.CircuitBreaker
}

// NewTrendingAdapter wires the adapter with its own breaker.
func NewTrendingAdapter(notes NoteService, clk clock.Clock) *TrendingAdapter {
	return &TrendingAdapter{notes: notes, clk: clk, cb: newBreaker("source_trending")}
}

func (a *TrendingAdapter) Source() timeline.Source { return timeline.SourceTrending }

func (a *TrendingAdapter) GetContent(ctx context.Context, _ string, _ timeline.Config, since time.Time, limit int) ([]note.Note, error) {
	return execute(a.cb, func() ([]note.Note, error) {
		// Trending only looks at the hot window even when the slate accepts
		// older content.
		window := a.clk.Now().Add(-trendingWindow)
		if window.After(since) {
			since = window
		}
		notes, err := retryOnce(ctx, func() ([]note.Note, error) {
			return a.notes.GetTrending(ctx, since, limit)
		})
		if err != nil {
			return nil, fmt.Errorf("trending: %w", err)
		}
		return trim(notes, limit), nil
	})
}

// ListsAdapter fetches recent notes from the members of the viewer's curated
// lists.
type ListsAdapter struct {
	notes NoteService
	lists ListService
	cb    *gobreaker.CircuitBreaker
}

// NewListsAdapter wires the adapter with its own breaker.
func NewListsAdapter(notes NoteService, lists ListService) *ListsAdapter {
	return &ListsAdapter{notes: notes, lists: lists, cb: newBreaker("source_lists")}
}

func (a *ListsAdapter) Source() timeline.Source { return timeline.SourceLists }

func (a *ListsAdapter) GetContent(ctx context.Context, viewerID string, _ timeline.Config, since time.Time, limit int) ([]note.Note, error) {
	return execute(a.cb, func() ([]note.Note, error) {
		members, err := a.lists.GetListMembers(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("resolve list members: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}
		notes, err := retryOnce(ctx, func() ([]note.Note, error) {
			return a.notes.GetRecentByAuthors(ctx, members, since, limit)
		})
		if err != nil {
			return nil, fmt.Errorf("recent by list members: %w", err)
		}
		return trim(notes, limit), nil
	})
}
