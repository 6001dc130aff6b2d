// Package sources holds the candidate source adapters and the clients for
// the note service and follow graph they sit on.
package sources

import (
	"context"
	"time"

	"github.com/sonet-app/timeline/internal/note"
	"github.com/sonet-app/timeline/internal/timeline"
)

// NoteService is the upstream content store. Implementations return at most
// limit notes newer than since, newest first.
type NoteService interface {
	GetRecentByAuthors(ctx context.Context, authorIDs []string, since time.Time, limit int) ([]note.Note, error)
	GetRecentByInterests(ctx context.Context, hashtags []string, since time.Time, limit int) ([]note.Note, error)
	GetTrending(ctx context.Context, since time.Time, limit int) ([]note.Note, error)
}

// FollowGraph resolves social edges.
type FollowGraph interface {
	GetFollowing(ctx context.Context, userID string) ([]string, error)
	GetFollowers(ctx context.Context, userID string) ([]string, error)
}

// ListService resolves the members of a viewer's curated lists.
type ListService interface {
	GetListMembers(ctx context.Context, viewerID string) ([]string, error)
}

// ProfileSource reads the cached engagement profile the recommended adapter
// personalizes from.
type ProfileSource interface {
	GetProfile(ctx context.Context, viewerID string) (*timeline.EngagementProfile, bool, error)
}

// trim bounds a batch to limit, keeping the newest-first head.
func trim(notes []note.Note, limit int) []note.Note {
	if limit > 0 && len(notes) > limit {
		return notes[:limit]
	}
	return notes
}

// dedupNotes drops repeated note IDs, keeping the first occurrence.
func dedupNotes(notes []note.Note) []note.Note {
	seen := make(map[string]struct{}, len(notes))
	out := notes[:0]
	for _, n := range notes {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}
