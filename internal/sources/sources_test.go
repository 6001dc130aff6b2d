package sources

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/note"
	"github.com/sonet-app/timeline/internal/timeline"
)

var srcNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeNotes struct {
	byAuthors   []note.Note
	byInterests []note.Note
	trending    []note.Note
	err         error

	authorCalls   int
	interestCalls int
	trendingCalls int
	gotAuthors    []string
	gotTags       []string
	gotSince      time.Time
}

func (f *fakeNotes) GetRecentByAuthors(_ context.Context, authorIDs []string, since time.Time, limit int) ([]note.Note, error) {
	f.authorCalls++
	f.gotAuthors = authorIDs
	if f.err != nil {
		return nil, f.err
	}
	return trim(f.byAuthors, limit), nil
}

func (f *fakeNotes) GetRecentByInterests(_ context.Context, hashtags []string, since time.Time, limit int) ([]note.Note, error) {
	f.interestCalls++
	f.gotTags = hashtags
	if f.err != nil {
		return nil, f.err
	}
	return trim(f.byInterests, limit), nil
}

func (f *fakeNotes) GetTrending(_ context.Context, since time.Time, limit int) ([]note.Note, error) {
	f.trendingCalls++
	f.gotSince = since
	if f.err != nil {
		return nil, f.err
	}
	return trim(f.trending, limit), nil
}

type fakeGraph struct {
	following map[string][]string
	followers map[string][]string
	err       error
	calls     int
}

func (f *fakeGraph) GetFollowing(_ context.Context, userID string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.following[userID], nil
}

func (f *fakeGraph) GetFollowers(_ context.Context, userID string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.followers[userID], nil
}

func srcNote(id, author string, age time.Duration) note.Note {
	return note.Note{ID: id, AuthorID: author, CreatedAt: srcNow.Add(-age), Content: "note"}
}

func TestFollowingAdapterFetchesFollowedAuthors(t *testing.T) {
	notes := &fakeNotes{byAuthors: []note.Note{
		srcNote("n1", "friend", time.Hour),
		srcNote("n2", "friend", 2 * time.Hour),
	}}
	graph := &fakeGraph{following: map[string][]string{"viewer": {"friend", "pal"}}}
	a := NewFollowingAdapter(notes, graph)

	got, err := a.GetContent(context.Background(), "viewer", timeline.DefaultConfig(), srcNow.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"friend", "pal"}, notes.gotAuthors)
}

func TestFollowingAdapterEmptyGraphYieldsNothing(t *testing.T) {
	notes := &fakeNotes{}
	graph := &fakeGraph{}
	a := NewFollowingAdapter(notes, graph)

	got, err := a.GetContent(context.Background(), "viewer", timeline.DefaultConfig(), srcNow, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, 0, notes.authorCalls, "no authors, no fetch")
}

func TestFollowingAdapterTrimsToLimit(t *testing.T) {
	var batch []note.Note
	for i := 0; i < 30; i++ {
		batch = append(batch, srcNote("n"+string(rune('a'+i)), "friend", time.Duration(i)*time.Minute))
	}
	notes := &fakeNotes{byAuthors: batch}
	graph := &fakeGraph{following: map[string][]string{"viewer": {"friend"}}}
	a := NewFollowingAdapter(notes, graph)

	got, err := a.GetContent(context.Background(), "viewer", timeline.DefaultConfig(), srcNow, 5)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

type fakeProfiles struct {
	profile *timeline.EngagementProfile
}

func (f *fakeProfiles) GetProfile(context.Context, string) (*timeline.EngagementProfile, bool, error) {
	if f.profile == nil {
		return nil, false, nil
	}
	return f.profile, true, nil
}

func TestRecommendedAdapterUsesInterestsAndAffinity(t *testing.T) {
	p := timeline.NewEngagementProfile("viewer", srcNow)
	p.HashtagInterests["go"] = 0.9
	p.HashtagInterests["cats"] = 0.5
	p.AuthorAffinity["writer"] = 0.8

	notes := &fakeNotes{
		byInterests: []note.Note{srcNote("i1", "x", time.Hour)},
		byAuthors:   []note.Note{srcNote("a1", "writer", time.Hour)},
	}
	a := NewRecommendedAdapter(notes, &fakeProfiles{profile: p})

	got, err := a.GetContent(context.Background(), "viewer", timeline.DefaultConfig(), srcNow.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"go", "cats"}, notes.gotTags, "interests ordered by score")
	assert.Equal(t, 0, notes.trendingCalls)
}

func TestRecommendedAdapterColdStartFallsBackToTrending(t *testing.T) {
	notes := &fakeNotes{trending: []note.Note{srcNote("t1", "celeb", time.Hour)}}
	a := NewRecommendedAdapter(notes, &fakeProfiles{})

	got, err := a.GetContent(context.Background(), "viewer", timeline.DefaultConfig(), srcNow, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t1", got[0].ID)
}

func TestTrendingAdapterNarrowsWindow(t *testing.T) {
	notes := &fakeNotes{trending: []note.Note{srcNote("t1", "celeb", time.Hour)}}
	a := NewTrendingAdapter(notes, clock.NewFake(srcNow))

	_, err := a.GetContent(context.Background(), "viewer", timeline.DefaultConfig(), srcNow.Add(-24*time.Hour), 10)
	require.NoError(t, err)
	assert.True(t, notes.gotSince.Equal(srcNow.Add(-trendingWindow)),
		"a wide since is narrowed to the hot window")

	// A since inside the window is kept as-is.
	narrow := srcNow.Add(-time.Hour)
	_, err = a.GetContent(context.Background(), "viewer", timeline.DefaultConfig(), narrow, 10)
	require.NoError(t, err)
	assert.True(t, notes.gotSince.Equal(narrow))
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	notes := &fakeNotes{err: errors.New("upstream down")}
	graph := &fakeGraph{following: map[string][]string{"viewer": {"friend"}}}
	a := NewFollowingAdapter(notes, graph)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := a.GetContent(ctx, "viewer", timeline.DefaultConfig(), srcNow, 10)
		require.Error(t, err)
	}
	callsBefore := notes.authorCalls

	_, err := a.GetContent(ctx, "viewer", timeline.DefaultConfig(), srcNow, 10)
	require.Error(t, err)
	assert.Equal(t, callsBefore, notes.authorCalls, "open breaker short-circuits the upstream call")
}

func TestCachedFollowGraphTTL(t *testing.T) {
	clk := clock.NewFake(srcNow)
	inner := &fakeGraph{following: map[string][]string{"viewer": {"a", "b"}}}
	c := NewCachedFollowGraph(inner, clk)
	ctx := context.Background()

	got, err := c.GetFollowing(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	_, err = c.GetFollowing(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls, "second lookup is served from cache")

	clk.Advance(followingTTL + time.Second)
	_, err = c.GetFollowing(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls, "expired entry refetches")

	c.Invalidate("viewer")
	_, err = c.GetFollowing(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls, "invalidation forces a refetch")
}
