package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/note"
	"github.com/sonet-app/timeline/internal/timeline"
)

var cacheNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func sampleSlate() []timeline.SlateItem {
	return []timeline.SlateItem{
		{
			Note: note.Note{
				ID:        "n1",
				AuthorID:  "author-1",
				CreatedAt: cacheNow.Add(-time.Hour),
				Content:   "cached note",
			},
			Score:      0.42,
			Source:     timeline.SourceFollowing,
			Reason:     "from_followed",
			InjectedAt: cacheNow,
		},
		{
			Note: note.Note{
				ID:        "n2",
				AuthorID:  "author-2",
				CreatedAt: cacheNow.Add(-2 * time.Hour),
				Content:   "another cached note",
			},
			Score:      0.31,
			Source:     timeline.SourceTrending,
			Reason:     "trending_now",
			InjectedAt: cacheNow,
		},
	}
}

func TestSlateRoundTripThroughRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	clk := clock.NewFake(cacheNow)
	store := New(db, clk, 100, Hooks{})
	ctx := context.Background()

	items := sampleSlate()
	data, err := json.Marshal(items)
	require.NoError(t, err)

	mock.ExpectSet("slate:viewer", data, time.Minute).SetVal("OK")
	mock.ExpectSAdd("followers:author-1", "viewer").SetVal(1)
	mock.ExpectExpire("followers:author-1", 2*time.Minute).SetVal(true)
	mock.ExpectSAdd("followers:author-2", "viewer").SetVal(1)
	mock.ExpectExpire("followers:author-2", 2*time.Minute).SetVal(true)

	require.NoError(t, store.SetSlate(ctx, "viewer", items, time.Minute))

	mock.ExpectGet("slate:viewer").SetVal(string(data))
	got, found, err := store.GetSlate(ctx, "viewer")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got, 2)
	assert.Equal(t, "n1", got[0].Note.ID)
	assert.Equal(t, timeline.SourceFollowing, got[0].Source)
	assert.InDelta(t, 0.42, got[0].Score, 1e-9)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisMissReportsMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	hits, misses := 0, 0
	store := New(db, clock.NewFake(cacheNow), 100, Hooks{
		Hit:  func() { hits++ },
		Miss: func() { misses++ },
	})

	mock.ExpectGet("slate:viewer").RedisNil()
	_, found, err := store.GetSlate(context.Background(), "viewer")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, hits)
	assert.Equal(t, 1, misses)
}

func TestRedisFailureFallsBackToLocalTier(t *testing.T) {
	db, mock := redismock.NewClientMock()
	clk := clock.NewFake(cacheNow)
	store := New(db, clk, 100, Hooks{})
	ctx := context.Background()

	items := sampleSlate()
	data, _ := json.Marshal(items)

	// Redis write fails; the local tier still takes the slate.
	mock.ExpectSet("slate:viewer", data, time.Minute).SetErr(errors.New("connection refused"))
	mock.ExpectSAdd("followers:author-1", "viewer").SetErr(errors.New("connection refused"))
	mock.ExpectSAdd("followers:author-2", "viewer").SetErr(errors.New("connection refused"))
	require.NoError(t, store.SetSlate(ctx, "viewer", items, time.Minute))

	// Redis read fails; the local tier serves.
	mock.ExpectGet("slate:viewer").SetErr(errors.New("connection refused"))
	got, found, err := store.GetSlate(ctx, "viewer")
	require.NoError(t, err)
	require.True(t, found)
	assert.Len(t, got, 2)
}

func TestLocalTierHonorsTTL(t *testing.T) {
	clk := clock.NewFake(cacheNow)
	store := New(nil, clk, 100, Hooks{})
	ctx := context.Background()

	require.NoError(t, store.SetSlate(ctx, "viewer", sampleSlate(), time.Minute))

	_, found, err := store.GetSlate(ctx, "viewer")
	require.NoError(t, err)
	assert.True(t, found)

	clk.Advance(2 * time.Minute)
	_, found, err = store.GetSlate(ctx, "viewer")
	require.NoError(t, err)
	assert.False(t, found, "expired entries are not served")
}

func TestLocalTierBounded(t *testing.T) {
	clk := clock.NewFake(cacheNow)
	store := New(nil, clk, 2, Hooks{})
	ctx := context.Background()

	require.NoError(t, store.SetLastRead(ctx, "a", cacheNow))
	require.NoError(t, store.SetLastRead(ctx, "b", cacheNow))
	require.NoError(t, store.SetLastRead(ctx, "c", cacheNow))

	store.mu.Lock()
	size := len(store.local)
	store.mu.Unlock()
	assert.LessOrEqual(t, size, 2, "local tier never exceeds its bound")
}

func TestInvalidateAuthorSlatesLocal(t *testing.T) {
	clk := clock.NewFake(cacheNow)
	store := New(nil, clk, 100, Hooks{})
	ctx := context.Background()

	withAuthor := sampleSlate()
	without := []timeline.SlateItem{
		{
			Note:   note.Note{ID: "x1", AuthorID: "other", CreatedAt: cacheNow},
			Score:  0.5,
			Source: timeline.SourceLists,
		},
	}
	require.NoError(t, store.SetSlate(ctx, "v1", withAuthor, time.Minute))
	require.NoError(t, store.SetSlate(ctx, "v2", without, time.Minute))

	require.NoError(t, store.InvalidateAuthorSlates(ctx, "author-1"))

	_, found, _ := store.GetSlate(ctx, "v1")
	assert.False(t, found, "slates containing the author are dropped")
	_, found, _ = store.GetSlate(ctx, "v2")
	assert.True(t, found, "unrelated slates survive")
}

func TestProfileAndLastReadRoundTrip(t *testing.T) {
	clk := clock.NewFake(cacheNow)
	store := New(nil, clk, 100, Hooks{})
	ctx := context.Background()

	p := timeline.NewEngagementProfile("viewer", cacheNow)
	p.AuthorAffinity["a1"] = 0.35
	p.HashtagInterests["go"] = 0.2
	p.MuteAuthor("spammer")

	require.NoError(t, store.SetProfile(ctx, p, time.Hour))
	got, found, err := store.GetProfile(ctx, "viewer")
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 0.35, got.AuthorAffinity["a1"], 1e-9)
	assert.InDelta(t, 0.2, got.HashtagInterests["go"], 1e-9)
	assert.True(t, got.IsMutedAuthor("spammer"))

	mark := cacheNow.Add(-time.Hour)
	require.NoError(t, store.SetLastRead(ctx, "viewer", mark))
	ts, found, err := store.GetLastRead(ctx, "viewer")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ts.Equal(mark))
}
