package timeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/note"
	"github.com/sonet-app/timeline/internal/ratelimit"
)

type memCache struct {
	slates   map[string][]SlateItem
	profiles map[string]*EngagementProfile
	lastRead map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{
		slates:   make(map[string][]SlateItem),
		profiles: make(map[string]*EngagementProfile),
		lastRead: make(map[string]time.Time),
	}
}

func (m *memCache) GetSlate(_ context.Context, viewerID string) ([]SlateItem, bool, error) {
	s, ok := m.slates[viewerID]
	return s, ok, nil
}

func (m *memCache) SetSlate(_ context.Context, viewerID string, items []SlateItem, _ time.Duration) error {
	m.slates[viewerID] = items
	return nil
}

func (m *memCache) InvalidateSlate(_ context.Context, viewerID string) error {
	delete(m.slates, viewerID)
	return nil
}

func (m *memCache) GetProfile(_ context.Context, viewerID string) (*EngagementProfile, bool, error) {
	p, ok := m.profiles[viewerID]
	return p, ok, nil
}

func (m *memCache) SetProfile(_ context.Context, p *EngagementProfile, _ time.Duration) error {
	m.profiles[p.ViewerID] = p
	return nil
}

func (m *memCache) GetLastRead(_ context.Context, viewerID string) (time.Time, bool, error) {
	t, ok := m.lastRead[viewerID]
	return t, ok, nil
}

func (m *memCache) SetLastRead(_ context.Context, viewerID string, t time.Time) error {
	m.lastRead[viewerID] = t
	return nil
}

type memPrefs struct {
	prefs map[string]Preferences
}

func newMemPrefs() *memPrefs { return &memPrefs{prefs: make(map[string]Preferences)} }

func (m *memPrefs) Get(_ context.Context, viewerID string) (*Preferences, error) {
	if p, ok := m.prefs[viewerID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *memPrefs) Set(_ context.Context, viewerID string, p Preferences) error {
	m.prefs[viewerID] = p
	return nil
}

type stubSink struct {
	events []Event
	full   bool
}

func (s *stubSink) Enqueue(ev Event) bool {
	if s.full {
		return false
	}
	s.events = append(s.events, ev)
	return true
}

type stubOverdrive struct {
	ranked []RankedID
	err    error
	calls  int
}

func (o *stubOverdrive) RankForYou(context.Context, string, []string, int) ([]RankedID, error) {
	o.calls++
	return o.ranked, o.err
}

type stubPublisher struct {
	mu      sync.Mutex
	updates map[string][]Update
}

func newStubPublisher() *stubPublisher {
	return &stubPublisher{updates: make(map[string][]Update)}
}

func (p *stubPublisher) Publish(viewerID string, upd Update) {
	p.mu.Lock()
	p.updates[viewerID] = append(p.updates[viewerID], upd)
	p.mu.Unlock()
}

func (p *stubPublisher) sent(viewerID string) []Update {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updates[viewerID]
}

type svcFixture struct {
	svc    *Service
	cache  *memCache
	prefs  *memPrefs
	sink   *stubSink
	over   *stubOverdrive
	pub    *stubPublisher
	clk    *clock.Fake
	builds int
}

func newFixture(adapters map[Source]SourceAdapter, graph FollowGraph, authToken string) *svcFixture {
	clk := clock.NewFake(asmNow)
	cache := newMemCache()
	prefs := newMemPrefs()
	sink := &stubSink{}
	over := &stubOverdrive{}
	pub := newStubPublisher()
	engine := NewEngine()
	asm := NewAssembler(adapters, NewContentFilter(), engine, graph, clk, time.Second)
	f := &svcFixture{cache: cache, prefs: prefs, sink: sink, over: over, pub: pub, clk: clk}
	f.svc = NewService(
		ServiceConfig{
			Defaults:     DefaultConfig(),
			AuthToken:    authToken,
			OnSlateBuild: func(time.Duration) { f.builds++ },
		},
		ServiceDeps{
			Cache:     cache,
			Prefs:     prefs,
			Assembler: asm,
			Ranker:    engine,
			Events:    sink,
			Publisher: pub,
			Limiter:   ratelimit.New(1000, clk),
			Overdrive: over,
			Notes:     nil,
			Follows:   graph,
			Clock:     clk,
		},
	)
	return f
}

func selfMeta(viewer string) Metadata { return Metadata{CallerID: viewer} }

func fiveNoteAdapters() map[Source]SourceAdapter {
	notes := []note.Note{
		asmNote("n1", "a1", 10*time.Minute),
		asmNote("n2", "a2", 20*time.Minute),
		asmNote("n3", "a3", 30*time.Minute),
		asmNote("n4", "a4", 40*time.Minute),
		asmNote("n5", "a5", 50*time.Minute),
	}
	return map[Source]SourceAdapter{
		SourceFollowing: &stubAdapter{source: SourceFollowing, notes: notes},
	}
}

func TestGetTimelineAuthorization(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")

	_, err := f.svc.GetTimeline(context.Background(), GetTimelineRequest{
		ViewerID: "viewer",
		Meta:     Metadata{CallerID: "someone-else"},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.GetTimeline(context.Background(), GetTimelineRequest{
		ViewerID: "viewer",
		Meta:     Metadata{CallerID: "ops", Admin: true},
	})
	assert.NoError(t, err, "admins may read any viewer's timeline")

	_, err = f.svc.GetTimeline(context.Background(), GetTimelineRequest{ViewerID: "viewer"})
	assert.NoError(t, err, "absent caller identity passes; only a mismatched one is rejected")
}

func TestGetTimelineAuthToken(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "secret")

	_, err := f.svc.GetTimeline(context.Background(), GetTimelineRequest{
		ViewerID: "viewer",
		Meta:     Metadata{CallerID: "viewer", AuthToken: "wrong"},
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.svc.GetTimeline(context.Background(), GetTimelineRequest{
		ViewerID: "viewer",
		Meta:     Metadata{CallerID: "viewer", AuthToken: "secret"},
	})
	assert.NoError(t, err)
}

func TestGetTimelineRateLimited(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	req := GetTimelineRequest{ViewerID: "viewer", Meta: selfMeta("viewer")}

	// Exhaust the bucket with a tiny per-call override, then verify the
	// sentinel comes back.
	req.Meta.Overrides.RateRPM = 1
	_, err := f.svc.GetTimeline(context.Background(), req)
	require.NoError(t, err)
	_, err = f.svc.GetTimeline(context.Background(), req)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestGetTimelineCachesAndServesSlate(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	req := GetTimelineRequest{ViewerID: "viewer", Meta: selfMeta("viewer")}

	first, err := f.svc.GetTimeline(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Meta.CacheHit)
	require.NotEmpty(t, first.Items)

	second, err := f.svc.GetTimeline(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Meta.CacheHit)
	assert.Equal(t, first.Meta.TotalItems, second.Meta.TotalItems)
}

func TestGetTimelineExplicitAlgorithmBypassesCache(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	req := GetTimelineRequest{ViewerID: "viewer", Meta: selfMeta("viewer")}

	_, err := f.svc.GetTimeline(context.Background(), req)
	require.NoError(t, err)

	req.Algorithm = AlgorithmChronological
	res, err := f.svc.GetTimeline(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Meta.CacheHit)
	assert.Equal(t, AlgorithmChronological, res.Meta.Algorithm)
	// Chronological order by construction of the fixture notes.
	require.NotEmpty(t, res.Items)
	assert.Equal(t, "n1", res.Items[0].Note.ID)
}

func TestPaginationBoundaries(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	base := GetTimelineRequest{ViewerID: "viewer", Meta: selfMeta("viewer")}

	tests := []struct {
		name       string
		page       Pagination
		wantLen    int
		wantNext   bool
		wantOffset int
	}{
		{name: "default limit covers all", page: Pagination{}, wantLen: 5, wantNext: false, wantOffset: 5},
		{name: "window in the middle", page: Pagination{Offset: 1, Limit: 2}, wantLen: 2, wantNext: true, wantOffset: 3},
		{name: "offset at the end", page: Pagination{Offset: 5, Limit: 2}, wantLen: 0, wantNext: false, wantOffset: 5},
		{name: "offset beyond the end clamps", page: Pagination{Offset: 50, Limit: 2}, wantLen: 0, wantNext: false, wantOffset: 5},
		{name: "negative offset clamps to zero", page: Pagination{Offset: -3, Limit: 2}, wantLen: 2, wantNext: true, wantOffset: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			req.Page = tt.page
			res, err := f.svc.GetTimeline(context.Background(), req)
			require.NoError(t, err)
			assert.Len(t, res.Items, tt.wantLen)
			assert.Equal(t, tt.wantNext, res.HasNext)
			assert.Equal(t, tt.wantOffset, res.NextOffset)
		})
	}
}

func TestSignalsHiddenUnlessRequested(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")

	res, err := f.svc.GetTimeline(context.Background(), GetTimelineRequest{
		ViewerID: "viewer", Meta: selfMeta("viewer"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Nil(t, res.Items[0].Signals)

	f2 := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	res, err = f2.svc.GetTimeline(context.Background(), GetTimelineRequest{
		ViewerID: "viewer", Meta: selfMeta("viewer"), IncludeSignals: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.NotNil(t, res.Items[0].Signals)
}

func TestMarkTimelineReadMonotonic(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	ctx := context.Background()
	meta := selfMeta("viewer")

	t1 := asmNow.Add(-time.Hour)
	got, err := f.svc.MarkTimelineRead(ctx, "viewer", t1, meta)
	require.NoError(t, err)
	assert.True(t, got.Equal(t1))

	// An older timestamp never moves the position backwards.
	older := asmNow.Add(-2 * time.Hour)
	got, err = f.svc.MarkTimelineRead(ctx, "viewer", older, meta)
	require.NoError(t, err)
	assert.True(t, got.Equal(t1))

	newer := asmNow.Add(-time.Minute)
	got, err = f.svc.MarkTimelineRead(ctx, "viewer", newer, meta)
	require.NoError(t, err)
	assert.True(t, got.Equal(newer))
}

func TestPreferencesRoundTripAndValidation(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	ctx := context.Background()
	meta := selfMeta("viewer")

	err := f.svc.UpdatePreferences(ctx, "viewer", Preferences{Algorithm: "nope"}, meta)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	err = f.svc.UpdatePreferences(ctx, "viewer", Preferences{MaxItems: 10_000}, meta)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	want := Preferences{Algorithm: AlgorithmChronological, MaxItems: 30}
	require.NoError(t, f.svc.UpdatePreferences(ctx, "viewer", want, meta))

	got, err := f.svc.GetPreferences(ctx, "viewer", meta)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmChronological, got.Algorithm)
	assert.Equal(t, 30, got.MaxItems)

	// Absent preferences come back as service defaults.
	d, err := f.svc.GetPreferences(ctx, "someone", Metadata{CallerID: "someone"})
	require.NoError(t, err)
	assert.Equal(t, AlgorithmHybrid, d.Algorithm)
	assert.Equal(t, 50, d.MaxItems)
}

func TestRecordEngagementLearnsAndSaturates(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	ctx := context.Background()

	req := EngagementRequest{
		ViewerID: "viewer",
		NoteID:   "n1",
		AuthorID: "a1",
		Action:   ActionLike,
		Hashtags: []string{"gardening"},
		Meta:     selfMeta("viewer"),
	}
	for i := 0; i < 30; i++ {
		require.NoError(t, f.svc.RecordEngagement(ctx, req))
	}

	profile := f.cache.profiles["viewer"]
	require.NotNil(t, profile)
	assert.InDelta(t, 1.0, profile.AuthorAffinity["a1"], 1e-9, "affinity saturates at 1")
	assert.InDelta(t, 1.0, profile.HashtagInterests["gardening"], 1e-9)
	assert.InDelta(t, 30, profile.DailyEngagement, 1e-9)

	err := f.svc.RecordEngagement(ctx, EngagementRequest{
		ViewerID: "viewer", NoteID: "n1", Action: "teleport", Meta: selfMeta("viewer"),
	})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMuteAuthorRemovesFromSlate(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	ctx := context.Background()
	meta := selfMeta("viewer")

	require.NoError(t, f.svc.MuteAuthor(ctx, "viewer", "a1", meta))

	res, err := f.svc.GetFollowingTimeline(ctx, GetTimelineRequest{ViewerID: "viewer", Meta: meta})
	require.NoError(t, err)
	for _, it := range res.Items {
		assert.NotEqual(t, "a1", it.Note.AuthorID)
	}

	require.NoError(t, f.svc.UnmuteAuthor(ctx, "viewer", "a1", meta))
	res, err = f.svc.GetFollowingTimeline(ctx, GetTimelineRequest{ViewerID: "viewer", Meta: meta})
	require.NoError(t, err)
	found := false
	for _, it := range res.Items {
		if it.Note.AuthorID == "a1" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestForYouOverdriveReplacesScores(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	f.over.ranked = []RankedID{
		{NoteID: "n5", Score: 0.99},
		{NoteID: "n1", Score: 0.01},
	}

	use := true
	req := GetTimelineRequest{
		ViewerID: "viewer",
		Meta:     Metadata{CallerID: "viewer", Overrides: Overrides{UseOverdrive: &use}},
	}
	res, err := f.svc.GetForYouTimeline(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Items)
	assert.Equal(t, 1, f.over.calls)
	assert.Equal(t, "n5", res.Items[0].Note.ID)
	assert.Equal(t, "overdrive", res.Items[0].Reason)
}

func TestForYouOverdriveFailureKeepsHeuristicOrder(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	f.over.err = context.DeadlineExceeded

	use := true
	req := GetTimelineRequest{
		ViewerID: "viewer",
		Meta:     Metadata{CallerID: "viewer", Overrides: Overrides{UseOverdrive: &use}},
	}
	res, err := f.svc.GetForYouTimeline(context.Background(), req)
	require.NoError(t, err, "overdrive failure never fails the request")
	assert.NotEmpty(t, res.Items)
}

func TestRefreshReportsNewItems(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")

	res, err := f.svc.RefreshTimeline(context.Background(), RefreshRequest{
		ViewerID: "viewer",
		Since:    asmNow.Add(-25 * time.Minute),
		Meta:     selfMeta("viewer"),
	})
	require.NoError(t, err)
	// n1 (10m) and n2 (20m) are newer than the since mark.
	assert.Equal(t, 2, res.NewCount)

	// Live subscribers hear about the delta.
	updates := f.pub.sent("viewer")
	require.Len(t, updates, 1)
	assert.Equal(t, UpdateRefresh, updates[0].Kind)
}

func TestRefreshWithoutNewItemsStaysQuiet(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")

	res, err := f.svc.RefreshTimeline(context.Background(), RefreshRequest{
		ViewerID: "viewer",
		Since:    asmNow,
		Meta:     selfMeta("viewer"),
	})
	require.NoError(t, err)
	assert.Zero(t, res.NewCount)
	assert.Empty(t, f.pub.sent("viewer"))
}

func TestSlateBuildObserverFiresOnMiss(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")
	req := GetTimelineRequest{ViewerID: "viewer", Meta: selfMeta("viewer")}

	_, err := f.svc.GetTimeline(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.builds)

	// The cached second read does not rebuild.
	_, err = f.svc.GetTimeline(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, f.builds)
}

func TestNotifyEnqueuesFanoutEvents(t *testing.T) {
	f := newFixture(fiveNoteAdapters(), &stubGraph{}, "")

	n := asmNote("fresh", "author", 0)
	assert.True(t, f.svc.NotifyNoteCreated(n))
	assert.True(t, f.svc.NotifyNoteDeleted("gone", "author"))
	assert.True(t, f.svc.NotifyFollowChanged("follower", "author", true))

	require.Len(t, f.sink.events, 3)
	assert.Equal(t, EventNoteCreated, f.sink.events[0].Kind)
	assert.Equal(t, EventNoteDeleted, f.sink.events[1].Kind)
	assert.Equal(t, EventFollowChanged, f.sink.events[2].Kind)

	f.sink.full = true
	assert.False(t, f.svc.NotifyNoteCreated(n), "saturated queue reports the drop")
}
