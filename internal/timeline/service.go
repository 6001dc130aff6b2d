package timeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/note"
	"github.com/sonet-app/timeline/internal/ratelimit"
)

// TimelineVersion tags responses so clients can detect format changes.
const TimelineVersion = "v1.0"

const (
	defaultPageLimit   = 20
	defaultSlateTTL    = 5 * time.Minute
	defaultProfileTTL  = time.Hour
	defaultRefreshSpan = 2 * time.Hour
)

// Metadata is the per-request caller context parsed at the transport edge.
type Metadata struct {
	CallerID  string
	Admin     bool
	AuthToken string
	Overrides Overrides
}

// Pagination selects a window of the assembled slate.
type Pagination struct {
	Offset int
	Limit  int
}

// SlateMeta describes the slate a response was cut from.
type SlateMeta struct {
	TotalItems             int                `json:"total_items"`
	Algorithm              Algorithm          `json:"algorithm_used"`
	Version                string             `json:"timeline_version"`
	GeneratedAt            time.Time          `json:"last_updated"`
	LastReadAt             *time.Time         `json:"last_read_at,omitempty"`
	NewItemsSinceLastFetch int                `json:"new_items_since_last_fetch"`
	Degraded               []Source           `json:"degraded_sources,omitempty"`
	AlgorithmParams        map[string]float64 `json:"algorithm_params,omitempty"`
	CacheHit               bool               `json:"cache_hit"`
}

// TimelineResponse is one page of a slate plus its metadata.
type TimelineResponse struct {
	Items      []SlateItem `json:"items"`
	Meta       SlateMeta   `json:"metadata"`
	HasNext    bool        `json:"has_next"`
	NextOffset int         `json:"next_offset"`
}

// GetTimelineRequest fetches the viewer's home slate.
type GetTimelineRequest struct {
	ViewerID       string
	Algorithm      Algorithm
	Page           Pagination
	IncludeSignals bool
	Meta           Metadata
}

// UserTimelineRequest fetches one author's notes as seen by the caller.
type UserTimelineRequest struct {
	TargetID       string
	Page           Pagination
	IncludeReplies bool
	IncludeReposts bool
	Meta           Metadata
}

// RefreshRequest forces a rebuild and reports what is new since a point in
// time.
type RefreshRequest struct {
	ViewerID string
	Since    time.Time
	MaxItems int
	Meta     Metadata
}

// RefreshResponse carries the rebuilt slate head.
type RefreshResponse struct {
	Items    []SlateItem `json:"items"`
	NewCount int         `json:"new_count"`
	Degraded []Source    `json:"degraded_sources,omitempty"`
}

// EngagementRequest records one viewer action for personalization learning.
type EngagementRequest struct {
	ViewerID   string
	NoteID     string
	AuthorID   string
	Action     EngagementAction
	Hashtags   []string
	DurationMS int64
	Meta       Metadata
}

// ServiceConfig carries the façade-level knobs.
type ServiceConfig struct {
	Defaults   Config
	SlateTTL   time.Duration
	ProfileTTL time.Duration
	AuthToken  string
	// OnSlateBuild observes the latency of each slate assembly, when set.
	OnSlateBuild func(time.Duration)
}

// ServiceDeps are the collaborators the façade orchestrates.
type ServiceDeps struct {
	Cache     Cache
	Prefs     PreferencesStore
	Assembler *Assembler
	Ranker    Ranker
	Events    EventSink
	Publisher Publisher
	Limiter   *ratelimit.Limiter
	Overdrive Overdrive
	Notes     NoteLister
	Follows   FollowGraph
	Clock     clock.Clock
}

// Service is the timeline façade: every read and write operation enters
// here, behind authorization and rate limiting.
type Service struct {
	cfg  ServiceConfig
	deps ServiceDeps
}

// NewService wires the façade.
func NewService(cfg ServiceConfig, deps ServiceDeps) *Service {
	if cfg.SlateTTL <= 0 {
		cfg.SlateTTL = defaultSlateTTL
	}
	if cfg.ProfileTTL <= 0 {
		cfg.ProfileTTL = defaultProfileTTL
	}
	return &Service{cfg: cfg, deps: deps}
}

// GetTimeline serves the viewer's home slate, cached when possible.
func (s *Service) GetTimeline(ctx context.Context, req GetTimelineRequest) (*TimelineResponse, error) {
	if req.ViewerID == "" {
		return nil, fmt.Errorf("%w: viewer_id required", ErrInvalidArgument)
	}
	if err := s.authorize(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}
	if err := s.admit(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}

	cfg := s.resolveConfig(ctx, req.ViewerID, req.Meta)
	explicitAlgo := ValidAlgorithm(req.Algorithm)
	if explicitAlgo {
		cfg.Algorithm = req.Algorithm
	}

	now := s.deps.Clock.Now()
	var (
		items    []SlateItem
		degraded []Source
		cacheHit bool
	)
	// The home slate is the only cached one; an explicit algorithm override
	// bypasses it so callers always see what they asked for.
	if !explicitAlgo {
		cached, hit, err := s.deps.Cache.GetSlate(ctx, req.ViewerID)
		if err != nil {
			log.Warn().Err(err).Str("viewer_id", req.ViewerID).Msg("slate cache read failed")
		} else if hit && len(cached) > 0 {
			items = cached
			cacheHit = true
		}
	}
	if !cacheHit {
		profile := s.loadProfile(ctx, req.ViewerID)
		res, err := s.build(ctx, req.ViewerID, cfg, profile, now.Add(-cfg.MaxAge()))
		if err != nil {
			return nil, s.internal("get_timeline", err)
		}
		items = res.Items
		degraded = res.Degraded
		if !explicitAlgo {
			if err := s.deps.Cache.SetSlate(ctx, req.ViewerID, items, s.cfg.SlateTTL); err != nil {
				log.Warn().Err(err).Str("viewer_id", req.ViewerID).Msg("slate cache write failed")
			}
		}
	}

	return s.respond(ctx, req.ViewerID, cfg, items, degraded, req.Page, req.IncludeSignals, cacheHit, now), nil
}

// GetForYouTimeline serves the personalized discovery slate. Never cached;
// optionally re-ranked by the external ranker.
func (s *Service) GetForYouTimeline(ctx context.Context, req GetTimelineRequest) (*TimelineResponse, error) {
	if req.ViewerID == "" {
		return nil, fmt.Errorf("%w: viewer_id required", ErrInvalidArgument)
	}
	if err := s.authorize(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}
	if err := s.admit(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}

	cfg := s.resolveConfig(ctx, req.ViewerID, req.Meta).
		ForForYou(req.Meta.Overrides.DiscoveryShare != nil)

	now := s.deps.Clock.Now()
	profile := s.loadProfile(ctx, req.ViewerID)
	res, err := s.build(ctx, req.ViewerID, cfg, profile, now.Add(-cfg.MaxAge()))
	if err != nil {
		return nil, s.internal("get_for_you_timeline", err)
	}
	items := res.Items
	if cfg.UseOverdrive && s.deps.Overdrive != nil {
		items = s.applyOverdrive(ctx, req.ViewerID, items)
	}

	return s.respond(ctx, req.ViewerID, cfg, items, res.Degraded, req.Page, req.IncludeSignals, false, now), nil
}

// GetFollowingTimeline serves the strictly reverse-chronological feed of
// followed authors.
func (s *Service) GetFollowingTimeline(ctx context.Context, req GetTimelineRequest) (*TimelineResponse, error) {
	if req.ViewerID == "" {
		return nil, fmt.Errorf("%w: viewer_id required", ErrInvalidArgument)
	}
	if err := s.authorize(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}
	if err := s.admit(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}

	cfg := s.resolveConfig(ctx, req.ViewerID, req.Meta).ForFollowing()

	now := s.deps.Clock.Now()
	profile := s.loadProfile(ctx, req.ViewerID)
	res, err := s.build(ctx, req.ViewerID, cfg, profile, now.Add(-cfg.MaxAge()))
	if err != nil {
		return nil, s.internal("get_following_timeline", err)
	}

	return s.respond(ctx, req.ViewerID, cfg, res.Items, res.Degraded, req.Page, req.IncludeSignals, false, now), nil
}

// GetUserTimeline serves one author's notes, visibility-filtered for the
// caller, reverse chronological.
func (s *Service) GetUserTimeline(ctx context.Context, req UserTimelineRequest) (*TimelineResponse, error) {
	if req.TargetID == "" {
		return nil, fmt.Errorf("%w: target user_id required", ErrInvalidArgument)
	}
	if err := s.authenticate(req.Meta); err != nil {
		return nil, err
	}
	if err := s.admit(req.Meta.CallerID, req.Meta); err != nil {
		return nil, err
	}

	cfg := s.resolveConfig(ctx, req.Meta.CallerID, req.Meta).ForFollowing()
	now := s.deps.Clock.Now()

	notes, err := s.deps.Notes.RecentByAuthors(ctx, []string{req.TargetID}, now.Add(-cfg.MaxAge()), cfg.Cap(SourceFollowing))
	if err != nil {
		return nil, s.internal("get_user_timeline", err)
	}

	visible := notes[:0]
	for _, n := range notes {
		if !req.IncludeReplies && n.IsReply {
			continue
		}
		if !req.IncludeReposts && n.IsRepost {
			continue
		}
		if s.visibleTo(ctx, n, req.TargetID, req.Meta) {
			visible = append(visible, n)
		}
	}

	cands := make([]Candidate, 0, len(visible))
	for _, n := range visible {
		cands = append(cands, Candidate{Note: n, Source: SourceFollowing})
	}
	items := chronologicalItems(cands, now)

	return s.respond(ctx, req.Meta.CallerID, cfg, items, nil, req.Page, false, false, now), nil
}

// RefreshTimeline invalidates and rebuilds the slate, reporting what is new
// since the given time.
func (s *Service) RefreshTimeline(ctx context.Context, req RefreshRequest) (*RefreshResponse, error) {
	if req.ViewerID == "" {
		return nil, fmt.Errorf("%w: viewer_id required", ErrInvalidArgument)
	}
	if err := s.authorize(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}
	if err := s.admit(req.ViewerID, req.Meta); err != nil {
		return nil, err
	}

	cfg := s.resolveConfig(ctx, req.ViewerID, req.Meta)
	if req.MaxItems > 0 && req.MaxItems < cfg.MaxItems {
		cfg.MaxItems = req.MaxItems
	}
	now := s.deps.Clock.Now()
	since := req.Since
	if since.IsZero() {
		since = now.Add(-defaultRefreshSpan)
	}

	if err := s.deps.Cache.InvalidateSlate(ctx, req.ViewerID); err != nil {
		log.Warn().Err(err).Str("viewer_id", req.ViewerID).Msg("slate invalidation failed")
	}

	profile := s.loadProfile(ctx, req.ViewerID)
	res, err := s.build(ctx, req.ViewerID, cfg, profile, since)
	if err != nil {
		return nil, s.internal("refresh_timeline", err)
	}
	if err := s.deps.Cache.SetSlate(ctx, req.ViewerID, res.Items, s.cfg.SlateTTL); err != nil {
		log.Warn().Err(err).Str("viewer_id", req.ViewerID).Msg("slate cache write failed")
	}

	newCount := 0
	for _, it := range res.Items {
		if it.Note.CreatedAt.After(since) {
			newCount++
		}
	}
	if newCount > 0 && s.deps.Publisher != nil {
		s.deps.Publisher.Publish(req.ViewerID, Update{Kind: UpdateRefresh, Timestamp: now})
	}
	return &RefreshResponse{Items: res.Items, NewCount: newCount, Degraded: res.Degraded}, nil
}

// MarkTimelineRead advances the viewer's read position. Monotonic: an older
// timestamp never moves the position backwards.
func (s *Service) MarkTimelineRead(ctx context.Context, viewerID string, ts time.Time, meta Metadata) (time.Time, error) {
	if viewerID == "" {
		return time.Time{}, fmt.Errorf("%w: viewer_id required", ErrInvalidArgument)
	}
	if err := s.authorize(viewerID, meta); err != nil {
		return time.Time{}, err
	}
	if ts.IsZero() {
		ts = s.deps.Clock.Now()
	}
	current, ok, err := s.deps.Cache.GetLastRead(ctx, viewerID)
	if err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("last-read read failed")
	}
	if ok && !ts.After(current) {
		return current, nil
	}
	if err := s.deps.Cache.SetLastRead(ctx, viewerID, ts); err != nil {
		return time.Time{}, s.internal("mark_timeline_read", err)
	}
	return ts, nil
}

// GetPreferences returns the stored preferences, or the service defaults
// expressed as preferences when nothing is stored.
func (s *Service) GetPreferences(ctx context.Context, viewerID string, meta Metadata) (*Preferences, error) {
	if viewerID == "" {
		return nil, fmt.Errorf("%w: viewer_id required", ErrInvalidArgument)
	}
	if err := s.authorize(viewerID, meta); err != nil {
		return nil, err
	}
	p, err := s.deps.Prefs.Get(ctx, viewerID)
	if err != nil {
		return nil, s.internal("get_preferences", err)
	}
	if p == nil {
		d := s.cfg.Defaults
		p = &Preferences{
			Algorithm:         d.Algorithm,
			MaxItems:          d.MaxItems,
			MaxAgeHours:       d.MaxAgeHours,
			MinScoreThreshold: d.MinScoreThreshold,
			Weights:           d.Weights,
			Mix:               d.Mix,
		}
	}
	return p, nil
}

// maxStoredItems bounds what a viewer may request to keep slate builds
// affordable.
const maxStoredItems = 200

// UpdatePreferences validates and persists preferences, then drops the
// cached slate so the next read reflects them.
func (s *Service) UpdatePreferences(ctx context.Context, viewerID string, p Preferences, meta Metadata) error {
	if viewerID == "" {
		return fmt.Errorf("%w: viewer_id required", ErrInvalidArgument)
	}
	if err := s.authorize(viewerID, meta); err != nil {
		return err
	}
	if p.Algorithm != "" && !ValidAlgorithm(p.Algorithm) {
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidArgument, p.Algorithm)
	}
	if p.MaxItems > maxStoredItems {
		return fmt.Errorf("%w: max_items above %d", ErrInvalidArgument, maxStoredItems)
	}
	p.UpdatedAt = s.deps.Clock.Now()
	if err := s.deps.Prefs.Set(ctx, viewerID, p); err != nil {
		return s.internal("update_preferences", err)
	}
	if err := s.deps.Cache.InvalidateSlate(ctx, viewerID); err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("slate invalidation failed")
	}
	return nil
}

// RecordEngagement feeds one viewer action into personalization learning.
func (s *Service) RecordEngagement(ctx context.Context, req EngagementRequest) error {
	if req.ViewerID == "" || req.NoteID == "" {
		return fmt.Errorf("%w: viewer_id and note_id required", ErrInvalidArgument)
	}
	if err := s.authorize(req.ViewerID, req.Meta); err != nil {
		return err
	}
	switch req.Action {
	case ActionLike, ActionRepost, ActionReply, ActionFollow, ActionView:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidArgument, req.Action)
	}

	now := s.deps.Clock.Now()
	profile := s.loadProfile(ctx, req.ViewerID)

	if req.AuthorID != "" {
		if delta := AffinityDelta(req.Action); delta > 0 {
			profile.AuthorAffinity[req.AuthorID] = clamp01(profile.AuthorAffinity[req.AuthorID] + delta)
		}
		s.deps.Ranker.RecordEngagement(req.ViewerID, req.AuthorID, req.Action)
	}
	for _, tag := range req.Hashtags {
		profile.HashtagInterests[tag] = clamp01(profile.HashtagInterests[tag] + 0.05)
	}
	if AffinityDelta(req.Action) > 0 {
		profile.DailyEngagement++
	}
	profile.LastUpdated = now
	s.saveProfile(ctx, profile)

	log.Debug().
		Str("viewer_id", req.ViewerID).
		Str("note_id", req.NoteID).
		Str("action", string(req.Action)).
		Msg("engagement recorded")
	return nil
}

// MuteAuthor hides an author from the viewer's slates.
func (s *Service) MuteAuthor(ctx context.Context, viewerID, authorID string, meta Metadata) error {
	return s.updateMutes(ctx, viewerID, meta, func(p *EngagementProfile) { p.MuteAuthor(authorID) }, authorID)
}

// UnmuteAuthor reverses MuteAuthor.
func (s *Service) UnmuteAuthor(ctx context.Context, viewerID, authorID string, meta Metadata) error {
	return s.updateMutes(ctx, viewerID, meta, func(p *EngagementProfile) { p.UnmuteAuthor(authorID) }, authorID)
}

// MuteKeyword hides notes containing the keyword from the viewer's slates.
func (s *Service) MuteKeyword(ctx context.Context, viewerID, keyword string, meta Metadata) error {
	return s.updateMutes(ctx, viewerID, meta, func(p *EngagementProfile) { p.MuteKeyword(keyword) }, keyword)
}

// UnmuteKeyword reverses MuteKeyword.
func (s *Service) UnmuteKeyword(ctx context.Context, viewerID, keyword string, meta Metadata) error {
	return s.updateMutes(ctx, viewerID, meta, func(p *EngagementProfile) { p.UnmuteKeyword(keyword) }, keyword)
}

func (s *Service) updateMutes(ctx context.Context, viewerID string, meta Metadata, apply func(*EngagementProfile), value string) error {
	if viewerID == "" || value == "" {
		return fmt.Errorf("%w: viewer_id and value required", ErrInvalidArgument)
	}
	if err := s.authorize(viewerID, meta); err != nil {
		return err
	}
	profile := s.loadProfile(ctx, viewerID)
	apply(profile)
	profile.LastUpdated = s.deps.Clock.Now()
	s.saveProfile(ctx, profile)
	if err := s.deps.Cache.InvalidateSlate(ctx, viewerID); err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("slate invalidation failed")
	}
	return nil
}

// NotifyNoteCreated hands a new note to the fan-out worker. False means the
// queue was saturated and the event dropped.
func (s *Service) NotifyNoteCreated(n note.Note) bool {
	return s.deps.Events.Enqueue(Event{
		Kind:       EventNoteCreated,
		Note:       &n,
		AuthorID:   n.AuthorID,
		EnqueuedAt: s.deps.Clock.Now(),
	})
}

// NotifyNoteUpdated fans out an edit.
func (s *Service) NotifyNoteUpdated(n note.Note) bool {
	return s.deps.Events.Enqueue(Event{
		Kind:       EventNoteUpdated,
		Note:       &n,
		AuthorID:   n.AuthorID,
		EnqueuedAt: s.deps.Clock.Now(),
	})
}

// NotifyNoteDeleted fans out a deletion.
func (s *Service) NotifyNoteDeleted(noteID, authorID string) bool {
	return s.deps.Events.Enqueue(Event{
		Kind:       EventNoteDeleted,
		NoteID:     noteID,
		AuthorID:   authorID,
		EnqueuedAt: s.deps.Clock.Now(),
	})
}

// NotifyFollowChanged invalidates the follower's slate via the worker.
func (s *Service) NotifyFollowChanged(followerID, followeeID string, followed bool) bool {
	return s.deps.Events.Enqueue(Event{
		Kind:       EventFollowChanged,
		AuthorID:   followeeID,
		FollowerID: followerID,
		Followed:   followed,
		EnqueuedAt: s.deps.Clock.Now(),
	})
}

// AuthorizeStream checks that the caller may subscribe to viewerID's live
// updates. Used by the streaming transport before it upgrades the
// connection.
func (s *Service) AuthorizeStream(viewerID string, meta Metadata) error {
	return s.authorize(viewerID, meta)
}

// --- internals ---

// authorize allows a caller to act on viewerID. Only a present, mismatched
// caller identity is rejected; the metadata itself is the trust boundary, so
// an absent caller_id passes.
func (s *Service) authorize(viewerID string, meta Metadata) error {
	if err := s.authenticate(meta); err != nil {
		return err
	}
	if meta.Admin || meta.CallerID == "" || meta.CallerID == viewerID {
		return nil
	}
	return fmt.Errorf("%w: caller %q may not act on %q", ErrUnauthorized, meta.CallerID, viewerID)
}

// authenticate checks the shared token when one is configured.
func (s *Service) authenticate(meta Metadata) error {
	if s.cfg.AuthToken != "" && meta.AuthToken != s.cfg.AuthToken {
		return fmt.Errorf("%w: bad auth token", ErrUnauthorized)
	}
	return nil
}

func (s *Service) admit(key string, meta Metadata) error {
	if s.deps.Limiter == nil {
		return nil
	}
	if !s.deps.Limiter.Allow("tl:"+key, meta.Overrides.RateRPM) {
		return fmt.Errorf("%w: viewer %q", ErrRateLimited, key)
	}
	return nil
}

// build runs the assembler and reports its latency to the configured
// observer.
func (s *Service) build(ctx context.Context, viewerID string, cfg Config, profile *EngagementProfile, since time.Time) (*BuildResult, error) {
	start := s.deps.Clock.Now()
	res, err := s.deps.Assembler.Build(ctx, viewerID, cfg, profile, since)
	if err == nil && s.cfg.OnSlateBuild != nil {
		s.cfg.OnSlateBuild(s.deps.Clock.Since(start))
	}
	return res, err
}

func (s *Service) resolveConfig(ctx context.Context, viewerID string, meta Metadata) Config {
	prefs, err := s.deps.Prefs.Get(ctx, viewerID)
	if err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("preferences unavailable, using defaults")
		prefs = nil
	}
	return ResolveConfig(s.cfg.Defaults, prefs, meta.Overrides)
}

func (s *Service) loadProfile(ctx context.Context, viewerID string) *EngagementProfile {
	p, hit, err := s.deps.Cache.GetProfile(ctx, viewerID)
	if err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("profile read failed")
	}
	if hit && p != nil {
		if p.AuthorAffinity == nil {
			p.AuthorAffinity = make(map[string]float64)
		}
		if p.HashtagInterests == nil {
			p.HashtagInterests = make(map[string]float64)
		}
		return p
	}
	fresh := NewEngagementProfile(viewerID, s.deps.Clock.Now())
	s.saveProfile(ctx, fresh)
	return fresh
}

func (s *Service) saveProfile(ctx context.Context, p *EngagementProfile) {
	if err := s.deps.Cache.SetProfile(ctx, p, s.cfg.ProfileTTL); err != nil {
		log.Warn().Err(err).Str("viewer_id", p.ViewerID).Msg("profile write failed")
	}
}

// visibleTo applies note visibility for the user-timeline read path.
func (s *Service) visibleTo(ctx context.Context, n note.Note, targetID string, meta Metadata) bool {
	switch n.Visibility {
	case "", note.VisibilityPublic:
		return true
	case note.VisibilityFollowers:
		if meta.CallerID == targetID || meta.Admin {
			return true
		}
		following, err := s.deps.Follows.Following(ctx, meta.CallerID)
		if err != nil {
			return false
		}
		for _, id := range following {
			if id == targetID {
				return true
			}
		}
		return false
	default:
		// private / circle: only the author (or an admin) sees these here.
		return meta.CallerID == targetID || meta.Admin
	}
}

// applyOverdrive replaces heuristic scores with the external ranker's and
// stable re-sorts. Any failure keeps the heuristic order.
func (s *Service) applyOverdrive(ctx context.Context, viewerID string, items []SlateItem) []SlateItem {
	if len(items) == 0 {
		return items
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Note.ID)
	}
	ranked, err := s.deps.Overdrive.RankForYou(ctx, viewerID, ids, len(ids))
	if err != nil {
		log.Warn().Err(err).Str("viewer_id", viewerID).Msg("overdrive unavailable, keeping heuristic order")
		return items
	}
	scores := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		scores[r.NoteID] = r.Score
	}
	for i := range items {
		if sc, ok := scores[items[i].Note.ID]; ok {
			items[i].Score = sc
			items[i].Reason = "overdrive"
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })
	return items
}

// respond cuts the requested page and assembles metadata.
func (s *Service) respond(ctx context.Context, viewerID string, cfg Config, items []SlateItem, degraded []Source, page Pagination, includeSignals, cacheHit bool, now time.Time) *TimelineResponse {
	if !includeSignals {
		for i := range items {
			items[i].Signals = nil
		}
	}

	limit := page.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > cfg.MaxItems {
		limit = cfg.MaxItems
	}
	offset := page.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}

	meta := SlateMeta{
		TotalItems:  len(items),
		Algorithm:   cfg.Algorithm,
		Version:     TimelineVersion,
		GeneratedAt: now,
		Degraded:    degraded,
		CacheHit:    cacheHit,
		AlgorithmParams: map[string]float64{
			"recency_weight":         cfg.Weights.Recency,
			"engagement_weight":      cfg.Weights.Engagement,
			"author_affinity_weight": cfg.Weights.AuthorAffinity,
			"content_quality_weight": cfg.Weights.ContentQuality,
			"diversity_weight":       cfg.Weights.Diversity,
			"min_score_threshold":    cfg.MinScoreThreshold,
		},
	}
	if lastRead, ok, err := s.deps.Cache.GetLastRead(ctx, viewerID); err == nil && ok {
		meta.LastReadAt = &lastRead
		for _, it := range items {
			if it.Note.CreatedAt.After(lastRead) {
				meta.NewItemsSinceLastFetch++
			}
		}
	}

	return &TimelineResponse{
		Items:      items[offset:end],
		Meta:       meta,
		HasNext:    end < len(items),
		NextOffset: end,
	}
}

func (s *Service) internal(op string, err error) error {
	id := clock.NewRequestID()
	log.Error().Err(err).Str("op", op).Str("correlation_id", id).Msg("operation failed")
	return fmt.Errorf("%s failed (correlation %s): %w", op, id, err)
}
