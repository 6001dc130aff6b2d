package timeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sonet-app/timeline/internal/clock"
)

// Assembler builds a slate for one viewer: fetch candidates from every
// budgeted source in parallel, merge deterministically, dedup, filter,
// score, and enforce threshold and caps.
type Assembler struct {
	adapters     map[Source]SourceAdapter
	filter       *ContentFilter
	ranker       Ranker
	follows      FollowGraph
	clk          clock.Clock
	fetchTimeout time.Duration
}

// NewAssembler wires an assembler. adapters may omit sources; missing
// sources are simply never fetched.
func NewAssembler(adapters map[Source]SourceAdapter, filter *ContentFilter, ranker Ranker, follows FollowGraph, clk clock.Clock, fetchTimeout time.Duration) *Assembler {
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Second
	}
	return &Assembler{
		adapters:     adapters,
		filter:       filter,
		ranker:       ranker,
		follows:      follows,
		clk:          clk,
		fetchTimeout: fetchTimeout,
	}
}

// BuildResult is one assembled slate plus the sources that failed to
// contribute.
type BuildResult struct {
	Items     []SlateItem
	Degraded  []Source
	FetchedAt time.Time
}

// Build assembles a slate. A slate with zero items is a valid result; only
// infrastructure failures below the adapters surface as errors.
func (a *Assembler) Build(ctx context.Context, viewerID string, cfg Config, profile *EngagementProfile, since time.Time) (*BuildResult, error) {
	now := a.clk.Now()

	fetched := make(map[Source][]Candidate, len(MergeOrder))
	var degraded []Source
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, src := range MergeOrder {
		adapter, ok := a.adapters[src]
		if !ok {
			continue
		}
		budget := cfg.Budget(src)
		if budget <= 0 {
			continue
		}
		wg.Add(1)
		go func(src Source, adapter SourceAdapter, budget int) {
			defer wg.Done()
			fctx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
			defer cancel()
			notes, err := adapter.GetContent(fctx, viewerID, cfg, since, budget)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).
					Str("viewer_id", viewerID).
					Str("source", string(src)).
					Msg("source fetch failed, degrading")
				degraded = append(degraded, src)
				return
			}
			cands := make([]Candidate, 0, len(notes))
			for _, n := range notes {
				cands = append(cands, Candidate{Note: n, Source: src})
			}
			fetched[src] = cands
		}(src, adapter, budget)
	}
	wg.Wait()

	// Deterministic merge and first-seen dedup.
	seen := make(map[string]struct{})
	merged := make([]Candidate, 0, 64)
	for _, src := range MergeOrder {
		for _, c := range fetched[src] {
			if _, dup := seen[c.Note.ID]; dup {
				continue
			}
			seen[c.Note.ID] = struct{}{}
			merged = append(merged, c)
		}
	}

	// Filter with drop accounting.
	drops := make(map[string]int)
	kept := merged[:0]
	for _, c := range merged {
		show, reason := a.filter.ShouldShow(c.Note, profile, cfg, now)
		if !show {
			drops[reason]++
			continue
		}
		kept = append(kept, c)
	}
	if len(drops) > 0 {
		log.Debug().
			Str("viewer_id", viewerID).
			Interface("drops", drops).
			Msg("content filter removed candidates")
	}

	var items []SlateItem
	if cfg.Algorithm == AlgorithmChronological {
		items = chronologicalItems(kept, now)
	} else {
		followed, err := a.followedSet(ctx, viewerID)
		if err != nil {
			log.Warn().Err(err).Str("viewer_id", viewerID).
				Msg("follow set unavailable, ranking without it")
		}
		items = a.ranker.Score(ScoreRequest{
			ViewerID:   viewerID,
			Candidates: kept,
			Profile:    profile,
			Config:     cfg,
			Followed:   followed,
			Now:        now,
		})
	}

	final := finalWalk(items, cfg)

	sortDegraded(degraded)
	return &BuildResult{Items: final, Degraded: degraded, FetchedAt: now}, nil
}

// chronologicalItems synthesizes scores from creation time so the shared
// threshold/caps walk and pagination work unchanged.
func chronologicalItems(cands []Candidate, now time.Time) []SlateItem {
	items := make([]SlateItem, 0, len(cands))
	for _, c := range cands {
		items = append(items, SlateItem{
			Note:       c.Note,
			Score:      float64(c.Note.CreatedAt.Unix()),
			Source:     c.Source,
			Reason:     "chronological",
			InjectedAt: now,
		})
	}
	sortItems(items)
	return items
}

// finalWalk enforces the score threshold, per-source caps, and max_items in
// ranked order.
func finalWalk(items []SlateItem, cfg Config) []SlateItem {
	perSource := make(map[Source]int)
	out := make([]SlateItem, 0, cfg.MaxItems)
	for _, it := range items {
		if it.Score < cfg.MinScoreThreshold {
			continue
		}
		if hard := cfg.Cap(it.Source); hard > 0 && perSource[it.Source] >= hard {
			continue
		}
		perSource[it.Source]++
		out = append(out, it)
		if len(out) >= cfg.MaxItems {
			break
		}
	}
	return out
}

func (a *Assembler) followedSet(ctx context.Context, viewerID string) (map[string]bool, error) {
	if a.follows == nil {
		return nil, nil
	}
	ids, err := a.follows.Following(ctx, viewerID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

func sortDegraded(ds []Source) {
	// Stable report order regardless of goroutine completion order.
	order := map[Source]int{}
	for i, s := range MergeOrder {
		order[s] = i
	}
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && order[ds[j-1]] > order[ds[j]]; j-- {
			ds[j-1], ds[j] = ds[j], ds[j-1]
		}
	}
}
