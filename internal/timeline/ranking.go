package timeline

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sonet-app/timeline/internal/note"
)

// Signal constants. These are tuned values; changing them shifts slate
// composition for every viewer, so treat them as config of last resort.
const (
	affinityFollowedBase   = 0.8
	affinityStrangerBase   = 0.1
	affinityGlobalShare    = 0.2
	qualityBase            = 0.5
	recencyHalfLifeHours   = 6.0
	velocityScale          = 10.0
	personalizationShare   = 0.1
	activeHourStart        = 9
	activeHourEnd          = 23
	diversitySoftCap       = 3
	diversityPenaltyStep   = 0.05
	diversityHashtagBonus  = 0.02
	repetitionSoftCap      = 2
	repetitionPenaltyStep  = 0.06
	backToBackPenalty      = 0.05
	noveltyBonus           = 0.04
	hashtagUniqueBonus     = 0.02
	hashtagOverusePenalty  = 0.01
	hashtagOveruseAfter    = 4
	hybridFreshBonus       = 0.02
	hybridDiscoveryBonus   = 0.01
	globalReputationStep   = 0.01
)

// affinityDeltas maps an engagement action to the learned affinity bump.
var affinityDeltas = map[EngagementAction]float64{
	ActionLike:   0.05,
	ActionRepost: 0.10,
	ActionReply:  0.15,
	ActionFollow: 0.30,
}

// AffinityDelta returns the learned-affinity increment for action, zero for
// actions the engine does not learn from.
func AffinityDelta(action EngagementAction) float64 {
	return affinityDeltas[action]
}

// Engine is the heuristic ranking engine. It owns the cross-viewer global
// author reputation; per-viewer state lives in the EngagementProfile.
type Engine struct {
	mu           sync.RWMutex
	globalAuthor map[string]float64
}

// NewEngine returns an engine with empty reputation state.
func NewEngine() *Engine {
	return &Engine{globalAuthor: make(map[string]float64)}
}

// Score ranks the candidates for one slate. The result is ordered by score
// descending with deterministic tie-breaking; scores are clamped at zero.
func (e *Engine) Score(req ScoreRequest) []SlateItem {
	items := make([]SlateItem, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		sig := e.computeSignals(c.Note, req)
		w := req.Config.Weights
		score := sig.Recency*w.Recency +
			sig.EngagementVelocity*w.Engagement +
			sig.AuthorAffinity*w.AuthorAffinity +
			sig.ContentQuality*w.ContentQuality +
			sig.Personalization*personalizationShare
		s := sig
		items = append(items, SlateItem{
			Note:       c.Note,
			Score:      score,
			Source:     c.Source,
			Reason:     reasonFor(c.Source),
			InjectedAt: req.Now,
			Signals:    &s,
		})
	}

	sortItems(items)
	applyDiversity(items, req.Config)
	sortItems(items)
	applyRepetitionControl(items)
	if req.Config.Algorithm == AlgorithmHybrid {
		applyHybridTweaks(items, req.Now)
	}
	for i := range items {
		if items[i].Score < 0 {
			items[i].Score = 0
		}
	}
	sortItems(items)
	return items
}

// RecordEngagement bumps the global reputation of the engaged author.
func (e *Engine) RecordEngagement(viewerID, authorID string, action EngagementAction) {
	if authorID == "" || AffinityDelta(action) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v := e.globalAuthor[authorID] + globalReputationStep
	if v > 1 {
		v = 1
	}
	e.globalAuthor[authorID] = v
}

// GlobalReputation returns the learned cross-viewer score for authorID.
func (e *Engine) GlobalReputation(authorID string) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.globalAuthor[authorID]
}

func (e *Engine) computeSignals(n note.Note, req ScoreRequest) Signals {
	return Signals{
		AuthorAffinity:     e.authorAffinity(n.AuthorID, req),
		ContentQuality:     contentQuality(n, req.Profile),
		EngagementVelocity: engagementVelocity(n, req),
		Recency:            recencyScore(n, req),
		Personalization:    personalizationScore(n, req),
	}
}

func (e *Engine) authorAffinity(authorID string, req ScoreRequest) float64 {
	score := affinityStrangerBase
	if req.Followed[authorID] {
		score = affinityFollowedBase
	}
	if req.Profile != nil {
		score += req.Profile.AuthorAffinity[authorID]
	}
	score += affinityGlobalShare * e.GlobalReputation(authorID)
	return clamp01(score)
}

func contentQuality(n note.Note, profile *EngagementProfile) float64 {
	score := qualityBase

	length := len(n.Content)
	switch {
	case length >= 50 && length <= 280:
		score += 0.10
	case length < 10:
		score -= 0.20
	}
	if len(n.Media) > 0 {
		score += 0.15
	}
	if note.ContainsURL(n.Content) {
		score -= 0.05
	}

	tags := n.HashtagList()
	switch {
	case len(tags) >= 1 && len(tags) <= 5:
		score += 0.08
	case len(tags) > 10:
		score -= 0.10
	}
	if profile != nil {
		for _, tag := range tags {
			if profile.HashtagInterests[tag] > 0 {
				score += 0.05
			}
		}
	}

	mentions := note.ExtractMentions(n.Content)
	if len(mentions) >= 1 && len(mentions) <= 3 {
		score += 0.12
	}

	score += math.Min(0.3, n.EngagementRate()*2)
	return clamp01(score)
}

func engagementVelocity(n note.Note, req ScoreRequest) float64 {
	// Sub-hour notes are measured against a full hour so a burst of early
	// engagement does not dominate the slate.
	age := n.AgeHours(req.Now)
	if age < 1 {
		age = 1
	}
	v := float64(n.TotalEngagements()) / age / velocityScale
	return clamp01(v)
}

func recencyScore(n note.Note, req ScoreRequest) float64 {
	age := n.AgeHours(req.Now)
	if age < 0 {
		age = 0
	}
	return math.Exp(-age * math.Ln2 / recencyHalfLifeHours)
}

func personalizationScore(n note.Note, req ScoreRequest) float64 {
	score := 0.0
	hour := n.CreatedAt.UTC().Hour()
	if hour >= activeHourStart && hour <= activeHourEnd {
		score += 0.1
	}
	if req.Profile != nil {
		for _, tag := range n.HashtagList() {
			if req.Profile.HashtagInterests[tag] > 0 {
				score += 0.05
			}
		}
	}
	return clamp01(score)
}

// applyDiversity penalizes author pile-ups beyond the soft cap and rewards
// hashtag variety, with the adjustment scaled by the configured diversity
// weight.
func applyDiversity(items []SlateItem, cfg Config) {
	scale := cfg.Weights.Diversity
	authorCount := make(map[string]int)
	seenTags := make(map[string]bool)
	for i := range items {
		authorCount[items[i].Note.AuthorID]++
		delta := 0.0
		if c := authorCount[items[i].Note.AuthorID]; c > diversitySoftCap {
			delta -= diversityPenaltyStep * float64(c-diversitySoftCap)
		}
		for _, tag := range items[i].Note.HashtagList() {
			if !seenTags[tag] {
				seenTags[tag] = true
				delta += diversityHashtagBonus
			}
		}
		items[i].Score += delta * scale
	}
}

// applyRepetitionControl walks the slate in ranked order and damps repeats:
// same author past the soft cap, back-to-back author runs, and overused
// hashtags. First-appearance authors get a small novelty bonus.
func applyRepetitionControl(items []SlateItem) {
	authorCount := make(map[string]int)
	tagCount := make(map[string]int)
	prevAuthor := ""
	for i := range items {
		author := items[i].Note.AuthorID
		authorCount[author]++
		c := authorCount[author]

		if c > repetitionSoftCap {
			items[i].Score -= repetitionPenaltyStep * float64(c-repetitionSoftCap)
		}
		if author == prevAuthor {
			items[i].Score -= backToBackPenalty
		}
		if c == 1 {
			items[i].Score += noveltyBonus
		}
		for _, tag := range items[i].Note.HashtagList() {
			tagCount[tag]++
			if tagCount[tag] == 1 {
				items[i].Score += hashtagUniqueBonus
			} else if tagCount[tag] > hashtagOveruseAfter {
				items[i].Score -= hashtagOverusePenalty
			}
		}
		prevAuthor = author
	}
}

// applyHybridTweaks nudges very fresh content and discovery sources. Applied
// uniformly to every item in hybrid mode.
func applyHybridTweaks(items []SlateItem, now time.Time) {
	for i := range items {
		if now.Sub(items[i].Note.CreatedAt) <= 30*time.Minute {
			items[i].Score += hybridFreshBonus
		}
		if items[i].Source != SourceFollowing {
			items[i].Score += hybridDiscoveryBonus
		}
	}
}

// sortItems orders by score descending, then created-at descending, then ID,
// so equal-score runs are deterministic.
func sortItems(items []SlateItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].Note.CreatedAt.Equal(items[j].Note.CreatedAt) {
			return items[i].Note.CreatedAt.After(items[j].Note.CreatedAt)
		}
		return items[i].Note.ID < items[j].Note.ID
	})
}

func reasonFor(s Source) string {
	switch s {
	case SourceFollowing:
		return "from_followed"
	case SourceRecommended:
		return "recommended_for_you"
	case SourceTrending:
		return "trending_now"
	case SourceLists:
		return "from_your_lists"
	}
	return string(s)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
