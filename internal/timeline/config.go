package timeline

import (
	"math"
	"time"
)

// Weights are the ranking signal weights. They are expected to sum to 1 but
// the engine does not enforce it; operators own the tradeoff.
type Weights struct {
	Recency        float64 `json:"recency" yaml:"recency"`
	Engagement     float64 `json:"engagement" yaml:"engagement"`
	AuthorAffinity float64 `json:"author_affinity" yaml:"author_affinity"`
	ContentQuality float64 `json:"content_quality" yaml:"content_quality"`
	Diversity      float64 `json:"diversity" yaml:"diversity"`
}

// MixRatios are the target share of the slate per source.
type MixRatios struct {
	Following   float64 `json:"following" yaml:"following"`
	Recommended float64 `json:"recommended" yaml:"recommended"`
	Trending    float64 `json:"trending" yaml:"trending"`
	Lists       float64 `json:"lists" yaml:"lists"`
}

// Ratio returns the mix share for s.
func (m MixRatios) Ratio(s Source) float64 {
	switch s {
	case SourceFollowing:
		return m.Following
	case SourceRecommended:
		return m.Recommended
	case SourceTrending:
		return m.Trending
	case SourceLists:
		return m.Lists
	}
	return 0
}

// Config is the fully resolved per-request timeline configuration.
type Config struct {
	Algorithm         Algorithm          `json:"algorithm"`
	MaxItems          int                `json:"max_items"`
	MaxAgeHours       int                `json:"max_age_hours"`
	MinScoreThreshold float64            `json:"min_score_threshold"`
	Weights           Weights            `json:"weights"`
	Mix               MixRatios          `json:"mix"`
	Caps              map[Source]int     `json:"caps"`
	ABWeights         map[Source]float64 `json:"ab_weights"`
	UseOverdrive      bool               `json:"use_overdrive"`
}

// DefaultConfig returns the service-wide defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm:         AlgorithmHybrid,
		MaxItems:          50,
		MaxAgeHours:       24,
		MinScoreThreshold: 0.1,
		Weights: Weights{
			Recency:        0.3,
			Engagement:     0.25,
			AuthorAffinity: 0.2,
			ContentQuality: 0.15,
			Diversity:      0.1,
		},
		Mix: MixRatios{
			Following:   0.7,
			Recommended: 0.2,
			Trending:    0.08,
			Lists:       0.02,
		},
		Caps: map[Source]int{
			SourceFollowing:   100,
			SourceRecommended: 50,
			SourceTrending:    30,
			SourceLists:       20,
		},
		ABWeights: map[Source]float64{
			SourceFollowing:   1.0,
			SourceRecommended: 1.0,
			SourceTrending:    1.0,
			SourceLists:       1.0,
		},
	}
}

// Cap returns the hard per-source item cap for s.
func (c Config) Cap(s Source) int {
	if v, ok := c.Caps[s]; ok {
		return v
	}
	return 0
}

// ABWeight returns the experiment weight for s, defaulting to 1.
func (c Config) ABWeight(s Source) float64 {
	if v, ok := c.ABWeights[s]; ok {
		return v
	}
	return 1.0
}

// Budget is the fetch budget for s: floor(max_items × ratio × ab_weight),
// capped at the per-source cap. Order of factors is fixed.
func (c Config) Budget(s Source) int {
	b := int(math.Floor(float64(c.MaxItems) * c.Mix.Ratio(s) * c.ABWeight(s)))
	if hard := c.Cap(s); b > hard {
		b = hard
	}
	if b < 0 {
		b = 0
	}
	return b
}

// MaxAge returns the oldest admissible note age as a duration.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// clone returns a deep copy so resolved configs never alias shared maps.
func (c Config) clone() Config {
	out := c
	out.Caps = make(map[Source]int, len(c.Caps))
	for k, v := range c.Caps {
		out.Caps[k] = v
	}
	out.ABWeights = make(map[Source]float64, len(c.ABWeights))
	for k, v := range c.ABWeights {
		out.ABWeights[k] = v
	}
	return out
}

// Preferences are the stored per-viewer knobs. Zero or negative values mean
// "use the service default" field by field.
type Preferences struct {
	Algorithm         Algorithm `json:"algorithm" db:"algorithm"`
	MaxItems          int       `json:"max_items" db:"max_items"`
	MaxAgeHours       int       `json:"max_age_hours" db:"max_age_hours"`
	MinScoreThreshold float64   `json:"min_score_threshold" db:"min_score_threshold"`
	Weights           Weights   `json:"weights" db:"-"`
	Mix               MixRatios `json:"mix" db:"-"`
	UpdatedAt         time.Time `json:"updated_at" db:"updated_at"`
}

// Overrides carry the per-request knobs parsed from call metadata. Nil or
// zero fields leave the resolved config untouched.
type Overrides struct {
	ABWeights      map[Source]float64
	Caps           map[Source]int
	DiscoveryShare *float64
	RateRPM        int
	UseOverdrive   *bool
	URLTTL         time.Duration
}

// ResolveConfig merges defaults ← stored preferences ← request overrides.
// The merge never mutates its inputs.
func ResolveConfig(defaults Config, prefs *Preferences, ov Overrides) Config {
	cfg := defaults.clone()

	if prefs != nil {
		if ValidAlgorithm(prefs.Algorithm) {
			cfg.Algorithm = prefs.Algorithm
		}
		if prefs.MaxItems > 0 {
			cfg.MaxItems = prefs.MaxItems
		}
		if prefs.MaxAgeHours > 0 {
			cfg.MaxAgeHours = prefs.MaxAgeHours
		}
		if prefs.MinScoreThreshold > 0 {
			cfg.MinScoreThreshold = prefs.MinScoreThreshold
		}
		cfg.Weights = mergeWeights(cfg.Weights, prefs.Weights)
		cfg.Mix = mergeMix(cfg.Mix, prefs.Mix)
	}

	// Map presence distinguishes "absent" from an explicit zero: an
	// ab-weight of 0 removes that source from the slate.
	for s, w := range ov.ABWeights {
		if w >= 0 {
			cfg.ABWeights[s] = w
		}
	}
	for s, cap := range ov.Caps {
		if cap > 0 {
			cfg.Caps[s] = cap
		}
	}
	if ov.DiscoveryShare != nil {
		cfg.Mix = applyDiscoveryShare(cfg.Mix, *ov.DiscoveryShare)
	}
	if ov.UseOverdrive != nil {
		cfg.UseOverdrive = *ov.UseOverdrive
	}
	return cfg
}

func mergeWeights(base, p Weights) Weights {
	if p.Recency > 0 {
		base.Recency = p.Recency
	}
	if p.Engagement > 0 {
		base.Engagement = p.Engagement
	}
	if p.AuthorAffinity > 0 {
		base.AuthorAffinity = p.AuthorAffinity
	}
	if p.ContentQuality > 0 {
		base.ContentQuality = p.ContentQuality
	}
	if p.Diversity > 0 {
		base.Diversity = p.Diversity
	}
	return base
}

func mergeMix(base, p MixRatios) MixRatios {
	if p.Following > 0 {
		base.Following = p.Following
	}
	if p.Recommended > 0 {
		base.Recommended = p.Recommended
	}
	if p.Trending > 0 {
		base.Trending = p.Trending
	}
	if p.Lists > 0 {
		base.Lists = p.Lists
	}
	return base
}

// applyDiscoveryShare rescales the discovery sources (recommended, trending,
// lists) to sum to share, with following taking the remainder. The three
// keep their relative proportions; if all are zero the share goes to
// recommended.
func applyDiscoveryShare(m MixRatios, share float64) MixRatios {
	if share < 0 {
		share = 0
	}
	if share > 1 {
		share = 1
	}
	disc := m.Recommended + m.Trending + m.Lists
	out := MixRatios{Following: 1 - share}
	if disc <= 0 {
		out.Recommended = share
		return out
	}
	out.Recommended = share * m.Recommended / disc
	out.Trending = share * m.Trending / disc
	out.Lists = share * m.Lists / disc
	return out
}

// ForFollowing locks the config to a reverse-chronological, following-only
// feed.
func (c Config) ForFollowing() Config {
	out := c.clone()
	out.Algorithm = AlgorithmChronological
	out.Mix = MixRatios{Following: 1}
	return out
}

// DefaultDiscoveryShare is applied to For You requests that carry no
// explicit share override.
const DefaultDiscoveryShare = 0.3

// ForForYou locks the config to a personalized discovery feed. Chronological
// preference is promoted to hybrid; the discovery share defaults when the
// request did not set one.
func (c Config) ForForYou(shareOverridden bool) Config {
	out := c.clone()
	if out.Algorithm == AlgorithmChronological {
		out.Algorithm = AlgorithmHybrid
	}
	if !shareOverridden {
		out.Mix = applyDiscoveryShare(out.Mix, DefaultDiscoveryShare)
	}
	return out
}
