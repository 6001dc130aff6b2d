package timeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveConfigDefaultsWhenNoPrefs(t *testing.T) {
	cfg := ResolveConfig(DefaultConfig(), nil, Overrides{})

	assert.Equal(t, AlgorithmHybrid, cfg.Algorithm)
	assert.Equal(t, 50, cfg.MaxItems)
	assert.Equal(t, 24, cfg.MaxAgeHours)
	assert.InDelta(t, 0.1, cfg.MinScoreThreshold, 1e-9)
	assert.InDelta(t, 0.7, cfg.Mix.Following, 1e-9)
}

func TestResolveConfigIgnoresZeroAndNegativePrefs(t *testing.T) {
	prefs := &Preferences{
		Algorithm:         "bogus",
		MaxItems:          0,
		MaxAgeHours:       -5,
		MinScoreThreshold: 0,
	}
	cfg := ResolveConfig(DefaultConfig(), prefs, Overrides{})

	assert.Equal(t, AlgorithmHybrid, cfg.Algorithm)
	assert.Equal(t, 50, cfg.MaxItems)
	assert.Equal(t, 24, cfg.MaxAgeHours)
	assert.InDelta(t, 0.1, cfg.MinScoreThreshold, 1e-9)
}

func TestResolveConfigAppliesStoredPrefs(t *testing.T) {
	prefs := &Preferences{
		Algorithm:         AlgorithmChronological,
		MaxItems:          25,
		MaxAgeHours:       6,
		MinScoreThreshold: 0.2,
		Weights:           Weights{Recency: 0.5},
	}
	cfg := ResolveConfig(DefaultConfig(), prefs, Overrides{})

	assert.Equal(t, AlgorithmChronological, cfg.Algorithm)
	assert.Equal(t, 25, cfg.MaxItems)
	assert.Equal(t, 6, cfg.MaxAgeHours)
	assert.InDelta(t, 0.2, cfg.MinScoreThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.Weights.Recency, 1e-9)
	// Untouched weight fields keep defaults.
	assert.InDelta(t, 0.25, cfg.Weights.Engagement, 1e-9)
}

func TestResolveConfigOverridesWinOverPrefs(t *testing.T) {
	prefs := &Preferences{MaxItems: 25}
	share := 0.5
	cfg := ResolveConfig(DefaultConfig(), prefs, Overrides{
		ABWeights:      map[Source]float64{SourceTrending: 2.0},
		Caps:           map[Source]int{SourceFollowing: 10},
		DiscoveryShare: &share,
	})

	assert.Equal(t, 25, cfg.MaxItems)
	assert.InDelta(t, 2.0, cfg.ABWeight(SourceTrending), 1e-9)
	assert.Equal(t, 10, cfg.Cap(SourceFollowing))
	assert.InDelta(t, 0.5, cfg.Mix.Following, 1e-9)
	// Discovery sources keep relative proportions: 0.2/0.08/0.02 of 0.3.
	assert.InDelta(t, 0.5*0.2/0.3, cfg.Mix.Recommended, 1e-9)
	assert.InDelta(t, 0.5*0.08/0.3, cfg.Mix.Trending, 1e-9)
	assert.InDelta(t, 0.5*0.02/0.3, cfg.Mix.Lists, 1e-9)
}

func TestResolveConfigDoesNotMutateDefaults(t *testing.T) {
	defaults := DefaultConfig()
	_ = ResolveConfig(defaults, nil, Overrides{
		ABWeights: map[Source]float64{SourceFollowing: 2.0},
		Caps:      map[Source]int{SourceFollowing: 1},
	})

	assert.InDelta(t, 1.0, defaults.ABWeight(SourceFollowing), 1e-9)
	assert.Equal(t, 100, defaults.Cap(SourceFollowing))
}

func TestBudgetOrderAndCap(t *testing.T) {
	cfg := DefaultConfig()
	// floor(50 × 0.7 × 1.0) = 35, under the cap of 100.
	assert.Equal(t, 35, cfg.Budget(SourceFollowing))

	cfg.ABWeights[SourceFollowing] = 4.0
	// floor(50 × 0.7 × 4.0) = 140, capped at 100.
	assert.Equal(t, 100, cfg.Budget(SourceFollowing))

	cfg.Caps[SourceLists] = 20
	cfg.Mix.Lists = 0
	assert.Equal(t, 0, cfg.Budget(SourceLists))
}

func TestZeroABWeightRemovesSource(t *testing.T) {
	cfg := ResolveConfig(DefaultConfig(), nil, Overrides{
		ABWeights: map[Source]float64{SourceFollowing: 0},
	})

	assert.Equal(t, 0, cfg.Budget(SourceFollowing), "explicit zero silences the source")
	assert.Greater(t, cfg.Budget(SourceRecommended), 0, "other sources keep their budgets")

	// A negative weight is malformed and falls back to the default.
	neg := ResolveConfig(DefaultConfig(), nil, Overrides{
		ABWeights: map[Source]float64{SourceFollowing: -1},
	})
	assert.InDelta(t, 1.0, neg.ABWeight(SourceFollowing), 1e-9)
}

func TestForFollowingForcesChronological(t *testing.T) {
	cfg := DefaultConfig().ForFollowing()
	assert.Equal(t, AlgorithmChronological, cfg.Algorithm)
	assert.InDelta(t, 1.0, cfg.Mix.Following, 1e-9)
	assert.InDelta(t, 0.0, cfg.Mix.Recommended+cfg.Mix.Trending+cfg.Mix.Lists, 1e-9)
}

func TestForForYouPromotesChronologicalAndDefaultsShare(t *testing.T) {
	base := DefaultConfig()
	base.Algorithm = AlgorithmChronological

	cfg := base.ForForYou(false)
	require.Equal(t, AlgorithmHybrid, cfg.Algorithm)
	assert.InDelta(t, 0.7, cfg.Mix.Following, 1e-9)
	assert.InDelta(t, 0.3, cfg.Mix.Recommended+cfg.Mix.Trending+cfg.Mix.Lists, 1e-9)

	// An explicit share override suppresses the default share.
	share := 0.8
	ov := ResolveConfig(DefaultConfig(), nil, Overrides{DiscoveryShare: &share}).ForForYou(true)
	assert.InDelta(t, 0.2, ov.Mix.Following, 1e-9)
}
