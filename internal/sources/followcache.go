package sources

import (
	"context"
	"sync"
	"time"

	"github.com/sonet-app/timeline/internal/clock"
)

const (
	followingTTL = 30 * time.Second
	followersTTL = 60 * time.Second
)

type cachedIDs struct {
	ids     []string
	expires time.Time
}

// CachedFollowGraph memoizes follow-graph lookups with short TTLs. The graph
// changes slowly relative to slate builds, and every build needs it.
type CachedFollowGraph struct {
	inner FollowGraph
	clk   clock.Clock

	mu        sync.Mutex
	following map[string]cachedIDs
	followers map[string]cachedIDs
}

// NewCachedFollowGraph wraps inner with per-user TTL caches.
func NewCachedFollowGraph(inner FollowGraph, clk clock.Clock) *CachedFollowGraph {
	return &CachedFollowGraph{
		inner:     inner,
		clk:       clk,
		following: make(map[string]cachedIDs),
		followers: make(map[string]cachedIDs),
	}
}

func (c *CachedFollowGraph) GetFollowing(ctx context.Context, userID string) ([]string, error) {
	return c.lookup(ctx, userID, c.following, followingTTL, c.inner.GetFollowing)
}

func (c *CachedFollowGraph) GetFollowers(ctx context.Context, userID string) ([]string, error) {
	return c.lookup(ctx, userID, c.followers, followersTTL, c.inner.GetFollowers)
}

// Invalidate drops both cached edge sets for userID, used when a follow
// event for them flows through fan-out.
func (c *CachedFollowGraph) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.following, userID)
	delete(c.followers, userID)
	c.mu.Unlock()
}

func (c *CachedFollowGraph) lookup(ctx context.Context, userID string, m map[string]cachedIDs, ttl time.Duration, fetch func(context.Context, string) ([]string, error)) ([]string, error) {
	now := c.clk.Now()
	c.mu.Lock()
	if e, ok := m[userID]; ok && now.Before(e.expires) {
		ids := e.ids
		c.mu.Unlock()
		return ids, nil
	}
	c.mu.Unlock()

	ids, err := fetch(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	m[userID] = cachedIDs{ids: ids, expires: now.Add(ttl)}
	c.mu.Unlock()
	return ids, nil
}

// Following adapts the cached graph to the timeline package's consumer-side
// interface (Following/Followers naming).
func (c *CachedFollowGraph) Following(ctx context.Context, viewerID string) ([]string, error) {
	return c.GetFollowing(ctx, viewerID)
}

// Followers is the timeline-side alias of GetFollowers.
func (c *CachedFollowGraph) Followers(ctx context.Context, authorID string) ([]string, error) {
	return c.GetFollowers(ctx, authorID)
}
