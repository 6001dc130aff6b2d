// Package cache is the two-tier store for slates, engagement profiles, and
// read positions: redis primary with a bounded in-process fallback, both
// honoring TTLs.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/timeline"
)

const (
	slatePrefix     = "slate:"
	profilePrefix   = "profile:"
	lastReadPrefix  = "lastread:"
	followersPrefix = "followers:"

	defaultMaxLocal = 10000
)

// Hooks are optional observation callbacks, wired to the metrics registry.
type Hooks struct {
	Hit  func()
	Miss func()
}

type entry struct {
	data    []byte
	expires time.Time
}

// Store implements timeline.Cache. When redis is unreachable the local map
// keeps serving, so cache trouble degrades latency, not availability.
type Store struct {
	client   *redis.Client
	clk      clock.Clock
	hooks    Hooks
	maxLocal int

	mu        sync.Mutex
	local     map[string]entry
	authorIdx map[string]map[string]struct{}
}

// New builds a store over an existing redis client. client may be nil for a
// purely local store.
func New(client *redis.Client, clk clock.Clock, maxLocal int, hooks Hooks) *Store {
	if maxLocal <= 0 {
		maxLocal = defaultMaxLocal
	}
	if hooks.Hit == nil {
		hooks.Hit = func() {}
	}
	if hooks.Miss == nil {
		hooks.Miss = func() {}
	}
	return &Store{
		client:    client,
		clk:       clk,
		hooks:     hooks,
		maxLocal:  maxLocal,
		local:     make(map[string]entry),
		authorIdx: make(map[string]map[string]struct{}),
	}
}

// Connect dials redis and returns a store over it. A failed ping is an
// error; callers decide whether to fall back to New(nil, ...).
func Connect(ctx context.Context, addr, password string, db int, clk clock.Clock, maxLocal int, hooks Hooks) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, clk, maxLocal, hooks), nil
}

// Ping reports redis reachability. A local-only store is always healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

// GetSlate returns the cached slate for viewerID.
func (s *Store) GetSlate(ctx context.Context, viewerID string) ([]timeline.SlateItem, bool, error) {
	data, found, err := s.getBytes(ctx, slatePrefix+viewerID)
	if err != nil || !found {
		return nil, false, err
	}
	var items []timeline.SlateItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, false, fmt.Errorf("unmarshal slate: %w", err)
	}
	return items, true, nil
}

// SetSlate stores the slate and maintains the author reverse index used for
// targeted invalidation.
func (s *Store) SetSlate(ctx context.Context, viewerID string, items []timeline.SlateItem, ttl time.Duration) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal slate: %w", err)
	}
	if err := s.setBytes(ctx, slatePrefix+viewerID, data, ttl); err != nil {
		return err
	}

	// Distinct authors in first-seen order so writes are deterministic.
	seen := make(map[string]struct{}, len(items))
	authors := make([]string, 0, len(items))
	for _, it := range items {
		if _, ok := seen[it.Note.AuthorID]; ok {
			continue
		}
		seen[it.Note.AuthorID] = struct{}{}
		authors = append(authors, it.Note.AuthorID)
	}
	s.indexAuthors(ctx, viewerID, authors, ttl)
	return nil
}

// InvalidateSlate drops the cached slate for viewerID in both tiers.
func (s *Store) InvalidateSlate(ctx context.Context, viewerID string) error {
	return s.del(ctx, slatePrefix+viewerID)
}

// InvalidateAuthorSlates drops every cached slate known to contain the
// author's notes. Best effort: the reverse index may lag the slates.
func (s *Store) InvalidateAuthorSlates(ctx context.Context, authorID string) error {
	idxKey := followersPrefix + authorID

	viewers := make(map[string]struct{})
	if s.client != nil {
		members, err := s.client.SMembers(ctx, idxKey).Result()
		if err != nil && err != redis.Nil {
			log.Warn().Err(err).Str("author_id", authorID).Msg("author index read failed")
		}
		for _, v := range members {
			viewers[v] = struct{}{}
		}
	}
	s.mu.Lock()
	for v := range s.authorIdx[authorID] {
		viewers[v] = struct{}{}
	}
	delete(s.authorIdx, authorID)
	s.mu.Unlock()

	for v := range viewers {
		if err := s.del(ctx, slatePrefix+v); err != nil {
			return err
		}
	}
	if s.client != nil {
		if err := s.client.Del(ctx, idxKey).Err(); err != nil {
			log.Warn().Err(err).Str("author_id", authorID).Msg("author index delete failed")
		}
	}
	return nil
}

// GetProfile returns the cached engagement profile for viewerID.
func (s *Store) GetProfile(ctx context.Context, viewerID string) (*timeline.EngagementProfile, bool, error) {
	data, found, err := s.getBytes(ctx, profilePrefix+viewerID)
	if err != nil || !found {
		return nil, false, err
	}
	var p timeline.EngagementProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("unmarshal profile: %w", err)
	}
	return &p, true, nil
}

// SetProfile stores the engagement profile.
func (s *Store) SetProfile(ctx context.Context, p *timeline.EngagementProfile, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	return s.setBytes(ctx, profilePrefix+p.ViewerID, data, ttl)
}

// lastReadTTL keeps read positions around long enough to outlive any slate.
const lastReadTTL = 30 * 24 * time.Hour

// GetLastRead returns the viewer's read position.
func (s *Store) GetLastRead(ctx context.Context, viewerID string) (time.Time, bool, error) {
	data, found, err := s.getBytes(ctx, lastReadPrefix+viewerID)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	nanos, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last-read: %w", err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// SetLastRead stores the viewer's read position.
func (s *Store) SetLastRead(ctx context.Context, viewerID string, t time.Time) error {
	data := []byte(strconv.FormatInt(t.UnixNano(), 10))
	return s.setBytes(ctx, lastReadPrefix+viewerID, data, lastReadTTL)
}

// --- tiered byte ops ---

func (s *Store) getBytes(ctx context.Context, key string) ([]byte, bool, error) {
	if s.client != nil {
		val, err := s.client.Get(ctx, key).Result()
		if err == nil {
			s.hooks.Hit()
			return []byte(val), true, nil
		}
		if err == redis.Nil {
			s.hooks.Miss()
			return nil, false, nil
		}
		log.Warn().Err(err).Str("key", key).Msg("redis get failed, using local tier")
	}

	s.mu.Lock()
	e, ok := s.local[key]
	if ok && s.clk.Now().After(e.expires) {
		delete(s.local, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		s.hooks.Miss()
		return nil, false, nil
	}
	s.hooks.Hit()
	return e.data, true, nil
}

func (s *Store) setBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	if s.client != nil {
		if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("redis set failed, local tier only")
		}
	}
	s.mu.Lock()
	s.purgeExpiredLocked()
	if len(s.local) >= s.maxLocal {
		for k := range s.local {
			delete(s.local, k)
			break
		}
	}
	s.local[key] = entry{data: data, expires: s.clk.Now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	if s.client != nil {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("redis del failed")
		}
	}
	s.mu.Lock()
	delete(s.local, key)
	s.mu.Unlock()
	return nil
}

// purgeExpiredLocked drops stale local entries. Called with the lock held.
func (s *Store) purgeExpiredLocked() {
	now := s.clk.Now()
	for k, e := range s.local {
		if now.After(e.expires) {
			delete(s.local, k)
		}
	}
}

// indexAuthors records viewer's slate under each author so author-targeted
// invalidation can find it. Index entries live twice as long as the slate.
func (s *Store) indexAuthors(ctx context.Context, viewerID string, authors []string, ttl time.Duration) {
	idxTTL := 2 * ttl
	if s.client != nil {
		for _, a := range authors {
			key := followersPrefix + a
			if err := s.client.SAdd(ctx, key, viewerID).Err(); err != nil {
				log.Warn().Err(err).Str("author_id", a).Msg("author index write failed")
				continue
			}
			if err := s.client.Expire(ctx, key, idxTTL).Err(); err != nil {
				log.Warn().Err(err).Str("author_id", a).Msg("author index expire failed")
			}
		}
	}
	s.mu.Lock()
	for _, a := range authors {
		set, ok := s.authorIdx[a]
		if !ok {
			set = make(map[string]struct{})
			s.authorIdx[a] = set
		}
		set[viewerID] = struct{}{}
	}
	s.mu.Unlock()
}
