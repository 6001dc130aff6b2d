// Package hub fans live timeline updates out to per-viewer streaming
// sessions. Sessions queue updates with drop-oldest overflow and emit
// heartbeats while idle.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/timeline"
)

const (
	defaultQueueSize     = 256
	defaultMsgsPerSecond = 5
	waitSlice            = 500 * time.Millisecond
	throttlePause        = 100 * time.Millisecond
)

// Sink writes one update to the transport. A write error ends the session.
type Sink interface {
	Write(upd timeline.Update) error
}

// Config holds the hub knobs.
type Config struct {
	QueueSize     int
	MsgsPerSecond int
}

// Hub tracks the active sessions per viewer and routes published updates to
// them.
type Hub struct {
	cfg Config
	clk clock.Clock

	mu       sync.Mutex
	sessions map[string][]*Session
}

// New builds a hub.
func New(cfg Config, clk clock.Clock) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MsgsPerSecond <= 0 {
		cfg.MsgsPerSecond = defaultMsgsPerSecond
	}
	return &Hub{cfg: cfg, clk: clk, sessions: make(map[string][]*Session)}
}

// Subscribe registers a new session for viewerID. The caller owns the
// session lifecycle and must Close it (directly or via Run returning).
func (h *Hub) Subscribe(viewerID string) *Session {
	s := &Session{
		ID:       clock.NewSessionID(),
		ViewerID: viewerID,
		hub:      h,
		maxQueue: h.cfg.QueueSize,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		// Messages per second with a burst of the same size; heartbeats are
		// exempt.
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MsgsPerSecond), h.cfg.MsgsPerSecond),
	}
	h.mu.Lock()
	h.sessions[viewerID] = append(h.sessions[viewerID], s)
	count := len(h.sessions[viewerID])
	h.mu.Unlock()
	log.Debug().
		Str("viewer_id", viewerID).
		Str("session_id", s.ID).
		Int("sessions", count).
		Msg("stream session subscribed")
	return s
}

// Publish queues upd on every live session of viewerID, evicting sessions
// that have closed.
func (h *Hub) Publish(viewerID string, upd timeline.Update) {
	h.mu.Lock()
	sessions := h.sessions[viewerID]
	live := sessions[:0]
	for _, s := range sessions {
		if s.isClosed() {
			continue
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		delete(h.sessions, viewerID)
	} else {
		h.sessions[viewerID] = live
	}
	h.mu.Unlock()

	for _, s := range live {
		s.enqueue(upd)
	}
}

// SessionCount reports the number of live sessions across all viewers.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, ss := range h.sessions {
		for _, s := range ss {
			if !s.isClosed() {
				n++
			}
		}
	}
	return n
}

// remove detaches a closed session eagerly rather than waiting for the next
// publish to evict it.
func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sessions := h.sessions[s.ViewerID]
	out := sessions[:0]
	for _, x := range sessions {
		if x != s {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		delete(h.sessions, s.ViewerID)
	} else {
		h.sessions[s.ViewerID] = out
	}
}

// Session is one streaming subscription. Pending updates are a FIFO bounded
// queue; overflow drops the oldest so the stream stays fresh.
type Session struct {
	ID       string
	ViewerID string

	hub      *Hub
	maxQueue int
	limiter  *rate.Limiter

	mu      sync.Mutex
	pending []timeline.Update
	dropped int

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// Close marks the session dead. Safe to call from any goroutine, more than
// once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.hub.remove(s)
	})
}

func (s *Session) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Dropped reports how many updates this session lost to overflow.
func (s *Session) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Session) enqueue(upd timeline.Update) {
	s.mu.Lock()
	if len(s.pending) >= s.maxQueue {
		copy(s.pending, s.pending[1:])
		s.pending = s.pending[:len(s.pending)-1]
		s.dropped++
	}
	s.pending = append(s.pending, upd)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes the head of the queue if the rate limiter admits it.
// Returns (update, ok, throttled).
func (s *Session) pop() (timeline.Update, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return timeline.Update{}, false, false
	}
	if !s.limiter.Allow() {
		return timeline.Update{}, false, true
	}
	upd := s.pending[0]
	copy(s.pending, s.pending[1:])
	s.pending = s.pending[:len(s.pending)-1]
	return upd, true, false
}

// Run drives the session until ctx ends, the session closes, or a write
// fails. Updates flow FIFO; idle slices emit heartbeats, which bypass the
// per-session rate limit.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case <-s.notify:
		case <-time.After(waitSlice):
		}

		delivered := false
		for {
			upd, ok, throttled := s.pop()
			if throttled {
				// Leave the queue intact and retry shortly; FIFO order is
				// preserved because nothing was removed.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.closed:
					return nil
				case <-time.After(throttlePause):
				}
				continue
			}
			if !ok {
				break
			}
			if err := sink.Write(upd); err != nil {
				return err
			}
			delivered = true
		}

		if !delivered {
			hb := timeline.Update{Kind: timeline.UpdateHeartbeat, Timestamp: s.hub.clk.Now()}
			if err := sink.Write(hb); err != nil {
				return err
			}
		}
	}
}
