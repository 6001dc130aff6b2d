// Package fanout delivers write-path events to follower slates and live
// sessions: a bounded queue in front of a single worker loop.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sonet-app/timeline/internal/clock"
	"github.com/sonet-app/timeline/internal/timeline"
)

const (
	defaultQueueSize   = 1024
	defaultMaxAttempts = 3
	defaultBaseBackoff = 100 * time.Millisecond
)

// FollowerLister resolves the audience of an author's event.
type FollowerLister interface {
	Followers(ctx context.Context, authorID string) ([]string, error)
}

// SlateInvalidator drops cached slates that an event staled.
type SlateInvalidator interface {
	InvalidateSlate(ctx context.Context, viewerID string) error
}

// UpdatePublisher pushes live updates to subscribed viewers.
type UpdatePublisher interface {
	Publish(viewerID string, upd timeline.Update)
}

// Hooks observe queue behavior for metrics.
type Hooks struct {
	Dropped   func(reason string)
	Processed func(kind string)
}

// Config holds the worker knobs.
type Config struct {
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
}

// Worker consumes fan-out events. Delivery is at-least-once and every effect
// (invalidate, publish) is idempotent, so retries are safe.
type Worker struct {
	cfg       Config
	followers FollowerLister
	cache     SlateInvalidator
	pub       UpdatePublisher
	clk       clock.Clock
	hooks     Hooks

	queue chan timeline.Event
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewWorker builds a stopped worker; call Start to begin draining.
func NewWorker(cfg Config, followers FollowerLister, cache SlateInvalidator, pub UpdatePublisher, clk clock.Clock, hooks Hooks) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if hooks.Dropped == nil {
		hooks.Dropped = func(string) {}
	}
	if hooks.Processed == nil {
		hooks.Processed = func(string) {}
	}
	return &Worker{
		cfg:       cfg,
		followers: followers,
		cache:     cache,
		pub:       pub,
		clk:       clk,
		hooks:     hooks,
		queue:     make(chan timeline.Event, cfg.QueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Enqueue offers an event without blocking. When the queue is full the
// oldest event is dropped to make room, and the drop is counted; recent
// events are worth more than old ones here.
func (w *Worker) Enqueue(ev timeline.Event) bool {
	select {
	case w.queue <- ev:
		return true
	default:
	}
	select {
	case old := <-w.queue:
		w.hooks.Dropped("queue_full")
		log.Warn().
			Str("kind", string(old.Kind)).
			Str("author_id", old.AuthorID).
			Msg("fanout queue full, dropped oldest event")
	default:
	}
	select {
	case w.queue <- ev:
		return true
	default:
		w.hooks.Dropped("queue_full")
		return false
	}
}

// Depth reports the current queue backlog.
func (w *Worker) Depth() int { return len(w.queue) }

// Start launches the worker loop.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the loop and waits for it to drain the in-flight event.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.quit) })
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case ev := <-w.queue:
			w.processWithRetry(ctx, ev)
		}
	}
}

// processWithRetry retries transient failures with exponential backoff and
// drops the event after the attempt budget.
func (w *Worker) processWithRetry(ctx context.Context, ev timeline.Event) {
	backoff := w.cfg.BaseBackoff
	for attempt := 1; ; attempt++ {
		err := w.process(ctx, ev)
		if err == nil {
			w.hooks.Processed(string(ev.Kind))
			return
		}
		if attempt >= w.cfg.MaxAttempts {
			w.hooks.Dropped("retries_exhausted")
			log.Error().Err(err).
				Str("kind", string(ev.Kind)).
				Str("author_id", ev.AuthorID).
				Int("attempts", attempt).
				Msg("fanout event dropped after retries")
			return
		}
		log.Warn().Err(err).
			Str("kind", string(ev.Kind)).
			Int("attempt", attempt).
			Msg("fanout attempt failed, backing off")
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (w *Worker) process(ctx context.Context, ev timeline.Event) error {
	switch ev.Kind {
	case timeline.EventFollowChanged:
		// Only the follower's slate is stale; their sessions learn about the
		// change on the next build.
		return w.cache.InvalidateSlate(ctx, ev.FollowerID)
	case timeline.EventNoteCreated, timeline.EventNoteUpdated, timeline.EventNoteDeleted:
		return w.fanOut(ctx, ev)
	default:
		log.Warn().Str("kind", string(ev.Kind)).Msg("unknown fanout event kind")
		return nil
	}
}

func (w *Worker) fanOut(ctx context.Context, ev timeline.Event) error {
	followers, err := w.followers.Followers(ctx, ev.AuthorID)
	if err != nil {
		return err
	}
	upd := updateFor(ev, w.clk.Now())
	for _, viewerID := range followers {
		if err := w.cache.InvalidateSlate(ctx, viewerID); err != nil {
			return err
		}
		w.pub.Publish(viewerID, upd)
	}
	log.Debug().
		Str("kind", string(ev.Kind)).
		Str("author_id", ev.AuthorID).
		Int("followers", len(followers)).
		Msg("fanout delivered")
	return nil
}

func updateFor(ev timeline.Event, now time.Time) timeline.Update {
	upd := timeline.Update{Timestamp: now}
	switch ev.Kind {
	case timeline.EventNoteCreated:
		upd.Kind = timeline.UpdateNewNote
		upd.Note = ev.Note
		if ev.Note != nil {
			upd.NoteID = ev.Note.ID
		}
	case timeline.EventNoteUpdated:
		upd.Kind = timeline.UpdateNoteEdited
		upd.Note = ev.Note
		if ev.Note != nil {
			upd.NoteID = ev.Note.ID
		}
	case timeline.EventNoteDeleted:
		upd.Kind = timeline.UpdateNoteDeleted
		upd.NoteID = ev.NoteID
	}
	return upd
}
