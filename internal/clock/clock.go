// Package clock provides the time source and ID generation used across the
// timeline service, so tests can substitute a deterministic clock.
package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time access. All timeline packages take a Clock instead of
// calling time.Now directly so elapsed-time logic is testable.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real is the production clock backed by the runtime's monotonic clock.
type Real struct{}

// New returns the production clock.
func New() Clock { return Real{} }

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a fake clock pinned to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// NewItemID returns a unique identifier for internally generated items.
func NewItemID() string { return uuid.NewString() }

// NewSessionID returns a unique identifier for a live-update session.
func NewSessionID() string { return uuid.NewString() }

// NewRequestID returns a short correlation ID for request logging.
func NewRequestID() string { return uuid.NewString()[:8] }
