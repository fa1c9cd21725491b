// Package clock provides the injected time source and id minter used across
// the order and market-data plane so tests can run deterministically.
package clock

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock is the single time surface. Now returns UTC wall-clock instants;
// Since measures monotonic durations (Go's time.Time carries the monotonic
// reading for values produced by the same process).
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// System is the real clock.
type System struct{}

func (System) Now() time.Time                  { return time.Now().UTC() }
func (System) Since(t time.Time) time.Duration { return time.Since(t) }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock pinned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// IDMinter yields globally unique, lexicographically sortable identifiers.
// The format is prefix_<16-hex-digit unix nanos>_<8 hex of a v4 uuid>: ids
// minted later always sort after ids minted earlier within a prefix.
type IDMinter struct {
	clock Clock
}

// NewIDMinter creates a minter on the given clock.
func NewIDMinter(c Clock) *IDMinter {
	return &IDMinter{clock: c}
}

// New mints an id with the given prefix.
func (m *IDMinter) New(prefix string) string {
	ts := m.clock.Now().UnixNano()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%016x_%s", prefix, ts, suffix)
}

// Well-known id prefixes.
const (
	PrefixOrder   = "ord"
	PrefixFill    = "fil"
	PrefixEvent   = "evt"
	PrefixWebhook = "whk"
	PrefixScan    = "scan"
)
