// Package dedup is a fast-path filter for redelivered bank events. The
// database unique key on (source, raw_reference) stays authoritative; a guard
// only saves the normalize-and-insert round trip for events already stored.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
)

type Guard interface {
	// Seen reports whether ref was marked before.
	Seen(ctx context.Context, ref domain.EventRef) (bool, error)
	// Mark records ref. Call it only after the event is durably stored.
	Mark(ctx context.Context, ref domain.EventRef) error
}

func key(ref domain.EventRef) string {
	return string(ref.Source) + ":" + ref.RawReference
}

// MemoryGuard keeps marks in process memory until they expire.
type MemoryGuard struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	seen map[string]time.Time
}

func NewMemoryGuard(ttl time.Duration) *MemoryGuard {
	return &MemoryGuard{ttl: ttl, now: time.Now, seen: map[string]time.Time{}}
}

func (g *MemoryGuard) Seen(ctx context.Context, ref domain.EventRef) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, ok := g.seen[key(ref)]
	if !ok {
		return false, nil
	}
	if g.now().After(exp) {
		delete(g.seen, key(ref))
		return false, nil
	}
	return true, nil
}

func (g *MemoryGuard) Mark(ctx context.Context, ref domain.EventRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[key(ref)] = g.now().Add(g.ttl)
	return nil
}

// Nop never reports a duplicate.
type Nop struct{}

func (Nop) Seen(context.Context, domain.EventRef) (bool, error) { return false, nil }
func (Nop) Mark(context.Context, domain.EventRef) error         { return nil }
