package domain

import (
	"fmt"
	"sync"
	"time"
)

// RefNumberGenerator issues human-readable reference numbers of the form
// <prefix>-<year><suffix>, e.g. CA-2026001347. The suffix is taken from the
// current unix-millisecond clock, zero-padded to six digits and bumped while
// it collides, so numbers issued by one process are strictly increasing. Past
// 999999 the suffix widens to seven digits instead of wrapping.
type RefNumberGenerator struct {
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	last int64
}

// NewRefNumberGenerator creates a generator for the given prefix ("CA",
// "SP").
func NewRefNumberGenerator(prefix string) *RefNumberGenerator {
	return &RefNumberGenerator{prefix: prefix, now: time.Now}
}

// Next returns the next reference number.
func (g *RefNumberGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	suffix := now.UnixMilli() % 1_000_000
	if suffix <= g.last {
		suffix = g.last + 1
	}
	g.last = suffix

	return fmt.Sprintf("%s-%d%06d", g.prefix, now.Year(), suffix)
}
