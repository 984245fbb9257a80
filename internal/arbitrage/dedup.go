package arbitrage

import (
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Dedup suppresses repeated snapshots that carry the same prices for the
// same market within a time-to-live window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // fingerprint -> last seen time
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a fingerprint as a duplicate if it
// was seen within ttl. A non-positive ttl disables de-duplication.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Fingerprint identifies a snapshot by market and quoted prices.
func Fingerprint(s domain.Snapshot) string {
	return s.MarketID + "|" + s.LegA.Price.String() + "|" + s.LegB.Price.String()
}

// IsDuplicate reports whether key was seen within the TTL window. Unseen or
// expired keys are recorded and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	if d.ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, k)
		}
	}
}

// Len returns the number of tracked fingerprints.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
