// Package credentials rotates, cools down and evicts API credentials shared by
// the engine's workers.
package credentials

import (
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/tts-batch/internal/core"
	"github.com/dustin/go-humanize"
)

// DefaultMinCreditThreshold is the remaining quota below which a credential is evicted.
const DefaultMinCreditThreshold = 500

const (
	reasonFmtBelowThreshold = "credits below %s (has %s)"
	reasonRejected          = "rejected by the service"
)

// EvictionHandler is invoked once per evicted credential. It is called with
// the pool lock released and receives a snapshot of the credential.
type EvictionHandler func(cred core.Credential, reason string)

// Option configures a Pool.
type Option func(*Pool)

// WithClock overrides the time source used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// WithEvictionHandler sets the callback fired when a credential is evicted.
func WithEvictionHandler(handler EvictionHandler) Option {
	return func(p *Pool) {
		p.onEvict = handler
	}
}

type eviction struct {
	cred   core.Credential
	reason string
}

// Pool holds the credentials available to a run. All methods are safe for
// concurrent use; returned credentials are copies.
type Pool struct {
	mu        sync.Mutex
	creds     []*core.Credential
	next      int
	threshold int
	now       func() time.Time
	onEvict   EvictionHandler
}

// NewPool creates a pool over copies of the given credentials.
func NewPool(creds []core.Credential, minCreditThreshold int, opts ...Option) *Pool {
	pool := &Pool{
		creds:     make([]*core.Credential, 0, len(creds)),
		threshold: minCreditThreshold,
		now:       time.Now,
	}

	for i := range creds {
		cred := creds[i]
		pool.creds = append(pool.creds, &cred)
	}

	for _, opt := range opts {
		opt(pool)
	}

	return pool
}

// SetEvictionHandler replaces the eviction callback.
func (p *Pool) SetEvictionHandler(handler EvictionHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onEvict = handler
}

// Add appends a credential to the rotation.
func (p *Pool) Add(cred core.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.creds = append(p.creds, &cred)
}

// Len returns the number of credentials still in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.creds)
}

// Snapshot returns copies of every credential in rotation order.
func (p *Pool) Snapshot() []core.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]core.Credential, 0, len(p.creds))
	for _, cred := range p.creds {
		out = append(out, *cred)
	}

	return out
}

// NextAvailable evicts under-threshold and rejected credentials, then returns
// the next available one in round-robin order starting after the last
// credential returned.
func (p *Pool) NextAvailable() (core.Credential, bool) {
	p.mu.Lock()

	evicted := p.evictLocked()

	var (
		selected core.Credential
		found    bool
	)

	now := p.now()

	for range len(p.creds) {
		cred := p.creds[p.next]
		p.next = (p.next + 1) % len(p.creds)

		if cred.Available(now) {
			selected = *cred
			found = true

			break
		}
	}

	handler := p.onEvict
	p.mu.Unlock()

	p.notify(handler, evicted)

	return selected, found
}

// LeastRemaining returns the available credential with the smallest remaining
// quota that still clears the threshold. It is meant for one-off requests
// outside a batch run and does not advance the round-robin cursor.
func (p *Pool) LeastRemaining() (core.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	var best *core.Credential

	for _, cred := range p.creds {
		if !cred.Available(now) || cred.Remaining() < p.threshold {
			continue
		}

		if best == nil || cred.Remaining() < best.Remaining() {
			best = cred
		}
	}

	if best == nil {
		return core.Credential{}, false
	}

	return *best, true
}

// MarkRateLimited puts the credential into cooldown. It stays valid.
func (p *Pool) MarkRateLimited(id string, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cred := p.findLocked(id); cred != nil {
		cred.CooldownUntil = p.now().Add(cooldown)
	}
}

// MarkExhausted forces the remaining quota to zero. Eviction happens on the
// next NextAvailable scan.
func (p *Pool) MarkExhausted(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cred := p.findLocked(id); cred != nil {
		cred.Used = cred.Limit
	}
}

// MarkInvalid flags a credential the service rejected.
func (p *Pool) MarkInvalid(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cred := p.findLocked(id); cred != nil {
		cred.Valid = false
	}
}

// RecordUsage adds characters to the credential's used quota and returns the
// updated snapshot. It reports false if the credential was already evicted.
func (p *Pool) RecordUsage(id string, characters int) (core.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cred := p.findLocked(id)
	if cred == nil {
		return core.Credential{}, false
	}

	cred.Used += characters

	return *cred, true
}

// AllExhausted reports whether no credential in the pool is available.
func (p *Pool) AllExhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()

	for _, cred := range p.creds {
		if cred.Available(now) {
			return false
		}
	}

	return true
}

// TotalRemainingCredits sums the remaining quota of valid, enabled credentials.
func (p *Pool) TotalRemainingCredits() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0

	for _, cred := range p.creds {
		if cred.Valid && cred.Enabled {
			total += cred.Remaining()
		}
	}

	return total
}

func (p *Pool) findLocked(id string) *core.Credential {
	for _, cred := range p.creds {
		if cred.ID == id {
			return cred
		}
	}

	return nil
}

func (p *Pool) evictLocked() []eviction {
	var evicted []eviction

	kept := p.creds[:0]
	// Entries removed before the cursor shift the rest left.
	removedBeforeNext := 0

	for i, cred := range p.creds {
		switch {
		case !cred.Valid:
			evicted = append(evicted, eviction{cred: *cred, reason: reasonRejected})
		case cred.Remaining() < p.threshold:
			reason := fmt.Sprintf(reasonFmtBelowThreshold,
				humanize.Comma(int64(p.threshold)), humanize.Comma(int64(cred.Remaining())))
			evicted = append(evicted, eviction{cred: *cred, reason: reason})
		default:
			kept = append(kept, cred)

			continue
		}

		if i < p.next {
			removedBeforeNext++
		}
	}

	clear(p.creds[len(kept):])
	p.creds = kept
	p.next -= removedBeforeNext

	if p.next >= len(p.creds) {
		p.next = 0
	}

	return evicted
}

func (p *Pool) notify(handler EvictionHandler, evicted []eviction) {
	if handler == nil {
		return
	}

	for _, ev := range evicted {
		handler(ev.cred, ev.reason)
	}
}
