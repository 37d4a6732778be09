// Package missing implements the five missing-* responders: each lets
// a caller that is waiting on a dependency (an identity, a single
// message, the last instance of a meta-message, a run of sequence
// numbers, or an authorize proof) register interest once, coalescing
// concurrent requests for the same key into a single outbound request
// and a single timeout (spec.md §4.5, DropPacket/DelayPacket families
// of §7).
package missing

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
)

// DefaultTimeout is used by every responder unless overridden; the
// retrieved dispersy.py constructs each MissingSomethingCache with a
// caller-supplied timeout rather than a fixed constant, so this is a
// reasonable default rather than a decoded wire value.
const DefaultTimeout = 10500 * time.Millisecond

// Callback is invoked once per Await call: resolved is true when
// Resolve supplied a matching message, false on timeout.
type Callback func(resolved bool, payload interface{})

type pending struct {
	callbacks []Callback
	timer     *time.Timer
}

// Cache is the shared coalescing/timeout engine behind every
// missing-* responder. One Cache instance is shared across all five
// key families; keys are namespaced by construction (see Key* helpers)
// so they never collide.
type Cache struct {
	mu      sync.Mutex
	pending map[string]*pending
	group   singleflight.Group
}

func NewCache() *Cache {
	return &Cache{pending: make(map[string]*pending)}
}

// Await registers cb to be called when key resolves or times out. If a
// request for key is already pending, cb is coalesced onto it and
// send is never invoked a second time -- this is the "idempotent
// coalescing" of spec.md §4.5.
func (c *Cache) Await(key string, timeout time.Duration, cb Callback, send func()) {
	c.mu.Lock()
	if p, ok := c.pending[key]; ok {
		p.callbacks = append(p.callbacks, cb)
		c.mu.Unlock()
		return
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &pending{callbacks: []Callback{cb}}
	p.timer = time.AfterFunc(timeout, func() { c.onTimeout(key) })
	c.pending[key] = p
	c.mu.Unlock()

	// singleflight ensures concurrent Await calls racing to create the
	// entry above still only trigger one physical send.
	c.group.Do(key, func() (interface{}, error) {
		send()
		return nil, nil
	})
}

// Resolve delivers payload to every callback coalesced under key and
// cancels its timeout. A Resolve with no pending callbacks is a no-op
// -- an unsolicited response is simply dropped.
func (c *Cache) Resolve(key string, payload interface{}) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	for _, cb := range p.callbacks {
		cb(true, payload)
	}
}

func (c *Cache) onTimeout(key string) {
	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	for _, cb := range p.callbacks {
		cb(false, nil)
	}
}

// Pending reports whether key currently has an outstanding request,
// for tests and diagnostics.
func (c *Cache) Pending(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[key]
	return ok
}

// Key builders, one per missing-* family (dispersy.py's
// properties_to_identifier/message_to_identifier staticmethods).

func KeyMissingIdentity(cid community.Cid, mid member.Mid) string {
	return fmt.Sprintf("identity|%x|%x", cid[:], mid[:])
}

func KeyMissingMessage(cid community.Cid, mid member.Mid, globalTime uint64) string {
	return fmt.Sprintf("message|%x|%x|%d", cid[:], mid[:], globalTime)
}

func KeyMissingLastMessage(cid community.Cid, mid member.Mid, metaName string) string {
	return fmt.Sprintf("last-message|%x|%x|%s", cid[:], mid[:], metaName)
}

func KeyMissingSequence(cid community.Cid, mid member.Mid, metaName string, missingHigh uint32) string {
	return fmt.Sprintf("sequence|%x|%x|%s|%d", cid[:], mid[:], metaName, missingHigh)
}

func KeyMissingProof(cid community.Cid) string {
	return fmt.Sprintf("proof|%x", cid[:])
}
