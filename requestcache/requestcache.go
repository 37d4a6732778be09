// Package requestcache implements the claim/set/has/get/pop identifier
// cache (spec.md §4.4), the mechanism every outbound request that
// expects a matching response (introduction-request, signature-request,
// missing-*) registers itself under.
package requestcache

import (
	"math/rand"
	"sync"
	"time"
)

// Cache is one claimed identifier's payload. OnTimeout fires once, at
// most, TimeoutDelay after Set, unless Pop runs first. OnCleanup fires
// CleanupDelay after a Pop, during which a late, matching response is
// silently absorbed rather than causing an unknown-identifier drop
// (spec.md §7 "Cache timeout", §8 property 7).
type Cache interface {
	TimeoutDelay() time.Duration
	CleanupDelay() time.Duration
	OnTimeout()
	OnCleanup()
}

type entry struct {
	cache Cache
	timer *time.Timer
}

// RequestCache maps 16-bit request identifiers to in-flight Cache
// values (spec.md §4.4: "a 16-bit request identifier").
type RequestCache struct {
	mu          sync.Mutex
	identifiers map[uint16]entry
	rng         *rand.Rand
}

func New() *RequestCache {
	return &RequestCache{
		identifiers: make(map[uint16]entry),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Claim picks an identifier not currently in use and Sets cache under
// it, returning the identifier.
func (rc *RequestCache) Claim(cache Cache) uint16 {
	rc.mu.Lock()
	var id uint16
	for {
		id = uint16(rc.rng.Intn(1 << 16))
		if _, used := rc.identifiers[id]; !used {
			break
		}
	}
	rc.mu.Unlock()
	rc.Set(id, cache)
	return id
}

// Set installs cache under identifier, arming its timeout timer.
// Set panics if identifier is already claimed, matching the Python
// assertion it is grounded on: callers always claim or pick an
// identifier known to be free.
func (rc *RequestCache) Set(identifier uint16, cache Cache) {
	rc.mu.Lock()
	if _, used := rc.identifiers[identifier]; used {
		rc.mu.Unlock()
		panic("requestcache: identifier already in use")
	}
	timer := time.AfterFunc(cache.TimeoutDelay(), func() { rc.onTimeout(identifier) })
	rc.identifiers[identifier] = entry{cache: cache, timer: timer}
	rc.mu.Unlock()
}

func (rc *RequestCache) onTimeout(identifier uint16) {
	rc.mu.Lock()
	e, ok := rc.identifiers[identifier]
	rc.mu.Unlock()
	if !ok {
		return
	}
	e.cache.OnTimeout()

	rc.mu.Lock()
	defer rc.mu.Unlock()
	// The timed-out cache may have been popped by OnTimeout itself;
	// only re-arm cleanup if it is still present.
	if _, stillThere := rc.identifiers[identifier]; !stillThere {
		return
	}
	if delay := e.cache.CleanupDelay(); delay > 0 {
		rc.identifiers[identifier] = entry{cache: e.cache, timer: time.AfterFunc(delay, func() { rc.onCleanup(identifier) })}
	} else {
		delete(rc.identifiers, identifier)
	}
}

func (rc *RequestCache) onCleanup(identifier uint16) {
	rc.mu.Lock()
	e, ok := rc.identifiers[identifier]
	if ok {
		delete(rc.identifiers, identifier)
	}
	rc.mu.Unlock()
	if ok {
		e.cache.OnCleanup()
	}
}

func (rc *RequestCache) lookup(identifier uint16) (Cache, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.identifiers[identifier]
	if !ok {
		return nil, false
	}
	return e.cache, true
}

// Has reports whether identifier is claimed with a cache assignable to T.
func Has[T Cache](rc *RequestCache, identifier uint16) bool {
	_, ok := Get[T](rc, identifier)
	return ok
}

// Get returns the cache stored under identifier if it is assignable to
// T, without removing it or affecting its timer.
func Get[T Cache](rc *RequestCache, identifier uint16) (T, bool) {
	var zero T
	cache, ok := rc.lookup(identifier)
	if !ok {
		return zero, false
	}
	typed, ok := cache.(T)
	return typed, ok
}

// Pop removes the cache stored under identifier if it is assignable to
// T, canceling its timeout timer and arming CleanupDelay if non-zero
// (spec.md §4.4, §8 property 7's "after pop, any response within
// cleanup_delay is matched-and-discarded silently").
func Pop[T Cache](rc *RequestCache, identifier uint16) (T, bool) {
	var zero T
	rc.mu.Lock()
	e, ok := rc.identifiers[identifier]
	if !ok {
		rc.mu.Unlock()
		return zero, false
	}
	typed, ok := e.cache.(T)
	if !ok {
		rc.mu.Unlock()
		return zero, false
	}
	e.timer.Stop()
	if delay := e.cache.CleanupDelay(); delay > 0 {
		rc.identifiers[identifier] = entry{cache: e.cache, timer: time.AfterFunc(delay, func() { rc.onCleanup(identifier) })}
	} else {
		delete(rc.identifiers, identifier)
	}
	rc.mu.Unlock()
	return typed, true
}

// Len reports the number of currently claimed identifiers, including
// those in their post-pop cleanup window.
func (rc *RequestCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.identifiers)
}
