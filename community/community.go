package community

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/triblerteam/dispersy/member"
)

// CidSize is the length in bytes of a community identifier.
const CidSize = 20

// Cid is a community identifier, equal to the mid of its master member.
type Cid [CidSize]byte

func (c Cid) String() string { return fmt.Sprintf("%x", c[:]) }

// CidFromMaster derives a community's cid from its master member.
func CidFromMaster(master *member.Member) Cid {
	return Cid(master.Mid())
}

// DefaultGlobalTimeRange bounds how far ahead of our own clock an incoming
// global_time may be before it is refused (spec.md §3).
const DefaultGlobalTimeRange = 10000

// Community is a self-contained replica set: a designated master
// member, a monotonic global_time clock, a timeline of permissions,
// and the meta-messages that make up its schema.
type Community struct {
	Cid            Cid
	Master         *member.Member
	Classification string
	AutoLoad       bool

	globalTime uint64 // atomic
	gtRange    uint64

	Timeline *Timeline

	mu   sync.RWMutex
	meta map[string]*MetaMessage

	destroyed     bool
	destroyedTime uint64 // soft-kill ceiling; 0 when alive
}

// New creates a community rooted at master, starting at global_time 0.
func New(master *member.Member, classification string, autoLoad bool) *Community {
	return &Community{
		Cid:            CidFromMaster(master),
		Master:         master,
		Classification: classification,
		AutoLoad:       autoLoad,
		gtRange:        DefaultGlobalTimeRange,
		Timeline:       NewTimeline(),
		meta:           make(map[string]*MetaMessage),
	}
}

// GlobalTime returns the community's current logical clock value.
func (c *Community) GlobalTime() uint64 {
	return atomic.LoadUint64(&c.globalTime)
}

// ClaimGlobalTime advances and returns the next global_time to use when
// authoring a message.
func (c *Community) ClaimGlobalTime() uint64 {
	return atomic.AddUint64(&c.globalTime, 1)
}

// ObserveGlobalTime advances our clock to at least t, Lamport-style.
func (c *Community) ObserveGlobalTime(t uint64) {
	for {
		cur := atomic.LoadUint64(&c.globalTime)
		if t <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&c.globalTime, cur, t) {
			return
		}
	}
}

// AcceptableGlobalTime is the ceiling above which new messages are
// refused, bounding how much history a single message can claim.
func (c *Community) AcceptableGlobalTime() uint64 {
	return c.GlobalTime() + c.gtRange
}

// SetGlobalTimeRange overrides the acceptable-global-time range.
func (c *Community) SetGlobalTimeRange(r uint64) { c.gtRange = r }

// DefineMeta registers a meta-message under its name.
func (c *Community) DefineMeta(mm *MetaMessage) {
	mm.Community = c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[mm.Name] = mm
}

// Meta looks up a meta-message by name.
func (c *Community) Meta(name string) (*MetaMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mm, ok := c.meta[name]
	return mm, ok
}

// MetaMessages returns every registered meta-message.
func (c *Community) MetaMessages() []*MetaMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*MetaMessage, 0, len(c.meta))
	for _, mm := range c.meta {
		out = append(out, mm)
	}
	return out
}

// SoftKill freezes the community: messages beyond ceiling are refused
// from this point on (spec.md §4.8 destroy / soft-kill).
func (c *Community) SoftKill(ceiling uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.destroyedTime = ceiling
}

// IsDestroyed reports whether the community has been soft- or
// hard-killed.
func (c *Community) IsDestroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// DestroyCeiling returns the global_time ceiling installed by SoftKill.
func (c *Community) DestroyCeiling() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyedTime
}

// HardKill marks the community irrecoverably destroyed and reclassifies
// it to previewClass (spec.md §4.8). Unlike SoftKill it takes no
// ceiling argument: the community's current global_time becomes the
// destroy ceiling, so messages beyond it are refused from then on.
func (c *Community) HardKill(previewClass string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.destroyedTime = atomic.LoadUint64(&c.globalTime)
	c.Classification = previewClass
}
