// Package candidate implements the per-community candidate table:
// address validity, candidate categories, and WAN-address voting
// (spec.md §4.3, §6, §8 properties 8-9).
package candidate

import (
	"net"
	"sync"
	"time"

	"github.com/triblerteam/dispersy/member"
)

// Address is a UDP socket address, the unit the walker and candidate
// table reason about (spec.md §6).
type Address struct {
	Host string
	Port int
}

// Zero is the sentinel "no address" value; LAN/WAN fields hold this
// until estimate_lan_wan fills them in.
var Zero = Address{Host: "0.0.0.0", Port: 0}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, itoa(a.Port))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// IsValid implements the §6 address-validity rule exactly: host must
// parse as IPv4, must not be 0.0.0.0 nor empty, and the final octet
// must be neither 0 nor 255.
func (a Address) IsValid() bool {
	if a.Host == "" || a.Host == "0.0.0.0" || a.Port <= 0 {
		return false
	}
	ip := net.ParseIP(a.Host)
	if ip == nil {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	last := v4[3]
	return last != 0 && last != 255
}

// Category is the time-decayed relationship a candidate currently has
// with us (spec.md §4.3).
type Category int

const (
	CategoryNone Category = iota
	CategoryWalk
	CategoryStumble
	CategoryIntro
)

func (c Category) String() string {
	switch c {
	case CategoryWalk:
		return "walk"
	case CategoryStumble:
		return "stumble"
	case CategoryIntro:
		return "intro"
	default:
		return "none"
	}
}

// Decay windows per category (spec.md §4.3's "each category has a
// decay window"): 27.5s for walk and 57.5s for stumble and intro
// (CANDIDATE_WALK_LIFETIME and siblings aren't present in the
// retrieval-filtered dispersy.py, so these follow the 27.5s / 57.5s
// walker constants cross-referenced against the 4.5s sync-interval and
// 10.5s request-cache timeout actually present in the source).
const (
	WalkLifetime    = 27500 * time.Millisecond
	StumbleLifetime = 57500 * time.Millisecond
	IntroLifetime   = 57500 * time.Millisecond
)

// ConnectionType describes our own NAT situation, derived from WAN
// voting (spec.md §4.3).
type ConnectionType int

const (
	ConnectionUnknown ConnectionType = iota
	ConnectionPublic
	ConnectionSymmetricNAT
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionPublic:
		return "public"
	case ConnectionSymmetricNAT:
		return "symmetric-NAT"
	default:
		return "unknown"
	}
}

// Candidate is one known peer, scoped to the community table it lives
// in. Times are last-observed timestamps per category; Category()
// derives the live category from them.
type Candidate struct {
	WAN Address
	LAN Address

	Member *member.Member // nil until identity is learned

	// ConnType is the connection type this candidate last reported
	// about itself (carried on introduction-request/response payloads),
	// used to avoid introducing two symmetric-NAT peers to each other.
	ConnType ConnectionType

	lastWalk    time.Time
	lastStumble time.Time
	lastIntro   time.Time
	introActive bool // true once a direct message has been heard from an intro candidate

	incomingCount int
}

// New creates a candidate known only by its WAN/LAN addresses.
func New(wan, lan Address) *Candidate {
	return &Candidate{WAN: wan, LAN: lan}
}

// Category reports the candidate's live category at now, the highest
// precedence one in walk > stumble > intro order (spec.md §4.3: a
// candidate we both walked to and who stumbled on us is still walk).
func (c *Candidate) Category(now time.Time) Category {
	if !c.lastWalk.IsZero() && now.Sub(c.lastWalk) < WalkLifetime {
		return CategoryWalk
	}
	if !c.lastStumble.IsZero() && now.Sub(c.lastStumble) < StumbleLifetime {
		return CategoryStumble
	}
	if !c.lastIntro.IsZero() && now.Sub(c.lastIntro) < IntroLifetime {
		return CategoryIntro
	}
	return CategoryNone
}

// Obsolete reports whether none of the category windows are active.
func (c *Candidate) Obsolete(now time.Time) bool {
	return c.Category(now) == CategoryNone
}

func (c *Candidate) MarkWalk(now time.Time)    { c.lastWalk = now }
func (c *Candidate) MarkStumble(now time.Time) { c.lastStumble = now }
func (c *Candidate) MarkIntro(now time.Time) {
	c.lastIntro = now
	c.introActive = false
}

// MarkActive clears the "inactive" flag an intro candidate carries
// until a direct message (typically a puncture) is heard from it
// (spec.md §8 scenario S1).
func (c *Candidate) MarkActive() { c.introActive = true }

// IntroActive reports whether an intro candidate has been heard from
// directly yet.
func (c *Candidate) IntroActive() bool { return c.introActive }

func (c *Candidate) IncomingCount() int { return c.incomingCount }
func (c *Candidate) BumpIncoming()      { c.incomingCount++ }

// Key identifies a candidate's WAN address for table lookups; WAN
// rather than LAN because LAN addresses are not unique across NATs.
func (c *Candidate) Key() Address { return c.WAN }

// Table holds every known candidate for one community.
type Table struct {
	mu    sync.RWMutex
	byWAN map[Address]*Candidate
}

func NewTable() *Table {
	return &Table{byWAN: make(map[Address]*Candidate)}
}

// GetOrCreate returns the existing candidate for wan, or inserts a new
// one (spec.md §4.3 "get_candidate"), deduplicating on WAN address
// (the "_filter_duplicate_candidate" behavior).
func (t *Table) GetOrCreate(wan, lan Address) *Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.byWAN[wan]; ok {
		if lan.IsValid() {
			c.LAN = lan
		}
		return c
	}
	c := New(wan, lan)
	t.byWAN[wan] = c
	return c
}

func (t *Table) Get(wan Address) (*Candidate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byWAN[wan]
	return c, ok
}

func (t *Table) Remove(wan Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byWAN, wan)
}

// All returns a snapshot slice of every candidate, for walker
// selection and periodic cleanup.
func (t *Table) All() []*Candidate {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Candidate, 0, len(t.byWAN))
	for _, c := range t.byWAN {
		out = append(out, c)
	}
	return out
}

// CleanupObsolete removes every candidate whose Obsolete(now) holds,
// matching "_periodically_cleanup_candidates"'s is_all_obsolete purge.
func (t *Table) CleanupObsolete(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for wan, c := range t.byWAN {
		if c.Obsolete(now) {
			delete(t.byWAN, wan)
			removed++
		}
	}
	return removed
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byWAN)
}
