package community

import (
	"sort"
	"sync"

	"github.com/triblerteam/dispersy/member"
)

// Permission names carried by authorize/revoke triplets (spec.md §4.7).
type Permission string

const (
	PermPermit    Permission = "permit"
	PermAuthorize Permission = "authorize"
	PermRevoke    Permission = "revoke"
	PermUndo      Permission = "undo"
)

type grantEntry struct {
	globalTime uint64
	meta       string
	mid        member.Mid
	permission Permission
	granted    bool // true = authorize, false = revoke
}

type settingsEntry struct {
	globalTime uint64
	meta       string
	resolution Resolution
}

// Timeline is an append-only log of authorize/revoke/dynamic-settings
// messages. At any global_time it yields the resolution policy in
// effect for each (meta-message, member, permission) (spec.md §3).
type Timeline struct {
	mu       sync.RWMutex
	grants   []grantEntry
	settings []settingsEntry
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{}
}

// Authorize appends a grant at globalTime.
func (t *Timeline) Authorize(globalTime uint64, meta string, mid member.Mid, perm Permission) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grants = append(t.grants, grantEntry{globalTime, meta, mid, perm, true})
	t.sortGrantsLocked()
}

// Revoke appends a revocation at globalTime.
func (t *Timeline) Revoke(globalTime uint64, meta string, mid member.Mid, perm Permission) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grants = append(t.grants, grantEntry{globalTime, meta, mid, perm, false})
	t.sortGrantsLocked()
}

func (t *Timeline) sortGrantsLocked() {
	sort.SliceStable(t.grants, func(i, j int) bool { return t.grants[i].globalTime < t.grants[j].globalTime })
}

// HasPermission reports whether mid held perm on meta at atGlobalTime,
// i.e. the most recent authorize/revoke entry at or before atGlobalTime
// is an authorize.
func (t *Timeline) HasPermission(meta string, mid member.Mid, perm Permission, atGlobalTime uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	granted := false
	for _, g := range t.grants {
		if g.globalTime > atGlobalTime {
			break
		}
		if g.meta == meta && g.mid == mid && g.permission == perm {
			granted = g.granted
		}
	}
	return granted
}

// SetResolution installs a new resolution policy for meta starting at
// globalTime (a dynamic-settings message, spec.md §4.7).
func (t *Timeline) SetResolution(globalTime uint64, meta string, res Resolution) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settings = append(t.settings, settingsEntry{globalTime, meta, res})
	sort.SliceStable(t.settings, func(i, j int) bool { return t.settings[i].globalTime < t.settings[j].globalTime })
}

// ResolutionAt returns the resolution policy in effect for meta at
// atGlobalTime, falling back to fallback when no dynamic-settings
// message has touched it yet.
func (t *Timeline) ResolutionAt(meta string, atGlobalTime uint64, fallback Resolution) Resolution {
	t.mu.RLock()
	defer t.mu.RUnlock()

	res := fallback
	for _, s := range t.settings {
		if s.globalTime > atGlobalTime {
			break
		}
		if s.meta == meta {
			res = s.resolution
		}
	}
	return res
}

// GranteesAtGlobalTime returns every member mid currently holding perm
// on meta as of atGlobalTime, the "who is on the authorize chain" query
// a community hard-kill prune needs (spec.md §4.8). This approximates
// dispersy.py:4011-4032's proof-chain walk, which instead follows
// individual dispersy-authorize packet references back to their own
// proofs; this Timeline tracks grants by mid rather than by packet, so
// every mid currently authorized for perm stands in for "the chain".
func (t *Timeline) GranteesAtGlobalTime(meta string, perm Permission, atGlobalTime uint64) []member.Mid {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state := make(map[member.Mid]bool)
	for _, g := range t.grants {
		if g.globalTime > atGlobalTime {
			break
		}
		if g.meta == meta && g.permission == perm {
			state[g.mid] = g.granted
		}
	}
	var out []member.Mid
	for mid, granted := range state {
		if granted {
			out = append(out, mid)
		}
	}
	return out
}

// Check validates that a message is allowed to be published under the
// meta-message's resolution policy (public: always; linear: the
// author must hold the matching permission per the timeline).
func (t *Timeline) Check(mm *MetaMessage, mid member.Mid, atGlobalTime uint64) bool {
	res := t.ResolutionAt(mm.Name, atGlobalTime, mm.Resolution)
	if res == ResolutionPublic {
		return true
	}
	return t.HasPermission(mm.Name, mid, PermPermit, atGlobalTime)
}
