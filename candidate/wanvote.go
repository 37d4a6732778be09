package candidate

import "sync"

// WANVoter tracks (claimed_address, voter) WAN-address votes and
// derives our own WAN address and connection type from them (spec.md
// §4.3 "WAN-address voting", §8 property 9).
//
// Each voter contributes at most one vote; a new claim from a voter
// unvotes its previous claim. The address with the most votes wins;
// ties leave the current address unchanged.
type WANVoter struct {
	mu         sync.Mutex
	votesByVoter map[Address]Address // voter -> claimed address
	counts       map[Address]int

	current        Address
	connectionType ConnectionType
	lan            Address
}

func NewWANVoter() *WANVoter {
	return &WANVoter{
		votesByVoter: make(map[Address]Address),
		counts:       make(map[Address]int),
		current:      Zero,
	}
}

// Vote records voter's claim of claimed as our WAN address and
// re-derives the winning address and connection type.
func (w *WANVoter) Vote(claimed, voter Address) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if prev, ok := w.votesByVoter[voter]; ok {
		if prev == claimed {
			return
		}
		w.counts[prev]--
		if w.counts[prev] <= 0 {
			delete(w.counts, prev)
		}
	}
	w.votesByVoter[voter] = claimed
	w.counts[claimed]++

	w.recompute()
}

// Unvote removes voter's most recent claim entirely.
func (w *WANVoter) Unvote(voter Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	claimed, ok := w.votesByVoter[voter]
	if !ok {
		return
	}
	delete(w.votesByVoter, voter)
	w.counts[claimed]--
	if w.counts[claimed] <= 0 {
		delete(w.counts, claimed)
	}
	w.recompute()
}

// recompute derives the winning address (most votes; ties leave the
// current address unchanged, spec.md §8 property 9) and the
// connection type (more than one distinct claimed address currently
// in play is symmetric-NAT evidence; a single claimed address equal
// to our LAN is public).
func (w *WANVoter) recompute() {
	var best Address
	bestCount := 0
	tieAtBest := false
	for addr, n := range w.counts {
		switch {
		case n > bestCount:
			best, bestCount, tieAtBest = addr, n, false
		case n == bestCount && n > 0 && addr != best:
			tieAtBest = true
		}
	}
	if bestCount > 0 && !tieAtBest {
		w.current = best
	}

	switch {
	case len(w.counts) > 1:
		w.connectionType = ConnectionSymmetricNAT
	case w.lan.IsValid() && w.current == w.lan:
		w.connectionType = ConnectionPublic
	default:
		w.connectionType = ConnectionUnknown
	}
}

// SetLAN records our own LAN address, used to detect the "public"
// connection type (lan_address == wan_address).
func (w *WANVoter) SetLAN(lan Address) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lan = lan
	w.recompute()
}

func (w *WANVoter) Current() Address {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *WANVoter) ConnectionType() ConnectionType {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connectionType
}
