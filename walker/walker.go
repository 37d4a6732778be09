// Package walker implements the NAT-traversal peer-sampling walker:
// address estimation, introduction-request/response and
// puncture-request/puncture handling, and walk scheduling
// (spec.md §4.3).
package walker

import (
	"math/rand"
	"time"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/requestcache"
)

// IntroductionTimeout is the request-cache timeout for an outstanding
// introduction-request (spec.md §4.3: "a 16-bit request identifier
// installed in the Request Cache with a 10.5 s timeout").
const IntroductionTimeout = 10500 * time.Millisecond

// SyncInterval is the minimum spacing between sync exchanges for one
// community, independent of walk rate (spec.md §4.3).
const SyncInterval = 4500 * time.Millisecond

// StepInterval computes the per-community walk target spacing: one
// step per max(0.1, 5.0/n) seconds, where n is the number of
// communities sharing the walker (spec.md §4.3).
func StepInterval(communities int) time.Duration {
	if communities < 1 {
		communities = 1
	}
	secs := 5.0 / float64(communities)
	if secs < 0.1 {
		secs = 0.1
	}
	return time.Duration(secs * float64(time.Second))
}

// DriftThreshold is a 5s bound on how far wall-clock may lag a target
// walk time (spec.md §4.3). Nothing reads it: Node.Run's scheduler
// neither resets its clock nor counts drift events.
const DriftThreshold = 5 * time.Second

// SyncDescriptor accompanies an introduction-request when the sender
// wants a bloom-filter anti-entropy exchange in the same round trip
// (spec.md §4.3).
type SyncDescriptor struct {
	TimeLow  uint64
	TimeHigh uint64
	Modulo   uint64
	Offset   uint64
	Bloom    []byte // opaque serialized bloom filter
}

// IntroductionRequest is the outbound dispersy-introduction-request
// payload (spec.md §4.3).
type IntroductionRequest struct {
	Identifier        uint16
	SourceLAN         candidate.Address
	SourceWAN         candidate.Address
	DestinationAddr   candidate.Address
	Advice            bool
	ConnectionType    candidate.ConnectionType
	Sync              *SyncDescriptor
}

// IntroductionResponse is the reply to an introduction-request.
type IntroductionResponse struct {
	Identifier      uint16
	SourceLAN       candidate.Address
	SourceWAN       candidate.Address
	DestinationAddr candidate.Address
	ConnectionType  candidate.ConnectionType
	IntroducedLAN   candidate.Address
	IntroducedWAN   candidate.Address
}

// PunctureRequest asks its recipient to send a puncture to Walker.
// Identifier is carried over from the introduction-request that
// prompted it, so the eventual Puncture can echo it back
// (dispersy.py:2429's payload tuple ends with `payload.identifier`).
type PunctureRequest struct {
	LAN        candidate.Address
	WAN        candidate.Address
	Walker     candidate.Address
	Identifier uint16
}

// Puncture is the NAT hole-punch datagram sent to a walker named in a
// PunctureRequest; Identifier matches the original introduction-request
// so OnPuncture can find the right request-cache entry
// (dispersy.py:2630).
type Puncture struct {
	SourceLAN  candidate.Address
	SourceWAN  candidate.Address
	Identifier uint16
}

// introductionRequestCache tracks one outstanding introduction-request
// so the response handler can find the candidate it was sent to.
type introductionRequestCache struct {
	destination *candidate.Candidate
}

func (c *introductionRequestCache) TimeoutDelay() time.Duration { return IntroductionTimeout }
func (c *introductionRequestCache) CleanupDelay() time.Duration { return 0 }
func (c *introductionRequestCache) OnTimeout()                  {}
func (c *introductionRequestCache) OnCleanup()                  {}

// Walker drives one community's peer sampling: address estimation,
// WAN voting, candidate selection, and the request-cache-tracked
// introduction handshake.
type Walker struct {
	Table *candidate.Table
	WAN   *candidate.WANVoter
	Cache *requestcache.RequestCache

	ownLAN candidate.Address
	ownWAN candidate.Address
	rng    *rand.Rand
}

func New(table *candidate.Table, wan *candidate.WANVoter, cache *requestcache.RequestCache, ownLAN, ownWAN candidate.Address) *Walker {
	return &Walker{
		Table:  table,
		WAN:    wan,
		Cache:  cache,
		ownLAN: ownLAN,
		ownWAN: ownWAN,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// EstimateLanWan implements estimate_lan_wan (spec.md §4.3): given the
// socket address a message actually arrived from and the LAN/WAN the
// sender claims, derive what we believe the sender's real addresses
// are.
func (w *Walker) EstimateLanWan(sockAddr, claimedLAN, claimedWAN candidate.Address) (lan, wan candidate.Address) {
	lan, wan = claimedLAN, claimedWAN

	if lan == w.ownLAN || !lan.IsValid() {
		lan = sockAddr
	}
	if wan == w.ownWAN || !wan.IsValid() {
		wan = sockAddr
	}

	switch {
	case sockAddr.Host == w.ownWAN.Host:
		// Same WAN host as us: probably behind the same NAT.
		lan = sockAddr
	case sockAddr.IsValid():
		// Different WAN, sock address looks routable: treat as WAN.
		wan = sockAddr
	case wan.IsValid():
		// Keep the claimed WAN; sock address isn't usable as one.
	default:
		wan = candidate.Zero
	}
	return lan, wan
}

// YieldWalkCandidates selects the next candidate to walk towards, a
// weighted rotation favoring stumble/intro candidates over none
// (see DESIGN.md's "yield_walk_candidates weighting" resolution for
// why these weights were chosen over the unavailable original ones).
func (w *Walker) YieldWalkCandidates(now time.Time) *candidate.Candidate {
	all := w.Table.All()
	type weighted struct {
		c      *candidate.Candidate
		weight int
	}
	var pool []weighted
	total := 0
	for _, c := range all {
		weight := 1
		switch c.Category(now) {
		case candidate.CategoryStumble:
			weight = 3
		case candidate.CategoryIntro:
			weight = 2
		}
		pool = append(pool, weighted{c, weight})
		total += weight
	}
	if total == 0 {
		return nil
	}
	pick := w.rng.Intn(total)
	for _, p := range pool {
		if pick < p.weight {
			return p.c
		}
		pick -= p.weight
	}
	return nil
}

// CreateIntroductionRequest claims a request-cache identifier for a
// walk step towards dest, returning the message to send.
func (w *Walker) CreateIntroductionRequest(dest *candidate.Candidate, advice bool, sync *SyncDescriptor) (*IntroductionRequest, uint16) {
	id := w.Cache.Claim(&introductionRequestCache{destination: dest})
	dest.MarkWalk(time.Now())
	return &IntroductionRequest{
		Identifier:      id,
		SourceLAN:       w.ownLAN,
		SourceWAN:       w.ownWAN,
		DestinationAddr: dest.WAN,
		Advice:          advice,
		ConnectionType:  w.WAN.ConnectionType(),
		Sync:            sync,
	}, id
}

// OnIntroductionRequest processes an inbound introduction-request:
// estimates the sender's real addresses, applies a WAN vote, marks the
// sender stumble, and (if advice is set) selects a candidate to
// introduce, never pairing two symmetric-NAT peers and never
// introducing the requester's own LAN twin (spec.md §4.3).
func (w *Walker) OnIntroductionRequest(req *IntroductionRequest, sockAddr candidate.Address) (resp *IntroductionResponse, puncture *PunctureRequest, introduced *candidate.Candidate) {
	lan, wan := w.EstimateLanWan(sockAddr, req.SourceLAN, req.SourceWAN)
	if lan == candidate.Zero || wan == candidate.Zero {
		return nil, nil, nil
	}

	sender := w.Table.GetOrCreate(wan, lan)
	sender.MarkStumble(time.Now())
	sender.ConnType = req.ConnectionType
	w.WAN.Vote(req.DestinationAddr, wan)

	if req.Advice {
		introduced = w.pickIntroduction(sender, req.ConnectionType)
	}

	resp = &IntroductionResponse{
		Identifier:      req.Identifier,
		SourceLAN:       w.ownLAN,
		SourceWAN:       w.ownWAN,
		DestinationAddr: sockAddr,
		ConnectionType:  w.WAN.ConnectionType(),
	}
	if introduced != nil {
		resp.IntroducedLAN = introduced.LAN
		resp.IntroducedWAN = introduced.WAN
		puncture = &PunctureRequest{LAN: sender.LAN, WAN: sender.WAN, Walker: sender.WAN, Identifier: req.Identifier}
	}
	return resp, puncture, introduced
}

func (w *Walker) pickIntroduction(requester *candidate.Candidate, requesterConn candidate.ConnectionType) *candidate.Candidate {
	all := w.Table.All()
	if len(all) == 0 {
		return nil
	}
	start := w.rng.Intn(len(all))
	for i := 0; i < len(all); i++ {
		cand := all[(start+i)%len(all)]
		if cand.WAN == requester.WAN {
			continue // never introduce the requester's own LAN twin
		}
		if requesterConn == candidate.ConnectionSymmetricNAT &&
			cand.ConnType == candidate.ConnectionSymmetricNAT &&
			cand.WAN.Host != requester.WAN.Host {
			continue // never pair two peers behind different symmetric NATs
		}
		return cand
	}
	return nil
}

// OnIntroductionResponse processes a reply to one of our own
// introduction-requests: requires a live cache entry, validates the
// addresses, and records the introduced peer as intro (spec.md §4.3).
func (w *Walker) OnIntroductionResponse(resp *IntroductionResponse) (sender *candidate.Candidate, introduced *candidate.Candidate, ok bool) {
	cache, found := requestcache.Pop[*introductionRequestCache](w.Cache, resp.Identifier)
	if !found {
		return nil, nil, false
	}
	sender = cache.destination
	w.WAN.Vote(resp.DestinationAddr, sender.WAN)

	if resp.IntroducedWAN.IsValid() {
		introduced = w.Table.GetOrCreate(resp.IntroducedWAN, resp.IntroducedLAN)
		introduced.MarkIntro(time.Now())
	}
	return sender, introduced, true
}

// OnPunctureRequest returns the Puncture to send to the walker named in
// req and the address to send it to: the walker's LAN address when the
// walker's WAN host matches ours, else its WAN address (spec.md §4.3).
// The addresses in req are not validated.
func (w *Walker) OnPunctureRequest(req *PunctureRequest, ourWANHost string) (target candidate.Address, p *Puncture) {
	target = req.Walker
	if req.WAN.Host == ourWANHost {
		target = req.LAN
	}
	return target, &Puncture{SourceLAN: w.ownLAN, SourceWAN: w.ownWAN, Identifier: req.Identifier}
}

// OnPuncture requires a live introduction-request cache for the
// walker and promotes it to a normal (active) candidate, resetting its
// intro timer (spec.md §4.3, §8 scenario S1).
func (w *Walker) OnPuncture(identifier uint16, from candidate.Address) bool {
	_, found := requestcache.Get[*introductionRequestCache](w.Cache, identifier)
	if !found {
		return false
	}
	if c, ok := w.Table.Get(from); ok {
		c.MarkActive()
		c.MarkIntro(time.Now())
	}
	return true
}
