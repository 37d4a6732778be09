package missing

import (
	"sync"
	"time"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/store"
)

// Per-family timeouts (spec.md §4.5's table).
const (
	TimeoutIdentity    = 4500 * time.Millisecond
	TimeoutMessage     = 10 * time.Second
	TimeoutLastMessage = 10 * time.Second
	TimeoutSequence    = 10 * time.Second
	TimeoutProof       = 10 * time.Second
)

// overview tracks, per missing-sequence key family, the highest
// already-requested watermark so overlapping ranges coalesce instead
// of re-requesting a subsumed [lo, hi] (spec.md §4.5's "auxiliary
// overview cache").
type overview struct {
	mu          sync.Mutex
	missingHigh map[string]uint32
}

func newOverview() *overview {
	return &overview{missingHigh: make(map[string]uint32)}
}

// alreadyCovers reports whether a prior request already subsumes
// [lo, high], and if not, records high as the new watermark.
func (o *overview) alreadyCovers(key string, high uint32) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.missingHigh[key]; ok && prev >= high {
		return true
	}
	o.missingHigh[key] = high
	return false
}

// Responders answers the five missing-* request types from the local
// Store, and drives the five request-side Await calls for our own
// outstanding needs.
type Responders struct {
	store    *store.Store
	cache    *Cache
	overview *overview
}

func NewResponders(st *store.Store, cache *Cache) *Responders {
	return &Responders{store: st, cache: cache, overview: newOverview()}
}

// RequestIdentity asks for every message authored by mid, coalescing
// concurrent requesters and firing cb once resolved or timed out.
func (r *Responders) RequestIdentity(cid community.Cid, mid member.Mid, cb Callback, send func()) {
	r.cache.Await(KeyMissingIdentity(cid, mid), TimeoutIdentity, cb, send)
}

func (r *Responders) RequestMessage(cid community.Cid, mid member.Mid, globalTime uint64, cb Callback, send func()) {
	r.cache.Await(KeyMissingMessage(cid, mid, globalTime), TimeoutMessage, cb, send)
}

func (r *Responders) RequestLastMessage(cid community.Cid, mid member.Mid, metaName string, cb Callback, send func()) {
	r.cache.Await(KeyMissingLastMessage(cid, mid, metaName), TimeoutLastMessage, cb, send)
}

// RequestSequence asks for sequence numbers up to missingHigh,
// skipping the send entirely (and the Await registration) if a prior
// request already subsumes this range.
func (r *Responders) RequestSequence(cid community.Cid, mid member.Mid, metaName string, missingHigh uint32, cb Callback, send func()) {
	key := KeyMissingSequence(cid, mid, metaName, missingHigh)
	overviewKey := cid.String() + "|" + string(mid[:]) + "|" + metaName
	if r.overview.alreadyCovers(overviewKey, missingHigh) {
		return
	}
	r.cache.Await(key, TimeoutSequence, cb, send)
}

func (r *Responders) RequestProof(cid community.Cid, cb Callback, send func()) {
	r.cache.Await(KeyMissingProof(cid), TimeoutProof, cb, send)
}

// RespondPackets answers a missing-* request against the Store, up to
// maxBytes total, so one requester can't amplify a flood (spec.md
// §4.5's dispersy_missing_sequence_response_limit bound). lowSeq /
// highSeq bound which sequence-numbered rows are candidates; pass 0,0
// to disregard sequence entirely (identity/last-message/proof lookups).
func RespondPackets(st *store.Store, cid community.Cid, memberPub []byte, lowSeq, highSeq uint32, maxBytes int, fn func(packet []byte) bool) error {
	sent := 0
	return st.QuerySync(cid, 0, ^uint64(0), 1, 0, 0, func(row *store.Row) bool {
		if string(row.MemberPub[:]) != string(memberPub) {
			return true
		}
		if lowSeq > 0 && (row.Sequence < lowSeq || row.Sequence > highSeq) {
			return true
		}
		if sent+len(row.Packet) > maxBytes && sent > 0 {
			return false
		}
		sent += len(row.Packet)
		return fn(row.Packet)
	})
}
