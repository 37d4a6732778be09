// Package ingress implements the incoming-packet pipeline: classify,
// batch, decode, distribution-check, community-check, then
// store-update-forward (spec.md §4.2).
package ingress

import (
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/store"
	"github.com/triblerteam/dispersy/wire"
)

// Stats receives reason-keyed counters for every drop/delay/success
// (spec.md §7's "every exceptional condition bumps a reason-keyed
// counter"). The statistics package implements this against prometheus.
type Stats interface {
	IncDrop(reason string)
	IncDelay(reason string)
	IncSuccess(metaName string)
}

type noopStats struct{}

func (noopStats) IncDrop(string)    {}
func (noopStats) IncDelay(string)   {}
func (noopStats) IncSuccess(string) {}

// CommunityLookup resolves a community by cid, auto-loading it if
// configured and permitted (spec.md §4.2 step 1). Returning (nil,
// false) causes an unknown-community drop.
type CommunityLookup func(cid community.Cid) (*community.Community, bool)

// Pipeline threads one node's shared collaborators through every
// incoming packet.
type Pipeline struct {
	registry *wire.Registry
	lookup   CommunityLookup
	store    *store.Store
	stats    Stats

	rateMu    sync.Mutex
	limiters  map[candidate.Address]*rate.Limiter
	rateLimit rate.Limit
	burst     int
}

// Option configures optional Pipeline behavior not every caller wants
// (pipeline_test.go's fakes construct a Pipeline with none of these).
type Option func(*Pipeline)

// WithRateLimit caps how many packets per second one candidate address
// may push through Decode before its packets are dropped, a per-
// requester backpressure mechanism the original leaves to the deployer
// (not present in the retrieved dispersy.py); each candidate gets its
// own token bucket, lazily created on first sight.
func WithRateLimit(packetsPerSecond float64, burst int) Option {
	return func(p *Pipeline) {
		p.rateLimit = rate.Limit(packetsPerSecond)
		p.burst = burst
		p.limiters = make(map[candidate.Address]*rate.Limiter)
	}
}

func New(registry *wire.Registry, lookup CommunityLookup, st *store.Store, stats Stats, opts ...Option) *Pipeline {
	if stats == nil {
		stats = noopStats{}
	}
	p := &Pipeline{registry: registry, lookup: lookup, store: st, stats: stats}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// allow reports whether cand's token bucket has capacity for one more
// packet; always true when rate limiting was never configured.
func (p *Pipeline) allow(cand *candidate.Candidate) bool {
	if p.limiters == nil {
		return true
	}
	key := candidate.Zero
	if cand != nil {
		key = cand.WAN
	}
	p.rateMu.Lock()
	lim, ok := p.limiters[key]
	if !ok {
		lim = rate.NewLimiter(p.rateLimit, p.burst)
		p.limiters[key] = lim
	}
	p.rateMu.Unlock()
	return lim.Allow()
}

// Decode runs steps 1 and 3 (classify, decode body) for one raw
// packet, returning the decoded Message or a Drop/DelayError.
func (p *Pipeline) Decode(cand *candidate.Candidate, raw []byte, verify bool) (*community.Message, error) {
	if !p.allow(cand) {
		p.stats.IncDrop(string(DropRateLimited))
		return nil, &DropError{Reason: DropRateLimited}
	}

	prefix, _, err := wire.ParsePrefix(raw)
	if err != nil {
		p.stats.IncDrop(string(DropDecodeFailure))
		return nil, &DropError{Reason: DropDecodeFailure}
	}

	if _, ok := p.lookup(prefix.Community); !ok {
		p.stats.IncDrop(string(DropUnknownCommunity))
		return nil, &DropError{Reason: DropUnknownCommunity}
	}

	conv, err := p.registry.Lookup(prefix)
	if err != nil {
		p.stats.IncDrop(string(DropUnknownConversion))
		return nil, err
	}

	msg, err := conv.DecodeMessage(cand, raw, verify)
	if err != nil {
		switch err.(type) {
		case *DelayError:
			p.stats.IncDelay(err.Error())
		default:
			p.stats.IncDrop(string(DropDecodeFailure))
		}
		return nil, err
	}
	return msg, nil
}

// CheckDistribution implements step 4's per-policy validation. It
// never touches the store except to read: callers apply the insert
// themselves once every check in the batch has passed (spec.md §4.2
// step 6's "atomic per batch").
func (p *Pipeline) CheckDistribution(comm *community.Community, msg *community.Message) error {
	mm := msg.Meta
	switch mm.Distribution.Kind {
	case community.DistributionDirect:
		return nil

	case community.DistributionFullSync:
		if msg.GlobalTime > comm.AcceptableGlobalTime() {
			p.stats.IncDrop(string(DropStaleGlobalTime))
			return &DropError{Reason: DropStaleGlobalTime}
		}
		if !mm.Distribution.SequenceNumbers {
			return nil
		}
		pub := msg.Member.PublicKey.SerializeCompressed()
		highest := p.store.HighestSequence(comm.Cid, mm.Name, pub)
		switch {
		case msg.Sequence <= highest:
			p.stats.IncDrop(string(DropDuplicate))
			return &DropError{Reason: DropDuplicate}
		case msg.Sequence == highest+1:
			return nil
		default:
			p.stats.IncDelay(string(DelayBySequence))
			return &DelayError{Reason: DelayBySequence, Low: highest + 1, High: msg.Sequence - 1}
		}

	case community.DistributionLastSync:
		if msg.GlobalTime > comm.AcceptableGlobalTime() {
			p.stats.IncDrop(string(DropStaleGlobalTime))
			return &DropError{Reason: DropStaleGlobalTime}
		}
		pub, key := store.SyncKey(msg.Member.PublicKey.SerializeCompressed(), secondSignerPub(msg))
		if p.store.Has(comm.Cid, pub, msg.GlobalTime) {
			p.stats.IncDrop(string(DropDuplicate))
			return &DropError{Reason: DropDuplicate}
		}
		count := p.store.LastSyncCount(comm.Cid, mm.Name, key)
		if count >= mm.Distribution.HistorySize {
			min, found := p.store.LastSyncMin(comm.Cid, mm.Name, key)
			if found && msg.GlobalTime <= min {
				p.stats.IncDrop(string(DropOld))
				drop := &DropError{Reason: DropOld}
				if mm.Distribution.HistorySize == 1 {
					if packet, ok, _ := p.store.GetPacket(comm.Cid, pub, min); ok {
						drop.SendBackPacket = packet
					}
				}
				return drop
			}
		}
		return nil

	default:
		return nil
	}
}

func secondSignerPub(msg *community.Message) []byte {
	if msg.Member2 == nil {
		return nil
	}
	return msg.Member2.PublicKey.SerializeCompressed()
}

// SortDirectBatch orders a batch of direct-distribution messages by
// (global_time, packet bytes), the ordering spec.md §4.2 step 4 and §8
// scenario S6 require before they're handed to the community handler.
func SortDirectBatch(messages []*community.Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		if messages[i].GlobalTime != messages[j].GlobalTime {
			return messages[i].GlobalTime < messages[j].GlobalTime
		}
		return string(messages[i].Packet) < string(messages[j].Packet)
	})
}

// StoreUpdateForward performs step 6 for one accepted message of a
// sync distribution kind: insert, run the meta's Handle on a newly
// stored row, then commit the store only when the message was authored
// by ourselves (spec.md §4.2 step 6). Forwarding is left to the caller.
func (p *Pipeline) StoreUpdateForward(comm *community.Community, msg *community.Message, ownMember bool) (store.InsertOutcome, error) {
	mm := msg.Meta
	pub, _ := store.SyncKey(msg.Member.PublicKey.SerializeCompressed(), secondSignerPub(msg))

	row := &store.Row{
		Community:  comm.Cid,
		GlobalTime: msg.GlobalTime,
		MetaName:   mm.Name,
		Sequence:   msg.Sequence,
		Priority:   int32(mm.Distribution.Priority),
		Packet:     msg.Packet,
	}
	copy(row.MemberPub[:], pub)
	if msg.Member2 != nil {
		other := msg.Member.PublicKey.SerializeCompressed()
		if string(pub) == string(other) {
			copy(row.Member2Pub[:], msg.Member2.PublicKey.SerializeCompressed())
		} else {
			copy(row.Member2Pub[:], other)
		}
	}

	outcome, err := p.store.Insert(row)
	if err != nil {
		return outcome, err
	}
	if !outcome.Stored {
		return outcome, nil
	}

	if mm.Handle != nil {
		if err := mm.Handle([]*community.Message{msg}); err != nil {
			return outcome, err
		}
	}
	p.stats.IncSuccess(mm.Name)

	if ownMember {
		if err := p.store.Commit(); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}
