// Package node assembles every collaborator into one running peer: a
// store, a member table, a wire registry, the ingress pipeline, an
// endpoint, and one candidate table/walker pair per attached community,
// driven by a single cooperative scheduler loop (spec.md §4.3, §10).
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/endpoint"
	"github.com/triblerteam/dispersy/ingress"
	"github.com/triblerteam/dispersy/logging"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/missing"
	"github.com/triblerteam/dispersy/requestcache"
	"github.com/triblerteam/dispersy/signature"
	"github.com/triblerteam/dispersy/statistics"
	"github.com/triblerteam/dispersy/store"
	"github.com/triblerteam/dispersy/timeline"
	"github.com/triblerteam/dispersy/walker"
	"github.com/triblerteam/dispersy/wire"
)

// WatchdogInterval is how often the node force-commits the store, the
// Go analogue of dispersy.py:4373's `_watchdog` periodic commit.
const WatchdogInterval = 60 * time.Second

// CleanupInterval is how often every attached community's candidate
// table is swept for obsolete entries.
const CleanupInterval = 5 * time.Second

// DefaultPacketsPerSecond and DefaultPacketBurst bound how fast a
// single candidate address may push packets through the pipeline
// (ingress.WithRateLimit); chosen generously above the 27.5s walk / 57.5s
// stumble cadence so a legitimate, busy peer is never throttled.
const (
	DefaultPacketsPerSecond = 50.0
	DefaultPacketBurst      = 100
)

// schedulerTick is the scheduler's own wakeup granularity; walk steps
// are taken at most once per community's walker.StepInterval, checked
// against this finer-grained tick rather than driven by a ticker whose
// period would have to change every time a community attaches.
const schedulerTick = 100 * time.Millisecond

// attachedCommunity bundles one community's per-community state: the
// candidate table and walker, one per community (spec.md §9's
// per-community _candidates maps), sharing the node's request cache,
// WAN voter, missing-message responders, signature collector, and
// timeline handlers, all of which are keyed by community id already
// and so are safe to share across every attached community.
type attachedCommunity struct {
	Community *community.Community
	Table     *candidate.Table
	Walker    *walker.Walker

	lastWalkStep time.Time
	lastSync     time.Time
}

// Config bundles the dependencies New needs; every field is a
// collaborator so tests can substitute fakes (spec.md §1).
type Config struct {
	Store    *store.Store
	Members  *member.Table
	Registry *wire.Registry
	Endpoint endpoint.Endpoint
	Stats    *statistics.Statistics
	Self     *member.Member
	OwnLAN   candidate.Address
	OwnWAN   candidate.Address
	Log      logging.Logger
}

// Node is one running peer: the collaborators every attached community
// shares, plus the per-community candidate tables and walkers.
type Node struct {
	store    *store.Store
	members  *member.Table
	registry *wire.Registry
	endpoint endpoint.Endpoint
	stats    *statistics.Statistics
	pipeline *ingress.Pipeline
	batcher  *ingress.Batcher

	requestCache *requestcache.RequestCache
	wan          *candidate.WANVoter
	missingCache *missing.Cache
	missing      *missing.Responders
	signature    *signature.Collector
	timeline     *timeline.Handlers

	self   *member.Member
	ownLAN candidate.Address
	log    logging.Logger

	mu          sync.RWMutex
	communities map[community.Cid]*attachedCommunity
	walkOrder   []community.Cid
	walkCursor  int

	bootstrapMu sync.Mutex
	bootstrap   []*bootstrapHost
}

// New assembles a Node from cfg. The ingress pipeline is built here
// because it needs a community-lookup closure bound to this node's own
// registry.
func New(cfg Config) *Node {
	log := cfg.Log
	if log == nil {
		log = logging.NoOp()
	}
	n := &Node{
		store:        cfg.Store,
		members:      cfg.Members,
		registry:     cfg.Registry,
		endpoint:     cfg.Endpoint,
		stats:        cfg.Stats,
		requestCache: requestcache.New(),
		wan:          candidate.NewWANVoter(),
		missingCache: missing.NewCache(),
		self:         cfg.Self,
		ownLAN:       cfg.OwnLAN,
		log:          log,
		communities:  make(map[community.Cid]*attachedCommunity),
	}
	n.wan.SetLAN(cfg.OwnLAN)
	n.missing = missing.NewResponders(cfg.Store, n.missingCache)
	n.signature = signature.NewCollector(n.requestCache)
	n.timeline = timeline.NewHandlers(cfg.Store, cfg.Members)
	n.pipeline = ingress.New(cfg.Registry, n.lookupCommunity, cfg.Store, cfg.Stats,
		ingress.WithRateLimit(DefaultPacketsPerSecond, DefaultPacketBurst))
	n.batcher = ingress.NewBatcher(n.flushBatch, cfg.Stats)
	return n
}

func (n *Node) lookupCommunity(cid community.Cid) (*community.Community, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ac, ok := n.communities[cid]
	if !ok {
		return nil, false
	}
	return ac.Community, true
}

// Pipeline exposes the shared ingress pipeline for the transport layer
// to decode inbound packets through.
func (n *Node) Pipeline() *ingress.Pipeline { return n.pipeline }

// Store exposes the shared store, mostly for cmd/ wiring and tests.
func (n *Node) Store() *store.Store { return n.store }

// Timeline exposes the shared timeline handlers.
func (n *Node) Timeline() *timeline.Handlers { return n.timeline }

// Signature exposes the shared signature collector.
func (n *Node) Signature() *signature.Collector { return n.signature }

// Missing exposes the shared missing-message responders.
func (n *Node) Missing() *missing.Responders { return n.missing }

// ErrAlreadyAttached is returned by AttachCommunity for a cid already
// registered.
var ErrAlreadyAttached = errors.New("node: community already attached")

// ErrNotAttached is returned by operations naming an unattached cid.
var ErrNotAttached = errors.New("node: community not attached")

// AttachCommunity registers comm, giving it its own candidate table and
// walker sharing this node's request cache and WAN voter (spec.md
// §4.1's "joining a community").
func (n *Node) AttachCommunity(comm *community.Community) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.communities[comm.Cid]; ok {
		return ErrAlreadyAttached
	}
	table := candidate.NewTable()
	ac := &attachedCommunity{
		Community: comm,
		Table:     table,
		Walker:    walker.New(table, n.wan, n.requestCache, n.ownLAN, n.wan.Current()),
	}
	n.communities[comm.Cid] = ac
	n.walkOrder = append(n.walkOrder, comm.Cid)
	return nil
}

// DetachCommunity drops comm's candidate table and walker; no
// cross-community candidate state needs reconciling since each
// community's table was always independent (spec.md §9).
func (n *Node) DetachCommunity(cid community.Cid) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.communities[cid]; !ok {
		return ErrNotAttached
	}
	delete(n.communities, cid)
	for i, c := range n.walkOrder {
		if c == cid {
			n.walkOrder = append(n.walkOrder[:i], n.walkOrder[i+1:]...)
			break
		}
	}
	if n.walkCursor >= len(n.walkOrder) {
		n.walkCursor = 0
	}
	return nil
}

// ReclassifyCommunity changes an attached community's classification
// tag in place (dispersy.py's reclassify_community just reassigns the
// in-memory class, no store migration).
func (n *Node) ReclassifyCommunity(cid community.Cid, classification string) error {
	n.mu.RLock()
	ac, ok := n.communities[cid]
	n.mu.RUnlock()
	if !ok {
		return ErrNotAttached
	}
	ac.Community.Classification = classification
	return nil
}

// DestroyCommunity soft-kills comm at the given global-time ceiling
// (community.SoftKill) without detaching it: a destroyed community
// keeps answering queries up to its ceiling but stops accepting new
// sync candidates above it (spec.md §4.1).
func (n *Node) DestroyCommunity(cid community.Cid, ceiling uint64) error {
	n.mu.RLock()
	ac, ok := n.communities[cid]
	n.mu.RUnlock()
	if !ok {
		return ErrNotAttached
	}
	ac.Community.SoftKill(ceiling)
	return nil
}

// CandidateTables implements walker.CandidateProvider, the read-through
// view spec.md §9 describes over every attached community's table.
func (n *Node) CandidateTables() []*candidate.Table {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*candidate.Table, 0, len(n.communities))
	for _, ac := range n.communities {
		out = append(out, ac.Table)
	}
	return out
}

// AllCandidates returns every known candidate across every attached
// community (the GlobalCandidateCache analogue, SPEC_FULL.md §12).
func (n *Node) AllCandidates() []*candidate.Candidate {
	return walker.AllCandidates(n)
}

// AttachedCount reports how many communities are currently attached,
// for tests and StepInterval sizing.
func (n *Node) AttachedCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.communities)
}
