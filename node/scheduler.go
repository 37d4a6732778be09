package node

import (
	"context"
	"fmt"
	"time"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/walker"
	"github.com/triblerteam/dispersy/wire"
)

// MetaIntroductionRequest and friends name the four standard
// walker-handshake meta-messages a community must DefineMeta before
// attaching, the Go analogue of initiate_meta_messages's four
// walker-candidate entries (dispersy.py:718).
const (
	MetaIntroductionRequest  = "dispersy-introduction-request"
	MetaIntroductionResponse = "dispersy-introduction-response"
	MetaPunctureRequest      = "dispersy-puncture-request"
	MetaPuncture             = "dispersy-puncture"
)

// Run drives the cooperative scheduler loop until ctx is canceled: one
// walk step per community in round-robin, periodic candidate cleanup,
// a 60s watchdog commit, and bootstrap-host retry. It never spawns a
// goroutine of its own, matching the mutex-guarded single-loop style
// the request cache and missing-cache managers already follow.
func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	cleanup := time.NewTicker(CleanupInterval)
	defer cleanup.Stop()

	watchdog := time.NewTicker(WatchdogInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			n.stepWalk(now)
			n.retryBootstrap(now)
		case now := <-cleanup.C:
			n.cleanupCandidates(now)
		case <-watchdog.C:
			if err := n.store.Commit(); err != nil {
				n.log.Error("watchdog commit failed", "error", err)
			}
		}
	}
}

// stepWalk advances the round-robin cursor to the next community whose
// own StepInterval has elapsed and takes one walk step towards a
// candidate it selects (spec.md §4.3's "one step per community per
// interval, cycling through attached communities").
func (n *Node) stepWalk(now time.Time) {
	n.mu.Lock()
	if len(n.walkOrder) == 0 {
		n.mu.Unlock()
		return
	}
	interval := walker.StepInterval(len(n.walkOrder))
	start := n.walkCursor
	var target *attachedCommunity
	for i := 0; i < len(n.walkOrder); i++ {
		idx := (start + i) % len(n.walkOrder)
		cid := n.walkOrder[idx]
		ac := n.communities[cid]
		if ac != nil && now.Sub(ac.lastWalkStep) >= interval {
			ac.lastWalkStep = now
			n.walkCursor = (idx + 1) % len(n.walkOrder)
			target = ac
			break
		}
	}
	n.mu.Unlock()
	if target == nil {
		return
	}

	dest := target.Walker.YieldWalkCandidates(now)
	if dest == nil {
		return
	}
	var sync *walker.SyncDescriptor
	if now.Sub(target.lastSync) >= walker.SyncInterval {
		target.lastSync = now
		sync, _ = n.buildSyncDescriptor(target.Community)
	}
	req, _ := target.Walker.CreateIntroductionRequest(dest, true, sync)
	if err := n.sendIntroductionRequest(target.Community, req, dest); err != nil {
		n.log.Debug("introduction request not sent", "community", target.Community.Cid, "error", err)
		return
	}
	if n.stats != nil {
		n.stats.WalkAttempt()
	}
}

func (n *Node) sendIntroductionRequest(comm *community.Community, req *walker.IntroductionRequest, dest *candidate.Candidate) error {
	msg, err := n.wrapOutgoing(comm, MetaIntroductionRequest, req)
	if err != nil {
		return err
	}
	return n.encodeAndSend(comm, msg, []*candidate.Address{&dest.WAN})
}

// wrapOutgoing builds a community.Message for a locally-authored
// control message: the meta-message it names must already be defined
// on comm (dispersy.py's initiate_meta_messages does this once per
// community at construction time).
func (n *Node) wrapOutgoing(comm *community.Community, metaName string, payload interface{}) (*community.Message, error) {
	mm, ok := comm.Meta(metaName)
	if !ok {
		return nil, fmt.Errorf("node: community %s has no %q meta-message defined", comm.Cid, metaName)
	}
	return &community.Message{
		Community:  comm,
		Meta:       mm,
		Member:     n.self,
		GlobalTime: comm.ClaimGlobalTime(),
		Payload:    payload,
	}, nil
}

// encodeAndSend looks up the registered Conversion for comm at the
// current wire version and sends the encoded message to dest.
func (n *Node) encodeAndSend(comm *community.Community, msg *community.Message, dest []*candidate.Address) error {
	conv, err := n.registry.Lookup(wire.Prefix{Version: wire.CurrentVersion, SubVersion: wire.CurrentSubVersion, Community: comm.Cid})
	if err != nil {
		return err
	}
	raw, err := conv.Encode(msg)
	if err != nil {
		return err
	}
	if !n.endpoint.Send(dest, raw) {
		return fmt.Errorf("node: endpoint send failed to every destination")
	}
	if n.stats != nil {
		n.stats.Created()
	}
	return nil
}

// cleanupCandidates sweeps every attached community's table for
// obsolete candidates (_periodically_cleanup_candidates).
func (n *Node) cleanupCandidates(now time.Time) {
	n.mu.RLock()
	tables := make([]*candidate.Table, 0, len(n.communities))
	for _, ac := range n.communities {
		tables = append(tables, ac.Table)
	}
	n.mu.RUnlock()
	for _, t := range tables {
		t.CleanupObsolete(now)
	}
}
