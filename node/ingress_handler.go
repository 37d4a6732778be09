package node

import (
	"errors"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/ingress"
	"github.com/triblerteam/dispersy/walker"
	"github.com/triblerteam/dispersy/wire"
)

// HandlePacket is the socket's entry point into the pipeline (spec.md
// §4.2's data-flow line): decode, then either dispatch a walker control
// message directly or hand the message to the batcher for distribution/
// community-check/store-update-forward. It is suitable as an
// endpoint.Handler.
func (n *Node) HandlePacket(from candidate.Address, raw []byte) {
	prefix, _, err := wire.ParsePrefix(raw)
	if err != nil {
		return
	}

	n.mu.RLock()
	ac, ok := n.communities[prefix.Community]
	n.mu.RUnlock()

	var cand *candidate.Candidate
	if ok {
		cand = ac.Table.GetOrCreate(from, candidate.Zero)
		cand.BumpIncoming()
	}

	msg, err := n.pipeline.Decode(cand, raw, true)
	if err != nil || !ok {
		return
	}
	msg.From = from
	if n.stats != nil {
		n.stats.Received()
	}

	switch msg.Meta.Name {
	case MetaIntroductionRequest:
		n.handleIntroductionRequest(ac, msg, from)
	case MetaIntroductionResponse:
		n.handleIntroductionResponse(ac, msg)
	case MetaPunctureRequest:
		n.handlePunctureRequest(ac, msg)
	case MetaPuncture:
		n.handlePuncture(ac, msg)
	default:
		n.batcher.Add(ac.Community.Cid, msg)
	}
}

func (n *Node) handleIntroductionRequest(ac *attachedCommunity, msg *community.Message, from candidate.Address) {
	req, ok := msg.Payload.(*walker.IntroductionRequest)
	if !ok {
		return
	}
	resp, punctureReq, introduced := ac.Walker.OnIntroductionRequest(req, from)
	if resp == nil {
		return
	}
	if respMsg, err := n.wrapOutgoing(ac.Community, MetaIntroductionResponse, resp); err == nil {
		_ = n.encodeAndSend(ac.Community, respMsg, []*candidate.Address{&from})
	}
	if punctureReq != nil && introduced != nil {
		if preqMsg, err := n.wrapOutgoing(ac.Community, MetaPunctureRequest, punctureReq); err == nil {
			_ = n.encodeAndSend(ac.Community, preqMsg, []*candidate.Address{&introduced.WAN})
		}
	}
	n.serveSyncQuery(ac.Community, req, from)
}

func (n *Node) handleIntroductionResponse(ac *attachedCommunity, msg *community.Message) {
	resp, ok := msg.Payload.(*walker.IntroductionResponse)
	if !ok {
		return
	}
	if _, _, found := ac.Walker.OnIntroductionResponse(resp); found && n.stats != nil {
		n.stats.WalkSuccess()
	}
}

func (n *Node) handlePunctureRequest(ac *attachedCommunity, msg *community.Message) {
	req, ok := msg.Payload.(*walker.PunctureRequest)
	if !ok {
		return
	}
	target, punct := ac.Walker.OnPunctureRequest(req, n.wan.Current().Host)
	if pmsg, err := n.wrapOutgoing(ac.Community, MetaPuncture, punct); err == nil {
		_ = n.encodeAndSend(ac.Community, pmsg, []*candidate.Address{&target})
	}
}

func (n *Node) handlePuncture(ac *attachedCommunity, msg *community.Message) {
	punct, ok := msg.Payload.(*walker.Puncture)
	if !ok {
		return
	}
	ac.Walker.OnPuncture(punct.Identifier, punct.SourceWAN)
}

// flushBatch runs steps 4-6 for one flushed batch: per-message
// distribution-policy check, then one batch-wide community check, then
// store-update-forward for whatever survives both (spec.md §4.2 steps
// 4-6; store-and-handle happen atomically relative to other batches
// because the scheduler never runs two handlers concurrently).
func (n *Node) flushBatch(cid community.Cid, metaName string, messages []*community.Message) {
	comm, ok := n.lookupCommunity(cid)
	if !ok {
		return
	}

	passed := messages[:0]
	for _, msg := range messages {
		if comm.IsDestroyed() && msg.GlobalTime > comm.DestroyCeiling() {
			if n.stats != nil {
				n.stats.IncDrop(string(ingress.DropCommunityDestroyed))
			}
			continue
		}
		if err := n.pipeline.CheckDistribution(comm, msg); err != nil {
			var drop *ingress.DropError
			if errors.As(err, &drop) && drop.SendBackPacket != nil {
				n.endpoint.Send([]*candidate.Address{&msg.From}, drop.SendBackPacket)
			}
			continue
		}
		passed = append(passed, msg)
	}
	if len(passed) == 0 {
		return
	}

	if mm, ok := comm.Meta(metaName); ok && mm.Check != nil {
		errs := mm.Check(passed)
		filtered := passed[:0]
		for i, msg := range passed {
			if i < len(errs) && errs[i] != nil {
				if n.stats != nil {
					n.stats.IncDrop(string(ingress.DropCommunityCheck))
				}
				continue
			}
			filtered = append(filtered, msg)
		}
		passed = filtered
	}

	ownMid := n.self.Mid()
	for _, msg := range passed {
		own := msg.Member != nil && msg.Member.Mid() == ownMid
		if _, err := n.pipeline.StoreUpdateForward(comm, msg, own); err != nil {
			n.log.Error("store-update-forward failed", "community", cid, "meta", metaName, "error", err)
		}
	}
}
