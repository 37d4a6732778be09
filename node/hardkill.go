package node

import (
	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/store"
)

// MetaIdentity and MetaAuthorize name the two permission meta-messages
// HardKillCommunity needs to recognize while deciding what to keep
// (dispersy.py:554,557).
const (
	MetaIdentity  = "dispersy-identity"
	MetaAuthorize = "dispersy-authorize"
)

type rowKey struct {
	pub [33]byte
	gt  uint64
}

// HardKillCommunity performs a C8 hard-kill (spec.md §4.8). The destroy
// packet is forwarded to every known candidate first, matching
// dispersy.py:3950-3965's ordering of forwarding the destroy message
// before the candidate table and store are touched -- a community that
// loses its candidates before forwarding would never spread the news
// of its own destruction. The store is then pruned down to destroyRow,
// the authorize-proof chain that grants its author permission to send
// destroyMeta, the identity messages of every member on that chain,
// and our own identity; every malicious-proof row for cid is dropped;
// finally comm is reclassified to previewClass.
func (n *Node) HardKillCommunity(cid community.Cid, destroyMeta string, destroyRow *store.Row, previewClass string) error {
	n.mu.RLock()
	ac, ok := n.communities[cid]
	n.mu.RUnlock()
	if !ok {
		return ErrNotAttached
	}

	n.forwardRaw(ac, destroyRow.Packet)

	keep := n.proofChainKeepSet(ac.Community, destroyMeta, destroyRow)
	if _, err := n.store.PruneExcept(cid, func(row *store.Row) bool {
		return keep[rowKey{row.MemberPub, row.GlobalTime}]
	}); err != nil {
		return err
	}
	if err := n.store.DeleteAllMaliciousProofs(cid); err != nil {
		return err
	}

	ac.Community.HardKill(previewClass)
	return nil
}

// forwardRaw sends packet to every candidate the community currently
// knows about, ahead of any cleanup (dispersy.py:3950's self._forward
// call in create_destroy_community).
func (n *Node) forwardRaw(ac *attachedCommunity, packet []byte) {
	if packet == nil {
		return
	}
	for _, c := range ac.Table.All() {
		n.endpoint.Send([]*candidate.Address{&c.WAN}, packet)
	}
}

// proofChainKeepSet computes the rows a hard-kill prune must retain:
// destroyRow itself, and every dispersy-authorize/dispersy-identity row
// authored by destroyRow's author, by our own member, or by a member
// currently holding permit permission on destroyMeta as of destroyRow's
// global_time (dispersy.py:3994-4032's packet_ids/identities walk). This module's
// Timeline tracks grants by member mid rather than by individual proof
// packet, so "on the chain" is approximated as "currently authorized"
// rather than a literal recursive walk of authorize packets -- see
// DESIGN.md.
func (n *Node) proofChainKeepSet(comm *community.Community, destroyMeta string, destroyRow *store.Row) map[rowKey]bool {
	keep := map[rowKey]bool{{destroyRow.MemberPub, destroyRow.GlobalTime}: true}

	chainPubs := map[[33]byte]bool{destroyRow.MemberPub: true, n.selfPub(): true}
	for _, mid := range comm.Timeline.GranteesAtGlobalTime(destroyMeta, community.PermPermit, destroyRow.GlobalTime) {
		for _, m := range n.members.FromMid(mid) {
			chainPubs[pubToArray(m.PublicKey.SerializeCompressed())] = true
		}
	}

	_ = n.store.QueryAll(comm.Cid, 0, ^uint64(0), func(row *store.Row) bool {
		if (row.MetaName == MetaAuthorize || row.MetaName == MetaIdentity) && chainPubs[row.MemberPub] {
			keep[rowKey{row.MemberPub, row.GlobalTime}] = true
		}
		return true
	})
	return keep
}

func (n *Node) selfPub() [33]byte {
	return pubToArray(n.self.PublicKey.SerializeCompressed())
}

func pubToArray(pub []byte) [33]byte {
	var out [33]byte
	copy(out[:], pub)
	return out
}
