package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/store"
)

func TestHardKillCommunityPrunesToProofChainAndReclassifies(t *testing.T) {
	n, ep := newTestNode(t)
	comm, author, dataMeta := newScriptedCommunity(t, n)
	require.NoError(t, n.AttachCommunity(comm))
	ac := n.communities[comm.Cid]
	ac.Table.GetOrCreate(candidate.Address{Host: "203.0.113.9", Port: 9}, candidate.Zero)

	const destroyMeta = "dispersy-destroy-community"

	chainMember := author // the member authorized to send destroyMeta
	chainPub := pubToArray(chainMember.PublicKey.SerializeCompressed())
	selfPub := pubToArray(n.self.PublicKey.SerializeCompressed())
	bystander, err := member.Generate()
	require.NoError(t, err)
	bystanderPub := pubToArray(bystander.PublicKey.SerializeCompressed())

	n.members.Add(chainMember)
	comm.Timeline.Authorize(1, destroyMeta, chainMember.Mid(), community.PermPermit)

	_, err = n.store.Insert(&store.Row{Community: comm.Cid, MemberPub: chainPub, GlobalTime: 1, MetaName: MetaAuthorize, Priority: 128, Packet: []byte("authorize")})
	require.NoError(t, err)
	_, err = n.store.Insert(&store.Row{Community: comm.Cid, MemberPub: chainPub, GlobalTime: 2, MetaName: MetaIdentity, Priority: 128, Packet: []byte("chain-identity")})
	require.NoError(t, err)
	_, err = n.store.Insert(&store.Row{Community: comm.Cid, MemberPub: selfPub, GlobalTime: 3, MetaName: MetaIdentity, Priority: 128, Packet: []byte("self-identity")})
	require.NoError(t, err)
	_, err = n.store.Insert(&store.Row{Community: comm.Cid, MemberPub: bystanderPub, GlobalTime: 4, MetaName: MetaIdentity, Priority: 128, Packet: []byte("bystander-identity")})
	require.NoError(t, err)
	_, err = n.store.Insert(&store.Row{Community: comm.Cid, MemberPub: chainPub, GlobalTime: 6, MetaName: dataMeta.Name, Priority: 128, Packet: []byte("unrelated data")})
	require.NoError(t, err)
	require.NoError(t, n.store.PutMaliciousProof(comm.Cid, chainPub[:], []byte("stale-proof")))

	destroyRow := &store.Row{Community: comm.Cid, MemberPub: chainPub, GlobalTime: 5, MetaName: destroyMeta, Priority: 128, Packet: []byte("destroy")}
	_, err = n.store.Insert(destroyRow)
	require.NoError(t, err)

	require.NoError(t, n.HardKillCommunity(comm.Cid, destroyMeta, destroyRow, "preview"))

	require.Equal(t, [][]byte{[]byte("destroy")}, ep.sent, "destroy packet must be forwarded before cleanup")
	require.Equal(t, "preview", comm.Classification)
	require.True(t, comm.IsDestroyed())

	require.True(t, n.store.Has(comm.Cid, chainPub[:], 1), "authorize row on the chain is kept")
	require.True(t, n.store.Has(comm.Cid, chainPub[:], 2), "identity row of a chain member is kept")
	require.True(t, n.store.Has(comm.Cid, selfPub[:], 3), "our own identity row is kept")
	require.True(t, n.store.Has(comm.Cid, chainPub[:], 5), "the destroy row itself is kept")
	require.False(t, n.store.Has(comm.Cid, bystanderPub[:], 4), "identity of a member off the chain is pruned")
	require.False(t, n.store.Has(comm.Cid, chainPub[:], 6), "unrelated rows are pruned")

	proofs, err := n.store.GetMaliciousProofs(comm.Cid, chainPub[:])
	require.NoError(t, err)
	require.Empty(t, proofs, "malicious-proof rows are wiped on hard-kill")
}
