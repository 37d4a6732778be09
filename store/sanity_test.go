package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
)

func newSanityCommunity(t *testing.T) *community.Community {
	t.Helper()
	master, err := member.Generate()
	require.NoError(t, err)
	return community.New(master, "test", false)
}

func TestSanityCheckPassesOnContiguousSequences(t *testing.T) {
	s := newTestStore(t)
	cid := testCid()
	comm := newSanityCommunity(t)
	comm.Cid = cid
	comm.DefineMeta(&community.MetaMessage{Name: "seq-msg", Distribution: community.FullSync(true, 128, community.DirectionAscending)})
	mp := pub(1)

	for i := uint32(1); i <= 3; i++ {
		_, err := s.Insert(&Row{Community: cid, MemberPub: mp, GlobalTime: uint64(i), MetaName: "seq-msg", Sequence: i, Packet: []byte{byte(i)}})
		require.NoError(t, err)
	}

	require.NoError(t, s.SanityCheck(comm))
}

func TestSanityCheckDetectsMissingSequence(t *testing.T) {
	s := newTestStore(t)
	cid := testCid()
	comm := newSanityCommunity(t)
	comm.Cid = cid
	comm.DefineMeta(&community.MetaMessage{Name: "seq-msg", Distribution: community.FullSync(true, 128, community.DirectionAscending)})
	mp := pub(1)

	_, err := s.Insert(&Row{Community: cid, MemberPub: mp, GlobalTime: 1, MetaName: "seq-msg", Sequence: 1, Packet: []byte("a")})
	require.NoError(t, err)
	_, err = s.Insert(&Row{Community: cid, MemberPub: mp, GlobalTime: 2, MetaName: "seq-msg", Sequence: 3, Packet: []byte("b")})
	require.NoError(t, err)

	err = s.SanityCheck(comm)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing sequence number 2")
}

func TestSanityCheckDetectsLastSyncOverflow(t *testing.T) {
	s := newTestStore(t)
	cid := testCid()
	comm := newSanityCommunity(t)
	comm.Cid = cid
	comm.DefineMeta(&community.MetaMessage{Name: "ls-msg", Distribution: community.LastSync(1, 128)})
	mp := pub(1)

	// Insert two live rows directly (bypassing the ingress pruning
	// policy) so SanityCheck has a genuine overflow to detect.
	_, err := s.Insert(&Row{Community: cid, MemberPub: mp, GlobalTime: 1, MetaName: "ls-msg", Packet: []byte("a")})
	require.NoError(t, err)
	_, err = s.Insert(&Row{Community: cid, MemberPub: mp, GlobalTime: 2, MetaName: "ls-msg", Packet: []byte("b")})
	require.NoError(t, err)

	err = s.SanityCheck(comm)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exceeding history size")
}
