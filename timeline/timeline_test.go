package timeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/store"
)

func newTestSetup(t *testing.T) (*store.Store, *community.Community, *Handlers) {
	t.Helper()
	backend, err := store.OpenPebbleMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	st, err := store.Open(backend, nil, nil)
	require.NoError(t, err)

	master, err := member.Generate()
	require.NoError(t, err)
	comm := community.New(master, "test", false)

	return st, comm, NewHandlers(st, member.NewTable())
}

func TestAuthorizeAndRevoke(t *testing.T) {
	_, comm, h := newTestSetup(t)
	grantee, err := member.Generate()
	require.NoError(t, err)

	h.Authorize(comm, "msg", grantee.Mid(), community.PermPermit, 5)
	require.True(t, comm.Timeline.HasPermission("msg", grantee.Mid(), community.PermPermit, 10))

	h.Revoke(comm, "msg", grantee.Mid(), community.PermPermit, 15)
	require.False(t, comm.Timeline.HasPermission("msg", grantee.Mid(), community.PermPermit, 20))
	require.True(t, comm.Timeline.HasPermission("msg", grantee.Mid(), community.PermPermit, 10), "permission held before the revoke")
}

func TestUndoOwnFirstTimeJustMarksUndone(t *testing.T) {
	st, comm, h := newTestSetup(t)
	author, err := member.Generate()
	require.NoError(t, err)
	authorPub := author.PublicKey.SerializeCompressed()

	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(authorPub), GlobalTime: 3, MetaName: "msg", Packet: []byte("orig")})
	require.NoError(t, err)

	result, err := h.UndoOwn(comm, author, 3, 4, []byte("undo-1"))
	require.NoError(t, err)
	require.False(t, result.Malicious)

	row, found, err := st.GetRow(comm.Cid, authorPub, 3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(4), row.Undone)
}

func TestUndoOwnSecondTimeIsMaliciousAndPurges(t *testing.T) {
	st, comm, h := newTestSetup(t)
	author, err := member.Generate()
	require.NoError(t, err)
	authorPub := author.PublicKey.SerializeCompressed()

	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(authorPub), GlobalTime: 3, MetaName: "msg", Packet: []byte("orig")})
	require.NoError(t, err)
	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(authorPub), GlobalTime: 4, MetaName: "undo", Packet: []byte("undo-1")})
	require.NoError(t, err)

	_, err = h.UndoOwn(comm, author, 3, 4, []byte("undo-1"))
	require.NoError(t, err)

	// A second, distinct undo-own for the same target (global_time 3)
	// is malicious.
	result, err := h.UndoOwn(comm, author, 3, 9, []byte("undo-2"))
	require.NoError(t, err)
	require.True(t, result.Malicious)
	require.True(t, author.Blacklisted)

	proofs, err := st.GetMaliciousProofs(comm.Cid, authorPub)
	require.NoError(t, err)
	require.ElementsMatch(t, [][]byte{[]byte("undo-1"), []byte("undo-2")}, proofs)

	_, found, err := st.GetRow(comm.Cid, authorPub, 3)
	require.NoError(t, err)
	require.False(t, found, "every row by the malicious author must be purged")
}

func TestUndoOtherRequiresPermission(t *testing.T) {
	st, comm, h := newTestSetup(t)
	actor, err := member.Generate()
	require.NoError(t, err)
	target, err := member.Generate()
	require.NoError(t, err)
	targetPub := target.PublicKey.SerializeCompressed()

	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(targetPub), GlobalTime: 1, MetaName: "msg", Packet: []byte("x")})
	require.NoError(t, err)

	err = h.UndoOther(comm, actor.Mid(), "msg", targetPub, 1, 2)
	require.ErrorIs(t, err, ErrNotPermitted)

	h.Authorize(comm, "msg", actor.Mid(), community.PermUndo, 0)
	err = h.UndoOther(comm, actor.Mid(), "msg", targetPub, 1, 2)
	require.NoError(t, err)

	row, found, err := st.GetRow(comm.Cid, targetPub, 1)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(2), row.Undone)
}

func TestDynamicSettingsUndoesAndRedoes(t *testing.T) {
	st, comm, h := newTestSetup(t)
	author, err := member.Generate()
	require.NoError(t, err)
	authorPub := author.PublicKey.SerializeCompressed()

	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(authorPub), GlobalTime: 5, MetaName: "restricted", Packet: []byte("x")})
	require.NoError(t, err)

	err = h.DynamicSettings(comm, "restricted", community.ResolutionLinear, 5, func(row *store.Row) bool { return false })
	require.NoError(t, err)

	row, _, err := st.GetRow(comm.Cid, authorPub, 5)
	require.NoError(t, err)
	require.NotZero(t, row.Undone)

	err = h.DynamicSettings(comm, "restricted", community.ResolutionPublic, 5, func(row *store.Row) bool { return true })
	require.NoError(t, err)

	row, _, err = st.GetRow(comm.Cid, authorPub, 5)
	require.NoError(t, err)
	require.Zero(t, row.Undone)
}

func TestUndoOwnInvokesMetaUndoCallback(t *testing.T) {
	st, comm, h := newTestSetup(t)
	author, err := member.Generate()
	require.NoError(t, err)
	authorPub := author.PublicKey.SerializeCompressed()

	var undone []*community.Message
	comm.DefineMeta(&community.MetaMessage{Name: "msg", Undo: func(messages []*community.Message) error {
		undone = append(undone, messages...)
		return nil
	}})

	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(authorPub), GlobalTime: 3, MetaName: "msg", Packet: []byte("orig")})
	require.NoError(t, err)

	_, err = h.UndoOwn(comm, author, 3, 4, []byte("undo-1"))
	require.NoError(t, err)

	require.Len(t, undone, 1)
	require.Equal(t, uint64(3), undone[0].GlobalTime)
	require.Equal(t, []byte("orig"), undone[0].Packet)
}

func TestUndoOtherInvokesMetaUndoCallback(t *testing.T) {
	st, comm, h := newTestSetup(t)
	actor, err := member.Generate()
	require.NoError(t, err)
	target, err := member.Generate()
	require.NoError(t, err)
	targetPub := target.PublicKey.SerializeCompressed()

	var undone []*community.Message
	comm.DefineMeta(&community.MetaMessage{Name: "msg", Undo: func(messages []*community.Message) error {
		undone = append(undone, messages...)
		return nil
	}})
	h.Authorize(comm, "msg", actor.Mid(), community.PermUndo, 0)

	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(targetPub), GlobalTime: 1, MetaName: "msg", Packet: []byte("x")})
	require.NoError(t, err)

	err = h.UndoOther(comm, actor.Mid(), "msg", targetPub, 1, 2)
	require.NoError(t, err)

	require.Len(t, undone, 1)
	require.Equal(t, uint64(1), undone[0].GlobalTime)
}

func TestDynamicSettingsInvokesUndoAndHandleCallbacks(t *testing.T) {
	st, comm, h := newTestSetup(t)
	author, err := member.Generate()
	require.NoError(t, err)
	authorPub := author.PublicKey.SerializeCompressed()

	var undone, redone []*community.Message
	comm.DefineMeta(&community.MetaMessage{
		Name: "restricted",
		Undo: func(messages []*community.Message) error {
			undone = append(undone, messages...)
			return nil
		},
		Handle: func(messages []*community.Message) error {
			redone = append(redone, messages...)
			return nil
		},
	})

	_, err = st.Insert(&store.Row{Community: comm.Cid, MemberPub: toPub33(authorPub), GlobalTime: 5, MetaName: "restricted", Packet: []byte("x")})
	require.NoError(t, err)

	err = h.DynamicSettings(comm, "restricted", community.ResolutionLinear, 5, func(row *store.Row) bool { return false })
	require.NoError(t, err)
	require.Len(t, undone, 1)
	require.Empty(t, redone)

	err = h.DynamicSettings(comm, "restricted", community.ResolutionPublic, 5, func(row *store.Row) bool { return true })
	require.NoError(t, err)
	require.Len(t, redone, 1)
}

func toPub33(b []byte) [33]byte {
	var out [33]byte
	copy(out[:], b)
	return out
}
