package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/statistics"
	"github.com/triblerteam/dispersy/store"
	"github.com/triblerteam/dispersy/wire"
)

type fakeEndpoint struct {
	sent [][]byte
	host string
	port int
}

func (f *fakeEndpoint) Send(cands []*candidate.Address, packet []byte) bool {
	ok := false
	for _, c := range cands {
		if c != nil && c.IsValid() {
			ok = true
		}
	}
	if ok {
		f.sent = append(f.sent, packet)
	}
	return ok
}
func (f *fakeEndpoint) GetAddress() (string, int) { return f.host, f.port }
func (f *fakeEndpoint) TotalUp() int64            { return 0 }
func (f *fakeEndpoint) TotalDown() int64          { return 0 }

type fakeConversion struct{}

func (fakeConversion) Version() (byte, byte) { return wire.CurrentVersion, wire.CurrentSubVersion }
func (fakeConversion) DecodeMetaMessage(packet []byte) (*community.MetaMessage, error) {
	return nil, wire.ErrUnknownMeta
}
func (fakeConversion) DecodeMessage(cand *candidate.Candidate, packet []byte, verify bool) (*community.Message, error) {
	return nil, wire.ErrMalformed
}
func (fakeConversion) Encode(msg *community.Message) ([]byte, error) {
	return wire.WritePrefix(msg.Community.Cid, 1, []byte("encoded")), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	backend, err := store.OpenPebbleMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	s, err := store.Open(backend, nil, nil)
	require.NoError(t, err)
	return s
}

func newTestNode(t *testing.T) (*Node, *fakeEndpoint) {
	t.Helper()
	self, err := member.Generate()
	require.NoError(t, err)
	stats, err := statistics.New(nil)
	require.NoError(t, err)
	ep := &fakeEndpoint{host: "198.51.100.1", port: 9000}

	n := New(Config{
		Store:    newTestStore(t),
		Members:  member.NewTable(),
		Registry: wire.NewRegistry(),
		Endpoint: ep,
		Stats:    stats,
		Self:     self,
		OwnLAN:   candidate.Address{Host: "192.0.2.1", Port: 9000},
		OwnWAN:   candidate.Address{Host: "198.51.100.1", Port: 9000},
	})
	return n, ep
}

func newTestCommunity(t *testing.T, n *Node) *community.Community {
	t.Helper()
	master, err := member.Generate()
	require.NoError(t, err)
	comm := community.New(master, "test", false)
	comm.DefineMeta(&community.MetaMessage{
		Name:         MetaIntroductionRequest,
		Distribution: community.Direct(),
		Destination:  community.ToCandidate(),
	})
	n.registry.Register(comm.Cid, fakeConversion{})
	return comm
}

func TestAttachDetachCommunity(t *testing.T) {
	n, _ := newTestNode(t)
	comm := newTestCommunity(t, n)

	require.NoError(t, n.AttachCommunity(comm))
	require.ErrorIs(t, n.AttachCommunity(comm), ErrAlreadyAttached)
	require.Equal(t, 1, n.AttachedCount())

	require.NoError(t, n.DetachCommunity(comm.Cid))
	require.Equal(t, 0, n.AttachedCount())
	require.ErrorIs(t, n.DetachCommunity(comm.Cid), ErrNotAttached)
}

func TestReclassifyCommunity(t *testing.T) {
	n, _ := newTestNode(t)
	comm := newTestCommunity(t, n)
	require.NoError(t, n.AttachCommunity(comm))

	require.NoError(t, n.ReclassifyCommunity(comm.Cid, "renamed"))
	require.Equal(t, "renamed", comm.Classification)

	require.ErrorIs(t, n.ReclassifyCommunity(community.Cid{0xFF}, "x"), ErrNotAttached)
}

func TestDestroyCommunitySoftKills(t *testing.T) {
	n, _ := newTestNode(t)
	comm := newTestCommunity(t, n)
	require.NoError(t, n.AttachCommunity(comm))

	require.NoError(t, n.DestroyCommunity(comm.Cid, 42))
	require.True(t, comm.IsDestroyed())
	require.Equal(t, uint64(42), comm.DestroyCeiling())
}

func TestAllCandidatesReadsThroughEveryAttachedTable(t *testing.T) {
	n, _ := newTestNode(t)
	commA := newTestCommunity(t, n)
	commB := newTestCommunity(t, n)
	require.NoError(t, n.AttachCommunity(commA))
	require.NoError(t, n.AttachCommunity(commB))

	acA := n.communities[commA.Cid]
	acB := n.communities[commB.Cid]
	acA.Table.GetOrCreate(candidate.Address{Host: "203.0.113.1", Port: 1}, candidate.Zero)
	acB.Table.GetOrCreate(candidate.Address{Host: "203.0.113.2", Port: 2}, candidate.Zero)

	require.Len(t, n.AllCandidates(), 2)
}

func TestStepWalkRotatesAcrossCommunities(t *testing.T) {
	n, ep := newTestNode(t)
	commA := newTestCommunity(t, n)
	commB := newTestCommunity(t, n)
	require.NoError(t, n.AttachCommunity(commA))
	require.NoError(t, n.AttachCommunity(commB))

	acA := n.communities[commA.Cid]
	acB := n.communities[commB.Cid]
	acA.Table.GetOrCreate(candidate.Address{Host: "203.0.113.10", Port: 10}, candidate.Zero)
	acB.Table.GetOrCreate(candidate.Address{Host: "203.0.113.20", Port: 20}, candidate.Zero)

	now := time.Now()
	n.stepWalk(now)
	n.stepWalk(now)

	require.Len(t, ep.sent, 2)
}

func TestStepWalkSkipsWhenNoCommunitiesAttached(t *testing.T) {
	n, ep := newTestNode(t)
	n.stepWalk(time.Now())
	require.Empty(t, ep.sent)
}

func TestCleanupCandidatesRemovesObsoleteEntries(t *testing.T) {
	n, _ := newTestNode(t)
	comm := newTestCommunity(t, n)
	require.NoError(t, n.AttachCommunity(comm))

	ac := n.communities[comm.Cid]
	c := ac.Table.GetOrCreate(candidate.Address{Host: "203.0.113.30", Port: 30}, candidate.Zero)
	c.MarkStumble(time.Now().Add(-time.Hour))

	n.cleanupCandidates(time.Now())
	require.Equal(t, 0, ac.Table.Len())
}

func TestWrapOutgoingFailsWithoutDefinedMeta(t *testing.T) {
	n, _ := newTestNode(t)
	master, err := member.Generate()
	require.NoError(t, err)
	comm := community.New(master, "test", false)

	_, err = n.wrapOutgoing(comm, MetaIntroductionRequest, nil)
	require.Error(t, err)
}

func TestAddBootstrapHostResolvesLoopback(t *testing.T) {
	n, _ := newTestNode(t)
	comm := newTestCommunity(t, n)
	require.NoError(t, n.AttachCommunity(comm))

	n.AddBootstrapHost("localhost", 12345)
	n.retryBootstrap(time.Now())

	ac := n.communities[comm.Cid]
	require.Equal(t, 1, ac.Table.Len())
}

func TestRetryBootstrapBacksOffOnFailure(t *testing.T) {
	n, _ := newTestNode(t)
	n.AddBootstrapHost("this-host-does-not-resolve.invalid", 1)

	now := time.Now()
	n.retryBootstrap(now)

	n.bootstrapMu.Lock()
	h := n.bootstrap[0]
	require.False(t, h.resolved)
	require.Equal(t, 1, h.attempts)
	require.True(t, h.nextAttempt.After(now))
	n.bootstrapMu.Unlock()
}
