package candidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddressIsValid(t *testing.T) {
	cases := []struct {
		addr  Address
		valid bool
	}{
		{Address{"10.0.0.3", 7001}, true},
		{Address{"0.0.0.0", 7001}, false},
		{Address{"", 7001}, false},
		{Address{"10.0.0.3", 0}, false},
		{Address{"10.0.0.0", 7001}, false},
		{Address{"10.0.0.255", 7001}, false},
		{Address{"not-an-ip", 7001}, false},
	}
	for _, c := range cases {
		require.Equal(t, c.valid, c.addr.IsValid(), "%+v", c.addr)
	}
}

func TestCandidateCategoryPrecedence(t *testing.T) {
	c := New(Address{"1.2.3.4", 100}, Zero)
	now := time.Now()
	require.Equal(t, CategoryNone, c.Category(now))

	c.MarkStumble(now)
	require.Equal(t, CategoryStumble, c.Category(now))

	c.MarkWalk(now)
	require.Equal(t, CategoryWalk, c.Category(now), "walk outranks stumble")

	later := now.Add(StumbleLifetime + time.Second)
	require.Equal(t, CategoryNone, c.Category(later), "walk window stumble window both expired")
}

func TestCandidateIntroActive(t *testing.T) {
	c := New(Address{"1.2.3.4", 100}, Zero)
	now := time.Now()
	c.MarkIntro(now)
	require.Equal(t, CategoryIntro, c.Category(now))
	require.False(t, c.IntroActive())
	c.MarkActive()
	require.True(t, c.IntroActive())
}

func TestTableGetOrCreateDedupesByWAN(t *testing.T) {
	tbl := NewTable()
	wan := Address{"1.2.3.4", 100}
	c1 := tbl.GetOrCreate(wan, Address{"10.0.0.1", 100})
	c2 := tbl.GetOrCreate(wan, Address{"10.0.0.2", 100})
	require.Same(t, c1, c2)
	require.Equal(t, "10.0.0.2", c2.LAN.Host)
	require.Equal(t, 1, tbl.Len())
}

func TestTableCleanupObsolete(t *testing.T) {
	tbl := NewTable()
	now := time.Now()
	stale := tbl.GetOrCreate(Address{"1.2.3.4", 1}, Zero)
	stale.MarkStumble(now.Add(-time.Hour))
	fresh := tbl.GetOrCreate(Address{"1.2.3.5", 1}, Zero)
	fresh.MarkStumble(now)

	removed := tbl.CleanupObsolete(now)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, tbl.Len())
	_, ok := tbl.Get(Address{"1.2.3.5", 1})
	require.True(t, ok)
}

func TestWANVoterMajorityWinsAndSymmetricNAT(t *testing.T) {
	v := NewWANVoter()
	addrA := Address{"1.2.3.4", 6000}
	addrB := Address{"1.2.3.4", 6001}
	voter1 := Address{"9.9.9.1", 1}
	voter2 := Address{"9.9.9.2", 1}
	voter3 := Address{"9.9.9.3", 1}

	v.Vote(addrA, voter1)
	v.Vote(addrA, voter2)
	v.Vote(addrB, voter3)

	require.Equal(t, addrA, v.Current())
	require.Equal(t, ConnectionSymmetricNAT, v.ConnectionType())
}

func TestWANVoterTieKeepsCurrent(t *testing.T) {
	v := NewWANVoter()
	addrA := Address{"1.2.3.4", 6000}
	addrB := Address{"1.2.3.4", 6001}
	voter1 := Address{"9.9.9.1", 1}
	voter2 := Address{"9.9.9.2", 1}

	v.Vote(addrA, voter1)
	require.Equal(t, addrA, v.Current())

	v.Vote(addrB, voter2)
	// Tie 1-1: current address must hold.
	require.Equal(t, addrA, v.Current())
}

func TestWANVoterPublicWhenLANMatchesWAN(t *testing.T) {
	v := NewWANVoter()
	addr := Address{"5.6.7.8", 9000}
	v.SetLAN(addr)
	v.Vote(addr, Address{"9.9.9.1", 1})
	require.Equal(t, ConnectionPublic, v.ConnectionType())
}

func TestWANVoterRevote(t *testing.T) {
	v := NewWANVoter()
	addrA := Address{"1.2.3.4", 6000}
	addrB := Address{"1.2.3.4", 6001}
	voter := Address{"9.9.9.1", 1}

	v.Vote(addrA, voter)
	require.Equal(t, addrA, v.Current())
	v.Vote(addrB, voter)
	require.Equal(t, addrB, v.Current())
}
