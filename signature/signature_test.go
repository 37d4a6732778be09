package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/requestcache"
)

func mustMember(t *testing.T) *member.Member {
	t.Helper()
	m, err := member.Generate()
	require.NoError(t, err)
	return m
}

func TestCreateRequestRequiresPendingSigners(t *testing.T) {
	c := NewCollector(requestcache.New())
	msg := &community.Message{}
	_, err := c.CreateRequest(msg, nil, func(*community.Message, bool) bool { return true }, 0)
	require.ErrorIs(t, err, ErrNoSignersNeeded)
}

func TestOnResponseAcceptsMatchingProposal(t *testing.T) {
	cache := requestcache.New()
	c := NewCollector(cache)
	a := mustMember(t)
	meta := &community.MetaMessage{Name: "test"}
	original := &community.Message{Meta: meta, Member: a, GlobalTime: 7}

	var gotProposed *community.Message
	var gotModified bool
	id, err := c.CreateRequest(original, []*member.Member{a}, func(p *community.Message, modified bool) bool {
		gotProposed, gotModified = p, modified
		return true
	}, time.Hour)
	require.NoError(t, err)

	proposed := &community.Message{Meta: meta, Member: a, GlobalTime: 7}
	accepted, err := c.OnResponse(id, proposed, true)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Same(t, proposed, gotProposed)
	require.True(t, gotModified)

	// The cache entry is popped on a successful response.
	_, err = c.OnResponse(id, proposed, false)
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestOnResponseRejectsChangedMeta(t *testing.T) {
	cache := requestcache.New()
	c := NewCollector(cache)
	a := mustMember(t)
	meta1 := &community.MetaMessage{Name: "a"}
	meta2 := &community.MetaMessage{Name: "b"}
	original := &community.Message{Meta: meta1, Member: a, GlobalTime: 1}

	id, err := c.CreateRequest(original, []*member.Member{a}, func(*community.Message, bool) bool { return true }, time.Hour)
	require.NoError(t, err)

	_, err = c.OnResponse(id, &community.Message{Meta: meta2, Member: a, GlobalTime: 1}, false)
	require.ErrorIs(t, err, ErrMetaChanged)
}

func TestOnResponseRejectsChangedGlobalTime(t *testing.T) {
	cache := requestcache.New()
	c := NewCollector(cache)
	a := mustMember(t)
	meta := &community.MetaMessage{Name: "a"}
	original := &community.Message{Meta: meta, Member: a, GlobalTime: 1}

	id, err := c.CreateRequest(original, []*member.Member{a}, func(*community.Message, bool) bool { return true }, time.Hour)
	require.NoError(t, err)

	_, err = c.OnResponse(id, &community.Message{Meta: meta, Member: a, GlobalTime: 2}, false)
	require.ErrorIs(t, err, ErrGlobalTimeChanged)
}

func TestOnResponseUnknownIdentifier(t *testing.T) {
	c := NewCollector(requestcache.New())
	_, err := c.OnResponse(999, &community.Message{}, false)
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestOnTimeoutCallsResponseFuncWithNil(t *testing.T) {
	cache := requestcache.New()
	c := NewCollector(cache)
	a := mustMember(t)
	meta := &community.MetaMessage{Name: "a"}
	original := &community.Message{Meta: meta, Member: a, GlobalTime: 1}

	done := make(chan bool, 1)
	_, err := c.CreateRequest(original, []*member.Member{a}, func(p *community.Message, _ bool) bool {
		done <- p == nil
		return false
	}, 10*time.Millisecond)
	require.NoError(t, err)

	select {
	case gotNil := <-done:
		require.True(t, gotNil)
	case <-time.After(time.Second):
		t.Fatal("timeout handler never fired")
	}
}

func TestAllowSignatureRejection(t *testing.T) {
	a := mustMember(t)
	_ = a
	msg := &community.Message{}
	out, ok := AllowSignature(msg, a, func(*community.Message) (*community.Message, bool) { return nil, false })
	require.False(t, ok)
	require.Nil(t, out)
}

func TestAllowSignatureApproval(t *testing.T) {
	a := mustMember(t)
	msg := &community.Message{}
	approved := &community.Message{}
	out, ok := AllowSignature(msg, a, func(*community.Message) (*community.Message, bool) { return approved, true })
	require.True(t, ok)
	require.Same(t, approved, out)
}
