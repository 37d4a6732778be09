package ingress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
)

func batchMeta(comm *community.Community, name string, cfg community.BatchConfig) *community.MetaMessage {
	return &community.MetaMessage{
		Community:    comm,
		Name:         name,
		Distribution: community.FullSync(false, 128, community.DirectionAscending),
		Batch:        cfg,
	}
}

func TestBatcherFlushesImmediatelyWhenDisabled(t *testing.T) {
	master, err := member.Generate()
	require.NoError(t, err)
	comm := community.New(master, "test", false)
	mm := batchMeta(comm, "unbatched", community.BatchConfig{})

	flushed := make(chan []*community.Message, 1)
	b := NewBatcher(func(cid community.Cid, meta string, msgs []*community.Message) { flushed <- msgs }, nil)

	author, err := member.Generate()
	require.NoError(t, err)
	msg := &community.Message{Community: comm, Meta: mm, Member: author, GlobalTime: 1, Packet: []byte("a")}
	b.Add(comm.Cid, msg)

	select {
	case msgs := <-flushed:
		require.Len(t, msgs, 1)
	case <-time.After(time.Second):
		t.Fatal("unbatched message was never flushed")
	}
}

func TestBatcherFlushesAtMaxSize(t *testing.T) {
	master, err := member.Generate()
	require.NoError(t, err)
	comm := community.New(master, "test", false)
	mm := batchMeta(comm, "sized", community.BatchConfig{Enabled: true, MaxWindow: time.Hour, MaxSize: 2})

	flushed := make(chan []*community.Message, 1)
	b := NewBatcher(func(cid community.Cid, meta string, msgs []*community.Message) { flushed <- msgs }, nil)

	author, err := member.Generate()
	require.NoError(t, err)
	b.Add(comm.Cid, &community.Message{Community: comm, Meta: mm, Member: author, GlobalTime: 2, Packet: []byte("b")})

	select {
	case <-flushed:
		t.Fatal("flushed before max_size was reached")
	case <-time.After(20 * time.Millisecond):
	}

	b.Add(comm.Cid, &community.Message{Community: comm, Meta: mm, Member: author, GlobalTime: 1, Packet: []byte("a")})

	select {
	case msgs := <-flushed:
		require.Len(t, msgs, 2)
		require.Equal(t, uint64(1), msgs[0].GlobalTime) // sorted by global_time
		require.Equal(t, uint64(2), msgs[1].GlobalTime)
	case <-time.After(time.Second):
		t.Fatal("batch was never flushed at max_size")
	}
}

func TestBatcherFlushesAtMaxWindow(t *testing.T) {
	master, err := member.Generate()
	require.NoError(t, err)
	comm := community.New(master, "test", false)
	mm := batchMeta(comm, "windowed", community.BatchConfig{Enabled: true, MaxWindow: 20 * time.Millisecond, MaxSize: 100})

	flushed := make(chan []*community.Message, 1)
	b := NewBatcher(func(cid community.Cid, meta string, msgs []*community.Message) { flushed <- msgs }, nil)

	author, err := member.Generate()
	require.NoError(t, err)
	b.Add(comm.Cid, &community.Message{Community: comm, Meta: mm, Member: author, GlobalTime: 1, Packet: []byte("a")})

	select {
	case msgs := <-flushed:
		require.Len(t, msgs, 1)
	case <-time.After(time.Second):
		t.Fatal("batch was never flushed at max_window")
	}
}

type countingStats struct{ drops map[string]int }

func (c *countingStats) IncDrop(reason string)  { c.drops[reason]++ }
func (c *countingStats) IncDelay(string)        {}
func (c *countingStats) IncSuccess(string)      {}

func TestBatcherDropsTooOldAtFlush(t *testing.T) {
	master, err := member.Generate()
	require.NoError(t, err)
	comm := community.New(master, "test", false)
	mm := batchMeta(comm, "aging", community.BatchConfig{Enabled: true, MaxWindow: 10 * time.Millisecond, MaxSize: 100, MaxAge: time.Nanosecond})

	flushed := make(chan []*community.Message, 1)
	stats := &countingStats{drops: map[string]int{}}
	b := NewBatcher(func(cid community.Cid, meta string, msgs []*community.Message) { flushed <- msgs }, stats)

	author, err := member.Generate()
	require.NoError(t, err)
	b.Add(comm.Cid, &community.Message{Community: comm, Meta: mm, Member: author, GlobalTime: 1, Packet: []byte("a")})

	select {
	case <-flushed:
		t.Fatal("an over-age batch should have been dropped, not flushed")
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, 1, stats.drops[string(DropBatchTooOld)])
}
