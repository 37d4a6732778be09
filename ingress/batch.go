package ingress

import (
	"sync"
	"time"

	"github.com/triblerteam/dispersy/community"
)

// FlushFunc receives one meta-message's batch of decoded, (global_time,
// packet) sorted messages, ready for distribution/community checks and
// store-update-forward (spec.md §4.2 step 6's "atomic per batch").
type FlushFunc func(cid community.Cid, metaName string, messages []*community.Message)

type batchKey struct {
	cid  community.Cid
	meta string
}

type pendingBatch struct {
	messages     []*community.Message
	firstArrival time.Time
	timer        *time.Timer
}

// Batcher implements step 2 of the pipeline: group decoded messages by
// (community, meta-message), flushing each group at first_arrival +
// max_window, immediately once max_size is reached, or dropping the
// whole group if it is already older than max_age at flush time
// (spec.md §4.2 step 2, `_convert_packets_into_batch`/`_on_batch_cache`,
// dispersy.py:1927/1763).
type Batcher struct {
	mu      sync.Mutex
	pending map[batchKey]*pendingBatch
	flush   FlushFunc
	stats   Stats
}

func NewBatcher(flush FlushFunc, stats Stats) *Batcher {
	if stats == nil {
		stats = noopStats{}
	}
	return &Batcher{pending: make(map[batchKey]*pendingBatch), flush: flush, stats: stats}
}

// Add accumulates msg into its meta-message's pending batch, or flushes
// it immediately if the meta has batching disabled (most direct
// distribution control messages aren't batched at all).
func (b *Batcher) Add(cid community.Cid, msg *community.Message) {
	mm := msg.Meta
	if !mm.Batch.Enabled {
		SortDirectBatch([]*community.Message{msg}) // no-op on a single element; keeps the call shape uniform
		b.flush(cid, mm.Name, []*community.Message{msg})
		return
	}

	key := batchKey{cid: cid, meta: mm.Name}
	var full bool
	var pb *pendingBatch

	b.mu.Lock()
	pb, ok := b.pending[key]
	if !ok {
		pb = &pendingBatch{firstArrival: time.Now()}
		b.pending[key] = pb
		window := mm.Batch.MaxWindow
		pb.timer = time.AfterFunc(window, func() { b.flushKey(key) })
	}
	pb.messages = append(pb.messages, msg)
	if mm.Batch.MaxSize > 0 && len(pb.messages) >= mm.Batch.MaxSize {
		full = true
	}
	b.mu.Unlock()

	if full {
		pb.timer.Stop()
		b.flushKey(key)
	}
}

// flushKey removes key's pending batch (if any is still there -- the
// max_size path and the timer path race to flush the same key, and
// only the first one finds anything) and delivers or drops it.
func (b *Batcher) flushKey(key batchKey) {
	b.mu.Lock()
	pb, ok := b.pending[key]
	if ok {
		delete(b.pending, key)
	}
	b.mu.Unlock()
	if !ok || len(pb.messages) == 0 {
		return
	}

	maxAge := pb.messages[0].Meta.Batch.MaxAge
	if maxAge > 0 && time.Since(pb.firstArrival) > maxAge {
		b.stats.IncDrop(string(DropBatchTooOld))
		return
	}

	SortDirectBatch(pb.messages)
	b.flush(key.cid, key.meta, pb.messages)
}

// FlushAll force-flushes every pending batch regardless of window or
// age, for orderly shutdown.
func (b *Batcher) FlushAll() {
	b.mu.Lock()
	keys := make([]batchKey, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	for _, k := range keys {
		b.flushKey(k)
	}
}
