package store

import (
	"bytes"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/logging"
)

// InsertOutcome reports what Insert actually did, so the ingress
// pipeline (spec.md §4.2 step 6) knows whether to run the meta handler
// and forward, and whether an undo proof should be sent back to the
// sender.
type InsertOutcome struct {
	Stored bool
	// Duplicate is set when an identical packet already existed.
	Duplicate bool
	// ReplacedExisting is set when a lexicographically-smaller variant
	// of an existing (member, global_time) row replaced it.
	ReplacedExisting bool
	// UndoProof is non-nil when Duplicate is true and the existing row
	// was undone: the duplicate sender should receive this packet so it
	// can learn of the undo (spec.md §4.1 duplicate policy).
	UndoProof []byte
}

type seqKey struct {
	cid  community.Cid
	meta string
	key  string
}

type lsKey struct {
	cid  community.Cid
	meta string
	key  string
}

// Store implements the Message Store (spec.md §4.1). It is the single
// writer over Backend (spec.md §5); callers (the ingress pipeline) are
// expected to never call Insert concurrently from two goroutines for
// the same community, matching the cooperative single-threaded model.
type Store struct {
	backend Backend
	log     logging.Logger
	metrics *Metrics

	mu       sync.Mutex
	seq      map[seqKey]uint32
	lastSync map[lsKey][]uint64 // sorted ascending
}

// Open creates a Store over backend and rebuilds its in-memory
// sequence/last-sync indices by scanning every persisted row. Rebuild
// on open is acceptable because crash recovery only needs to re-derive
// counters, never the packets themselves (spec.md §4.2 step 6).
func Open(backend Backend, logger logging.Logger, registerer prometheus.Registerer) (*Store, error) {
	if logger == nil {
		logger = logging.NoOp()
	}
	m, err := newMetrics(registerer)
	if err != nil {
		return nil, err
	}
	s := &Store{
		backend:  backend,
		log:      logger,
		metrics:  m,
		seq:      make(map[seqKey]uint32),
		lastSync: make(map[lsKey][]uint64),
	}
	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuild() error {
	return s.backend.Iterate([]byte{'r'}, []byte{'r' + 1}, func(_ []byte, value []byte) bool {
		row, err := decodeRow(value)
		if err != nil {
			return true
		}
		s.indexRowLocked(row)
		return true
	})
}

func (s *Store) indexRowLocked(row *Row) {
	k := memberKeyOf(row)
	if row.Sequence > 0 {
		sk := seqKey{row.Community, row.MetaName, k}
		if row.Sequence > s.seq[sk] {
			s.seq[sk] = row.Sequence
		}
	}
	if row.Undone == 0 {
		lk := lsKey{row.Community, row.MetaName, k}
		s.lastSync[lk] = insertSorted(s.lastSync[lk], row.GlobalTime)
	}
}

func memberKeyOf(row *Row) string {
	if row.HasSecondSigner() {
		return pairKey(row.MemberPub[:], row.Member2Pub[:])
	}
	return string(row.MemberPub[:])
}

func pairKey(a, b []byte) string {
	if bytes.Compare(a, b) > 0 {
		a, b = b, a
	}
	return string(a) + "|" + string(b)
}

// SyncKey computes the (primaryPub, key) pair ingress distribution
// checks need to query HighestSequence/LastSyncCount/LastSyncMin: for
// single-member authentication primaryPub is memberPub and key is its
// raw bytes; for double-member authentication primaryPub is always
// the lower-ordered of the pair (row.go's documented convention) and
// key is the unordered pairKey.
func SyncKey(memberPub, member2Pub []byte) (primaryPub []byte, key string) {
	var zero33 [pubKeyLen]byte
	if len(member2Pub) == 0 || bytes.Equal(member2Pub, zero33[:]) {
		return memberPub, string(memberPub)
	}
	if bytes.Compare(memberPub, member2Pub) > 0 {
		memberPub, member2Pub = member2Pub, memberPub
	}
	return memberPub, pairKey(memberPub, member2Pub)
}

func insertSorted(s []uint64, v uint64) []uint64 {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func removeSorted(s []uint64, v uint64) []uint64 {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	if i < len(s) && s[i] == v {
		s = append(s[:i], s[i+1:]...)
	}
	return s
}

// HighestSequence returns the highest sequence number H stored for
// (community, metaName, memberPub); Insert does not check that the
// sequences below H are all present. The next acceptable sequence is
// H+1 (spec.md §4.2 step 4, §8 property 2).
func (s *Store) HighestSequence(cid community.Cid, metaName string, memberPub []byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq[seqKey{cid, metaName, string(memberPub)}]
}

// LastSyncCount returns how many live rows are stored for (community,
// metaName, key) where key is either a single member's public key or
// a pairKey for double-authenticated meta-messages.
func (s *Store) LastSyncCount(cid community.Cid, metaName string, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastSync[lsKey{cid, metaName, key}])
}

// LastSyncMin returns the lowest live global_time for (community,
// metaName, key), and whether any row exists.
func (s *Store) LastSyncMin(cid community.Cid, metaName string, key string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := s.lastSync[lsKey{cid, metaName, key}]
	if len(times) == 0 {
		return 0, false
	}
	return times[0], true
}

// Has reports whether a row for (community, memberPub, global_time)
// exists.
func (s *Store) Has(cid community.Cid, memberPub []byte, globalTime uint64) bool {
	_, found, _ := s.backend.Get(primaryKey(cid, memberPub, globalTime))
	return found
}

// GetRow fetches the stored row for (community, memberPub, global_time).
func (s *Store) GetRow(cid community.Cid, memberPub []byte, globalTime uint64) (*Row, bool, error) {
	v, found, err := s.backend.Get(primaryKey(cid, memberPub, globalTime))
	if err != nil || !found {
		return nil, found, err
	}
	row, err := decodeRow(v)
	return row, true, err
}

// GetPacket returns the raw wire bytes for (community, memberPub,
// global_time).
func (s *Store) GetPacket(cid community.Cid, memberPub []byte, globalTime uint64) ([]byte, bool, error) {
	row, found, err := s.GetRow(cid, memberPub, globalTime)
	if !found || err != nil {
		return nil, found, err
	}
	return row.Packet, true, nil
}

// Insert persists row, applying the duplicate/tie-break policy of
// spec.md §4.1. The caller (ingress distribution check) is responsible
// for having already decided the row passes sequence/last-sync/ceiling
// checks; Insert only arbitrates against what is already stored.
func (s *Store) Insert(row *Row) (InsertOutcome, error) {
	existing, found, err := s.GetRow(row.Community, row.MemberPub[:], row.GlobalTime)
	if err != nil {
		return InsertOutcome{}, err
	}

	if found {
		if bytes.Equal(existing.Packet, row.Packet) {
			out := InsertOutcome{Duplicate: true}
			if existing.Undone != 0 {
				out.UndoProof = existing.Packet
			}
			s.metrics.duplicates.Inc()
			return out, nil
		}
		if bytes.Compare(row.Packet, existing.Packet) >= 0 {
			// Existing packet is lexicographically smaller or equal;
			// keep it (deterministic tie-break, spec.md §4.1/§9).
			s.metrics.duplicates.Inc()
			return InsertOutcome{Duplicate: true}, nil
		}
		if err := s.writeRowLocked(row, true); err != nil {
			return InsertOutcome{}, err
		}
		return InsertOutcome{Stored: true, ReplacedExisting: true}, nil
	}

	if err := s.writeRowLocked(row, false); err != nil {
		return InsertOutcome{}, err
	}
	s.metrics.stored.Inc()
	return InsertOutcome{Stored: true}, nil
}

func (s *Store) writeRowLocked(row *Row, replacing bool) error {
	data := encodeRow(row)
	if err := s.backend.Set(primaryKey(row.Community, row.MemberPub[:], row.GlobalTime), data); err != nil {
		return err
	}
	if err := s.backend.Set(timeIndexKey(row.Community, row.GlobalTime, row.MemberPub[:]), data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if replacing {
		lk := lsKey{row.Community, row.MetaName, memberKeyOf(row)}
		s.lastSync[lk] = removeSorted(s.lastSync[lk], row.GlobalTime)
	}
	s.indexRowLocked(row)
	return nil
}

// MarkUndone sets sync.undone = undoID for the target row, re-persists
// it, and updates the last-sync index (an undone row no longer counts
// toward the history bound, spec.md §4.7).
func (s *Store) MarkUndone(cid community.Cid, memberPub []byte, globalTime uint64, undoID uint64) error {
	row, found, err := s.GetRow(cid, memberPub, globalTime)
	if err != nil || !found {
		return err
	}
	row.Undone = undoID
	if err := s.persistUpdate(row); err != nil {
		return err
	}
	s.mu.Lock()
	lk := lsKey{cid, row.MetaName, memberKeyOf(row)}
	s.lastSync[lk] = removeSorted(s.lastSync[lk], globalTime)
	s.mu.Unlock()
	return nil
}

// Redo clears sync.undone, restoring visibility (a dynamic-settings
// change that re-permits the message, spec.md §4.7).
func (s *Store) Redo(cid community.Cid, memberPub []byte, globalTime uint64) error {
	row, found, err := s.GetRow(cid, memberPub, globalTime)
	if err != nil || !found {
		return err
	}
	row.Undone = 0
	if err := s.persistUpdate(row); err != nil {
		return err
	}
	s.mu.Lock()
	lk := lsKey{cid, row.MetaName, memberKeyOf(row)}
	s.lastSync[lk] = insertSorted(s.lastSync[lk], globalTime)
	s.mu.Unlock()
	return nil
}

func (s *Store) persistUpdate(row *Row) error {
	data := encodeRow(row)
	if err := s.backend.Set(primaryKey(row.Community, row.MemberPub[:], row.GlobalTime), data); err != nil {
		return err
	}
	return s.backend.Set(timeIndexKey(row.Community, row.GlobalTime, row.MemberPub[:]), data)
}

// PruneLastSync drops the lowest-global_time rows for (community,
// metaName, key) beyond historySize, returning the pruned global_times
// (spec.md §4.1 invariant 3).
func (s *Store) PruneLastSync(cid community.Cid, metaName string, key string, memberPub []byte, historySize int) ([]uint64, error) {
	s.mu.Lock()
	lk := lsKey{cid, metaName, key}
	times := s.lastSync[lk]
	var toPrune []uint64
	for len(times) > historySize {
		toPrune = append(toPrune, times[0])
		times = times[1:]
	}
	s.lastSync[lk] = times
	s.mu.Unlock()

	for _, gt := range toPrune {
		if err := s.deleteRow(cid, memberPub, gt); err != nil {
			return toPrune, err
		}
		s.metrics.pruned.Inc()
	}
	return toPrune, nil
}

func (s *Store) deleteRow(cid community.Cid, memberPub []byte, globalTime uint64) error {
	if err := s.backend.Delete(primaryKey(cid, memberPub, globalTime)); err != nil {
		return err
	}
	return s.backend.Delete(timeIndexKey(cid, globalTime, memberPub))
}

// DeleteByMember removes every row authored by memberPub in cid,
// called when a member is blacklisted for a double undo-own
// (spec.md §4.7, §8 property 4).
func (s *Store) DeleteByMember(cid community.Cid, memberPub []byte) (int, error) {
	prefix := primaryPrefix(cid, memberPub)
	upper := append(append([]byte{}, prefix...), 0xff)

	var rows []*Row
	err := s.backend.Iterate(prefix, upper, func(_ []byte, value []byte) bool {
		row, derr := decodeRow(value)
		if derr == nil {
			rows = append(rows, row)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, row := range rows {
		lk := lsKey{cid, row.MetaName, memberKeyOf(row)}
		s.lastSync[lk] = removeSorted(s.lastSync[lk], row.GlobalTime)
		delete(s.seq, seqKey{cid, row.MetaName, memberKeyOf(row)})
	}
	s.mu.Unlock()

	for _, row := range rows {
		if err := s.deleteRow(cid, memberPub, row.GlobalTime); err != nil {
			return len(rows), err
		}
	}
	return len(rows), nil
}

// QuerySync iterates stored, non-undone packets in [timeLow, timeHigh]
// matching (t + offset) % modulo == 0 and priority >= priorityMin,
// feeding the bloom-filter anti-entropy exchange (spec.md §4.3).
func (s *Store) QuerySync(cid community.Cid, timeLow, timeHigh uint64, modulo, offset uint64, priorityMin int32, fn func(row *Row) bool) error {
	if modulo == 0 {
		modulo = 1
	}
	lower, upper := timeIndexBounds(cid, timeLow, timeHigh)
	return s.backend.Iterate(lower, upper, func(_ []byte, value []byte) bool {
		row, err := decodeRow(value)
		if err != nil {
			return true
		}
		if row.Undone != 0 || row.Priority < priorityMin {
			return true
		}
		if (row.GlobalTime+offset)%modulo != 0 {
			return true
		}
		return fn(row)
	})
}

// QueryAll iterates every stored row (undone or not) in [timeLow,
// timeHigh], for callers like dynamic-settings re-evaluation that must
// see undone rows in order to redo them (spec.md §4.7).
func (s *Store) QueryAll(cid community.Cid, timeLow, timeHigh uint64, fn func(row *Row) bool) error {
	lower, upper := timeIndexBounds(cid, timeLow, timeHigh)
	return s.backend.Iterate(lower, upper, func(_ []byte, value []byte) bool {
		row, err := decodeRow(value)
		if err != nil {
			return true
		}
		return fn(row)
	})
}

// CountByMemberMeta counts live rows for (community, metaName, key).
func (s *Store) CountByMemberMeta(cid community.Cid, metaName, key string) int {
	return s.LastSyncCount(cid, metaName, key)
}

// Commit flushes the backend; the node's watchdog calls this on a
// one-minute cadence, or immediately after a batch stores a message of
// our own (spec.md §4.2 step 6, §5).
func (s *Store) Commit() error {
	return s.backend.Commit()
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
