package store

import (
	"fmt"
	"strings"

	"github.com/triblerteam/dispersy/community"
)

// SanityCheck re-validates a community's stored rows against the
// invariants sanity_check (dispersy.py:4122) enforces: full-sync
// sequence numbers are contiguous per member, and last-sync history
// bounds are respected. It does not check the identity/undo-other
// bookkeeping the original also covers: this store has no separate
// member/private_key tables to cross-reference (member identity lives
// in Row.MemberPub directly), so those checks have no equivalent here.
func (s *Store) SanityCheck(comm *community.Community) error {
	type seqState struct {
		seen map[uint32]bool
		max  uint32
	}
	sequences := map[string]*seqState{}
	lastSyncCounts := map[string]int{}

	var dupErr error
	err := s.QuerySync(comm.Cid, 0, ^uint64(0), 1, 0, 0, func(row *Row) bool {
		mm, ok := comm.Meta(row.MetaName)
		if !ok {
			return true
		}
		switch mm.Distribution.Kind {
		case community.DistributionFullSync:
			if !mm.Distribution.SequenceNumbers {
				return true
			}
			key := row.MetaName + "|" + string(row.MemberPub[:])
			st, ok := sequences[key]
			if !ok {
				st = &seqState{seen: map[uint32]bool{}}
				sequences[key] = st
			}
			if st.seen[row.Sequence] {
				dupErr = fmt.Errorf("sanity check: duplicate sequence number %d for meta %q", row.Sequence, row.MetaName)
				return false
			}
			st.seen[row.Sequence] = true
			if row.Sequence > st.max {
				st.max = row.Sequence
			}

		case community.DistributionLastSync:
			_, key := SyncKey(row.MemberPub[:], row.Member2Pub[:])
			lastSyncCounts[row.MetaName+"|"+key]++
		}
		return true
	})
	if err != nil {
		return err
	}
	if dupErr != nil {
		return dupErr
	}

	for key, st := range sequences {
		for i := uint32(1); i <= st.max; i++ {
			if !st.seen[i] {
				return fmt.Errorf("sanity check: missing sequence number %d for %s", i, key)
			}
		}
	}

	for key, count := range lastSyncCounts {
		metaName := key[:strings.IndexByte(key, '|')]
		mm, ok := comm.Meta(metaName)
		if !ok {
			continue
		}
		if count > mm.Distribution.HistorySize {
			return fmt.Errorf("sanity check: %s holds %d live rows, exceeding history size %d", key, count, mm.Distribution.HistorySize)
		}
	}
	return nil
}
