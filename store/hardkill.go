package store

import "github.com/triblerteam/dispersy/community"

// PruneExcept deletes every row in cid for which keep returns false,
// the Go analogue of dispersy.py:4040's hard-kill "DELETE FROM sync
// WHERE community = ? AND id NOT IN (...)" (spec.md §4.8).
func (s *Store) PruneExcept(cid community.Cid, keep func(row *Row) bool) (int, error) {
	var drop []*Row
	err := s.QueryAll(cid, 0, ^uint64(0), func(row *Row) bool {
		if !keep(row) {
			drop = append(drop, row)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	for _, row := range drop {
		lk := lsKey{cid, row.MetaName, memberKeyOf(row)}
		s.lastSync[lk] = removeSorted(s.lastSync[lk], row.GlobalTime)
		delete(s.seq, seqKey{cid, row.MetaName, memberKeyOf(row)})
	}
	s.mu.Unlock()

	for _, row := range drop {
		if err := s.deleteRow(cid, row.MemberPub[:], row.GlobalTime); err != nil {
			return len(drop), err
		}
		s.metrics.pruned.Inc()
	}
	return len(drop), nil
}

// DeleteAllMaliciousProofs drops every malicious-proof packet recorded
// for cid, across every member, used once a community hard-kill has
// already purged everything those proofs concerned (spec.md §4.8,
// dispersy.py:4043).
func (s *Store) DeleteAllMaliciousProofs(cid community.Cid) error {
	prefix := append([]byte{'x'}, cid[:]...)
	upper := append(append([]byte{}, prefix...), 0xff)

	var keys [][]byte
	err := s.backend.Iterate(prefix, upper, func(key, _ []byte) bool {
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.backend.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
