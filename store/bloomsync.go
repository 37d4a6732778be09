package store

import (
	"github.com/cespare/xxhash/v2"
	"github.com/holiman/bloomfilter/v2"

	"github.com/triblerteam/dispersy/community"
)

// packetHash is the 64-bit key fed into the bloom filter for each
// packet, matching the "bloom of packet-hashes" description in
// spec.md §4.3/§6.
func packetHash(packet []byte) uint64 {
	return xxhash.Sum64(packet)
}

// BuildBloom constructs the bloom filter advertised alongside a sync
// descriptor (spec.md §4.3): every live, non-undone packet in
// [timeLow, timeHigh] matching (t+offset)%modulo==0 is added.
func (s *Store) BuildBloom(cid community.Cid, timeLow, timeHigh, modulo, offset uint64, bits uint64, k uint64) (*bloomfilter.Filter, error) {
	filter, err := bloomfilter.New(bits, k)
	if err != nil {
		return nil, err
	}
	err = s.QuerySync(cid, timeLow, timeHigh, modulo, offset, 0, func(row *Row) bool {
		filter.Add(packetHash(row.Packet))
		return true
	})
	return filter, err
}

// MissingPackets walks [timeLow, timeHigh] and invokes fn for every
// live packet not represented in remote, stopping once maxBytes of
// packets have been yielded (spec.md §4.3's
// dispersy_sync_response_limit amplification bound).
func (s *Store) MissingPackets(cid community.Cid, timeLow, timeHigh, modulo, offset uint64, priorityMin int32, remote *bloomfilter.Filter, maxBytes int, fn func(packet []byte) bool) error {
	sent := 0
	return s.QuerySync(cid, timeLow, timeHigh, modulo, offset, priorityMin, func(row *Row) bool {
		if remote.Contains(packetHash(row.Packet)) {
			return true
		}
		if sent+len(row.Packet) > maxBytes && sent > 0 {
			return false
		}
		sent += len(row.Packet)
		return fn(row.Packet)
	})
}
