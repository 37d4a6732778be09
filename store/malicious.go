package store

import (
	"encoding/binary"

	"github.com/triblerteam/dispersy/community"
)

// maliciousKey builds the persisted key for the n-th malicious proof
// packet recorded against (community, memberPub); the schema's
// malicious_proof(community, member, packet) table (spec.md §6).
func maliciousKey(cid community.Cid, memberPub []byte, n uint32) []byte {
	k := make([]byte, 0, 1+community.CidSize+pubKeyLen+4)
	k = append(k, 'x')
	k = append(k, cid[:]...)
	k = append(k, memberPub...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return append(k, b[:]...)
}

func maliciousPrefix(cid community.Cid, memberPub []byte) []byte {
	k := make([]byte, 0, 1+community.CidSize+pubKeyLen)
	k = append(k, 'x')
	k = append(k, cid[:]...)
	return append(k, memberPub...)
}

// PutMaliciousProof persists one proof packet demonstrating a member's
// malicious behavior (spec.md §4.7, §8 property 4 / scenario S4).
func (s *Store) PutMaliciousProof(cid community.Cid, memberPub []byte, packet []byte) error {
	var count uint32
	err := s.backend.Iterate(maliciousPrefix(cid, memberPub), append(append([]byte{}, maliciousPrefix(cid, memberPub)...), 0xff), func(_, _ []byte) bool {
		count++
		return true
	})
	if err != nil {
		return err
	}
	return s.backend.Set(maliciousKey(cid, memberPub, count), packet)
}

// GetMaliciousProofs returns every proof packet recorded against
// memberPub in cid.
func (s *Store) GetMaliciousProofs(cid community.Cid, memberPub []byte) ([][]byte, error) {
	var out [][]byte
	prefix := maliciousPrefix(cid, memberPub)
	upper := append(append([]byte{}, prefix...), 0xff)
	err := s.backend.Iterate(prefix, upper, func(_, value []byte) bool {
		out = append(out, append([]byte(nil), value...))
		return true
	})
	return out, err
}
