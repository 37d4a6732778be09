package store

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/triblerteam/dispersy/community"
)

// pubKeyLen is the length of a compressed secp256k1 public key, the
// fixed-width member-identity component of every store key.
const pubKeyLen = 33

// Row is the persisted form of a stored message (spec.md §3 "Stored
// message row"). Member identity is keyed by full public key rather
// than the collision-tolerant Mid, matching the real schema's member
// table surrogate id.
//
// Double-signed rows are always primary-keyed on the lower-ordered
// member of the pair (MemberPub < Member2Pub, spec.md §3's
// member_lo < member_hi rule) so that PruneLastSync's (key, memberPub)
// pair always resolves to the correct primary key.
type Row struct {
	Community  community.Cid
	MemberPub  [pubKeyLen]byte
	Member2Pub [pubKeyLen]byte // zero when single-authenticated
	GlobalTime uint64
	MetaName   string
	Sequence   uint32
	Priority   int32
	Packet     []byte
	Undone     uint64 // global_time of the message that undid this row (its author is not recorded), 0 when live
}

// HasSecondSigner reports whether this row was double-authenticated.
func (r *Row) HasSecondSigner() bool {
	var zero [pubKeyLen]byte
	return r.Member2Pub != zero
}

func encodeRow(r *Row) []byte {
	var buf bytes.Buffer
	buf.Write(r.Community[:])
	buf.Write(r.MemberPub[:])
	buf.Write(r.Member2Pub[:])
	writeU64(&buf, r.GlobalTime)
	writeU32(&buf, r.Sequence)
	writeI32(&buf, r.Priority)
	writeU64(&buf, r.Undone)
	writeString(&buf, r.MetaName)
	writeBytes(&buf, r.Packet)
	return buf.Bytes()
}

func decodeRow(data []byte) (*Row, error) {
	r := &Row{}
	buf := bytes.NewReader(data)
	if _, err := readFull(buf, r.Community[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(buf, r.MemberPub[:]); err != nil {
		return nil, err
	}
	if _, err := readFull(buf, r.Member2Pub[:]); err != nil {
		return nil, err
	}
	var err error
	if r.GlobalTime, err = readU64(buf); err != nil {
		return nil, err
	}
	if r.Sequence, err = readU32(buf); err != nil {
		return nil, err
	}
	if r.Priority, err = readI32(buf); err != nil {
		return nil, err
	}
	if r.Undone, err = readU64(buf); err != nil {
		return nil, err
	}
	if r.MetaName, err = readString(buf); err != nil {
		return nil, err
	}
	if r.Packet, err = readBytes(buf); err != nil {
		return nil, err
	}
	return r, nil
}

type byteReader interface {
	Read(p []byte) (int, error)
}

func readFull(r byteReader, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := r.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU64(r byteReader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readU32(r byteReader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeI32(buf *bytes.Buffer, v int32) { writeU32(buf, uint32(v)) }

func readI32(r byteReader) (int32, error) {
	v, err := readU32(r)
	return int32(v), err
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r byteReader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r byteReader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, fmt.Errorf("store: short read: %w", err)
	}
	return b, nil
}

// primaryKey is the (community, member, global_time) uniqueness key
// (spec.md §3, §8 property 1).
func primaryKey(cid community.Cid, memberPub []byte, globalTime uint64) []byte {
	k := make([]byte, 0, 1+community.CidSize+pubKeyLen+8)
	k = append(k, 'r')
	k = append(k, cid[:]...)
	k = append(k, memberPub...)
	var gt [8]byte
	binary.BigEndian.PutUint64(gt[:], globalTime)
	return append(k, gt[:]...)
}

func primaryPrefix(cid community.Cid, memberPub []byte) []byte {
	k := make([]byte, 0, 1+community.CidSize+pubKeyLen)
	k = append(k, 'r')
	k = append(k, cid[:]...)
	return append(k, memberPub...)
}

// timeIndexKey supports query_sync's global_time range scan across all
// members of a community. A second copy of the row is stored under it
// because primaryKey orders by member first, which can't serve a
// time-ordered scan.
func timeIndexKey(cid community.Cid, globalTime uint64, memberPub []byte) []byte {
	k := make([]byte, 0, 1+community.CidSize+8+pubKeyLen)
	k = append(k, 't')
	k = append(k, cid[:]...)
	var gt [8]byte
	binary.BigEndian.PutUint64(gt[:], globalTime)
	k = append(k, gt[:]...)
	return append(k, memberPub...)
}

func timeIndexBounds(cid community.Cid, low, high uint64) (lower, upper []byte) {
	var lo, hi [8]byte
	binary.BigEndian.PutUint64(lo[:], low)
	binary.BigEndian.PutUint64(hi[:], high)
	lower = append([]byte{'t'}, cid[:]...)
	lower = append(lower, lo[:]...)
	upper = append([]byte{'t'}, cid[:]...)
	upper = append(upper, hi[:]...)
	// upper bound in Iterate is exclusive; push past the highest
	// member-key byte range so global_time == high is included.
	upper = append(upper, 0xff)
	return lower, upper
}
