// Package wire implements the fixed Dispersy packet prefix and the
// pluggable Conversion collaborator (spec.md §6).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/community"
)

// PrefixSize is the length of the fixed header every Dispersy datagram
// begins with: version(1) | sub-version(1) | community-id(20).
const PrefixSize = 22

// CurrentVersion and CurrentSubVersion are the only prefix values this
// node emits; other versions are accepted for decoding only if a
// Conversion is registered for them.
const (
	CurrentVersion    byte = 1
	CurrentSubVersion byte = 0
)

var (
	ErrShortPacket  = errors.New("wire: packet shorter than prefix")
	ErrUnknownMeta  = errors.New("wire: unknown message type")
	ErrMalformed    = errors.New("wire: malformed packet")
)

// Prefix is the decoded fixed header.
type Prefix struct {
	Version    byte
	SubVersion byte
	Community  community.Cid
	Type       byte
}

// ParsePrefix reads the 22-byte header plus the trailing message-type
// byte (spec.md §6).
func ParsePrefix(packet []byte) (Prefix, []byte, error) {
	if len(packet) < PrefixSize+1 {
		return Prefix{}, nil, ErrShortPacket
	}
	var p Prefix
	p.Version = packet[0]
	p.SubVersion = packet[1]
	copy(p.Community[:], packet[2:22])
	p.Type = packet[22]
	return p, packet[23:], nil
}

// WritePrefix encodes the fixed header followed by msgType; body is
// appended unchanged.
func WritePrefix(cid community.Cid, msgType byte, body []byte) []byte {
	out := make([]byte, 0, PrefixSize+1+len(body))
	out = append(out, CurrentVersion, CurrentSubVersion)
	out = append(out, cid[:]...)
	out = append(out, msgType)
	out = append(out, body...)
	return out
}

// DropPacket is a terminal, unrecoverable decode failure (spec.md §7):
// count-and-discard, never retried.
type DropPacket struct {
	Reason string
}

func (e *DropPacket) Error() string { return fmt.Sprintf("drop packet: %s", e.Reason) }

// DelayPacket names a dependency that, once satisfied, lets the caller
// retry the packet (spec.md §7).
type DelayPacket struct {
	Reason string
}

func (e *DelayPacket) Error() string { return fmt.Sprintf("delay packet: %s", e.Reason) }

// Conversion is the pluggable wire codec collaborator (spec.md §6). One
// Conversion instance serves one (version, sub-version) pair for one
// community; DecodeMetaMessage identifies which meta-message a raw
// packet belongs to before authentication/signature are touched,
// DecodeMessage performs the full decode including signature
// verification when verify is true.
type Conversion interface {
	Version() (version, subVersion byte)
	DecodeMetaMessage(packet []byte) (*community.MetaMessage, error)
	DecodeMessage(cand *candidate.Candidate, packet []byte, verify bool) (*community.Message, error)
	Encode(msg *community.Message) ([]byte, error)
}

// Registry dispatches incoming packets to the Conversion registered for
// their (version, sub-version, community); this is the "unknown
// conversion" DropPacket case of spec.md §7.
type Registry struct {
	byCid map[community.Cid]map[[2]byte]Conversion
}

func NewRegistry() *Registry {
	return &Registry{byCid: make(map[community.Cid]map[[2]byte]Conversion)}
}

func (r *Registry) Register(cid community.Cid, conv Conversion) {
	version, sub := conv.Version()
	m, ok := r.byCid[cid]
	if !ok {
		m = make(map[[2]byte]Conversion)
		r.byCid[cid] = m
	}
	m[[2]byte{version, sub}] = conv
}

// Lookup returns the Conversion for the packet's (community, version,
// sub-version), or a DropPacket if none is registered.
func (r *Registry) Lookup(p Prefix) (Conversion, error) {
	m, ok := r.byCid[p.Community]
	if !ok {
		return nil, &DropPacket{Reason: "unknown community"}
	}
	conv, ok := m[[2]byte{p.Version, p.SubVersion}]
	if !ok {
		return nil, &DropPacket{Reason: "unknown conversion"}
	}
	return conv, nil
}

func putUvarint(dst []byte, v uint64) []byte {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}
