// Package member implements Dispersy members: EC-identified participants
// addressed by a short, collision-tolerant digest of their public key.
package member

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// MidSize is the length in bytes of a member's short identifier.
const MidSize = 20

// Mid is a 20-byte digest of a member's public key. Collisions are
// possible and expected; a Mid never uniquely identifies a Member on
// its own.
type Mid [MidSize]byte

func (m Mid) String() string {
	return fmt.Sprintf("%x", m[:])
}

// Member is a cryptographically identified participant. Remote members
// carry only a public key; our own members additionally hold the
// matching private key.
type Member struct {
	PublicKey   *secp256k1.PublicKey
	privateKey  *secp256k1.PrivateKey
	mid         Mid
	Blacklisted bool
}

// New constructs a Member from a public key, optionally paired with a
// private key when the member is one of our own.
func New(pub *secp256k1.PublicKey, priv *secp256k1.PrivateKey) *Member {
	return &Member{
		PublicKey:  pub,
		privateKey: priv,
		mid:        MidOf(pub),
	}
}

// Generate creates a fresh keypair and returns the resulting own-member.
func Generate() (*Member, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("member: generate key: %w", err)
	}
	return New(priv.PubKey(), priv), nil
}

// MidOf computes the short identifier of a public key: a SHA-1 digest
// of its compressed serialization, per the Dispersy wire convention.
func MidOf(pub *secp256k1.PublicKey) Mid {
	sum := sha1.Sum(pub.SerializeCompressed())
	var mid Mid
	copy(mid[:], sum[:])
	return mid
}

// Mid returns the member's short identifier.
func (m *Member) Mid() Mid { return m.mid }

// HasPrivateKey reports whether this is one of our own members.
func (m *Member) HasPrivateKey() bool { return m.privateKey != nil }

// Sign signs digest with the member's private key. Remote members
// (no private key) cannot sign.
func (m *Member) Sign(digest []byte) ([]byte, error) {
	if m.privateKey == nil {
		return nil, fmt.Errorf("member: %s has no private key", m.mid)
	}
	sig := ecdsa.Sign(m.privateKey, digest)
	return sig.Serialize(), nil
}

// Verify checks that signature is a valid signature over digest by
// this member's public key.
func (m *Member) Verify(digest, signature []byte) bool {
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return false
	}
	return sig.Verify(digest, m.PublicKey)
}

// Table is a concurrency-safe mid -> members index. A Mid may resolve
// to zero, one, or more members; callers must disambiguate by public
// key when it matters.
type Table struct {
	mu      sync.RWMutex
	byMid   map[Mid][]*Member
	byPub   map[string]*Member
}

// NewTable creates an empty member table.
func NewTable() *Table {
	return &Table{
		byMid: make(map[Mid][]*Member),
		byPub: make(map[string]*Member),
	}
}

// Add registers a member, deduplicating on exact public key.
func (t *Table) Add(m *Member) *Member {
	key := string(m.PublicKey.SerializeCompressed())

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.byPub[key]; ok {
		if m.HasPrivateKey() && !existing.HasPrivateKey() {
			existing.privateKey = m.privateKey
		}
		return existing
	}

	t.byPub[key] = m
	t.byMid[m.mid] = append(t.byMid[m.mid], m)
	return m
}

// FromMid returns every known member whose mid matches (possibly
// colliding set).
func (t *Table) FromMid(mid Mid) []*Member {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Member, len(t.byMid[mid]))
	copy(out, t.byMid[mid])
	return out
}

// FromPublicKey returns the member for an exact public key, if known.
func (t *Table) FromPublicKey(pub *secp256k1.PublicKey) (*Member, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.byPub[string(pub.SerializeCompressed())]
	return m, ok
}

// Blacklist marks a member as malicious. Blacklisted members' messages
// are purged by the timeline's undo-own double-sign handling.
func (t *Table) Blacklist(m *Member) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m.Blacklisted = true
}
