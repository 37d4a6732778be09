// Package timeline applies authorize/revoke/undo/dynamic-settings
// messages to a community's permission timeline and message store,
// including the undo-own malicious-member detection and purge
// (spec.md §4.7).
package timeline

import (
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/store"
)

var (
	// ErrNotPermitted is returned by UndoOther when the actor does not
	// hold the undo permission at the time of the undo.
	ErrNotPermitted = errors.New("timeline: actor lacks undo permission")
	// ErrNoSuchTarget is returned by UndoOwn when the row it names does
	// not exist; UndoOther returns nil for a missing target.
	ErrNoSuchTarget = errors.New("timeline: undo target not found")
)

// Handlers applies the four C7 message types against a Store and a
// member.Table, matching dispersy.py's on_authorize/on_revoke/on_undo/
// on_dynamic_settings (spec.md §4.7).
type Handlers struct {
	store   *store.Store
	members *member.Table
}

func NewHandlers(st *store.Store, members *member.Table) *Handlers {
	return &Handlers{store: st, members: members}
}

// memberFromPub resolves a stored compressed public key to a known
// Member, or nil when the key is malformed or the member table has
// never seen it (the undo/handle callback still runs either way).
func (h *Handlers) memberFromPub(pub []byte) *member.Member {
	key, err := secp256k1.ParsePubKey(pub)
	if err != nil {
		return nil
	}
	m, _ := h.members.FromPublicKey(key)
	return m
}

// invokeCallback runs fn (a meta-message's Handle or Undo) for the
// stored row, reconstructing just enough of a community.Message for a
// callback that only needs to know which row changed (spec.md §4.7's
// "each triggering the meta's undo/handle callback", confirmed against
// dispersy.py:4047-4116's meta.undo_callback(...) / meta.handle_callback
// calls). fn and mm may be nil; both are no-ops.
func (h *Handlers) invokeCallback(comm *community.Community, mm *community.MetaMessage, fn community.HandleFunc, row *store.Row) {
	if mm == nil || fn == nil {
		return
	}
	_ = fn([]*community.Message{{
		Community:  comm,
		Meta:       mm,
		Member:     h.memberFromPub(row.MemberPub[:]),
		GlobalTime: row.GlobalTime,
		Packet:     row.Packet,
	}})
}

// Authorize records a permission grant at globalTime (create_authorize
// / on_authorize).
func (h *Handlers) Authorize(comm *community.Community, meta string, grantee member.Mid, perm community.Permission, globalTime uint64) {
	comm.Timeline.Authorize(globalTime, meta, grantee, perm)
}

// Revoke records a permission revocation at globalTime (create_revoke
// / on_revoke).
func (h *Handlers) Revoke(comm *community.Community, meta string, revokee member.Mid, perm community.Permission, globalTime uint64) {
	comm.Timeline.Revoke(globalTime, meta, revokee, perm)
}

// UndoResult reports what an undo-own application did.
type UndoResult struct {
	// Malicious is true when this was the second distinct undo-own for
	// the same target: the author has been blacklisted and purged.
	Malicious bool
}

// UndoOwn applies a dispersy-undo-own message: author undoing their
// own (authorMemberPub, targetGlobalTime) message. A second, distinct
// undo-own for the same target is malicious behavior: both undo
// packets are persisted as proof, the author is blacklisted, and every
// row they authored in this community is purged (spec.md §4.7, §8
// property 4, scenario S4).
func (h *Handlers) UndoOwn(comm *community.Community, author *member.Member, targetGlobalTime, undoGlobalTime uint64, undoPacket []byte) (UndoResult, error) {
	cid := comm.Cid
	authorPub := author.PublicKey.SerializeCompressed()

	row, found, err := h.store.GetRow(cid, authorPub, targetGlobalTime)
	if err != nil {
		return UndoResult{}, err
	}
	if !found {
		return UndoResult{}, ErrNoSuchTarget
	}

	if row.Undone != 0 {
		firstUndo, _, err := h.store.GetPacket(cid, authorPub, row.Undone)
		if err != nil {
			return UndoResult{}, err
		}
		if firstUndo != nil {
			if err := h.store.PutMaliciousProof(cid, authorPub, firstUndo); err != nil {
				return UndoResult{}, err
			}
		}
		if err := h.store.PutMaliciousProof(cid, authorPub, undoPacket); err != nil {
			return UndoResult{}, err
		}
		h.members.Blacklist(author)
		if _, err := h.store.DeleteByMember(cid, authorPub); err != nil {
			return UndoResult{}, err
		}
		return UndoResult{Malicious: true}, nil
	}

	if err := h.store.MarkUndone(cid, authorPub, targetGlobalTime, undoGlobalTime); err != nil {
		return UndoResult{}, err
	}
	if mm, ok := comm.Meta(row.MetaName); ok {
		h.invokeCallback(comm, mm, mm.Undo, row)
	}
	return UndoResult{}, nil
}

// UndoOther applies a dispersy-undo-other message: actor undoes
// targetMemberPub's (targetGlobalTime) message, validated against the
// timeline's undo permission (spec.md §4.7).
func (h *Handlers) UndoOther(comm *community.Community, actorMid member.Mid, meta string, targetMemberPub []byte, targetGlobalTime, undoGlobalTime uint64) error {
	if !comm.Timeline.HasPermission(meta, actorMid, community.PermUndo, undoGlobalTime) {
		return ErrNotPermitted
	}
	row, found, err := h.store.GetRow(comm.Cid, targetMemberPub, targetGlobalTime)
	if err != nil {
		return err
	}
	if err := h.store.MarkUndone(comm.Cid, targetMemberPub, targetGlobalTime, undoGlobalTime); err != nil {
		return err
	}
	if found {
		if mm, ok := comm.Meta(meta); ok {
			h.invokeCallback(comm, mm, mm.Undo, row)
		}
	}
	return nil
}

// AllowFunc re-evaluates whether a stored row is still allowed under a
// new resolution policy.
type AllowFunc func(row *store.Row) bool

// DynamicSettings installs a new resolution policy for meta starting
// at globalTime and re-checks every stored row for meta from
// globalTime onward: newly-disallowed rows are undone, newly-allowed
// rows are redone (spec.md §4.7).
func (h *Handlers) DynamicSettings(comm *community.Community, meta string, newRes community.Resolution, globalTime uint64, allowed AllowFunc) error {
	comm.Timeline.SetResolution(globalTime, meta, newRes)
	mm, _ := comm.Meta(meta)

	return h.store.QueryAll(comm.Cid, globalTime, ^uint64(0), func(row *store.Row) bool {
		if row.MetaName != meta {
			return true
		}
		ok := allowed(row)
		switch {
		case ok && row.Undone != 0:
			_ = h.store.Redo(comm.Cid, row.MemberPub[:], row.GlobalTime)
			if mm != nil {
				h.invokeCallback(comm, mm, mm.Handle, row)
			}
		case !ok && row.Undone == 0:
			_ = h.store.MarkUndone(comm.Cid, row.MemberPub[:], row.GlobalTime, globalTime)
			if mm != nil {
				h.invokeCallback(comm, mm, mm.Undo, row)
			}
		}
		return true
	})
}
