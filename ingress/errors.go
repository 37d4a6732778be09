package ingress

import "fmt"

// DropReason names a terminal, unrecoverable rejection (spec.md §7).
type DropReason string

const (
	DropUnknownCommunity   DropReason = "unknown-community"
	DropUnknownConversion  DropReason = "unknown-conversion"
	DropDecodeFailure      DropReason = "decode-failure"
	DropDuplicate          DropReason = "duplicate"
	DropOld                DropReason = "old"
	DropStaleGlobalTime    DropReason = "stale-global-time"
	DropViolatedUniqueness DropReason = "violated-uniqueness"
	DropMaliciousProof     DropReason = "malicious-proof-observed"
	DropBatchTooOld        DropReason = "batch-too-old"
	DropCommunityCheck     DropReason = "community-check"
	DropCommunityDestroyed DropReason = "community-destroyed"
	DropRateLimited        DropReason = "rate-limited"
)

// DropError is a count-and-discard failure; it is never retried
// (spec.md §7).
type DropError struct {
	Reason DropReason
	// SendBackPacket carries the packet the sender should be given back
	// when Reason is DropOld and the meta-message's history size is 1:
	// rather than silently discarding, we hand the sender our copy so
	// both sides converge on the same single retained packet.
	SendBackPacket []byte
}

func (e *DropError) Error() string { return fmt.Sprintf("ingress: drop (%s)", e.Reason) }

// DelayReason names a recoverable condition: once the named dependency
// arrives the message should be resumed (spec.md §7).
type DelayReason string

const (
	DelayByProof          DelayReason = "by-proof"
	DelayBySequence       DelayReason = "by-sequence"
	DelayByMissingMessage DelayReason = "by-missing-message"
	DelayByMissingMember  DelayReason = "by-missing-member"
)

// DelayError is a recoverable failure; the pipeline should request the
// named dependency and park the packet for replay (spec.md §7).
type DelayError struct {
	Reason DelayReason
	// Low/High bound the missing range for DelayBySequence.
	Low, High uint32
}

func (e *DelayError) Error() string { return fmt.Sprintf("ingress: delay (%s)", e.Reason) }
