// Package signature implements multi-party co-signing: a node asks one
// or more co-signers to add their signature to a double-authenticated
// message and collects the responses (spec.md §4.6).
package signature

import (
	"errors"
	"time"

	"github.com/triblerteam/dispersy/community"
	"github.com/triblerteam/dispersy/member"
	"github.com/triblerteam/dispersy/requestcache"
)

// DefaultTimeout matches create_signature_request's default (spec.md
// §4.6, grounded on dispersy.py's timeout=10.0 default argument).
const DefaultTimeout = 10 * time.Second

// ResponseFunc is invoked once per signature-response, and once more
// with proposed == nil on timeout. It returns true to accept the
// proposed (possibly re-signed) message.
type ResponseFunc func(proposed *community.Message, modified bool) (accept bool)

// requestCache is the requestcache.Cache implementation backing one
// outstanding signature request.
type requestCache struct {
	pending      []*member.Member
	request      *community.Message
	response     ResponseFunc
	timeout      time.Duration
}

func (c *requestCache) TimeoutDelay() time.Duration { return c.timeout }
func (c *requestCache) CleanupDelay() time.Duration { return 0 }
func (c *requestCache) OnTimeout()                  { c.response(nil, false) }
func (c *requestCache) OnCleanup()                  {}

// Collector drives signature requests for one node: CreateRequest
// claims an identifier and returns the request to send; OnResponse
// is fed every inbound dispersy-signature-response.
type Collector struct {
	cache *requestcache.RequestCache
}

func NewCollector(cache *requestcache.RequestCache) *Collector {
	return &Collector{cache: cache}
}

var (
	ErrNoSignersNeeded = errors.New("signature: message already fully signed")
	ErrInvalidResponse = errors.New("signature: no live request for this identifier")
	ErrMetaChanged     = errors.New("signature: response changed meta message")
	ErrMemberChanged   = errors.New("signature: response changed first member")
	ErrGlobalTimeChanged = errors.New("signature: response changed global time")
)

// CreateRequest installs a SignatureRequestCache for msg (which must
// use double-member authentication) and returns the claimed
// identifier; the caller is responsible for sending the
// dispersy-signature-request to pending.
func (c *Collector) CreateRequest(msg *community.Message, pending []*member.Member, response ResponseFunc, timeout time.Duration) (identifier uint16, err error) {
	if len(pending) == 0 {
		return 0, ErrNoSignersNeeded
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rc := &requestCache{pending: pending, request: msg, response: response, timeout: timeout}
	return c.cache.Claim(rc), nil
}

// OnResponse validates an inbound dispersy-signature-response against
// the original request (same meta, same first member, same
// global_time, spec.md §4.6) and, if it passes, invokes the
// caller-supplied ResponseFunc and pops the request cache.
func (c *Collector) OnResponse(identifier uint16, proposed *community.Message, wasModified bool) (accepted bool, err error) {
	rc, ok := requestcache.Get[*requestCache](c.cache, identifier)
	if !ok {
		return false, ErrInvalidResponse
	}
	old := rc.request
	if old.Meta != proposed.Meta {
		return false, ErrMetaChanged
	}
	if old.Member == nil || proposed.Member == nil || old.Member.Mid() != proposed.Member.Mid() {
		return false, ErrMemberChanged
	}
	if old.GlobalTime != proposed.GlobalTime {
		return false, ErrGlobalTimeChanged
	}

	requestcache.Pop[*requestCache](c.cache, identifier)
	return rc.response(proposed, wasModified), nil
}

// AllowSignature is the co-signer side: apply the community-supplied
// allow func to submsg and return the message it approves, exactly as
// allow returned it (spec.md §4.6 "allow_signature_func"). It adds no
// signature of its own; self is not used.
func AllowSignature(submsg *community.Message, self *member.Member, allow func(*community.Message) (*community.Message, bool)) (*community.Message, bool) {
	approved, ok := allow(submsg)
	if !ok || approved == nil {
		return nil, false
	}
	return approved, true
}
