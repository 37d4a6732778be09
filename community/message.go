package community

import (
	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/member"
)

// Message is a decoded Dispersy message: the payload has already been
// parsed by the pluggable Conversion collaborator (wire/Conversion);
// this struct carries everything the pipeline, store and handlers need
// regardless of payload type.
type Message struct {
	Community  *Community
	Meta       *MetaMessage
	Member     *member.Member
	Member2    *member.Member // set for double-member authentication
	GlobalTime uint64
	Sequence   uint32 // full-sync with sequence numbers
	Packet     []byte // raw wire bytes, used for dedup/tie-break
	Payload    interface{}

	// From is the candidate address the packet arrived from, used to
	// send a packet back to its originator (e.g. the history_size==1
	// converge-back case, spec.md §4.2 step 4).
	From candidate.Address

	// StoreID is populated once persisted; zero until then.
	StoreID uint64
}
