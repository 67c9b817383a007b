// Package dispatcher implements the request dispatcher: the
// master-to-worker stream that orders incoming requests, runs
// pre-hooks -> computation -> post-hooks, posts responses, and tracks which
// consumers have received each produced output so storage can be freed.
package dispatcher

import (
	"fmt"
)

// Hook is one named pre- or post-computation step (data transfer, param
// sync, offload) carrying whatever payload that hook needs.
type Hook struct {
	Name string
	Data any
}

// Request is the wire-level request frame. Handler is either a
// topology.ModelShardID's string form or "__data{i}__" for a
// dataset-serving worker.
type Request struct {
	Handler    string
	RequestID  string
	AckReplyID string
	SynReplyID string
	HandleName string
	Data       any
	PreHooks   []Hook
	PostHooks  []Hook

	// priority orders the per-tick work queue deterministically when two
	// requests are both ready to run (lower runs first); defaults to 0.
	Priority int
}

// NewRequest builds a Request whose RequestID, SynReplyID and AckReplyID
// all share one identifier, which is the only handshake shape Master/Worker
// implement here. The distinct reply-id fields exist so a relay could
// renumber a forwarded request; this module never does, so they track the
// same id.
func NewRequest(id, handler, handleName string, data any) Request {
	return Request{
		Handler:    handler,
		RequestID:  id,
		AckReplyID: id,
		SynReplyID: id,
		HandleName: handleName,
		Data:       data,
	}
}

// Response is the wire-level reply frame.
type Response struct {
	Handler    string
	RequestID  string
	HandleName string
	Data       any
	Err        error
}

// Envelope multiplexes Request/Response/Ack/Syn frames over one Stream, so
// the handshake control traffic shares the request path rather than needing
// a second channel.
type Envelope struct {
	Kind      EnvelopeKind
	Request   *Request
	Response  *Response
	RequestID string // for Ack/Syn: which request this acknowledges
}

type EnvelopeKind int

const (
	KindRequest EnvelopeKind = iota
	KindResponse
	KindSyn
	KindAck
)

// ErrNoMessage is returned by Stream.Poll when nothing is queued.
var ErrNoMessage = fmt.Errorf("dispatcher: no message available")
