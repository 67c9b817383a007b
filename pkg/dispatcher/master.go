package dispatcher

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pendingRequest tracks one in-flight request awaiting its SYN/ACK
// handshake and eventual response.
type pendingRequest struct {
	req         Request
	worker      string
	sentAt      time.Time
	synReceived bool
}

// Master is the master side of the three-way REQ -> SYN -> ACK handshake,
// fanned out to one Stream per worker. A missed SYN causes the request to
// be re-posted on the next Poll rather than blocking, so a slow worker
// delays only its own requests.
type Master struct {
	mu         sync.Mutex
	streams    map[string]Stream // worker name -> stream
	pending    map[string]*pendingRequest
	ackTimeout time.Duration
	log        *logrus.Entry
}

// NewMaster creates a Master with the given per-worker streams and SYN
// timeout.
func NewMaster(streams map[string]Stream, ackTimeout time.Duration) *Master {
	return &Master{
		streams:    streams,
		pending:    make(map[string]*pendingRequest),
		ackTimeout: ackTimeout,
		log:        logrus.WithField("component", "dispatcher.master"),
	}
}

// Send posts req to the named worker and begins tracking its handshake.
func (m *Master) Send(worker string, req Request) error {
	stream, ok := m.streams[worker]
	if !ok {
		return fmt.Errorf("dispatcher: no stream registered for worker %q", worker)
	}
	m.mu.Lock()
	m.pending[req.RequestID] = &pendingRequest{req: req, worker: worker, sentAt: now()}
	m.mu.Unlock()
	return stream.Post(Envelope{Kind: KindRequest, Request: &req})
}

// Poll drains every worker stream once, completing handshakes and
// collecting responses, then retries any request whose SYN has not
// arrived within ackTimeout. Returns the responses that completed this
// call.
func (m *Master) Poll() ([]Response, error) {
	var responses []Response
	for worker, stream := range m.streams {
		for {
			env, err := stream.Poll()
			if err == ErrNoMessage {
				break
			}
			if err != nil {
				return responses, fmt.Errorf("dispatcher: master poll %s: %w", worker, err)
			}
			switch env.Kind {
			case KindSyn:
				m.mu.Lock()
				p, ok := m.pending[env.RequestID]
				if ok {
					p.synReceived = true
				}
				m.mu.Unlock()
				if err := stream.Post(Envelope{Kind: KindAck, RequestID: env.RequestID}); err != nil {
					return responses, err
				}
			case KindResponse:
				if env.Response != nil {
					responses = append(responses, *env.Response)
					m.mu.Lock()
					delete(m.pending, env.Response.RequestID)
					m.mu.Unlock()
				}
			}
		}
	}
	m.retryTimedOut()
	return responses, nil
}

func (m *Master) retryTimedOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pending {
		if p.synReceived || now().Sub(p.sentAt) < m.ackTimeout {
			continue
		}
		stream, ok := m.streams[p.worker]
		if !ok {
			continue
		}
		m.log.WithField("request_id", id).Debug("retrying request past ack timeout")
		p.sentAt = now()
		_ = stream.Post(Envelope{Kind: KindRequest, Request: &p.req})
	}
}

func now() time.Time { return time.Now() }
