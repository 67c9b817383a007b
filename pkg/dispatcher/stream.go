package dispatcher

// Stream is the bidirectional channel a Master and a Worker exchange
// Envelopes over. Real deployments carry this over a network RPC stream;
// the in-process channel pair below is the idiomatic Go stand-in every
// test in this module exercises, matching pkg/transport's approach to the
// tensor data plane.
type Stream interface {
	Post(Envelope) error
	// Poll returns the next queued Envelope, or ErrNoMessage if none is
	// available right now; it never blocks, so a worker tick stays bounded.
	Poll() (Envelope, error)
}

// InProcessStream is one directional leg of a Stream pair.
type InProcessStream struct {
	out chan<- Envelope
	in  <-chan Envelope
}

func (s *InProcessStream) Post(e Envelope) error {
	s.out <- e
	return nil
}

func (s *InProcessStream) Poll() (Envelope, error) {
	select {
	case e := <-s.in:
		return e, nil
	default:
		return Envelope{}, ErrNoMessage
	}
}

// NewStreamPair creates two connected Streams: masterSide.Post reaches
// workerSide.Poll and vice versa.
func NewStreamPair(buf int) (masterSide, workerSide Stream) {
	toWorker := make(chan Envelope, buf)
	toMaster := make(chan Envelope, buf)
	masterSide = &InProcessStream{out: toWorker, in: toMaster}
	workerSide = &InProcessStream{out: toMaster, in: toWorker}
	return masterSide, workerSide
}
