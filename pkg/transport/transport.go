// Package transport implements the typed point-to-point channel between
// adjacent pipeline stages: synchronous or async sends with a Handle to
// wait on, plus the tiny control channel used to ferry the per-micro-batch
// terminate flag during generation.
//
// The real backend (NCCL, MPI, or any GPU-aware RDMA fabric) is external to
// this module. InProcessTransport below is the in-memory stand-in: a
// registry of buffered channels keyed by (sender, receiver, tag), shared by
// every rank that lives in the same address space. It is what the CLI demo
// and every test in this module exercise.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
)

// Handle is returned by an async Send/Recv; Wait blocks until the transfer
// completes (or the context backing it was canceled).
type Handle interface {
	Wait(ctx context.Context) error
}

// Transport is the contract every pipeline stage uses to exchange tensors
// and scalars with its neighbors. Shapes/dtypes of a matched send/recv pair
// MUST match bit-for-bit; Transport implementations do not negotiate
// metadata.
type Transport interface {
	Send(ctx context.Context, t *stagemodule.Tensor, from, to int, tag string, async bool) (Handle, error)
	Recv(ctx context.Context, buf *stagemodule.Tensor, from, to int, tag string, async bool) (Handle, error)
	SendScalar(ctx context.Context, v int64, from, to int, tag string, async bool) (Handle, error)
	RecvScalar(ctx context.Context, from, to int, tag string, async bool) (int64, Handle, error)
	// SendBool/RecvBool carry the per-micro-batch terminate flag alongside
	// Send/RecvNextTokens and Send/RecvActivation in generate mode.
	SendBool(ctx context.Context, v bool, from, to int, tag string, async bool) (Handle, error)
	RecvBool(ctx context.Context, from, to int, tag string, async bool) (bool, Handle, error)
}

// TransportError wraps a transient transport failure: fatal for the
// current step, recoverable by restarting the trial from a checkpoint.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

type chanKey struct {
	from, to int
	tag      string
}

type payload struct {
	tensor *stagemodule.Tensor
	scalar int64
	flag   bool
}

// InProcessTransport implements Transport over Go channels. Every logical
// rank pair communicating on a given tag gets its own 1-buffered channel,
// created lazily on first use and reused thereafter (so a Send posted
// before its matching Recv does not block forever on an unbuffered chan).
type InProcessTransport struct {
	mu    sync.Mutex
	chans map[chanKey]chan payload
}

// NewInProcess creates an empty channel registry.
func NewInProcess() *InProcessTransport {
	return &InProcessTransport{chans: make(map[chanKey]chan payload)}
}

func (t *InProcessTransport) channel(k chanKey) chan payload {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.chans[k]
	if !ok {
		ch = make(chan payload, 1)
		t.chans[k] = ch
	}
	return ch
}

type inProcHandle struct {
	done <-chan struct{}
	err  *error
}

func (h *inProcHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return *h.err
	case <-ctx.Done():
		return &TransportError{Op: "wait", Err: ctx.Err()}
	}
}

func immediateHandle() Handle {
	done := make(chan struct{})
	close(done)
	var err error
	return &inProcHandle{done: done, err: &err}
}

func (t *InProcessTransport) send(ctx context.Context, k chanKey, p payload, async bool) (Handle, error) {
	ch := t.channel(k)
	do := func() error {
		select {
		case ch <- p:
			return nil
		case <-ctx.Done():
			return &TransportError{Op: "send", Err: ctx.Err()}
		}
	}
	if !async {
		return nil, do()
	}
	done := make(chan struct{})
	var err error
	go func() {
		err = do()
		close(done)
	}()
	return &inProcHandle{done: done, err: &err}, nil
}

func (t *InProcessTransport) recv(ctx context.Context, k chanKey, async bool) (payload, Handle, error) {
	ch := t.channel(k)
	var result payload
	do := func() error {
		select {
		case result = <-ch:
			return nil
		case <-ctx.Done():
			return &TransportError{Op: "recv", Err: ctx.Err()}
		}
	}
	if !async {
		err := do()
		return result, nil, err
	}
	done := make(chan struct{})
	var err error
	go func() {
		err = do()
		close(done)
	}()
	return result, &inProcHandle{done: done, err: &err}, nil
}

func (t *InProcessTransport) Send(ctx context.Context, tn *stagemodule.Tensor, from, to int, tag string, async bool) (Handle, error) {
	h, err := t.send(ctx, chanKey{from, to, tag}, payload{tensor: tn}, async)
	if err != nil {
		return nil, err
	}
	if !async {
		return immediateHandle(), nil
	}
	return h, nil
}

func (t *InProcessTransport) Recv(ctx context.Context, buf *stagemodule.Tensor, from, to int, tag string, async bool) (Handle, error) {
	if async {
		_, h, err := t.recvAsyncInto(ctx, chanKey{from, to, tag}, buf)
		return h, err
	}
	p, _, err := t.recv(ctx, chanKey{from, to, tag}, false)
	if err != nil {
		return nil, err
	}
	if p.tensor != nil && buf != nil {
		copyTensorInto(buf, p.tensor)
	}
	return immediateHandle(), nil
}

// recvAsyncInto starts an async recv that copies the received payload into
// buf once it arrives, so callers may pass buf's Handle.Wait() downstream.
func (t *InProcessTransport) recvAsyncInto(ctx context.Context, k chanKey, buf *stagemodule.Tensor) (payload, Handle, error) {
	ch := t.channel(k)
	done := make(chan struct{})
	var err error
	go func() {
		select {
		case p := <-ch:
			if p.tensor != nil && buf != nil {
				copyTensorInto(buf, p.tensor)
			}
		case <-ctx.Done():
			err = &TransportError{Op: "recv", Err: ctx.Err()}
		}
		close(done)
	}()
	return payload{}, &inProcHandle{done: done, err: &err}, nil
}

func copyTensorInto(dst, src *stagemodule.Tensor) {
	dst.Shape = append(dst.Shape[:0], src.Shape...)
	dst.Dtype = src.Dtype
	dst.Data = append(dst.Data[:0], src.Data...)
}

func (t *InProcessTransport) SendScalar(ctx context.Context, v int64, from, to int, tag string, async bool) (Handle, error) {
	h, err := t.send(ctx, chanKey{from, to, tag}, payload{scalar: v}, async)
	if err != nil {
		return nil, err
	}
	if !async {
		return immediateHandle(), nil
	}
	return h, nil
}

func (t *InProcessTransport) RecvScalar(ctx context.Context, from, to int, tag string, async bool) (int64, Handle, error) {
	p, h, err := t.recv(ctx, chanKey{from, to, tag}, async)
	if async {
		return 0, h, err
	}
	if err != nil {
		return 0, nil, err
	}
	return p.scalar, immediateHandle(), nil
}

func (t *InProcessTransport) SendBool(ctx context.Context, v bool, from, to int, tag string, async bool) (Handle, error) {
	h, err := t.send(ctx, chanKey{from, to, tag}, payload{flag: v}, async)
	if err != nil {
		return nil, err
	}
	if !async {
		return immediateHandle(), nil
	}
	return h, nil
}

func (t *InProcessTransport) RecvBool(ctx context.Context, from, to int, tag string, async bool) (bool, Handle, error) {
	p, h, err := t.recv(ctx, chanKey{from, to, tag}, async)
	if async {
		return false, h, err
	}
	if err != nil {
		return false, nil, err
	}
	return p.flag, immediateHandle(), nil
}
