package dispatcher

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pipeflow/pipeflow/pkg/adapter"
)

// maxDrainPerTick bounds how many envelopes one Worker.Tick drains off its
// stream, keeping each tick's work bounded rather than draining until the
// stream runs dry.
const maxDrainPerTick = 8

// HookFunc executes one named pre- or post-hook against the worker's
// engine-adjacent state (data transfer, parameter sync, offload).
type HookFunc func(ctx context.Context, data any) error

// Worker is the worker side of the request dispatcher: a bounded per-tick
// loop that drains its Stream, promotes ack'd requests into a
// deterministic work queue, and advances each one through its pre-hooks,
// operation, and post-hooks.
type Worker struct {
	Name    string
	Stream  Stream
	Adapter *adapter.Adapter
	Hooks   map[string]HookFunc

	modelConfig  any
	finetuneSpec adapter.FinetuneSpec
	initialized  bool
	dataset      DataSource

	requestCache []Request // FIFO, awaiting ACK
	ackCache     map[string]bool
	workQ        *workQueue

	dataOwnerStorage map[dataKey]any
	requiredByKey    map[string][]string // consumer RPC names per key
	sendRecord       map[dataKey]map[string]bool
	nextBufferIdx    int

	log *logrus.Entry
}

// NewWorker constructs a Worker bound to stream and ready to execute
// operations through a (possibly nil, for pure data-serving workers) adapter.
func NewWorker(name string, stream Stream, a *adapter.Adapter) *Worker {
	return &Worker{
		Name:             name,
		Stream:           stream,
		Adapter:          a,
		Hooks:            make(map[string]HookFunc),
		ackCache:         make(map[string]bool),
		workQ:            newWorkQueue(),
		dataOwnerStorage: make(map[dataKey]any),
		requiredByKey:    make(map[string][]string),
		sendRecord:       make(map[dataKey]map[string]bool),
		log:              logrus.WithFields(logrus.Fields{"component": "dispatcher.worker", "worker": name}),
	}
}

// BindDataset attaches the local dataset the "fetch" operation pulls from.
func (w *Worker) BindDataset(ds DataSource) { w.dataset = ds }

// SetModelConfig installs the config payload the "model_config" operation
// returns to the master.
func (w *Worker) SetModelConfig(cfg any) { w.modelConfig = cfg }

// SetRequired registers the consumer RPC names required before storage for
// key may be freed.
func (w *Worker) SetRequired(key string, consumers []string) { w.requiredByKey[key] = consumers }

// Tick runs one bounded iteration of the worker loop: drain incoming
// envelopes, promote ack'd requests, advance one work-queue item, and post
// any ready response.
func (w *Worker) Tick(ctx context.Context) error {
	w.drain()
	w.promote()
	return w.stepOne(ctx)
}

// drain pulls up to maxDrainPerTick envelopes off the stream: Request
// envelopes get an immediate SYN reply and join requestCache; Ack envelopes
// populate ackCache.
func (w *Worker) drain() {
	for i := 0; i < maxDrainPerTick; i++ {
		env, err := w.Stream.Poll()
		if err == ErrNoMessage {
			return
		}
		if err != nil {
			w.log.WithError(err).Warn("stream poll failed")
			return
		}
		switch env.Kind {
		case KindAck:
			w.ackCache[env.RequestID] = true
		case KindRequest:
			if env.Request == nil {
				continue
			}
			_ = w.Stream.Post(Envelope{Kind: KindSyn, RequestID: env.Request.SynReplyID})
			w.requestCache = append(w.requestCache, *env.Request)
		}
	}
}

// promote moves every request at the front of requestCache whose ACK has
// arrived into the work queue, in FIFO order. A request with no ACK yet
// blocks everything behind it, preserving the master's send order.
func (w *Worker) promote() {
	for len(w.requestCache) > 0 {
		req := w.requestCache[0]
		if !w.ackCache[req.AckReplyID] {
			break
		}
		delete(w.ackCache, req.AckReplyID)
		w.requestCache = w.requestCache[1:]
		w.workQ.Enqueue(&workEntry{req: req, data: req.Data})
	}
}

// stepOne pops exactly one work-queue entry and advances it by one pre-hook,
// or by the operation plus its first post-hook, or by one later post-hook,
// posting a Response once every post-hook has run.
func (w *Worker) stepOne(ctx context.Context) error {
	e := w.workQ.Dequeue()
	if e == nil {
		return nil
	}

	if len(e.req.PreHooks) > 0 {
		h := e.req.PreHooks[0]
		e.req.PreHooks = e.req.PreHooks[1:]
		if err := w.runHook(ctx, h); err != nil {
			return w.postError(e.req, err)
		}
		w.workQ.Enqueue(e)
		return nil
	}

	if !e.handled {
		res, err := w.runOp(ctx, e.req, e.data)
		if err != nil {
			return w.postError(e.req, err)
		}
		e.handled = true
		e.res = res
	}

	if e.handled && len(e.req.PostHooks) > 0 {
		h := e.req.PostHooks[0]
		e.req.PostHooks = e.req.PostHooks[1:]
		if err := w.runHook(ctx, h); err != nil {
			return w.postError(e.req, err)
		}
		w.workQ.Enqueue(e)
		return nil
	}

	return w.Stream.Post(Envelope{Kind: KindResponse, Response: &Response{
		Handler:    e.req.Handler,
		RequestID:  e.req.RequestID,
		HandleName: e.req.HandleName,
		Data:       e.res,
	}})
}

func (w *Worker) runHook(ctx context.Context, h Hook) error {
	fn, ok := w.Hooks[h.Name]
	if !ok {
		return fmt.Errorf("dispatcher: unknown hook %q", h.Name)
	}
	return fn(ctx, h.Data)
}

// postError packages a user-code or operation error into the response
// payload rather than crashing the worker.
func (w *Worker) postError(req Request, err error) error {
	return w.Stream.Post(Envelope{Kind: KindResponse, Response: &Response{
		Handler:    req.Handler,
		RequestID:  req.RequestID,
		HandleName: req.HandleName,
		Err:        err,
	}})
}

// PutOwned records that this worker owns a produced tensor/value for
// (bufferIdx, key), pending acknowledgement from every consumer named in
// requiredByKey[key].
func (w *Worker) PutOwned(bufferIdx int, key string, value any) {
	w.dataOwnerStorage[dataKey{bufferIdx, key}] = value
}

// AckConsumer records that consumer has received (bufferIdx, key). Once
// every RPC name in requiredByKey[key] has acknowledged, the entry is
// dropped and dropped=true is returned.
func (w *Worker) AckConsumer(bufferIdx int, key, consumerRPCName string) (dropped bool) {
	k := dataKey{bufferIdx, key}
	if _, ok := w.dataOwnerStorage[k]; !ok {
		return false
	}
	if w.sendRecord[k] == nil {
		w.sendRecord[k] = make(map[string]bool)
	}
	w.sendRecord[k][consumerRPCName] = true
	for _, required := range w.requiredByKey[key] {
		if !w.sendRecord[k][required] {
			return false
		}
	}
	delete(w.dataOwnerStorage, k)
	delete(w.sendRecord, k)
	return true
}

// OwnedCount reports the number of live (bufferIdx, key) entries, mainly
// for tests asserting ownership-freeing invariants.
func (w *Worker) OwnedCount() int { return len(w.dataOwnerStorage) }
