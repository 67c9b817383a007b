package datatransfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/transport"
)

type storageKey struct {
	key  string
	slot int
}

// entry tracks one published tensor's ownership state: the root that
// produced it, the full set of consumer ranks required to receive it before
// it can be dropped, and which of those have acknowledged so far.
type entry struct {
	tensor   *stagemodule.Tensor
	root     int
	required map[int]bool
	received map[int]bool
}

// Coordinator owns produced tensors on behalf of their producing worker
// until every required consumer has received them.
type Coordinator struct {
	mu      sync.Mutex
	storage map[storageKey]*entry
	log     *logrus.Entry
}

// NewCoordinator creates an empty Coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		storage: make(map[storageKey]*entry),
		log:     logrus.WithField("component", "datatransfer"),
	}
}

// Publish registers a tensor as owned by root for (key, slot), naming the
// consumer ranks that must receive it before it is dropped.
func (c *Coordinator) Publish(key string, slot int, root int, requiredConsumers []int, t *stagemodule.Tensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req := make(map[int]bool, len(requiredConsumers))
	for _, r := range requiredConsumers {
		req[r] = true
	}
	c.storage[storageKey{key, slot}] = &entry{
		tensor:   t,
		root:     root,
		required: req,
		received: make(map[int]bool),
	}
}

// Broadcast sends the published tensor at (key, slot) from its root to
// every required consumer over grp. Each send is a plain point-to-point
// Transport.Send repeated per consumer: at the Transport contract level a
// broadcast group is just every consumer sharing the same payload.
func (c *Coordinator) Broadcast(ctx context.Context, grp transport.Transport, key string, slot int) error {
	c.mu.Lock()
	e, ok := c.storage[storageKey{key, slot}]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("datatransfer: broadcast of unknown (key=%q, slot=%d)", key, slot)
	}
	for consumer := range e.required {
		if consumer == e.root {
			continue
		}
		if _, err := grp.Send(ctx, e.tensor, e.root, consumer, broadcastTag(key, slot), false); err != nil {
			return fmt.Errorf("datatransfer: broadcast (key=%q, slot=%d) to rank %d: %w", key, slot, consumer, err)
		}
	}
	c.log.WithFields(logrus.Fields{"key": key, "slot": slot, "root": e.root}).Debug("broadcast sent")
	return nil
}

// Ack records that consumer has received (key, slot). Once every required
// consumer has acknowledged, the entry is dropped and dropped=true is
// returned.
func (c *Coordinator) Ack(key string, slot int, consumer int) (dropped bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := storageKey{key, slot}
	e, ok := c.storage[k]
	if !ok {
		return false
	}
	e.received[consumer] = true
	for r := range e.required {
		if !e.received[r] {
			return false
		}
	}
	delete(c.storage, k)
	return true
}

// Len reports the number of (key, slot) entries still owned, used by tests
// asserting that storage drains once every consumer has acknowledged.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.storage)
}

func broadcastTag(key string, slot int) string { return fmt.Sprintf("xfer_%s_%d", key, slot) }
