package datatransfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeflow/pipeflow/pkg/stagemodule"
	"github.com/pipeflow/pipeflow/pkg/transport"
)

func TestValidateKnownKey(t *testing.T) {
	tn := stagemodule.NewTensor([]int{2}, stagemodule.Int32, false)
	require.NoError(t, Validate("cu_seqlens", 0, tn))
}

func TestValidateUnknownKeyIsHardError(t *testing.T) {
	tn := stagemodule.NewTensor([]int{1}, stagemodule.Int32, false)
	err := Validate("not_a_real_key", 0, tn)
	require.Error(t, err)
	var uk *ErrUnknownKey
	assert.ErrorAs(t, err, &uk)
}

func TestValidateShapeMismatch(t *testing.T) {
	tn := stagemodule.NewTensor([]int{5}, stagemodule.Int64, false) // should be (seqlen,)
	err := Validate("packed_input_ids", 3, tn)
	require.Error(t, err)
	var mm *ErrShapeMismatch
	assert.ErrorAs(t, err, &mm)
}

func TestComputeRepartitionCoversEverySlotExactlyOnce(t *testing.T) {
	slots := make([]int, 8)
	for i := range slots {
		slots[i] = i
	}
	plan := ComputeRepartition(2, 4, slots)

	seen := map[int]int{}
	for _, mv := range plan.Moves {
		for _, s := range mv.Slots {
			seen[s]++
		}
	}
	assert.Len(t, seen, 8)
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}
}

// TestCoordinatorDropsAfterAllConsumersAck checks that the coordinator's
// owned-storage count returns to zero once every required consumer has
// acknowledged receipt.
func TestCoordinatorDropsAfterAllConsumersAck(t *testing.T) {
	c := NewCoordinator()
	tr := transport.NewInProcess()
	tn := stagemodule.NewTensor([]int{4}, stagemodule.Int64, false)

	root := 0
	consumers := []int{1, 2, 3}
	c.Publish("packed_input_ids", 7, root, consumers, tn)
	assert.Equal(t, 1, c.Len())

	done := make(chan error, 1)
	go func() { done <- c.Broadcast(context.Background(), tr, "packed_input_ids", 7) }()

	for _, consumer := range consumers {
		buf := stagemodule.NewTensor([]int{4}, stagemodule.Int64, false)
		_, err := tr.Recv(context.Background(), buf, root, consumer, "xfer_packed_input_ids_7", false)
		require.NoError(t, err)
	}
	require.NoError(t, <-done)

	for i, consumer := range consumers {
		dropped := c.Ack("packed_input_ids", 7, consumer)
		if i < len(consumers)-1 {
			assert.False(t, dropped)
		} else {
			assert.True(t, dropped)
		}
	}
	assert.Equal(t, 0, c.Len())
}

// TestRepartitionBroadcastDrainsStorage drives the full transfer flow:
// producer dp=2, consumer dp=4, 8 slots of packed_input_ids split across the
// repartition plan, each broadcast exactly once, storage empty after every
// consumer group has acknowledged.
func TestRepartitionBroadcastDrainsStorage(t *testing.T) {
	const producerDP, consumerDP, nSlots = 2, 4, 8
	slots := make([]int, nSlots)
	for i := range slots {
		slots[i] = i
	}
	plan := ComputeRepartition(producerDP, consumerDP, slots)

	c := NewCoordinator()
	tr := transport.NewInProcess()
	for _, mv := range plan.Moves {
		consumer := 100 + mv.ToDP // consumer ranks live on a disjoint id range
		for _, s := range mv.Slots {
			tn := stagemodule.NewTensor([]int{4}, stagemodule.Int64, false)
			c.Publish("packed_input_ids", s, mv.FromDP, []int{consumer}, tn)
		}
	}
	require.Equal(t, nSlots, c.Len())

	for _, mv := range plan.Moves {
		consumer := 100 + mv.ToDP
		for _, s := range mv.Slots {
			done := make(chan error, 1)
			go func(slot int) { done <- c.Broadcast(context.Background(), tr, "packed_input_ids", slot) }(s)
			buf := stagemodule.NewTensor([]int{4}, stagemodule.Int64, false)
			_, err := tr.Recv(context.Background(), buf, mv.FromDP, consumer, broadcastTag("packed_input_ids", s), false)
			require.NoError(t, err)
			require.NoError(t, <-done)
			assert.True(t, c.Ack("packed_input_ids", s, consumer))
		}
	}
	assert.Equal(t, 0, c.Len())
}
