package datatransfer

// Move is one (producer dp, consumer dp) pair's worth of global buffer-index
// slots that must travel from the producer's dp-head to every shard of the
// consumer at that dp index.
type Move struct {
	FromDP int
	ToDP   int
	Slots  []int
}

// RepartitionPlan is the full set of Moves needed to repartition slots from
// a producer's dp-layout to a consumer's dp-layout.
type RepartitionPlan struct {
	Moves []Move
}

// ComputeRepartition assigns each of slots (indices into a global buffer)
// to exactly one (producerDP, consumerDP) pair, splitting evenly so that
// every pair carries as close to len(slots)/(producerDP*consumerDP) slots
// as possible. The mapping only needs to be a deterministic partition of
// slots across producer/consumer dp pairs, not a specific one, since every
// consumer dp group receives a full broadcast of its assigned slots
// regardless of which producer dp served them.
func ComputeRepartition(producerDP, consumerDP int, slots []int) RepartitionPlan {
	if producerDP <= 0 || consumerDP <= 0 {
		return RepartitionPlan{}
	}
	buckets := make(map[[2]int][]int)
	order := make([][2]int, 0, producerDP*consumerDP)
	for i, slot := range slots {
		p := i % (producerDP * consumerDP)
		dpI := p / consumerDP
		dpJ := p % consumerDP
		key := [2]int{dpI, dpJ}
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], slot)
	}
	plan := RepartitionPlan{Moves: make([]Move, 0, len(order))}
	for _, key := range order {
		plan.Moves = append(plan.Moves, Move{FromDP: key[0], ToDP: key[1], Slots: buckets[key]})
	}
	return plan
}
