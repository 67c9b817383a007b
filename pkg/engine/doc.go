// Package engine implements the per-stage pipeline execution state machine.
//
// # Reading Guide
//
// Start with these three files to understand the execution kernel:
//   - instructions.go: one handler per instruction kind (forward,
//     backward, the activation and gradient send/recv pairs, the
//     next-token wrap, optimizer step)
//   - engine.go: the entry points (Forward, EvalBatch, TrainBatch,
//     Generate), the schedule loop, and the early-termination drain
//   - genstep.go: the last-stage sampling step for generation
//
// # Architecture
//
// The engine consumes instruction streams built by pkg/schedule and talks
// to its neighbors through pkg/transport. Per-step state lives in
// pkg/buffer under fixed tags; generation KV slabs come from the arena in
// kvarena.go. The stage computation itself is opaque: the engine drives
// any stagemodule.StageModule, and the train-only instructions
// (ReduceGrads in reduce.go, OptimizerStep) light up when the module also
// implements stagemodule.TrainableModule.
//
// # Key invariants
//
//   - Within a micro-batch and stage the order is strictly
//     RecvAct -> Forward -> SendAct and, in training, later
//     RecvGrad -> Backward -> SendGrad.
//   - Any handler that consumes a buffered slot first waits on that slot's
//     async handle if one is recorded.
//   - Every tag written during a top-level call is cleared before it
//     returns; every KV slab acquired during a generate call is released.
package engine
