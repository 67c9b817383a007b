package schedule

// NewTrainSchedule builds the 1F1B interleaved train schedule for stage
// stageID out of nStages, processing nMB micro-batches.
//
// Each stage runs a warm-up of min(nMB, nStages-stageID-1) pure forwards,
// then a steady state where every step issues the oldest unresolved
// backward (if any forward has completed and not yet been backward-ed)
// followed by the next forward, then a cool-down of pure backwards for
// whatever forwards are still outstanding. A step eligible for both emits
// the backward first, which bounds the number of activations held live.
// The schedule ends with a single ReduceGrads+OptimizerStep step, so every
// stage issues exactly nMB ForwardPass, nMB BackwardPass, one ReduceGrads
// and one OptimizerStep.
func NewTrainSchedule(nMB, nStages, stageID int) Schedule {
	numWarmup := nStages - stageID - 1
	if numWarmup > nMB {
		numWarmup = nMB
	}
	if numWarmup < 0 {
		numWarmup = 0
	}

	var steps []Step
	k := 0
	nextF, nextB := 0, 0

	forwardInstrs := func(mb int) []Instruction {
		var instrs []Instruction
		if stageID > 0 {
			instrs = append(instrs, Instruction{Kind: KindRecvActivation, StageID: stageID, MBID: mb, StepID: k})
		}
		instrs = append(instrs, Instruction{Kind: KindForwardPass, StageID: stageID, MBID: mb, StepID: k})
		if stageID < nStages-1 {
			instrs = append(instrs, Instruction{Kind: KindSendActivation, StageID: stageID, MBID: mb, StepID: k})
		}
		return instrs
	}
	backwardInstrs := func(mb int) []Instruction {
		var instrs []Instruction
		if stageID < nStages-1 {
			instrs = append(instrs, Instruction{Kind: KindRecvGrad, StageID: stageID, MBID: mb, StepID: k})
		}
		instrs = append(instrs, Instruction{Kind: KindBackwardPass, StageID: stageID, MBID: mb, StepID: k})
		if stageID > 0 {
			instrs = append(instrs, Instruction{Kind: KindSendGrad, StageID: stageID, MBID: mb, StepID: k})
		}
		return instrs
	}

	for i := 0; i < numWarmup; i++ {
		instrs := forwardInstrs(nextF)
		steps = append(steps, Step{StepID: k, MBID: nextF, Instrs: instrs})
		nextF++
		k++
	}

	numSteady := nMB - numWarmup
	for i := 0; i < numSteady; i++ {
		var instrs []Instruction
		if nextB < nextF {
			instrs = append(instrs, backwardInstrs(nextB)...)
			nextB++
		}
		instrs = append(instrs, forwardInstrs(nextF)...)
		steps = append(steps, Step{StepID: k, MBID: nextF, Instrs: instrs})
		nextF++
		k++
	}

	for nextB < nMB {
		instrs := backwardInstrs(nextB)
		steps = append(steps, Step{StepID: k, MBID: nextB, Instrs: instrs})
		nextB++
		k++
	}

	steps = append(steps, Step{
		StepID: k,
		MBID:   -1,
		Instrs: []Instruction{
			{Kind: KindReduceGrads, StageID: stageID, MBID: -1, StepID: k},
			{Kind: KindOptimizerStep, StageID: stageID, MBID: -1, StepID: k},
		},
	})

	return &sliceSchedule{steps: steps}
}
