package schedule

import "testing"

func countKind(steps []Step, k Kind) int {
	n := 0
	for _, s := range steps {
		for _, in := range s.Instrs {
			if in.Kind == k {
				n++
			}
		}
	}
	return n
}

func TestInferenceScheduleTotals(t *testing.T) {
	const nMB, nStages = 4, 4
	for s := 0; s < nStages; s++ {
		steps := Steps(NewInferenceSchedule(nMB, nStages, s))
		if len(steps) != nMB+nStages-1 {
			t.Fatalf("stage %d: expected %d steps, got %d", s, nMB+nStages-1, len(steps))
		}
		if got := countKind(steps, KindForwardPass); got != nMB {
			t.Errorf("stage %d: expected %d ForwardPass, got %d", s, nMB, got)
		}
	}
}

func TestInferenceScheduleFirstStageNoRecvLastStageNoSend(t *testing.T) {
	const nMB, nStages = 4, 4
	first := Steps(NewInferenceSchedule(nMB, nStages, 0))
	if countKind(first, KindRecvActivation) != 0 {
		t.Error("first stage must not issue RecvActivation")
	}
	if countKind(first, KindSendActivation) != nMB {
		t.Errorf("first stage expected %d SendActivation, got %d", nMB, countKind(first, KindSendActivation))
	}

	last := Steps(NewInferenceSchedule(nMB, nStages, nStages-1))
	if countKind(last, KindSendActivation) != 0 {
		t.Error("last stage must not issue SendActivation")
	}
	if countKind(last, KindRecvActivation) != nMB {
		t.Errorf("last stage expected %d RecvActivation, got %d", nMB, countKind(last, KindRecvActivation))
	}
}

func TestInferenceSchedulePairing(t *testing.T) {
	const nMB, nStages = 4, 4
	for s := 0; s < nStages-1; s++ {
		sends := Steps(NewInferenceSchedule(nMB, nStages, s))
		recvs := Steps(NewInferenceSchedule(nMB, nStages, s+1))
		sentMBs := map[int]bool{}
		for _, st := range sends {
			for _, in := range st.Instrs {
				if in.Kind == KindSendActivation {
					sentMBs[in.MBID] = true
				}
			}
		}
		for _, st := range recvs {
			for _, in := range st.Instrs {
				if in.Kind == KindRecvActivation {
					if !sentMBs[in.MBID] {
						t.Errorf("stage %d recvs mb=%d with no matching send from stage %d", s+1, in.MBID, s)
					}
				}
			}
		}
	}
}

func TestTrainScheduleTotals(t *testing.T) {
	const nMB, nStages = 2, 2
	for s := 0; s < nStages; s++ {
		steps := Steps(NewTrainSchedule(nMB, nStages, s))
		if got := countKind(steps, KindForwardPass); got != nMB {
			t.Errorf("stage %d: expected %d ForwardPass, got %d", s, nMB, got)
		}
		if got := countKind(steps, KindBackwardPass); got != nMB {
			t.Errorf("stage %d: expected %d BackwardPass, got %d", s, nMB, got)
		}
		if got := countKind(steps, KindReduceGrads); got != 1 {
			t.Errorf("stage %d: expected 1 ReduceGrads, got %d", s, got)
		}
		if got := countKind(steps, KindOptimizerStep); got != 1 {
			t.Errorf("stage %d: expected 1 OptimizerStep, got %d", s, got)
		}
	}
}

func TestTrainScheduleTieBreakBackwardBeforeForward(t *testing.T) {
	steps := Steps(NewTrainSchedule(2, 2, 0))
	for _, st := range steps {
		bwIdx, fwIdx := -1, -1
		for i, in := range st.Instrs {
			if in.Kind == KindBackwardPass && bwIdx == -1 {
				bwIdx = i
			}
			if in.Kind == KindForwardPass && fwIdx == -1 {
				fwIdx = i
			}
		}
		if bwIdx != -1 && fwIdx != -1 && bwIdx > fwIdx {
			t.Errorf("step %d: expected BackwardPass before ForwardPass when both present, got %+v", st.StepID, st.Instrs)
		}
	}
}

func TestTrainScheduleLastStageNoWarmupStillCorrect(t *testing.T) {
	// Last stage has zero warm-up room (numWarmup = max(0, nStages-s-1)),
	// so its first steady step must be forward-only: nothing has completed
	// a forward yet to pair a backward with.
	steps := Steps(NewTrainSchedule(3, 3, 2))
	first := steps[0]
	if countKind([]Step{first}, KindBackwardPass) != 0 {
		t.Errorf("last stage's first step must not backward before any forward completed: %+v", first.Instrs)
	}
}

func TestGenerateScheduleTotalSteps(t *testing.T) {
	const nMB, nStages, maxNewTokens = 2, 4, 3
	for s := 0; s < nStages; s++ {
		steps := Steps(NewGenerateSchedule(nMB, nStages, s, maxNewTokens))
		if len(steps) != maxNewTokens+nStages-1 {
			t.Fatalf("stage %d: expected %d steps, got %d", s, maxNewTokens+nStages-1, len(steps))
		}
	}
}

func TestGenerateScheduleTokenWrap(t *testing.T) {
	const nMB, nStages, maxNewTokens = 2, 4, 3
	const total = maxNewTokens + nStages - 1
	first := Steps(NewGenerateSchedule(nMB, nStages, 0, maxNewTokens))
	// Every token index except t=0 receives the ring-wrapped token from the
	// last stage; the engine, not the schedule, cuts the stream short once
	// termination has propagated.
	if countKind(first, KindRecvNextTokens) != (total-1)*nMB {
		t.Errorf("first stage expected %d RecvNextTokens (skip t=0), got %d", (total-1)*nMB, countKind(first, KindRecvNextTokens))
	}
	if got := countKind(first, KindRecvActivation); got != 0 {
		t.Errorf("first stage must not issue RecvActivation, got %d", got)
	}
	last := Steps(NewGenerateSchedule(nMB, nStages, nStages-1, maxNewTokens))
	if got := countKind(last, KindSendNextTokens); got != total*nMB {
		t.Errorf("last stage expected %d SendNextTokens, got %d", total*nMB, got)
	}
	if got := countKind(last, KindSendActivation); got != 0 {
		t.Errorf("last stage must not issue SendActivation, got %d", got)
	}
}

func TestGenerateScheduleSingleStageIsForwardOnly(t *testing.T) {
	steps := Steps(NewGenerateSchedule(2, 1, 0, 3))
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
	for _, st := range steps {
		for _, in := range st.Instrs {
			if in.Kind != KindForwardPass {
				t.Errorf("single-stage generate must only forward, got %v", in)
			}
		}
	}
}
