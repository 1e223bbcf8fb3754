package opgraph

import (
	"testing"

	"github.com/cbegin/mmlfm-go/internal/envelope"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

func newRT(t *testing.T) (*reftable.RefTables, *wavebank.WaveBank) {
	t.Helper()
	rt, err := reftable.New(reftable.DefaultFMClock, reftable.DefaultPSGClock, 44100)
	if err != nil {
		t.Fatal(err)
	}
	return rt, wavebank.New(rt)
}

func newOp(rt *reftable.RefTables, wb *wavebank.WaveBank) *Operator {
	op := NewOperator(rt)
	op.PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
	op.PG.SetPhaseStep(1 << 18)
	op.EG.Configure(31, 0, 0, 15, 0, 0, 0, envelope.SSGOff)
	return op
}

func TestAlgorithmModulatorsOnlyReferenceLowerIndices(t *testing.T) {
	for _, set := range [][]Algorithm{algorithms1, algorithms2, algorithms3, algorithms4} {
		for ai, alg := range set {
			for i, mods := range alg.Modulators {
				for _, m := range mods {
					if m >= i {
						t.Errorf("algorithm %d: operator %d modulated by %d (must be < %d)", ai, i, m, i)
					}
				}
			}
		}
	}
}

func TestAlgorithmSetClampsOutOfRange(t *testing.T) {
	if len(AlgorithmSet(0)) != len(algorithms1) {
		t.Error("opCount=0 should clamp to the 1-operator set")
	}
	if len(AlgorithmSet(99)) != len(algorithms4) {
		t.Error("opCount=99 should clamp to the 4-operator set")
	}
}

// TestSingleOperatorAlgorithmEquivalence checks a single-operator
// 4: with a single operator, the chosen algorithm index is irrelevant --
// output must equal operator 0's output alone.
func TestSingleOperatorAlgorithmEquivalence(t *testing.T) {
	rt, wb := newRT(t)
	op := newOp(rt, wb)
	op.NoteOn(60, true)

	ref := newOp(rt, wb)
	ref.NoteOn(60, true)

	alg := AlgorithmSet(1)[0]
	if len(alg.Modulators[0]) != 0 {
		t.Fatalf("operator 0 in the 1-operator algorithm must have no modulators, got %v", alg.Modulators[0])
	}
	for i := 0; i < 500; i++ {
		got := op.Step(0)
		want := ref.Step(0)
		if got != want {
			t.Fatalf("sample %d: single-op algorithm output %d != direct operator output %d", i, got, want)
		}
	}
}

// TestFeedbackBounded: feedback at the
// maximum shift (7) must stay bounded -- it cannot runaway beyond what a
// shifted average of two int32 samples can produce.
func TestFeedbackBounded(t *testing.T) {
	rt, wb := newRT(t)
	op := newOp(rt, wb)
	op.SetFeedbackShift(7)
	op.NoteOn(60, true)

	var maxAbs int32
	for i := 0; i < 2000; i++ {
		out := op.Step(0)
		abs := out
		if abs < 0 {
			abs = -abs
		}
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	limit := int32(1) << (reftable.LogVolumeBits)
	if maxAbs > limit {
		t.Errorf("feedback output grew unbounded: max |out|=%d, limit=%d", maxAbs, limit)
	}
}

func TestFeedbackZeroShiftDisablesFeedback(t *testing.T) {
	rt, wb := newRT(t)
	op := newOp(rt, wb)
	op.SetFeedbackShift(0)
	op.NoteOn(60, true)
	if op.feedbackPhase() != 0 {
		t.Error("feedbackShift=0 must yield zero feedback phase")
	}
	op.Step(0)
	if op.feedbackPhase() != 0 {
		t.Error("feedback phase should remain zero regardless of accumulated output when shift is 0")
	}
}

func TestFeedbackOperatorSelection(t *testing.T) {
	if got := FeedbackOperator(4, false); got != 0 {
		t.Errorf("default feedback operator = %d, want 0", got)
	}
	if got := FeedbackOperator(4, true); got != 1 {
		t.Errorf("OPX alt feedback operator = %d, want 1", got)
	}
	if got := FeedbackOperator(2, true); got != 0 {
		t.Errorf("alt feedback position requires opCount>=3, got %d for opCount=2", got)
	}
}

func TestOperatorIdleTracksEnvelope(t *testing.T) {
	rt, wb := newRT(t)
	op := newOp(rt, wb)
	op.NoteOn(60, true)
	if op.Idle() {
		t.Error("operator should not be idle immediately after NoteOn")
	}
	op.EG.ForceOff()
	if !op.Idle() {
		t.Error("operator should be idle after the envelope is forced off")
	}
}
