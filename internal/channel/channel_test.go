package channel

import (
	"testing"

	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

func newChannel(t *testing.T) (*reftable.RefTables, *Channel) {
	t.Helper()
	rt, err := reftable.New(reftable.DefaultFMClock, reftable.DefaultPSGClock, 44100)
	if err != nil {
		t.Fatal(err)
	}
	wb := wavebank.New(rt)
	ch := New(rt, wb)
	return rt, ch
}

func TestNewChannelDefaultsMasterSendToUnity(t *testing.T) {
	_, ch := newChannel(t)
	if got := ch.Send(0); got != 1<<reftable.FixedBits {
		t.Errorf("default master send = %d, want unity (%d)", got, 1<<reftable.FixedBits)
	}
	for i := 1; i < StreamSendSize; i++ {
		if got := ch.Send(i); got != 0 {
			t.Errorf("default send %d = %d, want 0", i, got)
		}
	}
}

func TestSendOutOfRangeReturnsZero(t *testing.T) {
	_, ch := newChannel(t)
	if ch.Send(-1) != 0 || ch.Send(StreamSendSize) != 0 {
		t.Error("out-of-range Send index should return 0")
	}
}

func TestSetSendAndSendRoundTrip(t *testing.T) {
	_, ch := newChannel(t)
	ch.SetSend(2, 12345)
	if got := ch.Send(2); got != 12345 {
		t.Errorf("Send(2) = %d, want 12345", got)
	}
	// Out-of-range writes must be ignored, not panic.
	ch.SetSend(-1, 99)
	ch.SetSend(StreamSendSize, 99)
}

func TestChannelIdleBeforeNoteOn(t *testing.T) {
	_, ch := newChannel(t)
	ch.SetFMAlgorithm(1, 0, 0, false)
	if !ch.Idle() {
		t.Error("a never-triggered channel should be idle")
	}
}

func TestFMChannelActiveAfterNoteOnThenIdlesOnForceOff(t *testing.T) {
	rt, ch := newChannel(t)
	ch.SetFMAlgorithm(1, 0, 0, false)
	wb := wavebank.New(rt)
	ch.Operator(0).PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
	ch.Operator(0).EG.Configure(10, 10, 10, 10, 8, 0, 0, -1)

	ch.NoteOn(60, 1<<18, true)
	if ch.Idle() {
		t.Error("channel should not be idle immediately after NoteOn")
	}
	ch.Operator(0).EG.ForceOff()
	if !ch.Idle() {
		t.Error("channel should be idle once its only operator's envelope is forced off")
	}
}

func TestPanExtremesBiasChannels(t *testing.T) {
	rt, ch := newChannel(t)
	wb := wavebank.New(rt)
	ch.SetFMAlgorithm(1, 0, 0, false)
	ch.Operator(0).PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
	ch.Operator(0).EG.Configure(31, 0, 0, 0, 0, 0, 0, -1)
	ch.NoteOn(60, 1<<18, true)

	ch.SetPan(0) // hard left
	var sumL, sumR int32
	for i := 0; i < 50; i++ {
		l, r := ch.Step()
		if l < 0 {
			l = -l
		}
		if r < 0 {
			r = -r
		}
		sumL += l
		sumR += r
	}
	if sumR > sumL {
		t.Errorf("pan=0 (hard left) should bias energy left: sumL=%d sumR=%d", sumL, sumR)
	}
}

func TestStepFMSingleCarrierNoDivide(t *testing.T) {
	rt, ch := newChannel(t)
	wb := wavebank.New(rt)
	ch.SetFMAlgorithm(1, 0, 0, false)
	ch.Operator(0).PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
	ch.Operator(0).EG.Configure(31, 0, 0, 0, 0, 0, 0, -1)
	ch.NoteOn(60, 1<<18, true)
	// Should not panic and should produce some nonzero output eventually.
	var any bool
	for i := 0; i < 100; i++ {
		l, r := ch.Step()
		if l != 0 || r != 0 {
			any = true
		}
	}
	if !any {
		t.Error("expected some nonzero output from an active FM channel")
	}
}

func TestKSChannelProducesDecayingOutput(t *testing.T) {
	_, ch := newChannel(t)
	ch.SetKS(32, 1<<14)
	ch.NoteOn(60, 0, true)

	first := absSum(ch, 200)
	if first == 0 {
		t.Error("expected nonzero energy from a freshly seeded KS buffer")
	}
	second := absSum(ch, 200)
	if second >= first {
		t.Errorf("expected KS energy to decay: first 200 samples %d, next 200 samples %d", first, second)
	}
}

func absSum(ch *Channel, n int) int64 {
	var sum int64
	for i := 0; i < n; i++ {
		l, r := ch.Step()
		if l < 0 {
			l = -l
		}
		if r < 0 {
			r = -r
		}
		sum += int64(l) + int64(r)
	}
	return sum
}

func TestSetFMAlgorithmClampsOpCount(t *testing.T) {
	_, ch := newChannel(t)
	ch.SetFMAlgorithm(0, 0, 0, false)
	if ch.opCount != 1 {
		t.Errorf("opCount should clamp to 1, got %d", ch.opCount)
	}
	ch.SetFMAlgorithm(9, 0, 0, false)
	if ch.opCount != 4 {
		t.Errorf("opCount should clamp to 4, got %d", ch.opCount)
	}
}

func TestSetFMAlgorithmOutOfRangeIndexFallsBackToZero(t *testing.T) {
	_, ch := newChannel(t)
	ch.SetFMAlgorithm(4, 999, 0, false)
	if len(ch.algo.Carriers) == 0 {
		t.Error("falling back to algorithm 0 should still produce a valid carrier set")
	}
}

func TestOperatorDetuneShiftsPhaseStep(t *testing.T) {
	_, ch := newChannel(t)
	ch.SetFMAlgorithm(1, 0, 0, false)
	ch.NoteOn(60, 1 << 16, true)
	base := ch.operatorPhaseStep(0)

	ch.SetOperatorDetune(0, 1, 0) // positive DT1
	dt1Up := ch.operatorPhaseStep(0)
	if dt1Up <= base {
		t.Errorf("DT1=1 should raise the phase step: base=%d got=%d", base, dt1Up)
	}
	ch.SetOperatorDetune(0, 5, 0) // negative mirror of DT1=1
	dt1Down := ch.operatorPhaseStep(0)
	if dt1Down >= base {
		t.Errorf("DT1=5 should lower the phase step: base=%d got=%d", base, dt1Down)
	}

	ch.SetOperatorDetune(0, 0, 2) // DT2 +781 cents
	dt2 := ch.operatorPhaseStep(0)
	want := int32((int64(base) * 102870) >> 16)
	if dt2 != want {
		t.Errorf("DT2=2 phase step = %d, want %d", dt2, want)
	}

	ch.SetOperatorDetune(0, 99, -1) // out of range resets to none
	if got := ch.operatorPhaseStep(0); got != base {
		t.Errorf("out-of-range detune should reset: base=%d got=%d", base, got)
	}
}
