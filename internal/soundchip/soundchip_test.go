package soundchip

import (
	"testing"

	"github.com/cbegin/mmlfm-go/internal/channel"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

func newChip(t *testing.T, slots int) (*reftable.RefTables, *wavebank.WaveBank, *SoundChip) {
	t.Helper()
	rt, err := reftable.New(reftable.DefaultFMClock, reftable.DefaultPSGClock, 44100)
	if err != nil {
		t.Fatal(err)
	}
	wb := wavebank.New(rt)
	return rt, wb, New(rt, wb, slots)
}

func TestAllocateChannelPicksIdleSlot(t *testing.T) {
	_, _, sc := newChip(t, 4)
	idx, ch, err := sc.AllocateChannel(0, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 0 || ch != sc.Channel(0) {
		t.Errorf("expected slot 0 from an all-idle pool, got %d", idx)
	}
}

func activeChannel(wb *wavebank.WaveBank, ch *channel.Channel) {
	ch.SetFMAlgorithm(1, 0, 0, false)
	ch.Operator(0).PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
	ch.Operator(0).EG.Configure(31, 0, 0, 0, 0, 0, 0, -1)
	ch.NoteOn(60, 1<<18, true)
}

func TestAllocateChannelExhaustedWithoutSteal(t *testing.T) {
	_, wb, sc := newChip(t, 1)
	ch := sc.Channel(0)
	activeChannel(wb, ch)

	if _, _, err := sc.AllocateChannel(0, false); err != ErrResourceExhausted {
		t.Errorf("expected ErrResourceExhausted with an active pool and steal disallowed, got %v", err)
	}
	// Non-disposable channels must never be stolen, even with stealing
	// allowed: a persistent, score-bound voice outranks any one-shot.
	if _, _, err := sc.AllocateChannel(0, true); err != ErrResourceExhausted {
		t.Errorf("expected ErrResourceExhausted: no disposable channel exists to steal, got %v", err)
	}
}

// TestAllocateChannelStealsLowestPriorityDisposable:
// an overflow trigger reclaims the lowest-priority disposable slot, and
// never a higher-priority one.
func TestAllocateChannelStealsLowestPriorityDisposable(t *testing.T) {
	_, wb, sc := newChip(t, 2)
	low, high := sc.Channel(0), sc.Channel(1)
	activeChannel(wb, low)
	activeChannel(wb, high)
	low.SetDisposable(true)
	low.SetPriority(1)
	high.SetDisposable(true)
	high.SetPriority(9)

	idx, ch, err := sc.AllocateChannel(5, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx != 0 || ch != low {
		t.Errorf("expected the lowest-priority disposable slot 0 to be stolen, got slot %d", idx)
	}
	if !ch.Idle() {
		t.Error("a stolen channel should be forced immediately idle, not released gracefully")
	}
	if ch.Priority() != 5 {
		t.Errorf("stolen channel priority = %d, want 5 (the new claimant's priority)", ch.Priority())
	}
	if high.Idle() {
		t.Error("the higher-priority disposable channel must be left untouched")
	}
	if high.Priority() != 9 {
		t.Errorf("untouched channel priority changed to %d, want 9", high.Priority())
	}
}

// TestBufferContinuity: rendering N
// samples in one call must be bit-identical to rendering two back-to-back
// N/2 calls against the same channel state.
func TestBufferContinuity(t *testing.T) {
	build := func() (*SoundChip, *channel.Channel) {
		_, wb, sc := newChip(t, 1)
		ch := sc.Channel(0)
		ch.SetFMAlgorithm(2, 1, 3, false)
		ch.Operator(0).PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
		ch.Operator(1).PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
		ch.Operator(0).EG.Configure(20, 10, 10, 10, 8, 0, 0, -1)
		ch.Operator(1).EG.Configure(31, 0, 0, 0, 0, 0, 0, -1)
		ch.NoteOn(60, 1<<17, true)
		return sc, ch
	}

	const n = 64
	scWhole, _ := build()
	whole := renderN(scWhole, n)

	scSplit, _ := build()
	first := renderN(scSplit, n/2)
	second := renderN(scSplit, n/2)
	split := append(first, second...)

	if len(whole) != len(split) {
		t.Fatalf("length mismatch: whole=%d split=%d", len(whole), len(split))
	}
	for i := range whole {
		if whole[i] != split[i] {
			t.Fatalf("sample %d diverged: whole=%g split=%g", i, whole[i], split[i])
		}
	}
}

func renderN(sc *SoundChip, n int) []float32 {
	sc.BeginProcess(n)
	for i := 0; i < n; i++ {
		sc.RenderFrame(i)
	}
	master, _ := sc.EndProcess()
	out := make([]float32, len(master))
	copy(out, master)
	return out
}

func TestRenderFrameRespectsPerSendGain(t *testing.T) {
	_, wb, sc := newChip(t, 1)
	ch := sc.Channel(0)
	ch.SetFMAlgorithm(1, 0, 0, false)
	ch.Operator(0).PG.SetTable(wb.GetWaveTable(wavebank.PGSine), false)
	ch.Operator(0).EG.Configure(31, 0, 0, 0, 0, 0, 0, -1)
	ch.SetSend(0, 0)
	ch.SetSend(1, 1<<reftable.FixedBits)
	ch.NoteOn(60, 1<<18, true)

	sc.BeginProcess(32)
	for i := 0; i < 32; i++ {
		sc.RenderFrame(i)
	}
	master, sends := sc.EndProcess()
	if nonZero(master) {
		t.Error("send 0 was set to zero gain, master buffer should stay silent")
	}
	if !nonZero(sends[0]) {
		t.Error("send 1 was set to unity gain, expected nonzero output in sends[0]")
	}
}

func nonZero(buf []float32) bool {
	for _, v := range buf {
		if v != 0 {
			return true
		}
	}
	return false
}

func TestGetStreamSlotOutOfRange(t *testing.T) {
	_, _, sc := newChip(t, 1)
	if sc.GetStreamSlot(-1) != nil || sc.GetStreamSlot(channel.StreamSendSize) != nil {
		t.Error("out-of-range stream slot index should return nil")
	}
}
