package wavebank

import (
	"testing"

	"github.com/cbegin/mmlfm-go/internal/reftable"
)

func newBank(t *testing.T) (*reftable.RefTables, *WaveBank) {
	t.Helper()
	rt, err := reftable.New(reftable.DefaultFMClock, reftable.DefaultPSGClock, 44100)
	if err != nil {
		t.Fatal(err)
	}
	return rt, New(rt)
}

func TestBuiltinWaveTablesNonEmpty(t *testing.T) {
	_, wb := newBank(t)
	for _, idx := range []int{PGSine, PGSawUp, PGSawDown, PGTriangle, PGSquare, PGPulse, PGRamp, PGNoiseWhite, PGMA3Wave} {
		tbl := wb.GetWaveTable(idx)
		if tbl == nil || len(tbl.Samples) == 0 {
			t.Errorf("index %d: expected a non-empty table", idx)
		}
	}
}

func TestGetWaveTableOutOfRangeReturnsNoWave(t *testing.T) {
	_, wb := newBank(t)
	tbl := wb.GetWaveTable(-1)
	if tbl == nil {
		t.Fatal("expected the no-wave sentinel, got nil")
	}
	for _, v := range tbl.Samples {
		if v != 0 {
			t.Fatalf("no-wave sentinel must be all zero, found %d", v)
		}
	}
	tbl2 := wb.GetWaveTable(PGPCM + 1000)
	if tbl2 != tbl {
		t.Errorf("far out-of-range index should also resolve to the no-wave sentinel")
	}
}

func TestStencilOverridesCustomOverridesBuiltin(t *testing.T) {
	_, wb := newBank(t)
	const slot = 5

	builtin := wb.GetWaveTable(PGCustom + slot)
	if builtin == nil {
		t.Fatal("expected fallback to no-wave for an unregistered custom slot")
	}

	customSamples := []int32{1, 2, 3, 4}
	wb.RegisterWaveTable(PGCustom+slot, customSamples)
	got := wb.GetWaveTable(PGCustom + slot)
	if got.Samples[0] != 1 {
		t.Fatalf("expected custom table to take effect, got %v", got.Samples)
	}

	stencilSamples := []int32{9, 9, 9, 9}
	wb.RegisterStencilWaveTable(PGCustom+slot, stencilSamples)
	got = wb.GetWaveTable(PGCustom + slot)
	if got.Samples[0] != 9 {
		t.Fatalf("expected stencil table to take priority over custom, got %v", got.Samples)
	}

	wb.ClearStencil()
	got = wb.GetWaveTable(PGCustom + slot)
	if got.Samples[0] != 1 {
		t.Fatalf("expected custom table to resurface after ClearStencil, got %v", got.Samples)
	}
}

func TestRegisterWaveTableMirrorsFirstThreeIntoMA3(t *testing.T) {
	_, wb := newBank(t)
	samples := []int32{42, 42, 42, 42}
	wb.RegisterWaveTable(0, samples)
	if wb.builtin[PGMA3Wave+15].Samples[0] != 42 {
		t.Errorf("registering custom slot 0 should mirror into MA3 slot 15")
	}
}

func TestRegisterAndGetPCM(t *testing.T) {
	_, wb := newBank(t)
	samples := make([]int16, 100)
	for i := range samples {
		samples[i] = int16(i)
	}
	wb.RegisterPCM(0, samples, 20, 100, 4416)
	entry := wb.GetPCM(0)
	if entry == nil {
		t.Fatal("expected a registered PCM entry")
	}
	if entry.LoopPoint != 20 || entry.EndPoint != 100 || entry.SamplingPitch != 4416 {
		t.Errorf("unexpected PCM metadata: %+v", entry)
	}
	if len(entry.Samples) != 100 {
		t.Errorf("expected 100 samples, got %d", len(entry.Samples))
	}
}

func TestRegisterSamplerDataMonoAndStereo(t *testing.T) {
	_, wb := newBank(t)

	mono := []float32{0.1, 0.2, 0.3}
	wb.RegisterSamplerData(0, mono, false, 64, 1, 2)
	entry := wb.GetSamplerData(0)
	if entry == nil {
		t.Fatal("expected a registered sampler entry")
	}
	if len(entry.Left) != 3 || len(entry.Right) != 3 {
		t.Fatalf("mono source duplicated to stereo dest: left=%d right=%d", len(entry.Left), len(entry.Right))
	}

	stereo := []float32{0.1, -0.1, 0.2, -0.2}
	wb.RegisterSamplerData(1, stereo, true, 64, 2, 2)
	entry2 := wb.GetSamplerData(1)
	if len(entry2.Left) != 2 || len(entry2.Right) != 2 {
		t.Fatalf("stereo source should deinterleave to 2+2, got left=%d right=%d", len(entry2.Left), len(entry2.Right))
	}
	if entry2.Left[0] != 0.1 || entry2.Right[0] != -0.1 {
		t.Errorf("deinterleave order wrong: left=%v right=%v", entry2.Left, entry2.Right)
	}
	if !entry2.IgnoreNoteOff {
		t.Error("expected IgnoreNoteOff to be carried through")
	}
}

func TestMA3TransformVariantsDiffer(t *testing.T) {
	_, wb := newBank(t)
	// Slots 0 and 4 both derive from the sine base (the 4 bases cycle
	// every len(bases) slots) but use different transform variants.
	a := wb.GetWaveTable(PGMA3Wave + 0)
	b := wb.GetWaveTable(PGMA3Wave + 4)
	identical := true
	for i := range a.Samples {
		if a.Samples[i] != b.Samples[i] {
			identical = false
			break
		}
	}
	if identical {
		t.Error("expected different MA3 transform variants to differ")
	}
}
