package wavebank

import "testing"

func TestParseWAVBHex(t *testing.T) {
	samples := ParseWAVBHex("7f81007f")
	if len(samples) != 4 {
		t.Fatalf("expected 4 samples, got %d", len(samples))
	}
	if samples[0] != 1.0 {
		t.Errorf("0x7f should decode to 1.0, got %g", samples[0])
	}
	if samples[1] >= 0 {
		t.Errorf("0x81 should decode negative, got %g", samples[1])
	}
	if samples[2] != 0 {
		t.Errorf("0x00 should decode to 0, got %g", samples[2])
	}
	if ParseWAVBHex("zz") != nil {
		t.Error("invalid hex should yield nil")
	}
}

func TestRegisterWaveFloatsTruncatesToPowerOfTwo(t *testing.T) {
	_, wb := newBank(t)
	samples := make([]float64, 100) // -> 64-entry table
	for i := range samples {
		samples[i] = 0.5
	}
	wb.RegisterWaveFloats(7, samples)
	table := wb.GetWaveTable(PGCustom + 7)
	if len(table.Samples) != 64 {
		t.Errorf("table length = %d, want 64", len(table.Samples))
	}
}

func TestRegisterFromDefsInstallsCustomWaves(t *testing.T) {
	_, wb := newBank(t)
	before := wb.GetWaveTable(PGCustom + 5)
	wb.RegisterFromDefs(map[string]string{
		"WAVB5": "WAVB5{7f7f81817f7f8181}",
		"WAV9":  "WAV9{127,127,-127,-127}",
		"TITLE": "song",
		"WAVBx": "WAVBx{00}",
	})
	after := wb.GetWaveTable(PGCustom + 5)
	if after == before {
		t.Error("WAVB5 should replace custom slot 5")
	}
	if len(after.Samples) != 8 {
		t.Errorf("WAVB5 table length = %d, want 8", len(after.Samples))
	}
	if len(wb.GetWaveTable(PGCustom+9).Samples) != 4 {
		t.Errorf("WAV9 table length = %d, want 4", len(wb.GetWaveTable(PGCustom+9).Samples))
	}
}
