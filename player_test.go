package mmlfm

import "testing"

func TestPlayerMasterVolumeRuntimeAPI(t *testing.T) {
	pl, err := NewPlayer(44100)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	if got := pl.MasterVolume(); got != 1 {
		t.Fatalf("default master volume = %v, want 1", got)
	}
	pl.SetMasterVolume(0.35)
	if got := pl.MasterVolume(); got != 0.35 {
		t.Fatalf("master volume = %v, want 0.35", got)
	}
	pl.SetMasterVolume(-2)
	if got := pl.MasterVolume(); got != 0 {
		t.Fatalf("master volume should clamp to 0, got %v", got)
	}
}

func TestNewPlayerRejectsNonPositiveSampleRate(t *testing.T) {
	if _, err := NewPlayer(0); err == nil {
		t.Error("expected error for sample rate 0")
	}
	if _, err := NewPlayer(-44100); err == nil {
		t.Error("expected error for negative sample rate")
	}
}

func TestPlayerTransposeRoundTrip(t *testing.T) {
	pl, err := NewPlayer(44100)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	pl.SetTranspose(-2)
	if got := pl.Transpose(); got != -2 {
		t.Fatalf("transpose = %d, want -2", got)
	}
}

func TestPlayerEQBandRoundTrip(t *testing.T) {
	pl, err := NewPlayer(44100)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	if got := pl.EQBand(2); got != 1.0 {
		t.Fatalf("default EQ band gain = %v, want 1.0", got)
	}
	pl.SetEQBand(2, 1.5)
	if got := pl.EQBand(2); got != 1.5 {
		t.Fatalf("EQ band gain = %v, want 1.5", got)
	}
}

func TestPlayerStopWithoutPlayIsNoop(t *testing.T) {
	pl, err := NewPlayer(44100)
	if err != nil {
		t.Fatalf("new player: %v", err)
	}
	if err := pl.Stop(); err != nil {
		t.Fatalf("stop without play: %v", err)
	}
	if pos := pl.PlaybackPosition(); pos != 0 {
		t.Fatalf("playback position without audio = %d, want 0", pos)
	}
}
