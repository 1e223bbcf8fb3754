package mmlfm

import (
	"testing"

	intmml "github.com/cbegin/mmlfm-go/internal/mml"
)

func TestRenderSamplesProducesAudio(t *testing.T) {
	parser := intmml.NewParser(intmml.DefaultParserConfig())
	score, err := parser.Parse("t140 o5 l8 cdefgab>c<c")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	samples, err := RenderSamples(score, 44100, 1.0)
	if err != nil {
		t.Fatalf("RenderSamples failed: %v", err)
	}
	if len(samples) != 44100*2 {
		t.Fatalf("expected %d samples (1s stereo @ 44100Hz), got %d", 44100*2, len(samples))
	}
	var any bool
	for _, v := range samples {
		if v != 0 {
			any = true
			break
		}
	}
	if !any {
		t.Error("expected some nonzero output from a short phrase")
	}
}

func TestRenderSamplesDeterministic(t *testing.T) {
	parser := intmml.NewParser(intmml.DefaultParserConfig())
	score, err := parser.Parse("t120 o5 l4 ceg")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	a, err := RenderSamples(score, 44100, 0.5)
	if err != nil {
		t.Fatalf("render a: %v", err)
	}
	b, err := RenderSamples(score, 44100, 0.5)
	if err != nil {
		t.Fatalf("render b: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("renders diverge at sample %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestRenderSamplesAppliesEffectDirectives(t *testing.T) {
	parser := intmml.NewParser(intmml.DefaultParserConfig())
	score, err := parser.Parse("#EFFECT0{comp -20,4};\nt120 o5 l4 ceg")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, err := RenderSamples(score, 44100, 0.5); err != nil {
		t.Fatalf("render with effect directive failed: %v", err)
	}
}

func TestRenderSamplesRejectsUnsupportedSampleRate(t *testing.T) {
	parser := intmml.NewParser(intmml.DefaultParserConfig())
	score, err := parser.Parse("cdefg")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, err := RenderSamples(score, 48000, 0.1); err == nil {
		t.Error("expected an error for a sample rate RefTables doesn't support")
	}
}

func TestNewCoreSequencerChannelSlotsFollowTrackCount(t *testing.T) {
	parser := intmml.NewParser(intmml.DefaultParserConfig())
	score, err := parser.Parse("cdefg")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	cs, err := NewCoreSequencer(score, 44100, len(score.Tracks), false)
	if err != nil {
		t.Fatalf("NewCoreSequencer failed: %v", err)
	}
	if cs == nil {
		t.Fatal("expected a non-nil CoreSequencer")
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	wav := EncodeWAVFloat32LE(make([]float32, 8), 44100, 2)
	if len(wav) != 44+8*4 {
		t.Fatalf("wav length = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Error("missing RIFF/WAVE markers")
	}
}
