package sequencer

import (
	"testing"

	"github.com/cbegin/mmlfm-go/internal/mml"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/soundchip"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

func BenchmarkCoreSequencerProcess(b *testing.B) {
	rt, err := reftable.New(reftable.DefaultFMClock, reftable.DefaultPSGClock, 44100)
	if err != nil {
		b.Fatal(err)
	}
	wb := wavebank.New(rt)
	sc := soundchip.New(rt, wb, 8)
	events := []mml.Event{{Type: mml.EventNote, Tick: 0, Note: 60, Duration: 1 << 28}}
	score := &mml.Score{
		Resolution: 1920, InitialBPM: 120,
		Tracks: []mml.Track{
			{Events: events, EndTick: 1 << 30, LoopTick: -1, LoopIndex: -1},
			{Events: events, EndTick: 1 << 30, LoopTick: -1, LoopIndex: -1},
			{Events: events, EndTick: 1 << 30, LoopTick: -1, LoopIndex: -1},
			{Events: events, EndTick: 1 << 30, LoopTick: -1, LoopIndex: -1},
		},
	}
	cs := NewCoreSequencer(rt, sc, wb, score, false)
	buf := make([]float32, 2048*2)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cs.Process(buf)
	}
	b.SetBytes(int64(len(buf) * 4))
}
