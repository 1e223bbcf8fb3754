package mmlfm

import (
	"encoding/binary"
	"math"

	intfx "github.com/cbegin/mmlfm-go/internal/effects"
	intmml "github.com/cbegin/mmlfm-go/internal/mml"
	intref "github.com/cbegin/mmlfm-go/internal/reftable"
	intseq "github.com/cbegin/mmlfm-go/internal/sequencer"
	intsc "github.com/cbegin/mmlfm-go/internal/soundchip"
	intwb "github.com/cbegin/mmlfm-go/internal/wavebank"
)

// NewCoreSequencer builds the fixed-point RefTables/WaveBank/SoundChip
// stack and returns a sequencer.CoreSequencer driving score over it.
// Only 44100 and 22050 Hz are accepted (reftable.ErrInvalidConfig
// otherwise).
func NewCoreSequencer(score *intmml.Score, sampleRate int, channelSlots int, loopWholeScore bool) (*intseq.CoreSequencer, error) {
	rt, err := intref.New(intref.DefaultFMClock, intref.DefaultPSGClock, sampleRate)
	if err != nil {
		return nil, err
	}
	wb := intwb.New(rt)
	sc := intsc.New(rt, wb, channelSlots)
	return intseq.NewCoreSequencer(rt, sc, wb, score, loopWholeScore), nil
}

// RenderSamples renders score offline through the synthesis engine,
// including any #EFFECT send buses and insert chain, and returns
// interleaved stereo float32 samples.
func RenderSamples(score *intmml.Score, sampleRate int, seconds float64) ([]float32, error) {
	slots := len(score.Tracks)
	if slots < 1 {
		slots = 1
	}
	cs, err := NewCoreSequencer(score, sampleRate, slots, false)
	if err != nil {
		return nil, err
	}
	rack := intfx.RackFromDefs(score.Definitions, sampleRate)
	frames := int(float64(sampleRate) * seconds)
	out := make([]float32, frames*2)
	// Render in audio-sized buffers so offline output is bit-identical
	// to what the streaming path produces.
	const chunkFrames = 2048
	for at := 0; at < frames*2; at += chunkFrames * 2 {
		end := at + chunkFrames*2
		if end > frames*2 {
			end = frames * 2
		}
		chunk := out[at:end]
		cs.Process(chunk)
		if !rack.Empty() {
			rack.Mix(chunk, func(bus int) []float32 {
				return cs.SendBuffer(bus + 1)
			})
		}
	}
	return out, nil
}

func EncodeWAVFloat32LE(samples []float32, sampleRate int, channels int) []byte {
	dataSize := len(samples) * 4
	byteRate := sampleRate * channels * 4
	blockAlign := channels * 4
	chunkSize := 36 + dataSize
	out := make([]byte, 44+dataSize)
	copy(out[0:], []byte("RIFF"))
	binary.LittleEndian.PutUint32(out[4:], uint32(chunkSize))
	copy(out[8:], []byte("WAVE"))
	copy(out[12:], []byte("fmt "))
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 3)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], 32)
	copy(out[36:], []byte("data"))
	binary.LittleEndian.PutUint32(out[40:], uint32(dataSize))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[44+i*4:], math.Float32bits(s))
	}
	return out
}
