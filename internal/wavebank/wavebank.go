// Package wavebank owns the pulse-generator wave tables, the user-custom
// and stencil overlay slots, and the PCM/sampler data banks. Entries are
// stored already converted into log-domain table indices (the same
// encoding PulseGenerator reads), so the per-sample loop never calls a
// trig or exp function.
package wavebank

import (
	"math"

	"github.com/cbegin/mmlfm-go/internal/reftable"
)

// Built-in pulse-generator type indices, grouped by wave family.
const (
	PGSine = iota
	PGSawUp
	PGSawDown
	PGSawVC6
	PGTriangle
	PGTriangleFC
	PGSquare
	PGPulse    // + 0..15 duty ratios
	PGPulseEnd = PGPulse + 16
	PGRamp     = PGPulseEnd // + 0..127
	PGRampEnd  = PGRamp + 128
	PGNoiseWhite = PGRampEnd
	PGNoisePulse = PGNoiseWhite + 1
	PGNoiseShort = PGNoiseWhite + 2
	PGNoiseGBShort = PGNoiseWhite + 3
	PGMA3Wave = PGNoiseWhite + 4 // + 0..31, 5 transform variants packed per base slot
	PGMA3WaveEnd = PGMA3Wave + 32
	PGKonamiBubble = PGMA3WaveEnd

	DefaultPGMax = 256
	PGCustom     = DefaultPGMax       // + 0..127 user wave tables
	PGPCM        = PGCustom + 128     // + 0..127 PCM voices
	PGMax        = PGPCM + 128
)

const (
	customWaveTableMax = 128
	pcmDataMax         = 128
	samplerTableMax    = 4
	samplerDataMax     = reftable.NoteTableSize
)

// Table is one wave table: log-domain sample indices plus the bit shift
// PulseGenerator uses to turn a 26-bit phase into a table index.
type Table struct {
	Samples    []int32
	FixedBits  int // PhaseBits - log2(len(Samples))
	PitchType  int // reftable.PTOPM / PTPCM / ...
}

func newTable(samples []int32, pitchType int) *Table {
	bits := 0
	for (1 << bits) < len(samples) {
		bits++
	}
	return &Table{
		Samples:   samples,
		FixedBits: reftable.PhaseBits - bits,
		PitchType: pitchType,
	}
}

// PCMEntry is one registered PCM voice: raw linear samples with loop
// metadata.
type PCMEntry struct {
	Samples    []int16
	LoopPoint  int
	EndPoint   int
	SamplingPitch int
}

// SamplerEntry is one registered raw sampler slot.
type SamplerEntry struct {
	Left, Right   []float32
	IgnoreNoteOff bool
	Pan           int
}

// WaveBank is a singleton-per-engine store of all wave data.
type WaveBank struct {
	builtin []*Table
	custom  [customWaveTableMax]*Table
	stencil [customWaveTableMax]*Table

	pcm     [pcmDataMax]*PCMEntry
	sampler [samplerTableMax][samplerDataMax]*SamplerEntry

	noWave *Table
}

// New builds the complete set of built-in wave tables for rt.
func New(rt *reftable.RefTables) *WaveBank {
	wb := &WaveBank{}
	wb.noWave = newTable(make([]int32, 1<<reftable.SamplingTableBits), reftable.PTPCM)
	wb.builtin = make([]*Table, DefaultPGMax)
	for i := range wb.builtin {
		wb.builtin[i] = wb.noWave
	}
	wb.buildSine()
	wb.buildSaw()
	wb.buildTriangle()
	wb.buildSquare()
	wb.buildPulses()
	wb.buildRamp()
	wb.buildNoise()
	wb.buildMA3()
	return wb
}

func logTable(n int, f func(i int) float64) []int32 {
	t := make([]int32, n)
	for i := 0; i < n; i++ {
		t[i] = reftable.CalcLogIndex(f(i))
	}
	return t
}

func (wb *WaveBank) buildSine() {
	size := 1 << reftable.SamplingTableBits
	step := size >> 1
	table := make([]int32, size)
	delta := 2 * math.Pi / float64(size)
	base := delta * 0.5
	for i := 0; i < step; i++ {
		v := reftable.CalcLogIndex(math.Sin(base))
		table[i] = v
		table[i+step] = v + 1
		base += delta
	}
	wb.builtin[PGSine] = newTable(table, reftable.PTOPM)
}

func (wb *WaveBank) buildSaw() {
	size := 1 << reftable.SamplingTableBits
	step := size >> 1
	up := make([]int32, size)
	down := make([]int32, size)
	delta := 1.0 / float64(step)
	base := delta * 0.5
	for i := 0; i < step; i++ {
		v := reftable.CalcLogIndex(base)
		up[i] = v
		up[size-i-1] = v + 1
		down[step-i-1] = v
		down[step+i] = v + 1
		base += delta
	}
	wb.builtin[PGSawUp] = newTable(up, reftable.PTOPM)
	wb.builtin[PGSawDown] = newTable(down, reftable.PTOPM)

	vc6 := logTable(32, func(i int) float64 { return -0.96875 + float64(i)*0.0625 })
	wb.builtin[PGSawVC6] = newTable(vc6, reftable.PTOPM)
}

func (wb *WaveBank) buildTriangle() {
	size := 1 << reftable.SamplingTableBits
	step := size >> 2
	offset := size >> 1
	table := make([]int32, size)
	delta := 1.0 / float64(step)
	base := delta * 0.5
	for i := 0; i < step; i++ {
		v := reftable.CalcLogIndex(base)
		table[i] = v
		table[offset-i-1] = v
		table[offset+i] = v + 1
		table[size-i-1] = v + 1
		base += delta
	}
	wb.builtin[PGTriangle] = newTable(table, reftable.PTOPM)

	fc := make([]int32, 32)
	fc[0], fc[15] = reftable.LogTableBottom, reftable.LogTableBottom
	fc[23], fc[24] = 3, 3
	base = 0.125
	for i := 1; i < 8; i++ {
		v := reftable.CalcLogIndex(base)
		fc[i] = v
		fc[15-i] = v
		fc[15+i] = v + 1
		fc[32-i] = v + 1
		base += 0.125
	}
	wb.builtin[PGTriangleFC] = newTable(fc, reftable.PTOPM)
}

func (wb *WaveBank) buildSquare() {
	v := reftable.CalcLogIndex(1.0)
	wb.builtin[PGSquare] = newTable([]int32{v, v + 1}, reftable.PTOPM)
}

func (wb *WaveBank) buildPulses() {
	for duty := 0; duty < 16; duty++ {
		ratio := (float64(duty) + 1) / 17
		size := 1 << reftable.SamplingTableBits
		table := make([]int32, size)
		v := reftable.CalcLogIndex(1.0)
		split := int(float64(size) * ratio)
		for i := 0; i < size; i++ {
			if i < split {
				table[i] = v
			} else {
				table[i] = v + 1
			}
		}
		wb.builtin[PGPulse+duty] = newTable(table, reftable.PTOPM)
	}
}

func (wb *WaveBank) buildRamp() {
	size := 128
	for j := 0; j < 128; j++ {
		table := make([]int32, size)
		peak := j
		for i := 0; i < size; i++ {
			var lin float64
			if i <= peak {
				if peak == 0 {
					lin = 1
				} else {
					lin = float64(i) / float64(peak)
				}
			} else {
				if size-1-peak == 0 {
					lin = 0
				} else {
					lin = 1 - float64(i-peak)/float64(size-1-peak)
				}
			}
			table[i] = reftable.CalcLogIndex(lin*2 - 1)
		}
		wb.builtin[PGRamp+j] = newTable(table, reftable.PTOPM)
	}
}

func (wb *WaveBank) buildNoise() {
	size := 1 << reftable.SamplingTableBits
	lfsr := uint32(0x7FFF)
	white := make([]int32, size)
	for i := 0; i < size; i++ {
		bit := lfsr & 1
		lfsr = (lfsr >> 1) ^ (-bit & 0xB400)
		v := float64(int32(lfsr&0x3FFF)-0x2000) / 0x2000
		white[i] = reftable.CalcLogIndex(v)
	}
	wb.builtin[PGNoiseWhite] = newTable(white, reftable.PTPCM)

	pulse := make([]int32, size)
	lfsr = 0x1
	for i := 0; i < size; i++ {
		bit := (lfsr ^ (lfsr >> 6)) & 1
		lfsr = ((lfsr << 1) | bit) & 0x7F
		if lfsr&1 == 1 {
			pulse[i] = reftable.CalcLogIndex(1)
		} else {
			pulse[i] = reftable.CalcLogIndex(-1) + 1
		}
	}
	wb.builtin[PGNoisePulse] = newTable(pulse, reftable.PTPCM)
	wb.builtin[PGNoiseShort] = newTable(pulse, reftable.PTPCM)

	gb := make([]int32, 16)
	lfsr = 0xF
	for i := range gb {
		bit := (lfsr ^ (lfsr >> 1)) & 1
		lfsr = (lfsr >> 1) | (bit << 6)
		if lfsr&1 == 1 {
			gb[i] = reftable.CalcLogIndex(1)
		} else {
			gb[i] = reftable.CalcLogIndex(-1) + 1
		}
	}
	wb.builtin[PGNoiseGBShort] = newTable(gb, reftable.PTPCM)
}

// buildMA3 fills the 32-slot MA3 wave family: each base wave carries
// four derived transform variants. Real hardware derives half-wave/
// quarter-wave/clip variants from a handful of bases; we reuse the
// already-built sine, triangle, square, and saw-up tables as those bases
// and synthesize the rest.
func (wb *WaveBank) buildMA3() {
	bases := []*Table{
		wb.builtin[PGSine],
		wb.builtin[PGTriangle],
		wb.builtin[PGSquare],
		wb.builtin[PGSawUp],
	}
	for slot := 0; slot < 32; slot++ {
		base := bases[slot%len(bases)]
		variant := (slot / len(bases)) % 5
		wb.builtin[PGMA3Wave+slot] = transformMA3(base, variant)
	}
}

func transformMA3(base *Table, variant int) *Table {
	n := len(base.Samples)
	out := make([]int32, n)
	switch variant {
	case 0: // identity
		copy(out, base.Samples)
	case 1: // half-wave rectify (mirror second half onto bottom rail)
		for i := 0; i < n/2; i++ {
			out[i] = base.Samples[i]
			out[i+n/2] = reftable.LogTableBottom
		}
	case 2: // quarter-wave (read only the first quarter, repeated)
		q := n / 4
		if q < 1 {
			q = 1
		}
		for i := 0; i < n; i++ {
			out[i] = base.Samples[i%q]
		}
	case 3: // full-wave rectify (fold negative half over positive)
		for i := 0; i < n; i++ {
			v := base.Samples[i]
			if v&1 == 1 {
				v--
			}
			out[i] = v
		}
	default: // clipped/saturated top
		for i, v := range base.Samples {
			if v < reftable.EnvBottomSSGEC {
				v = reftable.EnvBottomSSGEC
			}
			out[i] = v
		}
	}
	return newTable(out, base.PitchType)
}

// GetWaveTable resolves stencil -> custom -> built-in, falling back to
// the all-zero no-wave sentinel for out-of-range indices.
func (wb *WaveBank) GetWaveTable(index int) *Table {
	if index < 0 {
		return wb.noWave
	}
	if index < PGCustom {
		if index >= len(wb.builtin) {
			return wb.noWave
		}
		return wb.builtin[index]
	}
	if index < PGPCM {
		slot := (index - PGCustom) & (customWaveTableMax - 1)
		if wb.stencil[slot] != nil {
			return wb.stencil[slot]
		}
		if wb.custom[slot] != nil {
			return wb.custom[slot]
		}
		return wb.noWave
	}
	return wb.noWave
}

// RegisterWaveTable installs a custom wave at the given slot. When the
// slot is among the first three, it's mirrored into the MA3 "user"
// slots 15/23/31.
func (wb *WaveBank) RegisterWaveTable(index int, samples []int32) {
	slot := index & (customWaveTableMax - 1)
	wb.custom[slot] = newTable(samples, reftable.PTOPM)
	if slot < 3 {
		wb.builtin[PGMA3Wave+15+slot*8] = wb.custom[slot]
	}
}

// RegisterStencilWaveTable installs a temporary score-local override,
// consulted before the custom and built-in tables.
func (wb *WaveBank) RegisterStencilWaveTable(index int, samples []int32) {
	slot := index & (customWaveTableMax - 1)
	wb.stencil[slot] = newTable(samples, reftable.PTOPM)
}

// ClearStencil drops all stencil overrides (used between score loads).
func (wb *WaveBank) ClearStencil() {
	for i := range wb.stencil {
		wb.stencil[i] = nil
	}
}

// RegisterPCM installs raw PCM data with loop metadata at the given slot.
func (wb *WaveBank) RegisterPCM(index int, samples []int16, loopPoint, endPoint, samplingPitch int) {
	slot := index & (pcmDataMax - 1)
	wb.pcm[slot] = &PCMEntry{Samples: samples, LoopPoint: loopPoint, EndPoint: endPoint, SamplingPitch: samplingPitch}
}

// GetPCM returns the registered PCM entry, or nil.
func (wb *WaveBank) GetPCM(index int) *PCMEntry {
	return wb.pcm[index&(pcmDataMax-1)]
}

// RegisterSamplerData transforms raw float samples (mono/stereo) and
// attaches them to the bank selected by index>>7.
func (wb *WaveBank) RegisterSamplerData(index int, raw []float32, ignoreNoteOff bool, pan, srcChannels, dstChannels int) {
	bank := (index >> reftable.NoteBits) & (samplerTableMax - 1)
	slot := index & (samplerDataMax - 1)
	entry := &SamplerEntry{IgnoreNoteOff: ignoreNoteOff, Pan: pan}
	if srcChannels == 2 {
		n := len(raw) / 2
		entry.Left = make([]float32, n)
		entry.Right = make([]float32, n)
		for i := 0; i < n; i++ {
			entry.Left[i] = raw[i*2]
			entry.Right[i] = raw[i*2+1]
		}
	} else {
		entry.Left = raw
		if dstChannels == 2 {
			entry.Right = raw
		}
	}
	wb.sampler[bank][slot] = entry
}

// GetSamplerData returns the registered sampler entry, or nil.
func (wb *WaveBank) GetSamplerData(index int) *SamplerEntry {
	bank := (index >> reftable.NoteBits) & (samplerTableMax - 1)
	slot := index & (samplerDataMax - 1)
	return wb.sampler[bank][slot]
}
