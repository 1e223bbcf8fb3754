// Package pulsegen implements the phase-accumulator pulse generator
//: a 32-bit phase plus step, reading a log-domain wave
// table one sample at a time.
package pulsegen

import (
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

// PulseGenerator advances phase modulo PhaseMax and reads its wave table
// at the current index, shifted down by FixedBits. Noise generators
// read their table by phase the same way; they also step an LFSR
// (reseeded by ResetPhase) whose state does not affect the output. PCM
// generators wrap or idle at the configured end point.
type PulseGenerator struct {
	phase     uint32
	phaseStep uint32
	table     *wavebank.Table
	isNoise   bool
	isPCM     bool
	lfsr      uint32

	pcm        *wavebank.PCMEntry
	sampleIdx  int
	idle       bool
}

// SetTable installs the wave table this generator reads from.
func (pg *PulseGenerator) SetTable(t *wavebank.Table, isNoise bool) {
	pg.table = t
	pg.isNoise = isNoise
	pg.isPCM = false
}

// SetPCM installs PCM sample data with loop/end-point semantics.
func (pg *PulseGenerator) SetPCM(entry *wavebank.PCMEntry) {
	pg.pcm = entry
	pg.isPCM = true
	pg.sampleIdx = 0
	pg.idle = false
}

// SetPhaseStep sets the per-sample phase increment (10.16 fixed).
func (pg *PulseGenerator) SetPhaseStep(step int32) {
	pg.phaseStep = uint32(step)
}

// ResetPhase sets the phase directly (note_on with initial_phase >= 0).
func (pg *PulseGenerator) ResetPhase(phase uint32) {
	pg.phase = phase & reftable.PhaseFilter
	if pg.isNoise {
		pg.lfsr = 0x7FFF
	}
}

// Idle reports whether a PCM generator has reached its end point without
// a loop point to wrap to.
func (pg *PulseGenerator) Idle() bool { return pg.idle }

// SampleIndex exposes the PCM read cursor.
func (pg *PulseGenerator) SampleIndex() int { return pg.sampleIdx }

// Next advances one sample and returns a log-domain (or linear, for PCM)
// output value.
func (pg *PulseGenerator) Next() int32 {
	if pg.isPCM && pg.pcm != nil {
		return pg.nextPCM()
	}
	if pg.table == nil {
		return reftable.LogTableBottom
	}
	idx := int(pg.phase >> uint(pg.table.FixedBits))
	n := len(pg.table.Samples)
	if n == 0 {
		return reftable.LogTableBottom
	}
	idx &= n - 1
	sample := pg.table.Samples[idx]
	if pg.isNoise {
		bit := pg.lfsr & 1
		pg.lfsr = (pg.lfsr >> 1) ^ (-bit & 0xB400)
	}
	pg.phase = (pg.phase + pg.phaseStep) & reftable.PhaseFilter
	return sample
}

// NextModulated behaves like Next but offsets the read phase by
// phaseOffset (an FM modulation input expressed in phase-fraction
// units) without perturbing the generator's own running phase. Used by
// opgraph.Operator to implement phase modulation between operators.
func (pg *PulseGenerator) NextModulated(phaseOffset int32) int32 {
	if pg.isPCM || pg.table == nil {
		return pg.Next()
	}
	readPhase := (pg.phase + uint32(phaseOffset)) & reftable.PhaseFilter
	idx := int(readPhase >> uint(pg.table.FixedBits))
	n := len(pg.table.Samples)
	if n == 0 {
		return reftable.LogTableBottom
	}
	idx &= n - 1
	sample := pg.table.Samples[idx]
	if pg.isNoise {
		bit := pg.lfsr & 1
		pg.lfsr = (pg.lfsr >> 1) ^ (-bit & 0xB400)
	}
	pg.phase = (pg.phase + pg.phaseStep) & reftable.PhaseFilter
	return sample
}

func (pg *PulseGenerator) nextPCM() int32 {
	if pg.idle || pg.sampleIdx >= pg.pcm.EndPoint {
		if pg.pcm.LoopPoint >= 0 && pg.pcm.LoopPoint < pg.pcm.EndPoint {
			loopLen := pg.pcm.EndPoint - pg.pcm.LoopPoint
			if loopLen > 0 {
				pg.sampleIdx = pg.pcm.LoopPoint + (pg.sampleIdx-pg.pcm.EndPoint)%loopLen
			} else {
				pg.sampleIdx = pg.pcm.LoopPoint
			}
		} else {
			pg.idle = true
			return 0
		}
	}
	var v int16
	if pg.sampleIdx >= 0 && pg.sampleIdx < len(pg.pcm.Samples) {
		v = pg.pcm.Samples[pg.sampleIdx]
	}
	pg.sampleIdx++
	return int32(v)
}
