// Package opgraph implements the FM Operator (phase generator +
// envelope generator glue) and the per-operator-count algorithm routing
// tables that wire operators into a Channel's output, all in integer
// log-domain math.
package opgraph

import (
	"github.com/cbegin/mmlfm-go/internal/envelope"
	"github.com/cbegin/mmlfm-go/internal/pulsegen"
	"github.com/cbegin/mmlfm-go/internal/reftable"
)

// Operator is one FM slot: a pulse generator driven through a wave
// table, gated by an envelope generator, with optional self-feedback.
type Operator struct {
	rt *reftable.RefTables

	PG *pulsegen.PulseGenerator
	EG *envelope.Generator

	keyCode       int
	feedbackShift int32 // 0 disables feedback; 1..7 shifts (fb1+fb2)/2 before use
	fbOut1        int32
	fbOut2        int32

	amOffset int32 // per-sample LFO amplitude modulation, in EG-level units
}

// SetAMOffset sets this sample's amplitude-modulation attenuation; the
// channel's LFO refreshes it before each Step.
func (op *Operator) SetAMOffset(v int32) { op.amOffset = v }

// NewOperator creates an operator bound to rt's tables.
func NewOperator(rt *reftable.RefTables) *Operator {
	return &Operator{rt: rt, PG: &pulsegen.PulseGenerator{}, EG: envelope.NewGenerator(rt)}
}

// SetFeedbackShift configures this operator as the algorithm's feedback
// source (0 = no feedback).
func (op *Operator) SetFeedbackShift(shift int32) { op.feedbackShift = shift }

// NoteOn resets phase (if requested), starts the envelope, and clears
// feedback history.
func (op *Operator) NoteOn(keyCode int, resetPhase bool) {
	op.keyCode = keyCode
	if resetPhase {
		op.PG.ResetPhase(0)
	}
	op.fbOut1, op.fbOut2 = 0, 0
	op.EG.NoteOn(keyCode)
}

// NoteOff releases the envelope (subject to SSG-EG hold modes).
func (op *Operator) NoteOff() { op.EG.NoteOff() }

// ForceOff jumps the envelope straight to silence, bypassing release
// (used when a disposable channel is stolen for a higher-priority note).
func (op *Operator) ForceOff() { op.EG.ForceOff() }

// Idle reports whether the operator's envelope has reached silence.
func (op *Operator) Idle() bool { return op.EG.IsIdle() }

// feedbackPhase computes this sample's phase-modulation contribution
// from the operator's own last two outputs
// "feedback: the operator's own prior output(s) fed back as phase
// modulation, scaled by a 0..7 shift".
func (op *Operator) feedbackPhase() int32 {
	if op.feedbackShift == 0 {
		return 0
	}
	avg := (op.fbOut1 + op.fbOut2) >> 1
	return avg >> uint(7-op.feedbackShift)
}

// Step advances the operator one sample given an external phase
// modulation input (already scaled to phase-fraction units by the
// caller) and returns the signed linear output sample.
func (op *Operator) Step(modPhase int32) int32 {
	egLevel := op.EG.Step() + op.EG.TotalLevel() + op.amOffset
	if egLevel > reftable.EnvBottom {
		egLevel = reftable.EnvBottom
	}
	fbPhase := op.feedbackPhase()
	logIdx := op.PG.NextModulated(modPhase + fbPhase)
	out := decodeLog(op.rt, logIdx, egLevel)
	op.fbOut2 = op.fbOut1
	op.fbOut1 = out
	return out
}

// decodeLog turns a wave-table log index (magnitude<<1 | sign) plus an
// envelope attenuation level into a signed linear sample, via
// RefTables.LogTable -- the engine's single exp() lookup.
func decodeLog(rt *reftable.RefTables, logIdx, egLevel int32) int32 {
	combined := (logIdx >> 1) + egLevel
	if combined < 0 {
		combined = 0
	}
	n := int32(len(rt.LogTable))
	if combined >= n {
		combined = n - 1
	}
	mag := rt.LogTable[combined]
	if logIdx&1 == 1 {
		return -mag
	}
	return mag
}
