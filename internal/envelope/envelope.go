// Package envelope implements the ADSR + SSG-EG envelope state machine
//: integer-only, driven by the EG timer/increment tables
// RefTables precomputed at init.
package envelope

import "github.com/cbegin/mmlfm-go/internal/reftable"

// State identifies the current ADSR phase.
type State int

const (
	Attack State = iota
	Decay
	Sustain
	Release
	Off
)

// SSG-EG modes.
const (
	SSGOff = -1
)

// Generator is one operator's envelope state.
type Generator struct {
	rt *reftable.RefTables

	state State
	level int32 // current EG level; ENV_TOP (max gain) .. ENV_BOTTOM (silence)

	timer      int32
	tickCount  uint32 // logical EG ticks elapsed; low 3 bits pick the increment step phase
	ar, dr, sr, rr int // nominal rates 0..63
	effectiveRate  [4]int // key-scaled rates per phase: ar,dr,sr,rr (index by phaseIndex)
	keyScaleRate   int
	sustainLevel   int32

	ssgMode  int // -1 = off, 0..17 = SSG-EG mode
	holdHigh bool
	holdLow  bool

	totalLevel int32
}

// NewGenerator creates an envelope bound to rt's precomputed tables.
func NewGenerator(rt *reftable.RefTables) *Generator {
	return &Generator{rt: rt, state: Off, level: reftable.EnvBottom, ssgMode: SSGOff}
}

// Configure sets the nominal (non-key-scaled) rates, sustain level index
// (0..15), total level, key-scale value (0..3), and SSG-EG mode (-1 off,
// 0..17 active).
func (g *Generator) Configure(ar, dr, sr, rr int, sustainLevelIdx int, totalLevel int32, keyScaleRate int, ssgMode int) {
	g.ar, g.dr, g.sr, g.rr = ar, dr, sr, rr
	g.sustainLevel = g.rt.EGSustainLevel[sustainLevelIdx&15]
	g.totalLevel = totalLevel
	g.keyScaleRate = keyScaleRate
	g.ssgMode = ssgMode
	g.holdHigh = ssgMode == 9 || ssgMode == 13
	g.holdLow = ssgMode == 8 || ssgMode == 12
}

// NoteOn resets the timer, applies key scaling against keyCode, and
// starts the attack phase from ENV_BOTTOM.
func (g *Generator) NoteOn(keyCode int) {
	g.rescaleRates(keyCode)
	g.timer = 0
	g.tickCount = 0
	g.level = reftable.EnvBottom
	g.state = Attack
	if g.ar == 0 {
		// A zero attack rate means the attack ramp never advances, so
		// treat it as already complete: jump straight to ENV_TOP and
		// enter Decay instead of sitting silent forever.
		g.level = reftable.EnvTop
		g.state = Decay
	}
}

// NoteOff transitions to RELEASE unless held by an SSG-EG hold mode.
func (g *Generator) NoteOff() {
	if g.holdHigh || g.holdLow {
		return
	}
	if g.state != Off {
		g.state = Release
	}
}

// ForceOff jumps directly to OFF (Channel.note_off(stop_immediately)).
func (g *Generator) ForceOff() {
	g.state = Off
	g.level = reftable.EnvBottom
}

func (g *Generator) rescaleRates(keyCode int) {
	shift := keyShift(keyCode, g.keyScaleRate)
	g.effectiveRate[0] = clamp(g.ar+shift, 0, 63)
	g.effectiveRate[1] = clamp(g.dr+shift, 0, 63)
	g.effectiveRate[2] = clamp(g.sr+shift, 0, 63)
	g.effectiveRate[3] = clamp(g.rr+shift, 0, 63)
}

func keyShift(keyCode, ks int) int {
	// key_code_shift grows with both key code and key-scale strength;
	// ks=0 disables key scaling entirely.
	if ks == 0 {
		return 0
	}
	return (keyCode >> (3 - uint(clamp(ks, 0, 3)))) / 2
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// rateForState maps the current state to the 0..63 rate driving it.
func (g *Generator) rateForState() int {
	switch g.state {
	case Attack:
		return g.effectiveRate[0]
	case Decay:
		return g.effectiveRate[1]
	case Sustain:
		return g.effectiveRate[2]
	case Release:
		return g.effectiveRate[3]
	}
	return 0
}

// Step advances one sample and returns the current EG output level
// (ENV_TOP..ENV_BOTTOM, pre total-level), after applying any SSG-EG
// post-processing.
func (g *Generator) Step() int32 {
	if g.state == Off {
		return reftable.EnvBottom
	}

	rate := g.rateForState()
	g.timer += g.rt.EGTimerSteps[rate]
	for g.timer >= reftable.EnvTimerInitial {
		g.timer -= reftable.EnvTimerInitial
		g.tick(rate)
	}
	return g.postProcess(g.level)
}

func (g *Generator) tick(rate int) {
	selector := g.rt.EGTableSelector[rate]
	phase := int(g.tickCount & 7)
	g.tickCount++
	switch g.state {
	case Attack:
		// Attack decays geometrically toward ENV_TOP (higher gain = lower level).
		step := attackStep(g.level, selector)
		g.level -= step
		if g.level <= reftable.EnvTop {
			g.level = reftable.EnvTop
			g.state = Decay
		}
	case Decay:
		step := g.rt.EGIncrement[selector][phase]
		g.level += step
		if g.level >= g.sustainLevel {
			g.level = g.sustainLevel
			g.state = Sustain
		}
	case Sustain:
		step := g.rt.EGIncrement[selector][phase]
		g.level += step
		if g.level > reftable.EnvBottom {
			g.level = reftable.EnvBottom
		}
	case Release:
		step := g.rt.EGIncrement[selector][phase]
		g.level += step
		if g.level >= reftable.EnvBottom {
			g.level = reftable.EnvBottom
			g.state = Off
		}
	}
}

// attackStep computes a geometric decrement proportional to the distance
// already travelled from ENV_BOTTOM, so the attack curve is exponential
// rather than linear (matching the hardware's envelope shape).
func attackStep(level int32, selector int) int32 {
	dist := reftable.EnvBottom - level
	if dist <= 0 {
		return 1
	}
	step := (dist >> 4) + 1
	if selector >= 12 {
		step *= 2
	}
	return step
}

// postProcess applies the SSG-EG level-table remap when active.
func (g *Generator) postProcess(level int32) int32 {
	if g.ssgMode < 0 {
		return level
	}
	idx := reftable.EnvBottom - level // normalize into [0, 1<<EnvBits)
	if idx < 0 {
		idx = 0
	}
	if int(idx) >= 1<<reftable.EnvBits {
		idx = (1 << reftable.EnvBits) - 1
	}
	tableIdx := ssgTableForMode(g.ssgMode)
	return g.rt.EGLevelTables[tableIdx][idx]
}

// ssgTableForMode maps the 0..17 SSG-EG mode space onto the 7
// precomputed level-remap tables.
func ssgTableForMode(mode int) int {
	switch mode {
	case 0, 4, 8, 12:
		return 1
	case 1, 5, 9, 13:
		return 2
	case 2, 6, 10, 14:
		return 3
	case 3, 7, 11, 15:
		return 4
	case 16:
		return 5
	case 17:
		return 6
	}
	return 0
}

// Level returns the raw pre-total-level EG output (for idle detection).
func (g *Generator) Level() int32 { return g.level }

// State returns the current ADSR state.
func (g *Generator) State() State { return g.state }

// IsIdle reports whether this operator's envelope has bottomed out.
func (g *Generator) IsIdle() bool {
	// Attack always starts at ENV_BOTTOM (the level NoteOn resets to
	// before the first Step); excluding Attack keeps that instant from
	// reading as idle while still catching Sustain/Release naturally
	// decaying all the way to ENV_BOTTOM without a state change to Off.
	return g.state == Off || (g.state != Attack && g.level >= reftable.EnvBottom)
}

// TotalLevel returns the configured total level (0..127 domain, already
// shifted by ENV_LSHIFT by the caller if needed).
func (g *Generator) TotalLevel() int32 { return g.totalLevel }

// SetTotalLevel updates total level without touching ADSR state
// (used for real-time volume/expression changes).
func (g *Generator) SetTotalLevel(tl int32) { g.totalLevel = tl }
