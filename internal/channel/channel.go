// Package channel implements the Channel component: the
// algorithm assembly of up to 4 operators, LFO AM/PM fan-out, an SVF
// filter driven by a 4-phase cutoff envelope, pan/stream-send mixing,
// and the FM/PCM/SAMPLER/KS channel-type dispatch: the four rendering
// modes share one tagged-union type with a per-variant inner loop, so
// the buffer loop never goes through dynamic dispatch per sample.
package channel

import (
	"github.com/cbegin/mmlfm-go/internal/opgraph"
	"github.com/cbegin/mmlfm-go/internal/pulsegen"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

// Type tags the channel's rendering mode.
type Type int

const (
	TypeFM Type = iota
	TypePCM
	TypeSampler
	TypeKS // Karplus-Strong, supplemented feature
)

// StreamSendSize is the number of independent gain sends per channel;
// send 0 is the master bus, sends 1..4 are effect buses.
const StreamSendSize = 5

// filterEnvelope is the 4-phase (attack/decay/sustain/release) SVF
// cutoff sweep, generalizing internal/sequencer.go's filterEnvelope
// struct (co/ar/dr/sr/rr state machine) from a float cutoff value to
// an integer 16.16 fixed-point one driven by reftable.FilterEGRateTable.
type filterEnvelope struct {
	cutoff0, cutoff1, cutoff2, cutoff3 int32
	attackRate, decayRate, sustainRate, releaseRate int
	state  int // 0=attack,1=decay,2=sustain,3=release,4=off
	current int32
}

func (fe *filterEnvelope) noteOn() {
	fe.current = fe.cutoff0
	fe.state = 0
}

func (fe *filterEnvelope) noteOff() {
	if fe.state < 3 {
		fe.state = 3
	}
}

func (fe *filterEnvelope) step(rt *reftable.RefTables) int32 {
	var target int32
	var rate int
	switch fe.state {
	case 0:
		target, rate = fe.cutoff1, fe.attackRate
	case 1:
		target, rate = fe.cutoff2, fe.decayRate
	case 2:
		target, rate = fe.cutoff3, fe.sustainRate
	case 3:
		target, rate = 0, fe.releaseRate
	default:
		return fe.current
	}
	step := rt.FilterEGRateTable[rate&63]
	if fe.current < target {
		fe.current += step
		if fe.current >= target {
			fe.current = target
			fe.advance()
		}
	} else if fe.current > target {
		fe.current -= step
		if fe.current <= target {
			fe.current = target
			fe.advance()
		}
	}
	return fe.current
}

func (fe *filterEnvelope) advance() {
	if fe.state < 4 {
		fe.state++
	}
}

// svf is a state-variable filter (low/high/band-pass outputs), driven
// per sample by a cutoff coefficient and a feedback coefficient from
// reftable.FilterCutoffTable/FilterFeedbackTable.
type svf struct {
	low, band int32
}

// FilterMode selects which SVF tap feeds the channel output.
type FilterMode int

const (
	FilterOff FilterMode = iota
	FilterLowPass
	FilterHighPass
	FilterBandPass
)

func (s *svf) step(in, cutoff, feedback int32, mode FilterMode) int32 {
	const shift = reftable.FixedBits
	high := in - s.low - ((s.band * feedback) >> shift)
	s.band += (high * cutoff) >> shift
	s.low += (s.band * cutoff) >> shift
	switch mode {
	case FilterLowPass:
		return s.low
	case FilterHighPass:
		return high
	case FilterBandPass:
		return s.band
	default:
		return in
	}
}

// Channel is one voice slot: operators (FM) or a single pulse generator
// (PCM/sampler/KS), a filter, an LFO, and the pan/stream-send mix.
type Channel struct {
	rt *reftable.RefTables
	wb *wavebank.WaveBank

	Type Type

	ops     [4]*opgraph.Operator
	opCount int
	algo    opgraph.Algorithm
	fbShift int32

	pg *pulsegen.PulseGenerator // used directly by PCM/Sampler/KS types

	filter     svf
	filterMode FilterMode
	filterEnv  filterEnvelope

	lfoPhase    uint32
	lfoStep     uint32
	lfoWave     int
	amDepth     int32
	pmDepth     int32

	pan    int32 // 0..128, 64 = center
	sends  [StreamSendSize]int32

	ksBuffer []int32
	ksPos    int
	ksDamp   int32

	active bool

	priority   int32
	disposable bool

	opMultiple    [4]int32 // per-operator frequency ratio (MUL), default 1
	opDetune1     [4]int // per-operator DT1 value (0..7 chip-native, 0/4 = none)
	opDetune2     [4]int // per-operator DT2 index (0..3, 0 = none)
	lastKeyCode   int
	basePhaseStep int32 // phase step last passed to NoteOn, before MUL/bend

	ampAtten      int32 // 0..255 overlay attenuation, 0 = no attenuation
	pitchBend     int32 // overlay phase-step delta, added on top of MUL
	lfoPitch      int32 // per-sample LFO pitch modulation, phase-step units
	filterOverlay int32 // overlay cutoff delta, added to the filter envelope
	toneScale     int32 // Q8 modulation-index scalar, 256 = unity
}

// New creates an idle channel bound to the shared tables/wave bank.
func New(rt *reftable.RefTables, wb *wavebank.WaveBank) *Channel {
	ch := &Channel{rt: rt, wb: wb, pg: &pulsegen.PulseGenerator{}, toneScale: 256}
	for i := range ch.ops {
		ch.ops[i] = opgraph.NewOperator(rt)
		ch.opMultiple[i] = 1
	}
	ch.sends[0] = 1 << reftable.FixedBits
	return ch
}

// SetFMAlgorithm configures the channel as an FM voice with opCount
// operators (1..4) using the algoIndex'th connection graph for that
// count.
func (ch *Channel) SetFMAlgorithm(opCount, algoIndex int, feedbackShift int32, altFeedback bool) {
	ch.Type = TypeFM
	if opCount < 1 {
		opCount = 1
	}
	if opCount > 4 {
		opCount = 4
	}
	ch.opCount = opCount
	set := opgraph.AlgorithmSet(opCount)
	if algoIndex < 0 || algoIndex >= len(set) {
		algoIndex = 0
	}
	ch.algo = set[algoIndex]
	ch.fbShift = feedbackShift
	fbOp := opgraph.FeedbackOperator(opCount, altFeedback)
	for i, op := range ch.ops[:opCount] {
		if i == fbOp {
			op.SetFeedbackShift(feedbackShift)
		} else {
			op.SetFeedbackShift(0)
		}
	}
}

// Operator exposes operator i (0-based) for configuration.
func (ch *Channel) Operator(i int) *opgraph.Operator { return ch.ops[i&3] }

// SetOperatorMultiple sets operator i's frequency ratio (MUL).
// mul <= 0 is treated as 1 (unison).
func (ch *Channel) SetOperatorMultiple(i int, mul int32) {
	if mul <= 0 {
		mul = 1
	}
	ch.opMultiple[i&3] = mul
}

// detune2Ratio holds Q16 frequency multipliers for the four OPM DT2
// settings (0, +600, +781, +950 cents).
var detune2Ratio = [4]int32{65536, 92682, 102870, 113448}

// SetOperatorDetune sets operator i's DT1 (key-code dependent, 0..7
// chip-native) and DT2 (absolute, 0..3) detunes.
func (ch *Channel) SetOperatorDetune(i int, dt1, dt2 int) {
	if dt1 < 0 || dt1 > 7 {
		dt1 = 0
	}
	if dt2 < 0 || dt2 > 3 {
		dt2 = 0
	}
	ch.opDetune1[i&3] = dt1
	ch.opDetune2[i&3] = dt2
}

// SetPCM configures the channel to play a registered PCM voice.
func (ch *Channel) SetPCM(entry *wavebank.PCMEntry) {
	ch.Type = TypePCM
	ch.pg.SetPCM(entry)
}

// SetSampler configures the channel to play a registered sampler slot
// (rendered by the caller reading SamplerEntry directly; the channel
// only needs PCM-style gating here).
func (ch *Channel) SetSampler() {
	ch.Type = TypeSampler
}

// SetKS configures the channel as a Karplus-Strong plucked string: a
// fixed ring buffer seeded with noise at note-on, low-pass filtered
// and fed back on itself each period.
func (ch *Channel) SetKS(periodSamples int, damping int32) {
	ch.Type = TypeKS
	if periodSamples < 2 {
		periodSamples = 2
	}
	ch.ksBuffer = make([]int32, periodSamples)
	ch.ksDamp = damping
	ch.ksPos = 0
}

// SetPan sets the stereo pan position (0..128, 64 = center).
func (ch *Channel) SetPan(pan int32) {
	if pan < 0 {
		pan = 0
	}
	if pan > 128 {
		pan = 128
	}
	ch.pan = pan
}

// SetSend sets the gain (16.16 fixed) for stream send i (0 = master).
func (ch *Channel) SetSend(i int, gain int32) {
	if i >= 0 && i < StreamSendSize {
		ch.sends[i] = gain
	}
}

// Send returns the configured gain (16.16 fixed) for stream send i.
func (ch *Channel) Send(i int) int32 {
	if i < 0 || i >= StreamSendSize {
		return 0
	}
	return ch.sends[i]
}

// SetFilter configures the SVF mode and the 4-phase cutoff envelope.
func (ch *Channel) SetFilter(mode FilterMode, c0, c1, c2, c3 int32, ar, dr, sr, rr int) {
	ch.filterMode = mode
	ch.filterEnv = filterEnvelope{
		cutoff0: c0, cutoff1: c1, cutoff2: c2, cutoff3: c3,
		attackRate: ar, decayRate: dr, sustainRate: sr, releaseRate: rr,
	}
}

// SetLFO configures the shared AM/PM low-frequency oscillator.
func (ch *Channel) SetLFO(wave int, rateIndex int, amDepth, pmDepth int32) {
	if wave < 0 || wave >= reftable.LFOWaveMax {
		wave = 0
	}
	ch.lfoWave = wave
	ch.lfoStep = uint32(ch.rt.LFOTimerSteps[rateIndex&0xFF])
	ch.amDepth, ch.pmDepth = amDepth, pmDepth
}

// NoteOn starts all operators (FM) or resets the PG/KS buffer.
func (ch *Channel) NoteOn(keyCode int, phaseStep int32, resetPhase bool) {
	ch.active = true
	ch.basePhaseStep = phaseStep
	ch.lastKeyCode = keyCode
	ch.filterEnv.noteOn()
	switch ch.Type {
	case TypeFM:
		for i, op := range ch.ops[:ch.opCount] {
			op.PG.SetPhaseStep(ch.operatorPhaseStep(i))
			op.NoteOn(keyCode, resetPhase)
		}
	case TypePCM, TypeSampler:
		ch.pg.SetPhaseStep(phaseStep)
		if resetPhase {
			ch.pg.ResetPhase(0)
		}
	case TypeKS:
		ch.seedKS()
	}
}

// operatorPhaseStep combines the base phase step (the note's frequency),
// operator i's MUL ratio, and any live pitch-overlay bend.
func (ch *Channel) operatorPhaseStep(i int) int32 {
	mul := ch.opMultiple[i]
	if mul <= 0 {
		mul = 1
	}
	step := int64(ch.basePhaseStep) * int64(mul)
	if dt2 := ch.opDetune2[i]; dt2 != 0 {
		step = (step * int64(detune2Ratio[dt2])) >> 16
	}
	if dt1 := ch.opDetune1[i]; dt1 != 0 {
		kc := ch.lastKeyCode & (reftable.KeyCodeTableSize - 1)
		step += int64(ch.rt.Detune1Table[dt1][kc])
	}
	step += int64(ch.pitchBend) + int64(ch.lfoPitch)
	if step < 0 {
		step = 0
	}
	return int32(step)
}

// SetAmpAttenuation applies an overlay amplitude cut (0 = none, 255 =
// silent), on top of the configured envelope/total-level gain.
func (ch *Channel) SetAmpAttenuation(atten int32) {
	if atten < 0 {
		atten = 0
	}
	if atten > 255 {
		atten = 255
	}
	ch.ampAtten = atten
}

// SetPitchBend sets the live pitch-overlay phase-step delta, applied on
// top of every operator/PG's note frequency.
func (ch *Channel) SetPitchBend(delta int32) { ch.pitchBend = delta }

// SetFilterCutoffOffset sets the live filter-overlay cutoff delta, added
// to the filter envelope's current cutoff each sample.
func (ch *Channel) SetFilterCutoffOffset(delta int32) { ch.filterOverlay = delta }

// SetToneScale sets the live tone-overlay modulation-index scalar in Q8
// (256 = unity); it scales the phase-modulation input feeding each FM
// operator.
func (ch *Channel) SetToneScale(scale int32) {
	if scale < 0 {
		scale = 0
	}
	ch.toneScale = scale
}

// NoteOff releases the filter envelope and, on FM channels, every
// operator's envelope; other channel types get no further note-off
// handling.
func (ch *Channel) NoteOff() {
	ch.filterEnv.noteOff()
	switch ch.Type {
	case TypeFM:
		for _, op := range ch.ops[:ch.opCount] {
			op.NoteOff()
		}
	}
}

// seedKS fills the ring buffer with log-domain white noise via the
// shared wave bank rather than a second PRNG, so seeding stays
// deterministic across runs.
func (ch *Channel) seedKS() {
	table := ch.wb.GetWaveTable(wavebank.PGNoiseWhite)
	for i := range ch.ksBuffer {
		idx := (i * len(table.Samples)) / len(ch.ksBuffer)
		logIdx := table.Samples[idx%len(table.Samples)]
		ch.ksBuffer[i] = decodeLogStandalone(ch.rt, logIdx, 0)
	}
	ch.ksPos = 0
}

func decodeLogStandalone(rt *reftable.RefTables, logIdx, egLevel int32) int32 {
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

// SetDisposable marks whether this channel may be stolen by
// SoundChip.AllocateChannel for a higher-priority one-shot note.
// Score-bound channels stay non-disposable so a host
// key_on trigger can never steal a track the compiled score is driving.
func (ch *Channel) SetDisposable(d bool) { ch.disposable = d }

// Disposable reports whether SoundChip may reclaim this channel.
func (ch *Channel) Disposable() bool { return ch.disposable }

// SetPriority sets the reclaim priority used to pick which disposable
// channel to steal first (lower priority steals first).
func (ch *Channel) SetPriority(p int32) { ch.priority = p }

// Priority returns the channel's current reclaim priority.
func (ch *Channel) Priority() int32 { return ch.priority }

// ForceOff immediately silences the channel without a release phase,
// for SoundChip to reclaim a disposable slot.
func (ch *Channel) ForceOff() {
	if ch.Type == TypeFM {
		for _, op := range ch.ops[:ch.opCount] {
			op.ForceOff()
		}
	}
	ch.active = false
}

// Idle reports whether the channel has fully decayed and its slot can
// be reclaimed.
func (ch *Channel) Idle() bool {
	if !ch.active {
		return true
	}
	switch ch.Type {
	case TypeFM:
		for _, op := range ch.ops[:ch.opCount] {
			if !op.Idle() {
				return false
			}
		}
		return true
	case TypePCM:
		return ch.pg.Idle()
	default:
		return false
	}
}

// sampleLFO advances the LFO phase and returns (amMod, pmMod) as signed
// 8-bit-scaled modulation values.
func (ch *Channel) sampleLFO() (am int32, pm int32) {
	ch.lfoPhase += ch.lfoStep
	idx := (ch.lfoPhase >> 12) & (reftable.LFOTableSize - 1)
	raw := ch.rt.LFOWaveTables[ch.lfoWave][idx]
	am = (raw * ch.amDepth) >> 7
	if am < 0 {
		am = -am
	}
	pm = (raw * ch.pmDepth) >> 7
	return
}

// Step renders one sample, returning (left, right) linear amplitude in
// 16.16-style range before the SoundChip's final mixdown.
func (ch *Channel) Step() (int32, int32) {
	if !ch.active {
		return 0, 0
	}
	am, pm := ch.sampleLFO()
	// AM lands as a total-level shift on every operator; PM bends each
	// operator's phase step, a signed fraction of the note's pitch.
	ch.lfoPitch = pm << 7

	var out int32
	switch ch.Type {
	case TypeFM:
		amLevel := am << reftable.EnvLShift
		for i := range ch.ops[:ch.opCount] {
			ch.ops[i].PG.SetPhaseStep(ch.operatorPhaseStep(i))
			ch.ops[i].SetAMOffset(amLevel)
		}
		out = ch.stepFM()
	case TypePCM, TypeSampler:
		step := ch.basePhaseStep + ch.pitchBend + ch.lfoPitch
		if step < 0 {
			step = 0
		}
		ch.pg.SetPhaseStep(step)
		out = ch.stepPCM()
	case TypeKS:
		out = ch.stepKS()
	}

	cutoff := ch.filterEnv.step(ch.rt) + ch.filterOverlay
	if ch.filterMode != FilterOff {
		fbCoeff := ch.rt.FilterFeedbackTable[clampIdx(cutoff>>9, 0, 128)]
		cutCoeff := ch.rt.FilterCutoffTable[clampIdx(cutoff>>9, 0, 128)]
		out = ch.filter.step(out, cutCoeff, fbCoeff, ch.filterMode)
	}

	if ch.ampAtten > 0 {
		out = int32((int64(out) * int64(255-ch.ampAtten)) / 255)
	}

	l, r := ch.applyPan(out)
	if ch.active && ch.Idle() {
		ch.active = false
	}
	return l, r
}

func (ch *Channel) stepFM() int32 {
	var outputs [4]int32
	for i := 0; i < ch.opCount; i++ {
		var mod int32
		for _, m := range ch.algo.Modulators[i] {
			mod += outputs[m] >> opgraph.ModulationShift
		}
		if ch.toneScale != 256 {
			mod = int32((int64(mod) * int64(ch.toneScale)) >> 8)
		}
		outputs[i] = ch.ops[i].Step(mod)
	}
	var sum int32
	for _, c := range ch.algo.Carriers {
		sum += outputs[c]
	}
	if n := len(ch.algo.Carriers); n > 1 {
		sum /= int32(n)
	}
	return sum
}

func (ch *Channel) stepPCM() int32 {
	v := ch.pg.Next()
	if ch.Type == TypePCM {
		return v // already linear PCM samples, no log decode
	}
	return decodeLogStandalone(ch.rt, v, 0)
}

func (ch *Channel) stepKS() int32 {
	n := len(ch.ksBuffer)
	if n == 0 {
		return 0
	}
	next := (ch.ksPos + 1) % n
	avg := (ch.ksBuffer[ch.ksPos] + ch.ksBuffer[next]) >> 1
	damped := avg - ((avg * ch.ksDamp) >> reftable.FixedBits)
	ch.ksBuffer[ch.ksPos] = damped
	out := ch.ksBuffer[ch.ksPos]
	ch.ksPos = next
	return out
}

func (ch *Channel) applyPan(sample int32) (int32, int32) {
	l := ch.rt.PanTable[128-ch.pan]
	r := ch.rt.PanTable[ch.pan]
	return int32((int64(sample) * int64(l)) >> reftable.FixedBits), int32((int64(sample) * int64(r)) >> reftable.FixedBits)
}

func clampIdx(v int32, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
