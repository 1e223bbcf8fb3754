// Package track implements the Track component: the
// per-channel MML program counter, quantize/slur scheduling,
// the five envelope overlay kinds (amp/pitch/note/filter/tone, each with
// a note-on and note-off variant), and the per-voice FM configuration
// (algorithm/feedback/per-operator ADSR, total level, MUL ratio, wave
// table) driven by MML @-commands and #OPM@ program definitions.
// Portamento (po) and key-on delay values are recorded on the track but
// change neither note pitch nor key-on timing.
package track

import (
	"strconv"
	"strings"

	"github.com/cbegin/mmlfm-go/internal/channel"
	"github.com/cbegin/mmlfm-go/internal/mml"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

// OverlayKind identifies one of the five envelope overlay channels.
type OverlayKind int

const (
	OverlayAmp OverlayKind = iota
	OverlayPitch
	OverlayNote
	OverlayFilter
	OverlayTone
	overlayCount
)

// overlay is a simple step-ramp table: Values[i] is applied for
// Ticks[i] ticks, then the cursor advances (and loops at LoopIndex if
// set); one shape shared by all five overlay kinds.
type overlay struct {
	values    []int32
	ticks     []int
	loopIndex int
	pos       int
	remaining int
	active    bool
}

func (o *overlay) start() {
	if len(o.values) == 0 {
		o.active = false
		return
	}
	o.pos = 0
	o.remaining = o.ticks[0]
	o.active = true
}

func (o *overlay) value() int32 {
	if !o.active || len(o.values) == 0 {
		return 0
	}
	return o.values[o.pos]
}

func (o *overlay) tick() {
	if !o.active {
		return
	}
	o.remaining--
	if o.remaining <= 0 {
		o.pos++
		if o.pos >= len(o.values) {
			if o.loopIndex >= 0 && o.loopIndex < len(o.values) {
				o.pos = o.loopIndex
			} else {
				o.active = false
				return
			}
		}
		o.remaining = o.ticks[o.pos]
	}
}

// overlayPair holds the note-on and note-off variants of one overlay
// kind.
type overlayPair struct {
	onStart, offStart overlay
}

// silenceGate is a 22-sample running mean-square threshold used to
// detect a fully-decayed leading-silence window.
type silenceGate struct {
	window [22]int32
	idx    int
	sum    int64
}

const silenceThreshold = 4

func (g *silenceGate) push(sample int32) bool {
	old := g.window[g.idx]
	g.sum += int64(sample)*int64(sample) - int64(old)*int64(old)
	g.window[g.idx] = sample
	g.idx = (g.idx + 1) % len(g.window)
	meanSquare := g.sum / int64(len(g.window))
	return meanSquare < silenceThreshold
}

// operatorVoice is one FM operator's configured patch state: ADSR rates,
// sustain level, total level, key-scale rate, SSG-EG mode, frequency
// ratio (MUL), and wave table selection.
type operatorVoice struct {
	attackRate, decayRate, sustainRate, releaseRate int
	sustainLevel                                    int
	totalLevel                                      int32
	keyScaleRate                                    int
	ssgMode                                         int
	multiple                                        int32
	detune1, detune2                                int
	waveIndex                                       int
}

// voiceConfig is one track's FM patch: operator count, algorithm,
// feedback, and the per-operator voice state applyControl mutates from
// @al/@fb/@ar/@dr/@sr/@rr/@sl/@tl/@ks/@ml/@op events.
type voiceConfig struct {
	opCount       int
	algorithm     int
	feedbackShift int32
	altFeedback   bool
	ops           [4]operatorVoice
}

// defaultVoice: 1 operator, sine wave, AR=63, DR=0, SL=0, RR=28,
// TL=0 -- the voice every track starts with before a program change or
// @-command narrows it.
func defaultVoice() voiceConfig {
	v := voiceConfig{opCount: 1, algorithm: 0}
	base := operatorVoice{
		attackRate: 63, decayRate: 0, sustainRate: 0, releaseRate: 28,
		sustainLevel: 0, totalLevel: 0, keyScaleRate: 0, ssgMode: -1,
		multiple: 1, waveIndex: wavebank.PGSine,
	}
	for i := range v.ops {
		v.ops[i] = base
	}
	return v
}

// moduleWaveTable maps an MML MOD_TYPE module index onto a built-in
// wave bank table, so @module actually changes the operators' timbre
// instead of being recorded and ignored.
var moduleWaveTable = []int{
	wavebank.PGSine,
	wavebank.PGSawUp,
	wavebank.PGTriangle,
	wavebank.PGSquare,
	wavebank.PGPulse,
}

// Track drives one channel from a compiled MML event stream.
type Track struct {
	rt *reftable.RefTables
	ch *channel.Channel
	wb *wavebank.WaveBank

	events    []mml.Event
	pos       int
	endTick   int
	loopTick  int
	loopIndex int

	tick int

	volume          int
	fineVolume      int
	expression      int
	pan             int
	program         int
	module          int
	detune          int
	transpose       int
	masterTranspose int

	voice  voiceConfig
	voices *VoiceBank

	onTempo   func(bpm float64)
	onTrigger func(TriggerEvent)

	quantizeRatio int // eighths, 8 = full gate
	quantizeCount int // absolute ticks, overrides ratio when > 0

	lfoWave int
	lfoRate int   // LFO timer-step index, 0..255
	amDepth int32 // 0..127, from ma
	pmDepth int32 // 0..127, from mp

	filterMode  channel.FilterMode
	filterCut   int // 0..128, 128 = fully open
	filterRes   int
	filterRates [4]int
	filterCuts  [4]int

	slur            mml.SlurMode
	portamentoTicks int

	keyOnDelay int

	noteActive      bool
	noteOffAtTick   int
	hasScheduledOff bool
	lastNote        int
	lastKeyCode     int

	overlays [overlayCount]overlayPair

	gate silenceGate

	priority   int32
	disposable bool

	finished bool
}

// New creates a track bound to a channel, playing the given compiled
// events with the given end tick and loop point (a negative loopTick or
// loopIndex means no loop). The channel is immediately configured to the
// track's default voice.
func New(rt *reftable.RefTables, ch *channel.Channel, wb *wavebank.WaveBank, events []mml.Event, endTick, loopTick, loopIndex int) *Track {
	t := &Track{
		rt: rt, ch: ch, wb: wb,
		events: events, endTick: endTick, loopTick: loopTick, loopIndex: loopIndex,
		volume: 16, fineVolume: 127, pan: 64, quantizeRatio: 8,
		voice:      defaultVoice(),
		lfoWave:    reftable.LFOWaveTriangle,
		lfoRate:    64,
		filterMode: channel.FilterLowPass,
		filterCut:  128,
	}
	t.applyVoice()
	return t
}

// TriggerEvent carries %t/%e event-trigger data to the host callback
// slot. NoteOnType/NoteOffType classify
// the callback as FRAME or STREAM delivery.
type TriggerEvent struct {
	TriggerID   int
	NoteOnType  int
	NoteOffType int
}

// SetVoiceBank attaches the score's #OPM@ voice definitions; an
// EventProgram (@n) then stamps the matching voice onto the channel.
func (t *Track) SetVoiceBank(vb *VoiceBank) { t.voices = vb }

// SetTempoHandler installs the callback an EventTempo fires; the global
// clock is owned by the sequencer, not the track.
func (t *Track) SetTempoHandler(fn func(bpm float64)) { t.onTempo = fn }

// SetTriggerHandler installs the host callback for %t/%e event triggers.
func (t *Track) SetTriggerHandler(fn func(TriggerEvent)) { t.onTrigger = fn }

// SetMasterTranspose sets the engine-wide semitone shift added to every
// note on top of the track's own transpose state.
func (t *Track) SetMasterTranspose(semitones int) { t.masterTranspose = semitones }

// Finished reports whether the track has no more events and its
// channel has gone idle.
func (t *Track) Finished() bool {
	return t.finished && t.ch.Idle()
}

// Reset rewinds the track to its first event, for whole-score looping
// once every track has finished.
func (t *Track) Reset() {
	t.pos = 0
	t.tick = 0
	t.finished = false
	t.noteActive = false
	t.hasScheduledOff = false
	t.gate = silenceGate{}
}

// SetDisposable marks whether a host one-shot trigger may reclaim this
// track's channel slot.
// Score-bound tracks stay non-disposable; propagates to the bound
// channel, which is what SoundChip.AllocateChannel actually consults.
func (t *Track) SetDisposable(d bool) {
	t.disposable = d
	t.ch.SetDisposable(d)
}

// Disposable reports whether this track's channel may be stolen.
func (t *Track) Disposable() bool { return t.disposable }

// SetPriority sets the reclaim priority used when an overflow trigger
// must pick which disposable track to steal.
func (t *Track) SetPriority(p int32) {
	t.priority = p
	t.ch.SetPriority(p)
}

// Priority returns the track's current reclaim priority.
func (t *Track) Priority() int32 { return t.priority }

// AdvanceTick processes every event scheduled at or before the given
// absolute tick and fires automatic note-offs from quantize scheduling.
func (t *Track) AdvanceTick(currentTick int) {
	t.tick = currentTick
	for i := range t.overlays {
		t.overlays[i].onStart.tick()
		t.overlays[i].offStart.tick()
	}
	if t.hasScheduledOff && currentTick >= t.noteOffAtTick {
		t.ch.NoteOff()
		t.noteActive = false
		t.hasScheduledOff = false
		for i := range t.overlays {
			t.overlays[i].offStart.start()
		}
	}
	for t.pos < len(t.events) && t.events[t.pos].Tick <= currentTick {
		t.applyEvent(t.events[t.pos])
		t.pos++
	}
	if t.pos >= len(t.events) {
		if t.loopTick >= 0 && t.loopIndex >= 0 && t.loopIndex < len(t.events) {
			t.pos = t.loopIndex
		} else {
			t.finished = true
		}
	}
}

func (t *Track) applyEvent(ev mml.Event) {
	switch ev.Type {
	case mml.EventNote:
		t.playNote(ev)
	case mml.EventRest:
		// no channel action; silence gate will naturally detect it
	case mml.EventVolume:
		t.volume = ev.Value
	case mml.EventFineVolume:
		t.fineVolume = ev.Value
	case mml.EventExpression:
		t.expression = ev.Value
	case mml.EventPan:
		t.pan = ev.Value
		t.ch.SetPan(int32(t.pan))
	case mml.EventTempo:
		if t.onTempo != nil && ev.Value > 0 {
			t.onTempo(float64(ev.Value))
		}
	case mml.EventProgram:
		t.program = ev.Value
		if v, ok := t.voices.Voice(ev.Value); ok {
			t.voice = v
			t.applyVoice()
		}
	case mml.EventModule:
		t.module = ev.Module
		t.applyModuleWave()
	case mml.EventDetune:
		t.detune = ev.Value
	case mml.EventTranspose:
		t.transpose = ev.Value
	case mml.EventQuantize:
		// The compiler already folds the q gate into each note's
		// Duration; re-applying it here would gate twice. Host-driven
		// streams set their gate through SetQuantize instead.
	case mml.EventKeyOnDelay:
		t.keyOnDelay = ev.Delay
	case mml.EventSlur:
		t.slur = ev.Slur
	case mml.EventTableEnv:
		t.applyTableEnv(ev)
	case mml.EventControl:
		t.applyControl(ev)
	}
}

func (t *Track) playNote(ev mml.Event) {
	note := ev.Note + t.transpose + t.masterTranspose
	keyCode := t.rt.NoteNumberToKeyCode[note&(reftable.NoteTableSize-1)]

	resetPhase := t.slur == mml.SlurNone && ev.Slur == mml.SlurNone
	t.ch.NoteOn(keyCode, t.phaseStepFor(note), resetPhase)
	t.slur = mml.SlurNone
	t.noteActive = true
	t.lastNote = note
	t.lastKeyCode = keyCode

	for i := range t.overlays {
		t.overlays[i].onStart.start()
	}

	// Duration is the compiler-computed gate; key-off fires when it
	// elapses so the release phase (and eventually Finished) can run.
	// Suppressed when the next note slurs into this one, keeping the
	// envelope alive across the boundary.
	gate := t.gateLength(ev.Duration)
	if gate > 0 && !t.nextEventSlurs() {
		t.noteOffAtTick = ev.Tick + gate
		t.hasScheduledOff = true
	} else {
		t.hasScheduledOff = false
	}
}

// nextEventSlurs reports whether the event after the current one is a
// slurred note, in which case the current note must not key off.
func (t *Track) nextEventSlurs() bool {
	if t.pos+1 < len(t.events) {
		nxt := t.events[t.pos+1]
		return nxt.Type == mml.EventNote && nxt.Slur != mml.SlurNone
	}
	return false
}

// SetQuantize sets the gate for host-driven event streams whose note
// durations are not pre-gated by the compiler: ratio is in eighths
// (8 = full gate), count an absolute tick cap overriding the ratio.
func (t *Track) SetQuantize(ratio, count int) {
	if ratio > 0 {
		t.quantizeRatio = clamp(ratio, 1, 8)
	}
	t.quantizeCount = count
}

func (t *Track) gateLength(duration int) int {
	if t.quantizeCount > 0 {
		if t.quantizeCount < duration {
			return t.quantizeCount
		}
		return duration
	}
	return duration * t.quantizeRatio / 8
}

// phaseStepFor computes the operator phase-step for a note using the
// OPM pitch table, applying track-level detune.
func (t *Track) phaseStepFor(note int) int32 {
	idx := note & (reftable.PitchTableSize - 1)
	step := t.rt.PitchTable[reftable.PTOPM][idx]
	if t.detune != 0 {
		bucket := clamp(t.detune+4, 0, 7)
		step += t.rt.Detune1Table[bucket][t.lastKeyCode]
	}
	return step
}

func (t *Track) applyTableEnv(ev mml.Event) {
	kind := OverlayKind(ev.Channel % int(overlayCount))
	isOff := ev.Value != 0
	values := make([]int32, len(ev.Values))
	ticks := make([]int, len(ev.Values))
	for i, v := range ev.Values {
		values[i] = int32(v)
		ticks[i] = 1
	}
	ov := &t.overlays[kind]
	if isOff {
		ov.offStart = overlay{values: values, ticks: ticks, loopIndex: -1}
	} else {
		ov.onStart = overlay{values: values, ticks: ticks, loopIndex: -1}
	}
}

// applyControl dispatches the MML "@"-command stream: @al/@fb/@op
// reconfigure the whole voice (algorithm, feedback shift, operator
// count); @ar/@dr/@sr/@rr/@sl/@tl/@ks/@ml reconfigure operator
// ev.Value (the per-operator parser convention: Value is the operator
// index, Text the raw ",<param>" tail).
func (t *Track) applyControl(ev mml.Event) {
	switch ev.Command {
	case "@al":
		t.voice.algorithm = ev.Value
		t.applyVoice()
	case "@fb":
		t.voice.feedbackShift = int32(ev.Value)
		t.applyVoice()
	case "@op":
		n := clamp(ev.Value, 1, 4)
		t.voice.opCount = n
		t.applyVoice()
	case "@ar", "@dr", "@sr", "@rr", "@sl", "@tl", "@ks", "@ml":
		n, ok := parseTrailingInt(ev.Text)
		if !ok {
			return
		}
		op := clamp(ev.Value, 0, 3)
		switch ev.Command {
		case "@ar":
			t.voice.ops[op].attackRate = clamp(n, 0, 63)
		case "@dr":
			t.voice.ops[op].decayRate = clamp(n, 0, 63)
		case "@sr":
			t.voice.ops[op].sustainRate = clamp(n, 0, 63)
		case "@rr":
			t.voice.ops[op].releaseRate = clamp(n, 0, 63)
		case "@sl":
			t.voice.ops[op].sustainLevel = clamp(n, 0, 15)
		case "@tl":
			// MML total level is 0..127; convert into the EnvBits-domain
			// attenuation delta opgraph.Operator.Step adds to the
			// envelope level each sample.
			t.voice.ops[op].totalLevel = int32(clamp(n, 0, 127)) << uint(reftable.EnvLShift)
		case "@ks":
			t.voice.ops[op].keyScaleRate = clamp(n, 0, 3)
		case "@ml":
			mul := int32(clamp(n, 0, 15))
			if mul == 0 {
				mul = 1
			}
			t.voice.ops[op].multiple = mul
		}
		t.applyVoice()
	case "po":
		t.portamentoTicks = ev.Value
	case "@lfo":
		// @lfo<wave>[,<rate>]: wave selects the shared AM/PM shape,
		// rate indexes the LFO timer-step table.
		t.lfoWave = clamp(ev.Value, 0, reftable.LFOWaveMax-1)
		if args := parseCSVInts(ev.Text); len(args) >= 1 {
			t.lfoRate = clamp(args[0], 0, 255)
		}
		t.applyLFO()
	case "ma":
		t.amDepth = int32(clamp(absInt(ev.Value), 0, 127))
		t.applyLFO()
	case "mp":
		t.pmDepth = int32(clamp(absInt(ev.Value), 0, 127))
		t.applyLFO()
	case "@f":
		// @f<cut>[,res[,ar,dr,sr,rr[,c1,c2,c3]]]: cutoff/resonance in
		// 0..128, envelope rates 0..63, sweep targets per phase.
		t.filterCut = clamp(ev.Value, 0, 128)
		args := parseCSVInts(ev.Text)
		t.filterRes = 0
		if len(args) >= 1 {
			t.filterRes = clamp(args[0], 0, 128)
		}
		t.filterRates = [4]int{}
		if len(args) >= 5 {
			for i := 0; i < 4; i++ {
				t.filterRates[i] = clamp(args[1+i], 0, 63)
			}
		}
		t.filterCuts = [4]int{t.filterCut, t.filterCut, t.filterCut, t.filterCut}
		if len(args) >= 8 {
			for i := 0; i < 3; i++ {
				t.filterCuts[1+i] = clamp(args[5+i], 0, 128)
			}
		}
		t.applyFilter()
	case "%f":
		switch ev.Value {
		case 1:
			t.filterMode = channel.FilterHighPass
		case 2:
			t.filterMode = channel.FilterBandPass
		default:
			t.filterMode = channel.FilterLowPass
		}
		t.applyFilter()
	case "%t", "%e":
		if t.onTrigger == nil {
			return
		}
		te := TriggerEvent{TriggerID: ev.Value}
		if len(ev.Values) >= 2 {
			te.NoteOnType = ev.Values[1]
		}
		if ev.Command == "%t" && len(ev.Values) >= 3 {
			te.NoteOffType = ev.Values[2]
		}
		t.onTrigger(te)
	case "@es":
		// Effect-send gain: @es<bus>,<gain 0..128>. Bus 1..4 routes to
		// the matching effect stream; send 0 (the master) is not
		// addressable from MML.
		if n, ok := parseTrailingInt(ev.Text); ok && ev.Value >= 1 && ev.Value < channel.StreamSendSize {
			gain := int32(clamp(n, 0, 128)) << uint(reftable.FixedBits - 7)
			t.ch.SetSend(ev.Value, gain)
		}
	}
}

// applyLFO pushes the track's LFO state onto the bound channel: one
// shared wave/rate, fanned out to the AM and PM depths.
func (t *Track) applyLFO() {
	t.ch.SetLFO(t.lfoWave, t.lfoRate, t.amDepth, t.pmDepth)
}

// applyFilter pushes the track's filter state onto the bound channel.
// The filter engages only when the cutoff is below fully open or the
// resonance is raised; otherwise the SVF is bypassed entirely.
func (t *Track) applyFilter() {
	if t.filterCut >= 128 && t.filterRes == 0 {
		t.ch.SetFilter(channel.FilterOff, 0, 0, 0, 0, 0, 0, 0, 0)
		return
	}
	// Cutoffs are stored as 0..128 MML values; the channel's sweep
	// envelope runs 9 bits finer so per-sample steps stay smooth.
	c := func(i int) int32 { return int32(t.filterCuts[i]) << 9 }
	t.ch.SetFilter(t.filterMode, c(0), c(1), c(2), c(3),
		t.filterRates[0], t.filterRates[1], t.filterRates[2], t.filterRates[3])
}

// parseCSVInts parses the raw ",a,b,c" tail the generic command parser
// preserves, skipping fields that are empty or non-numeric.
func parseCSVInts(text string) []int {
	var out []int
	for _, f := range strings.Split(strings.TrimSpace(text), ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// parseTrailingInt parses the raw ",<value>" tail the generic "@"+cmd
// parser preserves for per-operator commands, stripping the leading
// comma/sign punctuation the parser keeps verbatim.
func parseTrailingInt(text string) (int, bool) {
	text = strings.TrimLeft(strings.TrimSpace(text), ",")
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, true
}

// applyVoice pushes the track's current voiceConfig onto the bound
// channel: algorithm/feedback, then each operator's ADSR/total-level/
// key-scale/SSG-EG, MUL ratio, and wave table.
func (t *Track) applyVoice() {
	t.ch.SetFMAlgorithm(t.voice.opCount, t.voice.algorithm, t.voice.feedbackShift, t.voice.altFeedback)
	for i := 0; i < t.voice.opCount; i++ {
		ov := t.voice.ops[i]
		op := t.ch.Operator(i)
		op.EG.Configure(ov.attackRate, ov.decayRate, ov.sustainRate, ov.releaseRate, ov.sustainLevel, ov.totalLevel, ov.keyScaleRate, ov.ssgMode)
		op.PG.SetTable(t.wb.GetWaveTable(ov.waveIndex), false)
		t.ch.SetOperatorMultiple(i, ov.multiple)
		t.ch.SetOperatorDetune(i, ov.detune1, ov.detune2)
	}
}

// applyModuleWave retargets every configured operator's wave table to
// the MOD_TYPE-selected table without touching ADSR/algorithm state.
func (t *Track) applyModuleWave() {
	idx := t.module
	if idx < 0 || idx >= len(moduleWaveTable) {
		idx = 0
	}
	waveIdx := moduleWaveTable[idx]
	table := t.wb.GetWaveTable(waveIdx)
	for i := 0; i < t.voice.opCount; i++ {
		t.voice.ops[i].waveIndex = waveIdx
		t.ch.Operator(i).PG.SetTable(table, false)
	}
}

// Sample is called once per output sample; it reads the currently
// active overlay deltas (the note-on variant while the note is held,
// the note-off variant during its release tail) and applies them to the
// bound channel: amp attenuates output, pitch/note bend phase step,
// filter offsets the SVF cutoff, tone scales the FM modulation index.
func (t *Track) Sample() {
	var amp, pitch, note, filter, tone int32
	if t.noteActive {
		amp = t.overlays[OverlayAmp].onStart.value()
		pitch = t.overlays[OverlayPitch].onStart.value()
		note = t.overlays[OverlayNote].onStart.value()
		filter = t.overlays[OverlayFilter].onStart.value()
		tone = t.overlays[OverlayTone].onStart.value()
	} else {
		amp = t.overlays[OverlayAmp].offStart.value()
		pitch = t.overlays[OverlayPitch].offStart.value()
		note = t.overlays[OverlayNote].offStart.value()
		filter = t.overlays[OverlayFilter].offStart.value()
		tone = t.overlays[OverlayTone].offStart.value()
	}
	t.ch.SetAmpAttenuation(amp)
	t.ch.SetPitchBend(pitch + note*64)
	t.ch.SetFilterCutoffOffset(filter)
	t.ch.SetToneScale(256 + tone)
}

// SilenceGatePush feeds one rendered sample through the 22-sample
// running mean-square gate and reports whether the window is below the
// silence threshold.
func (t *Track) SilenceGatePush(sample int32) bool {
	return t.gate.push(sample)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
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
