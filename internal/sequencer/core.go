package sequencer

import (
	"github.com/cbegin/mmlfm-go/internal/mml"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/soundchip"
	"github.com/cbegin/mmlfm-go/internal/track"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

// CoreSequencer drives the fixed-point SoundChip/Channel/Track stack
// from a compiled mml.Score: global tempo, buffer-boundary tick
// accumulation, and one Track per score track. This is the engine's
// only playback path; Player and the offline renderer both sit on it.
type CoreSequencer struct {
	rt *reftable.RefTables
	sc *soundchip.SoundChip
	wb *wavebank.WaveBank

	tracks []*track.Track

	sampleRate int
	bpm        float64
	resolution int

	ticksPerSample float64
	tickAccum      float64
	absoluteTick   int

	masterGain float32

	loopWholeScore bool

	onLoop    func()
	onTrigger func(track.TriggerEvent)
}

// SetOnLoopCompleted installs the callback fired each time a whole-score
// loop wraps (delivered from Process, at a sample boundary).
func (cs *CoreSequencer) SetOnLoopCompleted(fn func()) { cs.onLoop = fn }

// SetOnTrigger installs the host callback for %t/%e event triggers on
// any track.
func (cs *CoreSequencer) SetOnTrigger(fn func(track.TriggerEvent)) {
	cs.onTrigger = fn
	for _, tr := range cs.tracks {
		tr.SetTriggerHandler(fn)
	}
}

// SetMasterGain scales the final mixed output; floats appear only at
// this mix-to-output stage, never inside the per-sample loop.
func (cs *CoreSequencer) SetMasterGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	cs.masterGain = float32(gain)
}

// SetMasterTranspose shifts every track's notes by the given number of
// semitones (the Player's octave control passes multiples of 12).
func (cs *CoreSequencer) SetMasterTranspose(semitones int) {
	for _, tr := range cs.tracks {
		tr.SetMasterTranspose(semitones)
	}
}

// SendBuffer exposes effect-send stream i (1..4) rendered by the last
// Process call, for the host's send-bus effect rack.
func (cs *CoreSequencer) SendBuffer(i int) []float32 {
	return cs.sc.GetStreamSlot(i)
}

// NewCoreSequencer builds one Track per score track, each bound to the
// SoundChip channel slot of the same index. Each track starts out
// playing the default voice (1 operator, sine, AR=63, DR=0, SL=0,
// RR=28, TL=0); #OPM@ program changes and per-operator @al/@fb/@ar/@dr/
// @sr/@rr/@sl/@tl/@ks/@ml control events mutate it from there.
func NewCoreSequencer(rt *reftable.RefTables, sc *soundchip.SoundChip, wb *wavebank.WaveBank, score *mml.Score, loopWholeScore bool) *CoreSequencer {
	cs := &CoreSequencer{
		rt: rt, sc: sc, wb: wb,
		sampleRate:     rt.SamplingRate,
		bpm:            score.InitialBPM,
		resolution:     score.Resolution,
		loopWholeScore: loopWholeScore,
	}
	if cs.bpm <= 0 {
		cs.bpm = 120
	}
	if cs.resolution <= 0 {
		cs.resolution = 1920
	}
	cs.recalcTickRate()
	cs.masterGain = 1

	wb.RegisterFromDefs(score.Definitions)
	voices := track.ParseVoiceBank(score.Definitions)

	n := sc.ChannelCount()
	for i, str := range score.Tracks {
		ch := sc.Channel(i % n)
		tr := track.New(rt, ch, wb, str.Events, str.EndTick, str.LoopTick, str.LoopIndex)
		tr.SetVoiceBank(voices)
		tr.SetTempoHandler(cs.SetTempo)
		cs.tracks = append(cs.tracks, tr)
	}
	return cs
}

func (cs *CoreSequencer) recalcTickRate() {
	cs.ticksPerSample = (cs.bpm / 60) * float64(cs.resolution) / float64(cs.sampleRate)
}

// SetTempo updates the driving BPM (an EventTempo event changes the
// score-global rate, so CoreSequencer owns it rather than Track).
func (cs *CoreSequencer) SetTempo(bpm float64) {
	if bpm > 0 {
		cs.bpm = bpm
		cs.recalcTickRate()
	}
}

// Finished reports whether every track has exhausted its events and
// gone idle.
func (cs *CoreSequencer) Finished() bool {
	for _, tr := range cs.tracks {
		if !tr.Finished() {
			return false
		}
	}
	return true
}

// Process renders len(dst)/2 interleaved stereo frames into dst,
// advancing tick-accurate track dispatch at each sample boundary, the
// only suspension point in the single-threaded cooperative model.
// When loopWholeScore is set and every track has
// finished, all tracks rewind and the absolute clock resets so
// playback continues seamlessly into the next buffer.
func (cs *CoreSequencer) Process(dst []float32) {
	n := len(dst) / 2
	cs.sc.BeginProcess(n)
	for i := 0; i < n; i++ {
		if cs.loopWholeScore && cs.Finished() {
			cs.restart()
			if cs.onLoop != nil {
				cs.onLoop()
			}
		}
		cs.tickAccum += cs.ticksPerSample
		for cs.tickAccum >= 1 {
			cs.tickAccum -= 1
			cs.absoluteTick++
			for _, tr := range cs.tracks {
				tr.AdvanceTick(cs.absoluteTick)
			}
		}
		for _, tr := range cs.tracks {
			tr.Sample()
		}
		cs.sc.RenderFrame(i)
	}
	master, _ := cs.sc.EndProcess()
	if cs.masterGain == 1 {
		copy(dst, master[:n*2])
	} else {
		for i, s := range master[:n*2] {
			dst[i] = s * cs.masterGain
		}
	}
}

// TriggerOneShot is the host key_on/sequence_on entry point for an
// overflow disposable note: it asks
// SoundChip for a channel slot, stealing the lowest-priority disposable
// channel if the pool is full, binds a fresh Track to it carrying the
// given priority, and starts the track playing immediately. Returns
// soundchip.ErrResourceExhausted if every slot is full of higher- or
// equal-priority persistent/disposable channels.
func (cs *CoreSequencer) TriggerOneShot(priority int32, events []mml.Event, endTick int) (*track.Track, error) {
	_, ch, err := cs.sc.AllocateChannel(priority, true)
	if err != nil {
		return nil, err
	}
	tr := track.New(cs.rt, ch, cs.wb, events, endTick, -1, -1)
	tr.SetDisposable(true)
	tr.SetPriority(priority)
	tr.SetTempoHandler(cs.SetTempo)
	tr.SetTriggerHandler(cs.onTrigger)
	cs.tracks = append(cs.tracks, tr)
	return tr, nil
}

func (cs *CoreSequencer) restart() {
	cs.absoluteTick = 0
	cs.tickAccum = 0
	for _, tr := range cs.tracks {
		tr.Reset()
	}
}
