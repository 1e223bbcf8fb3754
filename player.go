package mmlfm

import (
	"errors"
	"sync"
	"sync/atomic"

	intaudio "github.com/cbegin/mmlfm-go/internal/audio"
	intfx "github.com/cbegin/mmlfm-go/internal/effects"
	intmml "github.com/cbegin/mmlfm-go/internal/mml"
	intseq "github.com/cbegin/mmlfm-go/internal/sequencer"
	inttrack "github.com/cbegin/mmlfm-go/internal/track"
)

// PlaybackEvent carries playback and trigger events from Watch().
type PlaybackEvent struct {
	Kind        int // EventLoopCompleted, EventPlaybackEnded, or EventTrigger
	TriggerID   int
	NoteOnType  int
	NoteOffType int
}

const (
	EventLoopCompleted int = iota
	EventPlaybackEnded
	EventTrigger
)

type PlayerOption func(*playerConfig)

type playerConfig struct {
	loopPlayback bool
	sampleTap    func([]float32)
}

func defaultPlayerConfig() playerConfig {
	return playerConfig{loopPlayback: true}
}

func WithLoopPlayback(enabled bool) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.loopPlayback = enabled
	}
}

// WithSampleTap installs a callback invoked with each generated stereo buffer.
// The callback runs on the audio thread; keep work brief and non-blocking.
func WithSampleTap(tap func([]float32)) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.sampleTap = tap
	}
}

// Player compiles MML and streams it through the fixed-point synthesis
// engine (RefTables/WaveBank/SoundChip/Track/CoreSequencer) to the
// audio device.
type Player struct {
	mu           sync.Mutex
	parser       *intmml.Parser
	sampleRate   int
	seq          *intseq.CoreSequencer
	audio        *intaudio.Player
	volume       float64
	transpose    int
	loopPlayback bool
	sampleTap    func([]float32)
	masterEQ     *intfx.EQ5Band
	done         chan struct{}
	eventCh      chan PlaybackEvent
	eventChMu    sync.Mutex
}

// streamHead adapts a CoreSequencer into the audio backend's sample
// source: it renders the dry mix, folds the effect-send buses back in
// through the rack, applies the master EQ, and reports end-of-score.
type streamHead struct {
	seq       *intseq.CoreSequencer
	finished  atomic.Bool
	onEnded   func()
	rack      *intfx.Rack
	masterEQ  *intfx.EQ5Band
	sampleTap func([]float32)
	looping   bool
}

func (h *streamHead) Process(dst []float32) {
	h.seq.Process(dst)
	if !h.rack.Empty() {
		h.rack.Mix(dst, func(bus int) []float32 {
			return h.seq.SendBuffer(bus + 1)
		})
	}
	if h.masterEQ != nil {
		h.masterEQ.ProcessBuffer(dst)
	}
	if h.sampleTap != nil {
		h.sampleTap(dst)
	}
	if !h.looping && h.seq.Finished() && !h.finished.Swap(true) {
		h.onEnded()
	}
}

func (h *streamHead) Finished() bool {
	return h.finished.Load()
}

func NewPlayer(sampleRate int, opts ...PlayerOption) (*Player, error) {
	if sampleRate <= 0 {
		return nil, errors.New("sampleRate must be positive")
	}
	cfg := defaultPlayerConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Player{
		parser:       intmml.NewParser(intmml.DefaultParserConfig()),
		sampleRate:   sampleRate,
		volume:       1,
		loopPlayback: cfg.loopPlayback,
		sampleTap:    cfg.sampleTap,
		masterEQ:     intfx.NewEQ5Band(sampleRate),
	}, nil
}

func Compile(mmlText string) (*intmml.Score, error) {
	return intmml.NewParser(intmml.DefaultParserConfig()).Parse(mmlText)
}

func (p *Player) PlayMML(mmlText string) error {
	score, err := p.parser.Parse(mmlText)
	if err != nil {
		return err
	}
	return p.Play(score)
}

func (p *Player) Play(score *intmml.Score) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Signal any existing Wait() that the previous playback was replaced
	if p.done != nil {
		close(p.done)
	}
	p.done = make(chan struct{})

	slots := len(score.Tracks)
	if slots < 1 {
		slots = 1
	}
	seq, err := NewCoreSequencer(score, p.sampleRate, slots, p.loopPlayback)
	if err != nil {
		return err
	}
	seq.SetMasterGain(p.volume)
	seq.SetMasterTranspose(p.transpose * 12)
	seq.SetOnLoopCompleted(func() {
		p.sendEvent(PlaybackEvent{Kind: EventLoopCompleted})
	})
	seq.SetOnTrigger(func(te inttrack.TriggerEvent) {
		p.sendEvent(PlaybackEvent{
			Kind:        EventTrigger,
			TriggerID:   te.TriggerID,
			NoteOnType:  te.NoteOnType,
			NoteOffType: te.NoteOffType,
		})
	})
	p.seq = seq

	head := &streamHead{
		seq:       seq,
		rack:      intfx.RackFromDefs(score.Definitions, p.sampleRate),
		masterEQ:  p.masterEQ,
		sampleTap: p.sampleTap,
		looping:   p.loopPlayback,
	}
	head.onEnded = func() {
		p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
		p.signalDone()
	}

	backend, err := intaudio.NewPlayer(p.sampleRate, head)
	if err != nil {
		return err
	}
	if p.audio != nil {
		_ = p.audio.Stop()
	}
	p.audio = backend
	p.audio.Play()
	return nil
}

func (p *Player) sendEvent(ev PlaybackEvent) {
	p.eventChMu.Lock()
	ch := p.eventCh
	p.eventChMu.Unlock()
	if ch != nil {
		select {
		case ch <- ev:
		default:
			// Channel full or closed; drop event
		}
	}
}

func (p *Player) signalDone() {
	p.mu.Lock()
	done := p.done
	p.done = nil
	p.mu.Unlock()
	if done != nil {
		close(done)
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Pause()
	}
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Play()
	}
}

func (p *Player) Stop() error {
	p.mu.Lock()
	if p.audio == nil {
		p.mu.Unlock()
		return nil
	}
	err := p.audio.Stop()
	p.audio = nil
	p.seq = nil
	done := p.done
	p.done = nil
	p.mu.Unlock()
	p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
	if done != nil {
		close(done)
	}
	return err
}

// Wait blocks until the current playback ends. When loop playback is enabled,
// Wait blocks indefinitely (use Watch for loop-counting instead).
// Wait returns immediately if no playback is active or if it was stopped.
func (p *Player) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Watch returns a channel that receives playback events. Events are sent when:
//   - EventLoopCompleted: a whole-score loop iteration finished (when looping)
//   - EventPlaybackEnded: playback finished (when not looping)
//   - EventTrigger: %t or %e command fired (TriggerID, NoteOnType, NoteOffType set)
//
// The channel is buffered (cap 8); receive in a goroutine to avoid blocking the sequencer.
// Only the most recent Watch() channel receives events; call Watch before Play.
func (p *Player) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 8)
	p.eventChMu.Lock()
	p.eventCh = ch
	p.eventChMu.Unlock()
	return ch
}

// SetMasterVolume sets runtime volume scalar. 1.0 is default.
func (p *Player) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	if p.seq != nil {
		p.seq.SetMasterGain(volume)
	}
}

func (p *Player) MasterVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// SetTranspose sets the master octave shift applied to all notes.
// Positive values shift up, negative shift down (e.g. -2, -1, 0, +1, +2).
// Takes effect on the next Play/PlayMML call.
func (p *Player) SetTranspose(octaves int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transpose = octaves
}

// Transpose returns the current master octave shift.
func (p *Player) Transpose() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transpose
}

// SetEQBand sets the gain for a master EQ band (0-4). 1.0 = unity.
// Band frequencies: 0=<200Hz, 1=200-800Hz, 2=800-2.5kHz, 3=2.5-8kHz, 4=>8kHz.
// This takes effect immediately on the audio thread (lock-free).
func (p *Player) SetEQBand(band int, gain float32) {
	p.masterEQ.SetGain(band, gain)
}

// EQBand returns the current gain for a master EQ band (0-4).
func (p *Player) EQBand(band int) float32 {
	return p.masterEQ.Gain(band)
}

// PlaybackPosition returns the current output position of the audio driver,
// i.e. what the listener actually hears right now. Returns 0 if not playing.
func (p *Player) PlaybackPosition() int64 {
	p.mu.Lock()
	a := p.audio
	p.mu.Unlock()
	if a == nil {
		return 0
	}
	pos := a.Position()
	return int64(pos.Seconds() * float64(p.sampleRate))
}
