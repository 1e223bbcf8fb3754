// Package audio binds the synthesis engine to the platform audio
// device via ebiten's audio context. The engine renders in fixed-size
// buffers at buffer boundaries only; this package slices whatever read
// sizes the driver asks for into those engine-sized chunks.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	ebitaudio "github.com/hajimehoshi/ebiten/v2/audio"
)

// renderFrames is the engine-side buffer length in frames. Driver reads
// larger than this are rendered in several engine calls; smaller reads
// drain the remainder of the previous chunk.
const renderFrames = 2048

// SampleSource renders interleaved stereo float32 frames.
type SampleSource interface {
	Process(dst []float32)
}

// FinishingSource is a SampleSource that can signal when playback has
// ended. When Finished returns true, the stream returns io.EOF after
// draining the current chunk.
type FinishingSource interface {
	SampleSource
	Finished() bool
}

// StreamReader adapts a SampleSource into the io.Reader the audio
// backend consumes (f32le interleaved stereo).
type StreamReader struct {
	mu      sync.Mutex
	source  SampleSource
	chunk   []float32
	pending []float32 // unread tail of the last rendered chunk
}

func NewStreamReader(source SampleSource) *StreamReader {
	return &StreamReader{source: source}
}

func (r *StreamReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	for written+8 <= len(p) {
		if len(r.pending) == 0 {
			if fs, ok := r.source.(FinishingSource); ok && fs.Finished() {
				if written == 0 {
					return 0, io.EOF
				}
				return written, nil
			}
			if r.chunk == nil {
				r.chunk = make([]float32, renderFrames*2)
			}
			r.source.Process(r.chunk)
			r.pending = r.chunk
		}
		n := (len(p) - written) / 4
		if n > len(r.pending) {
			n = len(r.pending)
		}
		n &^= 1 // whole frames only
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(p[written+i*4:], math.Float32bits(r.pending[i]))
		}
		r.pending = r.pending[n:]
		written += n * 4
	}
	return written, nil
}

func (r *StreamReader) Close() error { return nil }

// Player owns one streaming playback session on the shared context.
type Player struct {
	player *ebitaudio.Player
	reader io.ReadCloser
}

var (
	audioContextOnce sync.Once
	audioContext     *ebitaudio.Context
	audioSampleRate  int
)

// sharedAudioContext returns the process-wide ebiten audio context.
// ebiten allows exactly one context per process, so a second sample
// rate is an error rather than a reconfiguration.
func sharedAudioContext(sampleRate int) (*ebitaudio.Context, error) {
	audioContextOnce.Do(func() {
		audioSampleRate = sampleRate
		audioContext = ebitaudio.NewContext(sampleRate)
	})
	if audioSampleRate != sampleRate {
		return nil, fmt.Errorf("audio context already initialized at %d Hz (requested %d Hz)", audioSampleRate, sampleRate)
	}
	return audioContext, nil
}

func NewPlayer(sampleRate int, source SampleSource) (*Player, error) {
	ctx, err := sharedAudioContext(sampleRate)
	if err != nil {
		return nil, err
	}
	reader := NewStreamReader(source)
	pl, err := ctx.NewPlayerF32(reader)
	if err != nil {
		return nil, err
	}
	return &Player{
		player: pl,
		reader: reader,
	}, nil
}

func (p *Player) Play()  { p.player.Play() }
func (p *Player) Pause() { p.player.Pause() }
func (p *Player) IsPlaying() bool {
	return p.player.IsPlaying()
}

// Position returns the current playback position (what the listener actually hears).
func (p *Player) Position() time.Duration {
	return p.player.Position()
}

func (p *Player) Stop() error {
	p.player.Pause()
	p.player.Close()
	return p.reader.Close()
}
