// Package soundchip implements the SoundChip component:
// a fixed pool of Channels rendered into an interleaved stereo buffer,
// plus the stream-send buses effects.Chain reads from.
package soundchip

import (
	"errors"

	"github.com/cbegin/mmlfm-go/internal/channel"
	"github.com/cbegin/mmlfm-go/internal/reftable"
	"github.com/cbegin/mmlfm-go/internal/wavebank"
)

// ErrResourceExhausted is returned when all channel slots are in use
// and none can be stolen.
var ErrResourceExhausted = errors.New("soundchip: resource exhausted")

// SoundChip owns the channel pool and the per-buffer stereo mixdown.
type SoundChip struct {
	rt *reftable.RefTables
	wb *wavebank.WaveBank

	channels []*channel.Channel

	// sendBuffers[i] accumulates stream send i across the whole
	// channel pool for one buffer; send 0 is the dry/master mix.
	sendBuffers [channel.StreamSendSize][]float32
}

// New creates a SoundChip with the given channel-slot count.
func New(rt *reftable.RefTables, wb *wavebank.WaveBank, slots int) *SoundChip {
	sc := &SoundChip{rt: rt, wb: wb}
	sc.channels = make([]*channel.Channel, slots)
	for i := range sc.channels {
		sc.channels[i] = channel.New(rt, wb)
	}
	return sc
}

// ChannelCount returns the number of channel slots.
func (sc *SoundChip) ChannelCount() int { return len(sc.channels) }

// Channel returns slot i directly (Track owns the lifetime contract).
func (sc *SoundChip) Channel(i int) *channel.Channel { return sc.channels[i%len(sc.channels)] }

// AllocateChannel returns the first idle slot, or, when the pool is
// full and stealing is allowed, reclaims the lowest-priority disposable
// channel, provided its priority is below the claimant's. Only
// channels marked Disposable are candidates for stealing: a persistent,
// score-bound channel is never reclaimed by a one-shot trigger.
func (sc *SoundChip) AllocateChannel(priority int32, allowSteal bool) (int, *channel.Channel, error) {
	for i, ch := range sc.channels {
		if ch.Idle() {
			return i, ch, nil
		}
	}
	if !allowSteal {
		return -1, nil, ErrResourceExhausted
	}
	victim := -1
	var victimPriority int32
	for i, ch := range sc.channels {
		if !ch.Disposable() {
			continue
		}
		if victim == -1 || ch.Priority() < victimPriority {
			victim = i
			victimPriority = ch.Priority()
		}
	}
	if victim == -1 || victimPriority >= priority {
		return -1, nil, ErrResourceExhausted
	}
	ch := sc.channels[victim]
	ch.ForceOff()
	ch.SetPriority(priority)
	return victim, ch, nil
}

// BeginProcess prepares send buffers for a buffer of n frames; the
// zero-fill here is the only one in the render cycle, all channel
// writes are additive.
func (sc *SoundChip) BeginProcess(n int) {
	for i := range sc.sendBuffers {
		if cap(sc.sendBuffers[i]) < n*2 {
			sc.sendBuffers[i] = make([]float32, n*2)
		} else {
			sc.sendBuffers[i] = sc.sendBuffers[i][:n*2]
			for j := range sc.sendBuffers[i] {
				sc.sendBuffers[i][j] = 0
			}
		}
	}
}

// RenderFrame steps every active channel once and accumulates the
// result into send buffer slot frameIndex (interleaved L/R), scaled by
// each channel's independent per-send gain.
func (sc *SoundChip) RenderFrame(frameIndex int) {
	const scale = 1.0 / float32(1<<16)
	const fixedScale = 1.0 / float32(int32(1)<<reftable.FixedBits)
	for _, ch := range sc.channels {
		l, r := ch.Step()
		for s := 0; s < channel.StreamSendSize; s++ {
			buf := sc.sendBuffers[s]
			if buf == nil {
				continue
			}
			gain := float32(ch.Send(s)) * fixedScale
			if gain == 0 {
				continue
			}
			buf[frameIndex*2] += float32(l) * scale * gain
			buf[frameIndex*2+1] += float32(r) * scale * gain
		}
	}
}

// EndProcess returns the accumulated master (send 0) buffer and the
// effect-send buffers 1..4, for the host's effects chain and final mix.
func (sc *SoundChip) EndProcess() (master []float32, sends [4][]float32) {
	master = sc.sendBuffers[0]
	for i := 0; i < 4; i++ {
		sends[i] = sc.sendBuffers[i+1]
	}
	return
}

// GetStreamSlot returns send buffer i directly; the effect rack reads
// sends 1..4 in place after each rendered buffer.
func (sc *SoundChip) GetStreamSlot(i int) []float32 {
	if i < 0 || i >= channel.StreamSendSize {
		return nil
	}
	return sc.sendBuffers[i]
}
