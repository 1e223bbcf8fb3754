package effects

import "math"

// Chorus is a sine-modulated delay line with feedback, read with
// linear interpolation for fractional delay.
type Chorus struct {
	ring     []float32 // interleaved L/R
	frames   int
	pos      int
	depth    float32 // modulation depth in frames
	rate     float64 // radians per frame
	phase    float64
	feedback float32
	wet      float32
}

// NewChorus creates a chorus/flanger. delayMs is the base delay
// (5-30ms for chorus, shorter for flanging), depthMs the sweep width,
// rateHz the sweep speed.
func NewChorus(sampleRate int, delayMs, feedback, depthMs, rateHz, wet float32) *Chorus {
	baseFrames := int(float64(delayMs) * float64(sampleRate) / 1000.0)
	depthFrames := float64(depthMs) * float64(sampleRate) / 1000.0
	frames := baseFrames + int(depthFrames) + 2
	if frames < 4 {
		frames = 4
	}
	return &Chorus{
		ring:     make([]float32, frames*2),
		frames:   frames,
		depth:    float32(depthFrames),
		rate:     2.0 * math.Pi * float64(rateHz) / float64(sampleRate),
		feedback: clamp(feedback, 0, 0.9),
		wet:      clamp(wet, 0, 1),
	}
}

func (c *Chorus) ProcessBuffer(buf []float32) {
	dry := 1 - c.wet
	for i := 0; i+1 < len(buf); i += 2 {
		l, r := buf[i], buf[i+1]
		mod := float32(math.Sin(c.phase)) * c.depth
		c.phase += c.rate
		if c.phase > 2*math.Pi {
			c.phase -= 2 * math.Pi
		}
		c.ring[c.pos*2] = l
		c.ring[c.pos*2+1] = r

		delay := float32(c.frames/2) + mod
		readPos := float32(c.pos) - delay
		for readPos < 0 {
			readPos += float32(c.frames)
		}
		idx := int(readPos)
		frac := readPos - float32(idx)
		idx2 := idx + 1
		if idx2 >= c.frames {
			idx2 = 0
		}
		delL := c.ring[idx*2]*(1-frac) + c.ring[idx2*2]*frac
		delR := c.ring[idx*2+1]*(1-frac) + c.ring[idx2*2+1]*frac

		c.ring[c.pos*2] += delL * c.feedback
		c.ring[c.pos*2+1] += delR * c.feedback

		c.pos++
		if c.pos >= c.frames {
			c.pos = 0
		}
		buf[i] = l*dry + delL*c.wet
		buf[i+1] = r*dry + delR*c.wet
	}
}

func (c *Chorus) Reset() {
	for i := range c.ring {
		c.ring[i] = 0
	}
	c.pos = 0
	c.phase = 0
}
