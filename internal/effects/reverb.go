package effects

// Reverb is a Schroeder reverberator: four parallel feedback combs on
// a mono fold-down, serialized through two allpass diffusers, mixed
// equally into both output channels.
type Reverb struct {
	combs   [4]feedbackComb
	diffuse [2]allpassStage
	wet     float32
}

type feedbackComb struct {
	buf []float32
	pos int
	fb  float32
}

func (c *feedbackComb) tick(in float32) float32 {
	out := c.buf[c.pos]
	c.buf[c.pos] = in + out*c.fb
	c.pos++
	if c.pos >= len(c.buf) {
		c.pos = 0
	}
	return out
}

type allpassStage struct {
	buf []float32
	pos int
	fb  float32
}

func (a *allpassStage) tick(in float32) float32 {
	stored := a.buf[a.pos]
	out := -in + stored
	a.buf[a.pos] = in + stored*a.fb
	a.pos++
	if a.pos >= len(a.buf) {
		a.pos = 0
	}
	return out
}

// NewReverb creates a reverb. roomSize 0..1 scales the comb lengths,
// feedback 0..1 the decay time, wet 0..1 the mix.
func NewReverb(sampleRate int, roomSize, feedback, wet float32) *Reverb {
	base := int(float32(sampleRate) * roomSize * 0.05)
	if base < 10 {
		base = 10
	}
	fb := clamp(feedback, 0, 0.95)
	r := &Reverb{wet: clamp(wet, 0, 1)}
	// Prime-ish length ratios keep the combs from piling up on one
	// resonance.
	combLens := [4]int{base, base * 1117 / 1000, base * 1271 / 1000, base * 1437 / 1000}
	for i := range r.combs {
		r.combs[i] = feedbackComb{buf: make([]float32, combLens[i]), fb: fb}
	}
	apLens := [2]int{base * 347 / 1000, base * 213 / 1000}
	for i := range r.diffuse {
		n := apLens[i]
		if n < 1 {
			n = 1
		}
		r.diffuse[i] = allpassStage{buf: make([]float32, n), fb: 0.5}
	}
	return r
}

func (r *Reverb) ProcessBuffer(buf []float32) {
	dry := 1 - r.wet
	for i := 0; i+1 < len(buf); i += 2 {
		mono := (buf[i] + buf[i+1]) * 0.5
		var tail float32
		for c := range r.combs {
			tail += r.combs[c].tick(mono)
		}
		tail *= 0.25
		for a := range r.diffuse {
			tail = r.diffuse[a].tick(tail)
		}
		buf[i] = buf[i]*dry + tail*r.wet
		buf[i+1] = buf[i+1]*dry + tail*r.wet
	}
}

func (r *Reverb) Reset() {
	for i := range r.combs {
		for j := range r.combs[i].buf {
			r.combs[i].buf[j] = 0
		}
		r.combs[i].pos = 0
	}
	for i := range r.diffuse {
		for j := range r.diffuse[i].buf {
			r.diffuse[i].buf[j] = 0
		}
		r.diffuse[i].pos = 0
	}
}
