package effects

import "math"

// Distortion is a tanh waveshaper with pre/post gain and an optional
// one-pole lowpass to tame the generated harmonics.
type Distortion struct {
	preGain  float32
	postGain float32
	lpfAlpha float32
	lpfL     float32
	lpfR     float32
}

// NewDistortion creates a distortion. Higher preGain drives the
// waveshaper harder; lpfCutoff 0 disables the output filter.
func NewDistortion(sampleRate int, preGain, postGain, lpfCutoff float32) *Distortion {
	d := &Distortion{preGain: preGain, postGain: postGain}
	if lpfCutoff > 0 && lpfCutoff < float32(sampleRate)/2 {
		rc := 1.0 / (2.0 * math.Pi * float64(lpfCutoff))
		dt := 1.0 / float64(sampleRate)
		d.lpfAlpha = float32(dt / (rc + dt))
	}
	return d
}

func (d *Distortion) ProcessBuffer(buf []float32) {
	for i := 0; i+1 < len(buf); i += 2 {
		l := float32(math.Tanh(float64(buf[i]*d.preGain))) * d.postGain
		r := float32(math.Tanh(float64(buf[i+1]*d.preGain))) * d.postGain
		if d.lpfAlpha > 0 {
			d.lpfL += d.lpfAlpha * (l - d.lpfL)
			d.lpfR += d.lpfAlpha * (r - d.lpfR)
			l, r = d.lpfL, d.lpfR
		}
		buf[i], buf[i+1] = l, r
	}
}

func (d *Distortion) Reset() {
	d.lpfL = 0
	d.lpfR = 0
}
