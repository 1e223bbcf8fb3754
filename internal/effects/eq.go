package effects

import "math"

// EQ3Band splits the signal at two crossover frequencies with one-pole
// filters and re-sums the bands under independent gains.
type EQ3Band struct {
	lowGain  float32
	midGain  float32
	highGain float32
	lpAlpha  float32
	hpAlpha  float32
	lpL, lpR float32
	hpL, hpR float32
}

// NewEQ3Band creates a 3-band EQ. Gains are linear (1.0 = unity);
// lowFreq/highFreq are the band crossover points.
func NewEQ3Band(sampleRate int, lowGain, midGain, highGain, lowFreq, highFreq float32) *EQ3Band {
	lpRC := 1.0 / (2.0 * math.Pi * float64(lowFreq))
	hpRC := 1.0 / (2.0 * math.Pi * float64(highFreq))
	dt := 1.0 / float64(sampleRate)
	return &EQ3Band{
		lowGain:  lowGain,
		midGain:  midGain,
		highGain: highGain,
		lpAlpha:  float32(dt / (lpRC + dt)),
		hpAlpha:  float32(dt / (hpRC + dt)),
	}
}

func (eq *EQ3Band) ProcessBuffer(buf []float32) {
	for i := 0; i+1 < len(buf); i += 2 {
		l, r := buf[i], buf[i+1]

		eq.lpL += eq.lpAlpha * (l - eq.lpL)
		eq.lpR += eq.lpAlpha * (r - eq.lpR)
		lowL, lowR := eq.lpL, eq.lpR

		eq.hpL += eq.hpAlpha * (l - eq.hpL)
		eq.hpR += eq.hpAlpha * (r - eq.hpR)
		highL := l - eq.hpL
		highR := r - eq.hpR

		midL := l - lowL - highL
		midR := r - lowR - highR

		buf[i] = lowL*eq.lowGain + midL*eq.midGain + highL*eq.highGain
		buf[i+1] = lowR*eq.lowGain + midR*eq.midGain + highR*eq.highGain
	}
}

func (eq *EQ3Band) Reset() {
	eq.lpL, eq.lpR = 0, 0
	eq.hpL, eq.hpR = 0, 0
}
