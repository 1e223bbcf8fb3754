package wavebank

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cbegin/mmlfm-go/internal/reftable"
)

// ParseWAVBHex decodes a #WAVB hex body (pairs of hex digits, each a
// signed 8-bit sample) into linear amplitudes in [-1, 1].
func ParseWAVBHex(h string) []float64 {
	data, err := hex.DecodeString(h)
	if err != nil {
		return nil
	}
	out := make([]float64, len(data))
	for i, b := range data {
		out[i] = float64(int8(b)) / 127.0
	}
	return out
}

// RegisterWaveFloats converts linear samples into a log-domain custom
// table at the given slot. The table length is truncated to the largest
// power of two the phase accumulator can index directly.
func (wb *WaveBank) RegisterWaveFloats(index int, samples []float64) {
	n := 1
	for n*2 <= len(samples) {
		n *= 2
	}
	if len(samples) == 0 {
		return
	}
	logged := make([]int32, n)
	for i := 0; i < n; i++ {
		logged[i] = reftable.CalcLogIndex(samples[i])
	}
	wb.RegisterWaveTable(index, logged)
}

// RegisterFromDefs installs every #WAVB<n>/#WAV<n> custom wave found in
// a score's system-command definitions. #WAVB bodies are
// signed 8-bit hex; #WAV bodies are comma-separated integers in -128..127.
func (wb *WaveBank) RegisterFromDefs(defs map[string]string) {
	for key, body := range defs {
		upper := strings.ToUpper(key)
		var slotStr string
		var isHex bool
		switch {
		case strings.HasPrefix(upper, "WAVB"):
			slotStr, isHex = upper[4:], true
		case strings.HasPrefix(upper, "WAV"):
			slotStr, isHex = upper[3:], false
		default:
			continue
		}
		slot, err := strconv.Atoi(strings.TrimSpace(slotStr))
		if err != nil || slot < 0 || slot >= customWaveTableMax {
			continue
		}
		open := strings.IndexByte(body, '{')
		close := strings.IndexByte(body, '}')
		if open < 0 || close <= open {
			continue
		}
		raw := strings.TrimSpace(body[open+1 : close])
		var samples []float64
		if isHex {
			samples = ParseWAVBHex(raw)
		} else {
			for _, f := range strings.Split(raw, ",") {
				v, err := strconv.Atoi(strings.TrimSpace(f))
				if err != nil {
					continue
				}
				samples = append(samples, float64(v)/127.0)
			}
		}
		if len(samples) > 0 {
			wb.RegisterWaveFloats(slot, samples)
		}
	}
}
