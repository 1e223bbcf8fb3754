package track

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cbegin/mmlfm-go/internal/reftable"
)

var opmNumRegex = regexp.MustCompile(`-?\d+`)

// VoiceBank maps MML program numbers to baked FM voices, parsed once
// per score from the #OPM@n system-command definitions. An EventProgram
// (@n) on a track looks its voice up here and stamps it onto the
// channel; programs with no definition leave the current voice alone.
type VoiceBank struct {
	voices map[int]voiceConfig
}

// Voice returns the voice for a program number, if one was defined.
func (vb *VoiceBank) Voice(program int) (voiceConfig, bool) {
	if vb == nil {
		return voiceConfig{}, false
	}
	v, ok := vb.voices[program]
	return v, ok
}

// ParseVoiceBank scans score definitions for #OPM@n voice blocks and
// converts each into a fixed-point voiceConfig.
//
// OPM block layout after the program number: AL FB, then four operators
// of AR D1R D2R RR D1L TL KS MUL DT1 DT2 AMS. Chip-native 5-bit rates
// are doubled into the 0..63 EG rate domain and 4-bit release rates
// quadrupled, the same widening real OPM register writes get.
func ParseVoiceBank(defs map[string]string) *VoiceBank {
	if len(defs) == 0 {
		return nil
	}
	vb := &VoiceBank{voices: make(map[int]voiceConfig)}
	for key, body := range defs {
		upper := strings.ToUpper(key)
		if !strings.HasPrefix(upper, "OPM@") {
			continue
		}
		program, err := strconv.Atoi(strings.TrimSpace(upper[4:]))
		if err != nil {
			continue
		}
		// Only read numbers inside the braces so a program number in
		// the name (#OPM@052{...}) can't shift the parameter stream.
		braceIdx := strings.Index(body, "{")
		if braceIdx < 0 {
			continue
		}
		nums := opmNumRegex.FindAllString(body[braceIdx:], -1)
		data := make([]int, 0, len(nums))
		for _, s := range nums {
			n, err := strconv.Atoi(s)
			if err != nil {
				continue
			}
			data = append(data, n)
		}
		if v, ok := voiceFromOPMData(data); ok {
			vb.voices[program] = v
		}
	}
	if len(vb.voices) == 0 {
		return nil
	}
	return vb
}

const opmOperatorParams = 11

func voiceFromOPMData(data []int) (voiceConfig, bool) {
	if len(data) < 2+4*opmOperatorParams {
		return voiceConfig{}, false
	}
	v := defaultVoice()
	v.opCount = 4
	v.algorithm = clamp(data[0], 0, 7)
	v.feedbackShift = int32(clamp(data[1], 0, 7))
	for oi := 0; oi < 4; oi++ {
		base := 2 + oi*opmOperatorParams
		op := &v.ops[oi]
		op.attackRate = clamp(data[base], 0, 31) * 2
		op.decayRate = clamp(data[base+1], 0, 31) * 2
		op.sustainRate = clamp(data[base+2], 0, 31) * 2
		op.releaseRate = clamp(data[base+3], 0, 15)*4 + 2
		op.sustainLevel = clamp(data[base+4], 0, 15)
		op.totalLevel = int32(clamp(data[base+5], 0, 127)) << uint(reftable.EnvLShift)
		op.keyScaleRate = clamp(data[base+6], 0, 3)
		// MUL 0 is the chip's half-rate ratio; the integer phase-step
		// path rounds it up to unison.
		mul := int32(clamp(data[base+7], 0, 15))
		if mul == 0 {
			mul = 1
		}
		op.multiple = mul
		op.detune1 = clamp(data[base+8], 0, 7)
		op.detune2 = clamp(data[base+9], 0, 3)
	}
	return v, true
}
