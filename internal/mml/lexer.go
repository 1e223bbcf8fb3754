// Token-level helpers shared by the track parser: lengths, numbers,
// note names, loop expansion, and section splitting.
package mml

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

func parseLengthWithTie(s string, at int, st parseState) (int, int, error) {
	dur, i, err := parseLengthToken(s, at, st)
	if err != nil {
		return 0, at, err
	}
	for i < len(s) && lower(s[i]) == '^' {
		extra, next, e := parseLengthToken(s, i+1, st)
		if e != nil {
			return 0, at, e
		}
		dur += extra
		i = next
	}
	return dur, i, nil
}

func parseLengthToken(s string, at int, st parseState) (int, int, error) {
	val, i, err := parseNumberOptional(s, at)
	if err != nil {
		return 0, at, err
	}
	base := st.defaultLen
	if val > 0 {
		base = st.resolution / val
	}
	dots := 0
	for i < len(s) && s[i] == '.' {
		dots++
		i++
	}
	dur, term := base, base
	for k := 0; k < dots; k++ {
		term >>= 1
		dur += term
	}
	return dur, i, nil
}

func parseNumberDefault(s string, at int, def int) (int, int, error) {
	v, i, err := parseNumberOptional(s, at)
	if err != nil {
		return 0, at, err
	}
	if v == -1 {
		return def, i, nil
	}
	return v, i, nil
}

func parseSignedNumberDefault(s string, at int, def int) (int, int, error) {
	if at >= len(s) {
		return def, at, nil
	}
	sign := 1
	i := at
	if s[i] == '+' {
		i++
	} else if s[i] == '-' {
		sign = -1
		i++
	}
	v, next, err := parseNumberOptional(s, i)
	if err != nil {
		return 0, at, err
	}
	if v == -1 {
		return def, next, nil
	}
	return sign * v, next, nil
}

func parseNumberOptional(s string, at int) (int, int, error) {
	i, start := at, at
	for i < len(s) && unicode.IsDigit(rune(s[i])) {
		i++
	}
	if start == i {
		return -1, i, nil
	}
	n, err := strconv.Atoi(s[start:i])
	if err != nil {
		return 0, at, err
	}
	return n, i, nil
}

func parseGateDuration(dur int, gatePercent int) int {
	if gatePercent <= 0 {
		return 0
	}
	gated := (dur * gatePercent) / 100
	if gated <= 0 && dur > 0 {
		return 1
	}
	return gated
}

func convertQuarter192ToTicks(v int, resolution int) int {
	if v < 0 {
		return v
	}
	if resolution <= 0 {
		resolution = 1920
	}
	return (v * resolution) / 192
}

func normalizePanValue(v int) int {
	// Spec center is @p=0 in -64..64. Keep backward compatibility by accepting
	// old signed p values and coarse p0..p8 values.
	if v >= 0 && v <= 8 {
		return (v - 4) * 16
	}
	if v > 64 {
		return 64
	}
	if v < -64 {
		return -64
	}
	return v
}

func isVolumeReversed(defs map[string]string) bool {
	if defs == nil {
		return false
	}
	rev, ok := defs["REV"]
	if !ok {
		return false
	}
	rev = strings.ToLower(strings.TrimSpace(rev))
	return rev == "" || strings.Contains(rev, "volume")
}

func scaledVelocity(volume int, expression int, fineVol int, vScaleMode int, vScaleMax int, xScaleMode int, vmode string) int {
	volMax := vScaleMax
	if volMax <= 0 {
		volMax = 16
	}
	vol := clampInt(volume, 0, 127)
	expr := clampInt(expression, 0, 128)
	fine := clampInt(fineVol, 0, 128)
	volNorm := float64(vol) / float64(volMax)
	if volNorm < 0 {
		volNorm = 0
	}
	if volNorm > 1 {
		volNorm = 1
	}
	exprNorm := float64(expr) / 128.0
	switch {
	case vScaleMode == 1, strings.Contains(vmode, "n88") && vScaleMode == 0:
		volNorm = dbScale(volNorm, 96)
	case vScaleMode == 2, strings.Contains(vmode, "mdx") && vScaleMode == 0:
		volNorm = dbScale(volNorm, 64)
	case vScaleMode == 3, strings.Contains(vmode, "mck") && vScaleMode == 0:
		volNorm = dbScale(volNorm, 48)
	case vScaleMode == 4, strings.Contains(vmode, "tss") && vScaleMode == 0:
		volNorm = dbScale(volNorm, 32)
	}
	switch xScaleMode {
	case 1:
		exprNorm = math.Sqrt(exprNorm)
	case 2:
		exprNorm = exprNorm * exprNorm
	case 3:
		exprNorm = dbScale(exprNorm, 48)
	case 4:
		exprNorm = dbScale(exprNorm, 32)
	}
	vel := volNorm * exprNorm * (float64(fine) / 128.0) * 127.0
	return clampInt(int(math.Round(vel)), 0, 127)
}

func dbScale(norm float64, dbRange float64) float64 {
	if norm <= 0 {
		return 0
	}
	if norm >= 1 {
		return 1
	}
	return math.Pow(10, -dbRange*(1-norm)/20)
}

func parseKeySignature(defs map[string]string) map[byte]int {
	out := map[byte]int{'c': 0, 'd': 0, 'e': 0, 'f': 0, 'g': 0, 'a': 0, 'b': 0}
	if defs == nil {
		return out
	}
	raw := strings.TrimSpace(defs["SIGN"])
	if raw == "" {
		return out
	}
	lowerRaw := strings.ToLower(raw)
	if strings.Contains(lowerRaw, ",") {
		for _, tok := range strings.Split(lowerRaw, ",") {
			tok = strings.TrimSpace(tok)
			if len(tok) < 2 {
				continue
			}
			n := tok[0]
			if _, ok := out[n]; !ok {
				continue
			}
			switch tok[len(tok)-1] {
			case '+', '#':
				out[n] = 1
			case '-', 'b':
				out[n] = -1
			default:
				out[n] = 0
			}
		}
		return out
	}
	key := strings.ReplaceAll(strings.ReplaceAll(lowerRaw, "+", "#"), " ", "")
	switch key {
	case "c", "am":
		return out
	case "g", "em":
		out['f'] = 1
	case "d", "bm":
		out['f'], out['c'] = 1, 1
	case "a", "f#m":
		out['f'], out['c'], out['g'] = 1, 1, 1
	case "e", "c#m":
		out['f'], out['c'], out['g'], out['d'] = 1, 1, 1, 1
	case "b", "g#m":
		out['f'], out['c'], out['g'], out['d'], out['a'] = 1, 1, 1, 1, 1
	case "f#", "d#m":
		out['f'], out['c'], out['g'], out['d'], out['a'], out['e'] = 1, 1, 1, 1, 1, 1
	case "c#", "a#m":
		out['f'], out['c'], out['g'], out['d'], out['a'], out['e'], out['b'] = 1, 1, 1, 1, 1, 1, 1
	case "f", "dm":
		out['b'] = -1
	case "bb", "gm":
		out['b'], out['e'] = -1, -1
	case "eb", "cm":
		out['b'], out['e'], out['a'] = -1, -1, -1
	case "ab", "fm":
		out['b'], out['e'], out['a'], out['d'] = -1, -1, -1, -1
	case "db", "bbm":
		out['b'], out['e'], out['a'], out['d'], out['g'] = -1, -1, -1, -1, -1
	case "gb", "ebm":
		out['b'], out['e'], out['a'], out['d'], out['g'], out['c'] = -1, -1, -1, -1, -1, -1
	case "cb", "abm":
		out['b'], out['e'], out['a'], out['d'], out['g'], out['c'], out['f'] = -1, -1, -1, -1, -1, -1, -1
	}
	return out
}

func splitSectionsAsTracks(src string) []string {
	sections := splitTopLevel(src, ';')
	nonEmptySections := make([]string, 0, len(sections))
	for _, section := range sections {
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		nonEmptySections = append(nonEmptySections, section)
	}
	if len(nonEmptySections) == 0 {
		return nil
	}

	globalPrelude := ""
	startSection := 0
	if len(nonEmptySections) > 1 && !containsPlayableEvents(nonEmptySections[0]) {
		globalPrelude = nonEmptySections[0]
		startSection = 1
	}

	parts := make([]string, 0, len(nonEmptySections)*2)
	for _, section := range nonEmptySections[startSection:] {
		for _, part := range splitTopLevel(section, ',') {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if globalPrelude != "" {
				parts = append(parts, globalPrelude+" "+part)
			} else {
				parts = append(parts, part)
			}
		}
	}
	if len(parts) == 0 && globalPrelude != "" {
		parts = append(parts, globalPrelude)
	}
	return parts
}

func splitTopLevel(src string, sep byte) []string {
	depth := 0
	start := 0
	parts := make([]string, 0, 4)
	for i := 0; i < len(src); i++ {
		switch src[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		default:
			if src[i] == sep && depth == 0 {
				if sep == ',' && isArgumentComma(src, i) {
					continue
				}
				parts = append(parts, src[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, src[start:])
	return parts
}

func isArgumentComma(src string, at int) bool {
	if at < 0 || at >= len(src) || src[at] != ',' {
		return false
	}
	for i := at + 1; i < len(src); i++ {
		ch := src[i]
		if isSpace(ch) {
			continue
		}
		return (ch >= '0' && ch <= '9') || ch == '+' || ch == '-'
	}
	return false
}

func containsPlayableEvents(src string) bool {
	for i := 0; i < len(src); i++ {
		ch := lower(src[i])
		if isNote(ch) || ch == 'r' {
			return true
		}
	}
	return false
}

func startsWithWord(src string, at int, word string) bool {
	if at < 0 || at+len(word) > len(src) {
		return false
	}
	for i := 0; i < len(word); i++ {
		if lower(src[at+i]) != lower(word[i]) {
			return false
		}
	}
	return true
}

func parseWordToken(src string, at int) (string, int) {
	i := at
	for i < len(src) {
		ch := src[i]
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '@' || ch == '_' {
			i++
			continue
		}
		break
	}
	return src[at:i], i
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + 32
	}
	return b
}

func isSpace(b byte) bool { return b == ' ' || b == '\n' || b == '\r' || b == '\t' }
func isNote(b byte) bool  { _, ok := noteOffsets[b]; return ok }

func expandLoops(src string) (string, error) {
	out, i, err := parseExpanded(src, 0, 0)
	if err != nil {
		return "", err
	}
	if i != len(src) {
		return "", fmt.Errorf("unexpected parser position: %d", i)
	}
	return out, nil
}

func parseExpanded(src string, at, depth int) (string, int, error) {
	var out strings.Builder
	for at < len(src) {
		ch := src[at]
		if ch == ']' {
			if depth == 0 {
				return "", at, fmt.Errorf("unmatched ']' at %d", at)
			}
			return out.String(), at, nil
		}
		if ch != '[' {
			out.WriteByte(ch)
			at++
			continue
		}
		body, next, err := parseLoopBody(src, at+1, depth+1)
		if err != nil {
			return "", at, err
		}
		out.WriteString(body)
		at = next
	}
	if depth > 0 {
		return "", at, fmt.Errorf("unclosed '['")
	}
	return out.String(), at, nil
}

func parseLoopBody(src string, at, depth int) (string, int, error) {
	var pre, post strings.Builder
	breakHit := false
	for at < len(src) {
		ch := src[at]
		if ch == '[' {
			body, next, err := parseLoopBody(src, at+1, depth+1)
			if err != nil {
				return "", at, err
			}
			if breakHit {
				post.WriteString(body)
			} else {
				pre.WriteString(body)
			}
			at = next
			continue
		}
		if ch == '|' && depth == 1 {
			breakHit = true
			at++
			continue
		}
		if ch == ']' {
			repeat, next, err := parseNumberDefault(src, at+1, 2)
			if err != nil {
				return "", at, err
			}
			if repeat < 1 {
				repeat = 1
			}
			preS, postS := pre.String(), post.String()
			var out strings.Builder
			if breakHit {
				for i := 0; i < repeat-1; i++ {
					out.WriteString(preS)
				}
				out.WriteString(postS)
			} else {
				for i := 0; i < repeat; i++ {
					out.WriteString(preS)
				}
			}
			return out.String(), next, nil
		}
		if breakHit {
			post.WriteByte(ch)
		} else {
			pre.WriteByte(ch)
		}
		at++
	}
	return "", at, fmt.Errorf("unclosed loop block")
}

