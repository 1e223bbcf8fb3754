package mml

import (
	"fmt"
	"math"
	"strings"
	"unicode"
)

var noteOffsets = map[byte]int{
	'c': 0, 'd': 2, 'e': 4, 'f': 5, 'g': 7, 'a': 9, 'b': 11,
}

type Parser struct{ cfg ParserConfig }

func NewParser(cfg ParserConfig) *Parser { return &Parser{cfg: cfg} }

func (p *Parser) Parse(input string) (*Score, error) {
	preprocessed := preprocessInput(input)
	parts := splitSectionsAsTracks(preprocessed.text)
	tmode, tunit, tfps := parseTMODE(preprocessed.definitions)
	opts := parserOptions{
		quantMax:  parseQuantMax(preprocessed.definitions),
		tempoMode: tmode,
		tempoUnit: tunit,
		tempoFPS:  tfps,
	}
	tracks := make([]Track, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tr, _, err := p.parseTrack(part, opts, preprocessed.definitions)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, tr)
	}
	return &Score{
		Resolution:  p.cfg.Resolution,
		InitialBPM:  p.cfg.DefaultBPM,
		Tracks:      tracks,
		Definitions: preprocessed.definitions,
	}, nil
}

type parserOptions struct {
	quantMax  int
	tempoMode string
	tempoUnit int
	tempoFPS  int
}

func (p *Parser) parseTrack(input string, opts parserOptions, defs map[string]string) (Track, float64, error) {
	expanded, err := expandLoops(input)
	if err != nil {
		return Track{}, 0, err
	}
	st := newState(p.cfg, opts, defs)
	events := make([]Event, 0, 256)
	i := 0
	loopTick, loopIndex := -1, -1
	for i < len(expanded) {
		ch := lower(expanded[i])
		if isSpace(ch) {
			i++
			continue
		}
		switch {
		case ch == 'n' && i+1 < len(expanded) && unicode.IsDigit(rune(expanded[i+1])):
			evt, stepDur, next, e := parseNoteByNumber(expanded, i, st)
			if e != nil {
				return Track{}, 0, e
			}
			events = append(events, evt)
			st.slurMode = SlurNone
			st.tick += stepDur
			i = next
		case isNote(ch):
			evt, stepDur, next, e := parseNote(expanded, i, st)
			if e != nil {
				return Track{}, 0, e
			}
			events = append(events, evt)
			st.slurMode = SlurNone
			st.tick += stepDur
			i = next
		case ch == 'r':
			dur, next, e := parseLengthWithTie(expanded, i+1, st)
			if e != nil {
				return Track{}, 0, e
			}
			events = append(events, Event{Type: EventRest, Tick: st.tick, Duration: dur})
			st.tick += dur
			i = next
		case ch == 'l':
			length, next, e := parseLengthToken(expanded, i+1, st)
			if e != nil {
				return Track{}, 0, e
			}
			st.defaultLen = length
			i = next
		case ch == 't':
			val, next, e := parseNumberDefault(expanded, i+1, int(st.bpm))
			if e != nil {
				return Track{}, 0, e
			}
			bpm := applyTMODETempo(val, opts)
			st.bpm = bpm
			events = append(events, Event{Type: EventTempo, Tick: st.tick, Value: int(math.Round(bpm))})
			i = next
		case ch == 'o':
			val, next, e := parseNumberDefault(expanded, i+1, st.octave)
			if e != nil {
				return Track{}, 0, e
			}
			if val < p.cfg.MinOctave || val > p.cfg.MaxOctave {
				return Track{}, 0, fmt.Errorf("octave out of range at %d", i)
			}
			st.octave = val
			i = next
		case strings.HasPrefix(expanded[i:], "«"):
			st.octave += 2 * p.cfg.OctavePolarize
			st.octave = clampInt(st.octave, p.cfg.MinOctave, p.cfg.MaxOctave)
			i += len("«")
		case strings.HasPrefix(expanded[i:], "»"):
			st.octave -= 2 * p.cfg.OctavePolarize
			st.octave = clampInt(st.octave, p.cfg.MinOctave, p.cfg.MaxOctave)
			i += len("»")
		case ch == '<':
			val, next, e := parseNumberDefault(expanded, i+1, 1)
			if e != nil {
				return Track{}, 0, e
			}
			st.octave += val * p.cfg.OctavePolarize
			st.octave = clampInt(st.octave, p.cfg.MinOctave, p.cfg.MaxOctave)
			i = next
		case ch == '>':
			val, next, e := parseNumberDefault(expanded, i+1, 1)
			if e != nil {
				return Track{}, 0, e
			}
			st.octave -= val * p.cfg.OctavePolarize
			st.octave = clampInt(st.octave, p.cfg.MinOctave, p.cfg.MaxOctave)
			i = next
		case ch == 'v':
			val, next, e := parseNumberDefault(expanded, i+1, st.volume)
			if e != nil {
				return Track{}, 0, e
			}
			st.volume = val
			events = append(events, Event{Type: EventVolume, Tick: st.tick, Value: val})
			i = next
		case ch == 'x':
			val, next, e := parseNumberDefault(expanded, i+1, st.expression)
			if e != nil {
				return Track{}, 0, e
			}
			st.expression = clampInt(val, 0, 128)
			events = append(events, Event{Type: EventExpression, Tick: st.tick, Value: st.expression})
			i = next
		case ch == 'q':
			val, next, e := parseNumberDefault(expanded, i+1, st.quantValue)
			if e != nil {
				return Track{}, 0, e
			}
			val = clampInt(val, 0, st.quantMax)
			st.quantValue = val
			st.gatePercent = (val * 100) / st.quantMax
			events = append(events, Event{Type: EventQuantize, Tick: st.tick, Value: val})
			i = next
		case ch == 'k':
			if i+1 < len(expanded) && lower(expanded[i+1]) == 't' {
				val, next, e := parseSignedNumberDefault(expanded, i+2, st.transpose)
				if e != nil {
					return Track{}, 0, e
				}
				st.transpose = val
				events = append(events, Event{Type: EventTranspose, Tick: st.tick, Value: val})
				i = next
				continue
			}
			val, next, e := parseSignedNumberDefault(expanded, i+1, st.detune)
			if e != nil {
				return Track{}, 0, e
			}
			st.detune = val
			events = append(events, Event{Type: EventDetune, Tick: st.tick, Value: val})
			i = next
		case ch == 'p':
			if i+1 < len(expanded) && lower(expanded[i+1]) == 'o' {
				val, next, e := parseSignedNumberDefault(expanded, i+2, 0)
				if e != nil {
					return Track{}, 0, e
				}
				events = append(events, Event{Type: EventControl, Tick: st.tick, Command: "po", Value: val})
				i = next
				continue
			}
			val, next, e := parseSignedNumberDefault(expanded, i+1, st.pan)
			if e != nil {
				return Track{}, 0, e
			}
			st.pan = normalizePanValue(val)
			events = append(events, Event{Type: EventPan, Tick: st.tick, Value: st.pan})
			i = next
		case ch == '%':
			if i+1 < len(expanded) && (lower(expanded[i+1]) == 'f' || lower(expanded[i+1]) == 't' || lower(expanded[i+1]) == 'e') {
				cmd := "%" + string(lower(expanded[i+1]))
				val, next, e := parseSignedNumberDefault(expanded, i+2, 0)
				if e != nil {
					return Track{}, 0, e
				}
				values := []int{val}
				for next < len(expanded) && expanded[next] == ',' {
					arg, n2, e2 := parseSignedNumberDefault(expanded, next+1, 0)
					if e2 != nil {
						return Track{}, 0, e2
					}
					values = append(values, arg)
					next = n2
				}
				events = append(events, Event{Type: EventControl, Tick: st.tick, Command: cmd, Value: val, Values: values})
				i = next
				continue
			}
			if i+1 < len(expanded) && (lower(expanded[i+1]) == 'v' || lower(expanded[i+1]) == 'x') {
				scaleName := lower(expanded[i+1])
				val, next, e := parseNumberDefault(expanded, i+2, 0)
				if e != nil {
					return Track{}, 0, e
				}
				if scaleName == 'v' {
					mode := val
					max := st.vScaleMax
					if next < len(expanded) && expanded[next] == ',' {
						mv, n2, e2 := parseNumberDefault(expanded, next+1, 0)
						if e2 != nil {
							return Track{}, 0, e2
						}
						// Spec: n2 = max value of v computed as 256 >> n2.
						if mv > 0 {
							max = 256 >> mv
						}
						next = n2
					}
					if max <= 0 {
						max = 16
					}
					st.vScaleMode = mode
					st.vScaleMax = max
					events = append(events, Event{
						Type:    EventControl,
						Tick:    st.tick,
						Command: "%v",
						Value:   mode,
						Values:  []int{mode, max},
					})
				} else {
					st.xScaleMode = val
					events = append(events, Event{
						Type:    EventControl,
						Tick:    st.tick,
						Command: "%x",
						Value:   val,
						Values:  []int{val},
					})
				}
				i = next
				continue
			}
			mod, next, e := parseNumberDefault(expanded, i+1, st.module)
			if e != nil {
				return Track{}, 0, e
			}
			st.module = mod
			st.channel = 0
			if next < len(expanded) && expanded[next] == ',' {
				chv, n2, e2 := parseNumberDefault(expanded, next+1, 0)
				if e2 != nil {
					return Track{}, 0, e2
				}
				st.channel = chv
				next = n2
			}
			events = append(events, Event{Type: EventModule, Tick: st.tick, Module: st.module, Channel: st.channel})
			i = next
		case ch == '&':
			if i+1 < len(expanded) && expanded[i+1] == '&' {
				st.slurMode = SlurWeak
				events = append(events, Event{Type: EventSlur, Tick: st.tick, Slur: SlurWeak})
				i += 2
				continue
			}
			st.slurMode = SlurNormal
			events = append(events, Event{Type: EventSlur, Tick: st.tick, Slur: SlurNormal})
			i++
		case ch == 's':
			// sustain/release command: s n1,n2 where n1=release rate, n2=pitch sweep.
			val, next, e := parseSignedNumberDefault(expanded, i+1, 0)
			if e != nil {
				return Track{}, 0, e
			}
			values := []int{val}
			if next < len(expanded) && expanded[next] == ',' {
				v2, n2, e2 := parseSignedNumberDefault(expanded, next+1, 0)
				if e2 != nil {
					return Track{}, 0, e2
				}
				values = append(values, v2)
				next = n2
			}
			events = append(events, Event{Type: EventControl, Tick: st.tick, Command: "s", Value: val, Values: values})
			i = next
		case ch == '(' || ch == ')':
			// volume shift shorthand
			shift, next, e := parseNumberDefault(expanded, i+1, 1)
			if e != nil {
				return Track{}, 0, e
			}
			up := ch == '('
			if st.revVolume {
				up = !up
			}
			if up {
				st.volume += shift
			} else {
				st.volume -= shift
			}
			st.volume = clampInt(st.volume, 0, 127)
			events = append(events, Event{Type: EventVolume, Tick: st.tick, Value: st.volume})
			i = next
		case ch == '@':
			if i+1 < len(expanded) && lower(expanded[i+1]) == 'v' {
				val, next, e := parseNumberDefault(expanded, i+2, st.fineVol)
				if e != nil {
					return Track{}, 0, e
				}
				values := []int{val}
				for next < len(expanded) && expanded[next] == ',' {
					arg, n2, e2 := parseNumberDefault(expanded, next+1, 0)
					if e2 != nil {
						return Track{}, 0, e2
					}
					values = append(values, arg)
					next = n2
				}
				st.fineVol = val
				events = append(events, Event{Type: EventFineVolume, Tick: st.tick, Value: val, Values: values})
				i = next
				continue
			}
			if i+1 < len(expanded) && lower(expanded[i+1]) == 'q' {
				off, next, e := parseNumberDefault(expanded, i+2, st.keyOffTick)
				if e != nil {
					return Track{}, 0, e
				}
				convertedOff := convertQuarter192ToTicks(off, st.resolution)
				if convertedOff <= 0 {
					convertedOff = -1
				}
				st.keyOffTick = convertedOff
				st.keyOnDelay = 0
				if next < len(expanded) && expanded[next] == ',' {
					delay, n2, e2 := parseNumberDefault(expanded, next+1, 0)
					if e2 != nil {
						return Track{}, 0, e2
					}
					st.keyOnDelay = convertQuarter192ToTicks(delay, st.resolution)
					next = n2
				}
				events = append(events, Event{Type: EventKeyOnDelay, Tick: st.tick, GateTick: st.keyOffTick, Delay: st.keyOnDelay})
				i = next
				continue
			}
			if startsWithWord(expanded, i, "@p") {
				val, next, e := parseSignedNumberDefault(expanded, i+2, st.pan)
				if e != nil {
					return Track{}, 0, e
				}
				st.pan = normalizePanValue(val)
				events = append(events, Event{Type: EventPan, Tick: st.tick, Value: st.pan})
				i = next
				continue
			}
			if startsWithWord(expanded, i, "@mask") {
				val, next, e := parseNumberDefault(expanded, i+5, 0)
				if e != nil {
					return Track{}, 0, e
				}
				events = append(events, Event{Type: EventControl, Tick: st.tick, Command: "@mask", Value: clampInt(val, 0, 63)})
				i = next
				continue
			}
			if i+1 < len(expanded) && isAlpha(lower(expanded[i+1])) {
				cmdStart := i + 1
				cmdEnd := cmdStart
				for cmdEnd < len(expanded) && isAlpha(lower(expanded[cmdEnd])) {
					cmdEnd++
				}
				cmd := strings.ToLower(expanded[cmdStart:cmdEnd])
				first := 0
				next := cmdEnd
				if cmdEnd < len(expanded) {
					if v, n2, e := parseSignedNumberDefault(expanded, cmdEnd, 0); e == nil {
						first = v
						next = n2
					}
				}
				// Parse optional comma arguments and preserve raw tail text for compatibility.
				tailStart := next
				for next < len(expanded) && (expanded[next] == ',' || expanded[next] == '+' || expanded[next] == '-' || (expanded[next] >= '0' && expanded[next] <= '9') || isSpace(expanded[next])) {
					next++
				}
				events = append(events, Event{
					Type:    EventControl,
					Tick:    st.tick,
					Command: "@" + cmd,
					Value:   first,
					Text:    strings.TrimSpace(expanded[tailStart:next]),
				})
				i = next
				continue
			}
			val, next, e := parseNumberDefault(expanded, i+1, st.program)
			if e != nil {
				return Track{}, 0, e
			}
			st.program = val
			args := []int{}
			for next < len(expanded) && expanded[next] == ',' {
				arg, n2, e2 := parseNumberDefault(expanded, next+1, 0)
				if e2 != nil {
					break
				}
				args = append(args, arg)
				next = n2
			}
			evt := Event{Type: EventProgram, Tick: st.tick, Value: val}
			if len(args) > 0 {
				evt.Values = args
			}
			events = append(events, evt)
			i = next
		case ch == '$':
			loopTick, loopIndex = st.tick, len(events)
			i++
		default:
			// parser-level fallback coverage for commands we do not fully
			// synthesize yet but still need to keep in the control stream.
			if startsWithWord(expanded, i, "kt") {
				val, next, e := parseSignedNumberDefault(expanded, i+2, st.transpose)
				if e != nil {
					return Track{}, 0, e
				}
				st.transpose = val
				events = append(events, Event{Type: EventTranspose, Tick: st.tick, Value: val})
				i = next
				continue
			}
			if startsWithWord(expanded, i, "po") || ch == '*' {
				cmd := string(ch)
				advance := i + 1
				if startsWithWord(expanded, i, "po") {
					cmd = "po"
					advance = i + 2
				}
				val, next, e := parseSignedNumberDefault(expanded, advance, 0)
				if e != nil {
					return Track{}, 0, e
				}
				events = append(events, Event{Type: EventControl, Tick: st.tick, Command: cmd, Value: val})
				i = next
				continue
			}
			if startsWithWord(expanded, i, "mp") || startsWithWord(expanded, i, "ma") || startsWithWord(expanded, i, "mf") {
				cmd := strings.ToLower(expanded[i : i+2])
				val, next, e := parseSignedNumberDefault(expanded, i+2, 0)
				if e != nil {
					return Track{}, 0, e
				}
				tailStart := next
				for next < len(expanded) && (expanded[next] == ',' || expanded[next] == '+' || expanded[next] == '-' || (expanded[next] >= '0' && expanded[next] <= '9') || isSpace(expanded[next])) {
					next++
				}
				events = append(events, Event{
					Type:    EventControl,
					Tick:    st.tick,
					Command: cmd,
					Value:   val,
					Text:    strings.TrimSpace(expanded[tailStart:next]),
				})
				i = next
				continue
			}
			if startsWithWord(expanded, i, "na") || startsWithWord(expanded, i, "np") || startsWithWord(expanded, i, "nt") || startsWithWord(expanded, i, "nf") ||
				startsWithWord(expanded, i, "_na") || startsWithWord(expanded, i, "_np") || startsWithWord(expanded, i, "_nt") || startsWithWord(expanded, i, "_nf") ||
				startsWithWord(expanded, i, "@@") || startsWithWord(expanded, i, "_@@") {
				cmd, next := parseWordToken(expanded, i)
				val, n2, _ := parseSignedNumberDefault(expanded, next, 0)
				step := 1
				values := []int{val}
				if n2 < len(expanded) && expanded[n2] == ',' {
					v2, n3, _ := parseNumberDefault(expanded, n2+1, 1)
					step = v2
					values = append(values, v2)
					n2 = n3
				}
				events = append(events, Event{Type: EventTableEnv, Tick: st.tick, Command: cmd, Value: val, Delay: step, Values: values})
				i = n2
				continue
			}
			i++
		}
	}
	return Track{
		Events:    events,
		EndTick:   st.tick,
		LoopTick:  loopTick,
		LoopIndex: loopIndex,
	}, st.bpm, nil
}

type parseState struct {
	resolution  int
	tick        int
	octave      int
	defaultLen  int
	bpm         float64
	volume      int
	fineVol     int
	expression  int
	quantMax    int
	quantValue  int
	gatePercent int
	keyOffTick  int
	keyOnDelay  int
	slurMode    SlurMode
	transpose   int
	detune      int
	pan         int
	program     int
	module      int
	channel     int
	revVolume   bool
	keySig      map[byte]int
	vmode       string
	vScaleMode  int
	vScaleMax   int
	xScaleMode  int
}

func newState(cfg ParserConfig, opts parserOptions, defs map[string]string) parseState {
	quantMax := opts.quantMax
	if quantMax <= 0 {
		quantMax = 8
	}
	quantValue := (quantMax * 3) / 4
	if quantValue <= 0 {
		quantValue = quantMax
	}
	return parseState{
		resolution:  cfg.Resolution,
		octave:      cfg.DefaultOctave,
		defaultLen:  cfg.Resolution / cfg.DefaultLValue,
		bpm:         cfg.DefaultBPM,
		volume:      cfg.DefaultVolume,
		fineVol:     cfg.DefaultFineVol,
		expression:  128,
		quantMax:    quantMax,
		quantValue:  quantValue,
		gatePercent: (quantValue * 100) / quantMax,
		keyOffTick:  -1,
		revVolume:   isVolumeReversed(defs),
		keySig:      parseKeySignature(defs),
		vmode:       strings.ToLower(strings.TrimSpace(defs["VMODE"])),
		vScaleMode:  0,
		vScaleMax:   16,
		xScaleMode:  0,
	}
}

func parseNoteByNumber(s string, at int, st parseState) (Event, int, int, error) {
	nn, next, err := parseNumberDefault(s, at+1, 60)
	if err != nil {
		return Event{}, 0, at, err
	}
	nn += st.transpose
	nn += st.detune / 64
	if nn < 0 {
		nn = 0
	}
	if nn > 127 {
		nn = 127
	}
	dur, next, err := parseLengthWithTie(s, next, st)
	if err != nil {
		return Event{}, 0, at, err
	}
	vel := scaledVelocity(st.volume, st.expression, st.fineVol, st.vScaleMode, st.vScaleMax, st.xScaleMode, st.vmode)
	noteDur := parseGateDuration(dur, st.gatePercent)
	if st.keyOffTick > 0 {
		noteDur = noteDur - st.keyOffTick - st.keyOnDelay
		if noteDur < 0 {
			noteDur = 0
		}
	}
	return Event{
		Type:     EventNote,
		Tick:     st.tick,
		Duration: noteDur,
		Note:     nn,
		Value:    vel,
		Program:  st.program,
		Pan:      st.pan,
		Module:   st.module,
		Channel:  st.channel,
		Detune:   st.detune,
		Expr:     st.expression,
		GateTick: st.keyOffTick,
		Delay:    st.keyOnDelay,
		Slur:     st.slurMode,
	}, dur, next, nil
}

func parseNote(s string, at int, st parseState) (Event, int, int, error) {
	base := noteOffsets[lower(s[at])]
	i, shift := at+1, 0
	explicitAccidental := false
	for i < len(s) {
		switch lower(s[i]) {
		case '#', '+':
			shift++
			explicitAccidental = true
			i++
		case '-', 'b':
			shift--
			explicitAccidental = true
			i++
		default:
			goto done
		}
	}
done:
	if !explicitAccidental {
		shift += st.keySig[lower(s[at])]
	}
	dur, next, err := parseLengthWithTie(s, i, st)
	if err != nil {
		return Event{}, 0, at, err
	}
	nn := st.octave*12 + base + shift
	nn += st.transpose
	nn += st.detune / 64
	if nn < 0 {
		nn = 0
	}
	if nn > 127 {
		nn = 127
	}
	vel := scaledVelocity(st.volume, st.expression, st.fineVol, st.vScaleMode, st.vScaleMax, st.xScaleMode, st.vmode)
	noteDur := parseGateDuration(dur, st.gatePercent)
	if st.keyOffTick > 0 {
		noteDur = noteDur - st.keyOffTick - st.keyOnDelay
		if noteDur < 0 {
			noteDur = 0
		}
	}
	return Event{
		Type:     EventNote,
		Tick:     st.tick,
		Duration: noteDur,
		Note:     nn,
		Value:    vel,
		Program:  st.program,
		Pan:      st.pan,
		Module:   st.module,
		Channel:  st.channel,
		Detune:   st.detune,
		Expr:     st.expression,
		GateTick: st.keyOffTick,
		Delay:    st.keyOnDelay,
		Slur:     st.slurMode,
	}, dur, next, nil
}

