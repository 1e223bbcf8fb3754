// Package effects implements the effect processors hanging off the
// engine's stream-send buses: send 0 is the dry master mix, sends 1-4
// each feed an independent effect bus whose output is summed back into
// the master. Processors work on whole interleaved-stereo buffers, one
// audio buffer at a time, matching the engine's buffer-boundary
// scheduling (no per-sample host calls).
package effects

import (
	"strconv"
	"strings"
)

// Processor transforms one interleaved stereo buffer in place.
type Processor interface {
	ProcessBuffer(buf []float32)
	Reset()
}

// Chain applies a sequence of processors in order.
type Chain struct {
	procs []Processor
}

func NewChain(procs ...Processor) *Chain {
	return &Chain{procs: procs}
}

func (c *Chain) Add(p Processor) {
	c.procs = append(c.procs, p)
}

func (c *Chain) Empty() bool { return c == nil || len(c.procs) == 0 }

func (c *Chain) ProcessBuffer(buf []float32) {
	for _, p := range c.procs {
		p.ProcessBuffer(buf)
	}
}

func (c *Chain) Reset() {
	for _, p := range c.procs {
		p.Reset()
	}
}

// SendBusCount is the number of wet effect buses (stream sends 1..4).
const SendBusCount = 4

// Rack is one engine's full effect complement: an insert chain applied
// to the master mix plus up to four send buses. Bus i consumes stream
// send i+1 and is summed into the master after processing.
type Rack struct {
	insert *Chain
	buses  [SendBusCount]*Chain
}

// NewRack builds an empty rack (all buses nil, no insert chain).
func NewRack() *Rack { return &Rack{} }

// SetInsert installs the master insert chain.
func (r *Rack) SetInsert(c *Chain) { r.insert = c }

// SetBus installs the chain for send bus i (0-based, feeds stream send i+1).
func (r *Rack) SetBus(i int, c *Chain) {
	if i >= 0 && i < SendBusCount {
		r.buses[i] = c
	}
}

// Empty reports whether the rack has no chains at all.
func (r *Rack) Empty() bool {
	if r == nil {
		return true
	}
	if !r.insert.Empty() {
		return false
	}
	for _, b := range r.buses {
		if !b.Empty() {
			return false
		}
	}
	return true
}

// Mix runs each configured send bus over its stream buffer, sums the
// wet result into master, then applies the insert chain. send(i)
// returns stream send i+1's buffer for the current audio buffer (nil
// when the engine produced none).
func (r *Rack) Mix(master []float32, send func(bus int) []float32) {
	for i, bus := range r.buses {
		if bus.Empty() {
			continue
		}
		wet := send(i)
		if wet == nil {
			continue
		}
		bus.ProcessBuffer(wet)
		n := len(master)
		if len(wet) < n {
			n = len(wet)
		}
		for j := 0; j < n; j++ {
			master[j] += wet[j]
		}
	}
	if !r.insert.Empty() {
		r.insert.ProcessBuffer(master)
	}
}

// RackFromDefs parses #EFFECT directives from score definitions.
// #EFFECT0{type p1,p2,...} configures the master insert chain;
// #EFFECT1..4 configure the matching send bus. Multiple processors per
// slot are separated by ';'. Returns nil when no directive parsed.
func RackFromDefs(defs map[string]string, sampleRate int) *Rack {
	rack := NewRack()
	found := false
	for slot := 0; slot <= SendBusCount; slot++ {
		raw, ok := defs["EFFECT"+strconv.Itoa(slot)]
		if !ok {
			continue
		}
		chain := parseChain(raw, sampleRate)
		if chain.Empty() {
			continue
		}
		if slot == 0 {
			rack.SetInsert(chain)
		} else {
			rack.SetBus(slot-1, chain)
		}
		found = true
	}
	if !found {
		return nil
	}
	return rack
}

func parseChain(raw string, sampleRate int) *Chain {
	// Directive values keep their full source text ("EFFECT0{delay ...}");
	// the chain spec is whatever sits inside the braces.
	raw = strings.TrimSpace(raw)
	if open := strings.IndexByte(raw, '{'); open >= 0 {
		if end := strings.LastIndexByte(raw, '}'); end > open {
			raw = raw[open+1 : end]
		} else {
			raw = raw[open+1:]
		}
	}
	chain := NewChain()
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, " ", 2)
		kind := strings.ToLower(strings.TrimSpace(fields[0]))
		var params []float64
		if len(fields) > 1 {
			for _, f := range strings.Split(fields[1], ",") {
				if v, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err == nil {
					params = append(params, v)
				}
			}
		}
		if p := newProcessor(kind, params, sampleRate); p != nil {
			chain.Add(p)
		}
	}
	return chain
}

func newProcessor(kind string, params []float64, sampleRate int) Processor {
	arg := func(idx int, def float64) float64 {
		if idx < len(params) {
			return params[idx]
		}
		return def
	}
	switch kind {
	case "delay":
		return NewDelay(sampleRate,
			arg(0, 250),
			float32(arg(1, 0.4)),
			float32(arg(2, 0.2)),
			float32(arg(3, 0.3)),
		)
	case "reverb":
		return NewReverb(sampleRate,
			float32(arg(0, 0.5)),
			float32(arg(1, 0.7)),
			float32(arg(2, 0.25)),
		)
	case "chorus":
		return NewChorus(sampleRate,
			float32(arg(0, 15)),
			float32(arg(1, 0.3)),
			float32(arg(2, 3)),
			float32(arg(3, 1.5)),
			float32(arg(4, 0.4)),
		)
	case "dist", "distortion":
		return NewDistortion(sampleRate,
			float32(arg(0, 4)),
			float32(arg(1, 0.5)),
			float32(arg(2, 8000)),
		)
	case "eq":
		return NewEQ3Band(sampleRate,
			float32(arg(0, 1.0)),
			float32(arg(1, 1.0)),
			float32(arg(2, 1.0)),
			float32(arg(3, 300)),
			float32(arg(4, 3000)),
		)
	case "comp", "compressor":
		return NewCompressor(sampleRate,
			float32(arg(0, -20)),
			float32(arg(1, 4)),
			float32(arg(2, 5)),
			float32(arg(3, 100)),
			float32(arg(4, 6)),
		)
	}
	return nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
