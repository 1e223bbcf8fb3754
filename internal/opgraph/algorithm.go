package opgraph

// Algorithm describes how up to 4 operators are wired into a Channel's
// carrier sum. Modulators[i] lists
// the operator indices whose linear output phase-modulates operator i
// this sample; Carriers lists the operator indices summed for the
// channel's audio output. Processing always proceeds index 0..N-1, so
// Modulators[i] must only reference indices < i.
type Algorithm struct {
	Modulators [4][]int
	Carriers   []int
}

// ModulationShift scales a modulator's linear sample into phase-offset
// units before it's added to the next operator's phase.
const ModulationShift = 3

// algorithms1 through algorithms4 are the fixed per-operator-count
// connection-graph sets; routing is data rather than a hardcoded
// expression per operator count.
var algorithms1 = []Algorithm{
	{Carriers: []int{0}},
}

var algorithms2 = []Algorithm{
	{Modulators: [4][]int{1: {0}}, Carriers: []int{1}},
	{Carriers: []int{0, 1}},
}

var algorithms3 = []Algorithm{
	{Modulators: [4][]int{1: {0}, 2: {1}}, Carriers: []int{2}},
	{Modulators: [4][]int{2: {0, 1}}, Carriers: []int{2}},
	{Modulators: [4][]int{1: {0}}, Carriers: []int{1, 2}},
	{Carriers: []int{0, 1, 2}},
}

var algorithms4 = []Algorithm{
	{Modulators: [4][]int{1: {0}, 2: {1}, 3: {2}}, Carriers: []int{3}},
	{Modulators: [4][]int{2: {0, 1}, 3: {2}}, Carriers: []int{3}},
	{Modulators: [4][]int{3: {0, 2}, 2: {1}}, Carriers: []int{3}},
	{Modulators: [4][]int{1: {0}, 3: {1, 2}}, Carriers: []int{3}},
	{Modulators: [4][]int{1: {0}, 3: {2}}, Carriers: []int{1, 3}},
	{Modulators: [4][]int{1: {0}, 2: {0}, 3: {0}}, Carriers: []int{1, 2, 3}},
	{Modulators: [4][]int{1: {0}}, Carriers: []int{1, 2, 3}},
	{Carriers: []int{0, 1, 2, 3}},
}

// AlgorithmSet returns the algorithm table for the given operator count
// (1..4), clamping out-of-range counts to the nearest valid size.
func AlgorithmSet(opCount int) []Algorithm {
	switch {
	case opCount <= 1:
		return algorithms1
	case opCount == 2:
		return algorithms2
	case opCount == 3:
		return algorithms3
	default:
		return algorithms4
	}
}

// FeedbackOperator returns the index of the operator that receives
// self-feedback for a given algorithm set.
func FeedbackOperator(opCount int, altPosition bool) int {
	if altPosition && opCount >= 3 {
		return 1
	}
	return 0
}
