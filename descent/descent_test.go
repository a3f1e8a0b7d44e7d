package descent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

func decodeU8(bits []bool) int {
	v := 0
	for _, b := range bits {
		v <<= 1
		if b {
			v |= 1
		}
	}
	return v
}

// oracle simulates a client that reads one u8 x and branches on x == 42,
// reporting value = x - 42 (its magnitude is the distance to 42).
func oracle(stdin trace.Stdin) trace.Report {
	x := decodeU8(stdin.Bits[:8])
	value := float64(x - 42)
	return trace.Report{
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 1}, Direction: x == 42, Value: value, Predicate: trace.PredicateEQ},
		},
	}
}

func buildDescentTarget(t *testing.T, x int) (*tree.Tree, tree.NodeID) {
	t.Helper()
	tr := tree.New()
	stdin := trace.Stdin{Bits: make([]bool, 8), Types: []trace.InputType{trace.TypeU8}}
	v := x
	for i := 7; i >= 0; i-- {
		stdin.Bits[i] = v&1 == 1
		v >>= 1
	}
	report := oracle(stdin)
	report.Stdin = stdin
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)

	root := tr.Root()
	node := tr.Node(root)
	node.SensitivityPerformed = true
	node.SensitiveBits = map[uint32]struct{}{0: {}, 1: {}, 2: {}, 3: {}, 4: {}, 5: {}, 6: {}, 7: {}}
	return tr, root
}

func TestEligibleRejectsUntypedAndXorLike(t *testing.T) {
	tr, root := buildDescentTarget(t, 50)
	assert.True(t, Eligible(tr, root))

	node := tr.Node(root)
	node.XorLike = true
	assert.False(t, Eligible(tr, root))
	node.XorLike = false

	node.SensitiveBits = map[uint32]struct{}{100: {}}
	assert.False(t, Eligible(tr, root), "a sensitive bit outside any chunk is not eligible")
}

func TestDescentFindsZeroCrossingByGradientStep(t *testing.T) {
	tr, root := buildDescentTarget(t, 50)
	d := New()
	require.NoError(t, d.Start(tr, root))
	require.True(t, d.IsBusy())

	var outcome analysis.Outcome
	for d.IsBusy() {
		stdin, ok := d.GenerateNextInput()
		if !ok {
			break
		}
		report := oracle(stdin)
		var err error
		outcome, err = d.ProcessResult(report)
		require.NoError(t, err)
	}

	assert.Equal(t, analysis.Succeeded, outcome)
	assert.True(t, tr.Node(root).MinimizationPerformed)
}

func TestDescentFailsWhenGradientIsZero(t *testing.T) {
	// A constant oracle: value never changes, so the estimated gradient
	// is zero and no candidate can be built.
	tr := tree.New()
	stdin := trace.Stdin{Bits: make([]bool, 8), Types: []trace.InputType{trace.TypeU8}}
	report := trace.Report{
		Trace: trace.Trace{{Loc: trace.Location{ID: 1}, Direction: false, Value: 5, Predicate: trace.PredicateEQ}},
		Stdin: stdin,
	}
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)
	root := tr.Root()
	node := tr.Node(root)
	node.SensitivityPerformed = true
	node.SensitiveBits = map[uint32]struct{}{0: {}}

	d := New()
	require.NoError(t, d.Start(tr, root))

	var outcome analysis.Outcome
	for d.IsBusy() {
		s, ok := d.GenerateNextInput()
		if !ok {
			break
		}
		_ = s
		outcome, err = d.ProcessResult(trace.Report{
			Trace: trace.Trace{{Loc: trace.Location{ID: 1}, Direction: false, Value: 5, Predicate: trace.PredicateEQ}},
		})
		require.NoError(t, err)
	}

	assert.Equal(t, analysis.Failed, outcome)
}
