package minimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// oracle simulates a branching on (bit0 XOR bit1 XOR bit2), reporting a
// value of 0 when the predicate holds, 1 otherwise. XOR-like conditions
// are exactly the case descent cannot handle but bit minimization can:
// flipping any single one of the three bits changes the direction, while
// flipping any two together restores it.
func xorOracle(bits []bool) trace.Report {
	direction := bits[0] != bits[1]
	direction = direction != bits[2]
	value := 1.0
	if direction {
		value = 0
	}
	return trace.Report{
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 3}, Direction: direction, Value: value, Predicate: trace.PredicateEQ},
		},
	}
}

func buildXorTarget(t *testing.T, seed []bool) (*tree.Tree, tree.NodeID) {
	t.Helper()
	tr := tree.New()
	stdin := trace.Stdin{Bits: append([]bool(nil), seed...)}
	report := xorOracle(stdin.Bits)
	report.Stdin = stdin
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)

	root := tr.Root()
	node := tr.Node(root)
	node.SensitivityPerformed = true
	node.XorLike = true
	node.SensitiveBits = map[uint32]struct{}{0: {}, 1: {}, 2: {}}
	return tr, root
}

func TestMinimizationFlipsXorBranchingFromBaselineSeed(t *testing.T) {
	// Seed bits = {false, false, false} => direction false (0 XORs).
	// The baseline seed comes first; its first single-bit partial
	// ({true, false, false}) XORs to true and flips the branching.
	tr, root := buildXorTarget(t, []bool{false, false, false})

	m := New()
	require.NoError(t, m.Start(tr, root))
	require.True(t, m.IsBusy())

	var outcome analysis.Outcome
	for m.IsBusy() {
		stdin, ok := m.GenerateNextInput()
		if !ok {
			break
		}
		var err error
		outcome, err = m.ProcessResult(xorOracle(stdin.Bits))
		require.NoError(t, err)
	}

	assert.Equal(t, analysis.Succeeded, outcome)
	assert.True(t, tr.Node(root).MinimizationPerformed)
}

func TestMinimizationFailsWhenValueNeverChanges(t *testing.T) {
	tr := tree.New()
	stdin := trace.Stdin{Bits: []bool{false, false, false}}
	report := trace.Report{
		Trace: trace.Trace{{Loc: trace.Location{ID: 3}, Direction: false, Value: 1, Predicate: trace.PredicateEQ}},
		Stdin: stdin,
	}
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)
	root := tr.Root()
	node := tr.Node(root)
	node.SensitivityPerformed = true
	node.SensitiveBits = map[uint32]struct{}{0: {}, 1: {}, 2: {}}

	constant := trace.Report{
		Trace: trace.Trace{{Loc: trace.Location{ID: 3}, Direction: false, Value: 1, Predicate: trace.PredicateEQ}},
	}

	m := New()
	require.NoError(t, m.Start(tr, root))

	var outcome analysis.Outcome
	for m.IsBusy() {
		_, ok := m.GenerateNextInput()
		if !ok {
			break
		}
		outcome, err = m.ProcessResult(constant)
		require.NoError(t, err)
	}

	assert.Equal(t, analysis.Failed, outcome)
	assert.True(t, tr.Node(root).MinimizationPerformed)
}

func TestStartRequiresWitnessAndSensitiveBits(t *testing.T) {
	tr := tree.New()
	report := trace.Report{
		Trace: trace.Trace{{Loc: trace.Location{ID: 9}, Direction: false, Value: 1, Predicate: trace.PredicateEQ}},
		Stdin: trace.Stdin{Bits: []bool{false}},
	}
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)
	root := tr.Root()

	m := New()
	assert.ErrorIs(t, m.Start(tr, root), ErrNoWitness, "no sensitive bits recorded yet")
}
