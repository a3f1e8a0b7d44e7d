package sensitivity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

func bits(n int, set ...int) []bool {
	b := make([]bool, n)
	for _, i := range set {
		b[i] = true
	}
	return b
}

func buildTargetTree(t *testing.T) (*tree.Tree, tree.NodeID) {
	t.Helper()
	tr := tree.New()
	report := trace.Report{
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 1}, Direction: true, Value: 1, Predicate: trace.PredicateEQ, StdinBytesRead: 1},
		},
		Stdin: trace.Stdin{Bits: bits(8, 0), Types: []trace.InputType{trace.TypeUntyped8}},
	}
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)
	return tr, tr.Root()
}

func TestSensitivityStartRequiresWitness(t *testing.T) {
	s := New()
	err := s.Start(tree.New(), 0)
	assert.Error(t, err)
}

func TestSensitivitySweepsEveryBitOfWitnessAndClassifiesDID(t *testing.T) {
	tr, root := buildTargetTree(t)

	s := New()
	require.NoError(t, s.Start(tr, root))
	assert.True(t, s.IsReady())
	assert.True(t, s.IsBusy())

	node := tr.Node(root)
	seen := 0
	for s.IsBusy() {
		stdin, ok := s.GenerateNextInput()
		if !ok {
			break
		}
		seen++
		// Flipping bit 0 changes the branching's direction in this fake
		// target: report a diverging trace at index 0 to mark bit 0 sensitive.
		direction := true
		if !stdin.Bits[0] {
			direction = false
		}
		report := trace.Report{
			Trace: trace.Trace{
				{Loc: trace.Location{ID: 1}, Direction: direction, Value: 1, Predicate: trace.PredicateEQ},
			},
		}
		_, err := s.ProcessResult(report)
		require.NoError(t, err)
	}

	assert.Equal(t, 8, seen, "must sweep every bit read by the time the branching occurred")
	assert.True(t, node.SensitivityPerformed)
	_, sensitive := node.SensitiveBits[0]
	assert.True(t, sensitive, "flipping bit 0 changed the branch direction, so it must be recorded sensitive")
	assert.True(t, node.DID())
}

func TestSensitivityWithNoDivergenceIsIID(t *testing.T) {
	tr, root := buildTargetTree(t)
	node := tr.Node(root)

	s := New()
	require.NoError(t, s.Start(tr, root))

	for s.IsBusy() {
		_, ok := s.GenerateNextInput()
		if !ok {
			break
		}
		report := trace.Report{
			Trace: trace.Trace{
				{Loc: trace.Location{ID: 1}, Direction: true, Value: 1, Predicate: trace.PredicateEQ},
			},
		}
		_, err := s.ProcessResult(report)
		require.NoError(t, err)
	}

	assert.True(t, node.IID())
	assert.Empty(t, node.SensitiveBits)
}
