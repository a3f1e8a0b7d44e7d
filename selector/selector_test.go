package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/bitshare"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// buildChainTree merges a two-node trace: loc1 (taking direction false)
// leading to loc2, which ends normally. loc1's true direction and both
// of loc2's directions remain unvisited, so both nodes start Open.
func buildChainTree(t *testing.T) (*tree.Tree, tree.NodeID, tree.NodeID) {
	t.Helper()
	tr := tree.New()
	report := trace.Report{
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 1}, Direction: false, Value: 1, Predicate: trace.PredicateEQ},
			{Loc: trace.Location{ID: 2}, Direction: false, Value: 1, Predicate: trace.PredicateEQ},
		},
		Stdin: trace.Stdin{Bits: []bool{false, false}},
	}
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)

	root := tr.Root()
	child := tr.Node(root).Successors[0].Child
	return tr, root, child
}

func buildSimpleTarget(t *testing.T) (*tree.Tree, tree.NodeID) {
	t.Helper()
	tr := tree.New()
	report := trace.Report{
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 9}, Direction: false, Value: 3, Predicate: trace.PredicateEQ},
		},
		Stdin: trace.Stdin{Bits: []bool{false, false, false}},
	}
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)
	return tr, tr.Root()
}

func TestSelectTargetPrefersSensitiveOverUntouched(t *testing.T) {
	tr, root, _ := buildChainTree(t)

	rootNode := tr.Node(root)
	rootNode.SensitivityPerformed = true
	rootNode.SensitiveBits = map[uint32]struct{}{0: {}}
	// child is left untouched (SensitivityPerformed == false).

	got, err := SelectTarget(tr, nil)
	require.NoError(t, err)
	assert.Equal(t, root, got, "a DID node must win over an untouched one regardless of tie-break")
}

func TestSelectTargetTieBreaksByFewerSensitiveBits(t *testing.T) {
	tr, root, child := buildChainTree(t)

	rootNode := tr.Node(root)
	rootNode.SensitivityPerformed = true
	rootNode.SensitiveBits = map[uint32]struct{}{0: {}, 1: {}}

	childNode := tr.Node(child)
	childNode.SensitivityPerformed = true
	childNode.SensitiveBits = map[uint32]struct{}{0: {}}

	got, err := SelectTarget(tr, nil)
	require.NoError(t, err)
	assert.Equal(t, child, got, "fewer sensitive bits must win the tie-break within the same class")
}

func TestSelectTargetErrorsWhenNothingOpen(t *testing.T) {
	tr, root := buildSimpleTarget(t)
	node := tr.Node(root)
	node.SensitivityPerformed = true
	node.SensitiveBits = nil // IID, and no pivot source means no IID-twin class either.

	_, err := SelectTarget(tr, nil)
	assert.ErrorIs(t, err, ErrNoTarget)
}

func TestRunnerSkipsTypedMinimizationWhenXorLike(t *testing.T) {
	tr, root := buildSimpleTarget(t)
	node := tr.Node(root)
	node.SensitivityPerformed = true
	node.SensitiveBits = map[uint32]struct{}{0: {}, 1: {}, 2: {}}
	node.BitsharePerformed = true
	node.XorLike = true

	r := NewRunner(bitshare.NewCache())
	require.NoError(t, r.Begin(tr, root))
	assert.Equal(t, StageMinimization, r.Stage())
}

func TestRunnerFinishesAndRecordsHopeWhenExhausted(t *testing.T) {
	tr, root := buildSimpleTarget(t)
	node := tr.Node(root)
	node.SensitivityPerformed = true
	node.SensitiveBits = map[uint32]struct{}{0: {}}
	node.BitsharePerformed = true
	node.MinimizationPerformed = true

	r := NewRunner(bitshare.NewCache())
	require.NoError(t, r.Begin(tr, root))
	assert.Equal(t, StageFinished, r.Stage())
	assert.Equal(t, 1, r.HopeCount())
}

func TestRunnerReopensHopeWhenWitnessImproves(t *testing.T) {
	tr, root := buildSimpleTarget(t)
	node := tr.Node(root)
	node.BitsharePerformed = true
	node.MinimizationPerformed = true

	r := NewRunner(bitshare.NewCache())
	r.tr = tr
	r.hope[root] = node.BestCoverageValue

	node.BestCoverageValue -= 1

	r.checkHope()
	assert.Equal(t, 0, r.HopeCount())
	assert.False(t, node.BitsharePerformed, "reopening must clear BitsharePerformed so it is retried")
	assert.False(t, node.MinimizationPerformed)
}
