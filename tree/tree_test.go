package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/trace"
)

func loc(id uint32) trace.Location {
	return trace.Location{ID: id}
}

func TestMergeBuildsRootOnFirstTrace(t *testing.T) {
	tr := New()
	report := trace.Report{
		Termination: trace.TerminationNormal,
		Trace: trace.Trace{
			{Loc: loc(1), Direction: true, Value: 1.0, Predicate: trace.PredicateEQ},
		},
		Stdin: trace.Stdin{Bits: []bool{true}},
	}

	delta, err := tr.Merge(report, 1)
	require.NoError(t, err)
	require.True(t, tr.HasRoot())
	assert.Equal(t, []trace.Location{loc(1)}, delta.NewLocations)

	root := tr.Node(tr.Root())
	require.NotNil(t, root)
	assert.Equal(t, Successor{Kind: EndNormal, Child: NoNode}, root.Successor(true))
	assert.Equal(t, Successor{Kind: NotVisited, Child: NoNode}, root.Successor(false))
}

func TestMergeRootMismatchIsTreeLevelFailure(t *testing.T) {
	tr := New()
	first := trace.Report{
		Trace: trace.Trace{{Loc: loc(1), Direction: true, Predicate: trace.PredicateEQ}},
	}
	_, err := tr.Merge(first, 1)
	require.NoError(t, err)

	second := trace.Report{
		Trace: trace.Trace{{Loc: loc(2), Direction: true, Predicate: trace.PredicateEQ}},
	}
	_, err = tr.Merge(second, 2)
	assert.ErrorIs(t, err, ErrRootMismatch)
}

func TestMergeExtendsFrontier(t *testing.T) {
	tr := New()
	first := trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: false, Value: 1, Predicate: trace.PredicateLT},
		},
	}
	_, err := tr.Merge(first, 1)
	require.NoError(t, err)

	second := trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: false, Value: 1, Predicate: trace.PredicateLT},
			{Loc: loc(2), Direction: true, Value: 2, Predicate: trace.PredicateEQ},
		},
	}
	delta, err := tr.Merge(second, 2)
	require.NoError(t, err)
	assert.Equal(t, []trace.Location{loc(2)}, delta.NewLocations)

	root := tr.Node(tr.Root())
	succ := root.Successor(false)
	require.Equal(t, Visited, succ.Kind)
	child := tr.Node(succ.Child)
	assert.Equal(t, loc(2), child.Loc)
	assert.Equal(t, 1, child.TraceIndex)
}

func TestMergeDivergenceError(t *testing.T) {
	tr := New()
	first := trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: false, Predicate: trace.PredicateLT},
			{Loc: loc(2), Direction: true, Predicate: trace.PredicateEQ},
		},
	}
	_, err := tr.Merge(first, 1)
	require.NoError(t, err)

	diverging := trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: false, Predicate: trace.PredicateLT},
			{Loc: loc(3), Direction: true, Predicate: trace.PredicateEQ},
		},
	}
	_, err = tr.Merge(diverging, 2)
	assert.ErrorIs(t, err, ErrDivergence)
}

func TestBestSummaryValueMonotonicity(t *testing.T) {
	tr := New()
	mk := func(v float64) trace.Report {
		return trace.Report{Trace: trace.Trace{{Loc: loc(1), Direction: true, Value: v, Predicate: trace.PredicateEQ}}}
	}

	_, err := tr.Merge(mk(10), 1)
	require.NoError(t, err)
	root := tr.Node(tr.Root())
	assert.Equal(t, 100.0, root.BestSummaryValue)

	_, err = tr.Merge(mk(20), 2)
	require.NoError(t, err)
	assert.Equal(t, 100.0, root.BestSummaryValue, "worse summary must not replace the witness")

	_, err = tr.Merge(mk(5), 3)
	require.NoError(t, err)
	assert.Equal(t, 25.0, root.BestSummaryValue, "strictly better finite summary replaces the witness")
}

func TestNonFiniteValueNeverReplacesAnExistingFiniteWitness(t *testing.T) {
	tr := New()
	finite := trace.Report{Trace: trace.Trace{{Loc: loc(1), Direction: true, Value: 3, Predicate: trace.PredicateEQ}}}
	_, err := tr.Merge(finite, 1)
	require.NoError(t, err)

	nonFinite := trace.Report{Trace: trace.Trace{{Loc: loc(1), Direction: true, Value: 1.0 / zero(), Predicate: trace.PredicateEQ}}}
	_, err = tr.Merge(nonFinite, 2)
	require.NoError(t, err)

	root := tr.Node(tr.Root())
	assert.Equal(t, 9.0, root.BestSummaryValue)
}

func zero() float64 { return 0 }

func TestUncoveredDisjointFromCovered(t *testing.T) {
	tr := New()
	_, err := tr.Merge(trace.Report{Trace: trace.Trace{{Loc: loc(1), Direction: false, Predicate: trace.PredicateLT}}}, 1)
	require.NoError(t, err)
	assert.True(t, tr.Coverage().Covered(1) == false)
	_, ok := tr.Coverage().Uncovered()[UncoveredKey{Loc: loc(1), Direction: true}]
	assert.True(t, ok)

	_, err = tr.Merge(trace.Report{Trace: trace.Trace{{Loc: loc(1), Direction: true, Predicate: trace.PredicateLT}}}, 2)
	require.NoError(t, err)

	assert.True(t, tr.Coverage().Covered(1))
	for k := range tr.Coverage().Uncovered() {
		assert.NotEqual(t, uint32(1), k.Loc.ID, "covered id must not remain in uncovered")
	}
}

func TestClosedPropagation(t *testing.T) {
	tr := New()
	_, err := tr.Merge(trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: false, Predicate: trace.PredicateEQ},
		},
	}, 1)
	require.NoError(t, err)
	_, err = tr.Merge(trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: true, Predicate: trace.PredicateEQ},
		},
	}, 2)
	require.NoError(t, err)

	root := tr.Node(tr.Root())
	root.SensitivityPerformed = true
	root.BitsharePerformed = true
	root.MinimizationPerformed = true

	tr.MarkClosedFrom(tr.Root())
	assert.True(t, root.Closed)
}

func TestReopenClearsClosedAncestors(t *testing.T) {
	tr := New()
	_, err := tr.Merge(trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: false, Predicate: trace.PredicateEQ},
			{Loc: loc(2), Direction: false, Predicate: trace.PredicateEQ},
		},
	}, 1)
	require.NoError(t, err)

	root := tr.Node(tr.Root())
	root.Closed = true

	_, err = tr.Merge(trace.Report{
		Trace: trace.Trace{
			{Loc: loc(1), Direction: true, Predicate: trace.PredicateEQ},
		},
	}, 2)
	require.NoError(t, err)

	assert.False(t, root.Closed, "discovering a new direction must reopen ancestors")
}
