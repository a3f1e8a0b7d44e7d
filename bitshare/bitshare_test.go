package bitshare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

func buildNode(t *testing.T) (*tree.Tree, tree.NodeID) {
	t.Helper()
	tr := tree.New()
	report := trace.Report{
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 7}, Direction: false, Value: 1, Predicate: trace.PredicateEQ},
		},
		Stdin: trace.Stdin{Bits: []bool{false, false, false, false}},
	}
	_, err := tr.Merge(report, 1)
	require.NoError(t, err)
	node := tr.Node(tr.Root())
	node.SensitiveBits = map[uint32]struct{}{1: {}}
	node.SensitivityPerformed = true
	return tr, tr.Root()
}

func TestCacheRecordAndPatternsFIFO(t *testing.T) {
	c := NewCache()
	for i := 0; i < Cap+5; i++ {
		c.Record(7, true, trace.Stdin{Bits: []bool{i%2 == 0}}, map[uint32]struct{}{0: {}})
	}
	patterns := c.Patterns(7, true)
	assert.Len(t, patterns, Cap, "deque must evict oldest entries past Cap")
}

func TestBitshareSkipsWhenCacheEmpty(t *testing.T) {
	tr, root := buildNode(t)
	b := New(NewCache())
	require.NoError(t, b.Start(tr, root))
	assert.False(t, b.IsBusy(), "no cached patterns means nothing to replay")
}

func TestBitshareReplaysAndDetectsFlip(t *testing.T) {
	tr, root := buildNode(t)
	cache := NewCache()
	// Record a pattern under the "want" direction (true, since the
	// witness recorded false) so Start finds something to replay.
	cache.Record(7, true, trace.Stdin{Bits: []bool{false, true, false, false}}, map[uint32]struct{}{1: {}})

	b := New(cache)
	require.NoError(t, b.Start(tr, root))
	require.True(t, b.IsBusy())

	stdin, ok := b.GenerateNextInput()
	require.True(t, ok)
	assert.True(t, stdin.Bits[1], "replay must overwrite the sensitive bit with the cached value")

	outcome, err := b.ProcessResult(trace.Report{
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 7}, Direction: true, Value: 1, Predicate: trace.PredicateEQ},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, analysis.Succeeded, outcome)
	assert.True(t, tr.Node(root).BitsharePerformed)
}
