package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

func sampleReport(direction bool) trace.Report {
	return trace.Report{
		Termination: trace.TerminationNormal,
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 1}, Direction: direction, Value: 42, Predicate: trace.PredicateEQ},
		},
		Stdin: trace.Stdin{Bits: []bool{direction}},
	}
}

func TestAppendAndLoadRoundTrips(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append(0, sampleReport(false)))
	require.NoError(t, store.Append(1, sampleReport(true)))

	reports, err := store.Load()
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.False(t, reports[0].Trace[0].Direction)
	assert.True(t, reports[1].Trace[0].Direction)
}

func TestRecorderAssignsSequentialIndices(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rec := NewRecorder(store)
	require.NoError(t, rec.Record(sampleReport(false)))
	require.NoError(t, rec.Record(sampleReport(true)))
	require.NoError(t, rec.Record(sampleReport(false)))

	reports, err := store.Load()
	require.NoError(t, err)
	require.Len(t, reports, 3)
}

func TestReplayRebuildsTreeFromPersistedReports(t *testing.T) {
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	rec := NewRecorder(store)
	require.NoError(t, rec.Record(sampleReport(false)))
	require.NoError(t, rec.Record(sampleReport(true)))

	tr := tree.New()
	n, err := Replay(store, tr)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, tr.HasRoot())
	assert.Equal(t, 1, len(tr.Coverage().CoveredIDs()))
}
