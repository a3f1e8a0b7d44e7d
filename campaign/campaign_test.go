package campaign

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzcore/search/engine"
	"github.com/fuzzcore/search/stats"
	"github.com/fuzzcore/search/trace"
)

type constantExecutor struct{}

func (constantExecutor) Execute(_ context.Context, _ trace.Stdin) (trace.Report, error) {
	return trace.Report{
		Termination: trace.TerminationNormal,
		Trace: trace.Trace{
			{Loc: trace.Location{ID: 1}, Direction: false, Value: 1, Predicate: trace.PredicateEQ},
		},
		Stdin: trace.Stdin{Bits: []bool{false}},
	}, nil
}

type failingExecutor struct{}

func (failingExecutor) Execute(_ context.Context, _ trace.Stdin) (trace.Report, error) {
	return trace.Report{}, errors.New("client process crashed before reporting")
}

func TestRunCompletesAllInstances(t *testing.T) {
	cfg := engine.DefaultConfig
	cfg.MaxExecutions = 2

	c := New(zerolog.Nop(), cfg, prometheus.NewRegistry(), 3)
	results, err := c.Run(context.Background(), func(index int) (engine.Executor, error) {
		return constantExecutor{}, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, stats.ReasonExecutionsBudgetDepleted, r.Reason)
	}
}

func TestRunPropagatesFactoryError(t *testing.T) {
	cfg := engine.DefaultConfig
	cfg.MaxExecutions = 2

	c := New(zerolog.Nop(), cfg, prometheus.NewRegistry(), 2)
	_, err := c.Run(context.Background(), func(index int) (engine.Executor, error) {
		if index == 1 {
			return nil, errors.New("no client available for this instance")
		}
		return constantExecutor{}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not build executor")
}

func TestRunPropagatesExecutorFailure(t *testing.T) {
	cfg := engine.DefaultConfig
	cfg.MaxExecutions = 5

	c := New(zerolog.Nop(), cfg, prometheus.NewRegistry(), 1)
	_, err := c.Run(context.Background(), func(index int) (engine.Executor, error) {
		return failingExecutor{}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client process crashed")
}
