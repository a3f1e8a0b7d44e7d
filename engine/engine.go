// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package engine implements the single-threaded cooperative search
// loop (component "engine"): the branching tree, the target selector,
// and the Monte-Carlo fallback explorer are driven through exactly two
// re-entry points per round, RoundBegin and RoundEnd, per spec.md §5.
// Nothing here blocks or spawns a background goroutine; the client
// process and any solver remain host-driven collaborators reached only
// through the Executor interface.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/fuzzcore/search/bitshare"
	"github.com/fuzzcore/search/montecarlo"
	"github.com/fuzzcore/search/rng"
	"github.com/fuzzcore/search/selector"
	"github.com/fuzzcore/search/stats"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// Executor is the external collaborator that actually runs the client
// process for one round and reports back its trace: the IPC transport,
// the client launcher, and the LLVM instrumentation all live behind
// this single method, out of scope for this module.
type Executor interface {
	Execute(ctx context.Context, stdin trace.Stdin) (trace.Report, error)
}

// Engine drives one fuzzing search: one tree, one target selector, one
// Monte-Carlo explorer, three isolated RNG streams, and the statistics
// that accumulate over the run.
type Engine struct {
	log zerolog.Logger
	cfg Config

	tr       *tree.Tree
	runner   *selector.Runner
	explorer *montecarlo.Explorer
	poller   *stats.Poller
	st       *stats.Stats

	reason          stats.Reason
	usingMonteCarlo bool
	pendingStdin    trace.Stdin
}

// New validates cfg and returns an Engine ready to drive rounds.
// Validation catches a zero MaxStdinBytes or a negative budget before
// the first round rather than deep inside a descent.
func New(log zerolog.Logger, cfg Config, reg prometheus.Registerer) (*Engine, error) {
	return newEngine(log, cfg, stats.New(log, reg))
}

// NewForInstance is New with its Stats labeled by instance, so a
// campaign running several engines against one shared Registerer does
// not hit a duplicate Prometheus collector registration.
func NewForInstance(log zerolog.Logger, cfg Config, reg prometheus.Registerer, instance int) (*Engine, error) {
	return newEngine(log, cfg, stats.NewForInstance(log, reg, instance))
}

func newEngine(log zerolog.Logger, cfg Config, st *stats.Stats) (*Engine, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	tr := tree.New()
	gens := rng.New(cfg.Seed)

	e := &Engine{
		log:      log.With().Str("component", "engine").Logger(),
		cfg:      cfg,
		tr:       tr,
		runner:   selector.NewRunner(bitshare.NewCache()),
		explorer: montecarlo.New(tr, gens),
		poller:   stats.NewPoller(stats.Budget{MaxExecutions: uint64(cfg.MaxExecutions), MaxSeconds: uint64(cfg.MaxSeconds)}),
		st:       st,
	}
	return e, nil
}

// Tree exposes the branching tree being built, for a host that wants to
// inspect coverage outside the round loop (e.g. the control package's
// introspection API).
func (e *Engine) Tree() *tree.Tree { return e.tr }

// Stats exposes the running statistics.
func (e *Engine) Stats() *stats.Stats { return e.st }

// Reason reports the termination reason once the loop has reached one,
// or stats.ReasonNone while still running.
func (e *Engine) Reason() stats.Reason { return e.reason }

// Snapshot reports the read-only view of the running search that the
// control package's introspection API surfaces: it never drives the
// engine, only reads state already produced by the round loop.
func (e *Engine) Snapshot() stats.Snapshot {
	counts := selector.CountOpenClasses(e.tr, e.explorer)
	return stats.Snapshot{
		Executions:        e.poller.Executions(),
		CoverageRatio:     e.coverageRatio(),
		OpenLoopHead:      counts.LoopHead,
		OpenSensitive:     counts.Sensitive,
		OpenUntouched:     counts.Untouched,
		OpenIIDTwin:       counts.IIDTwin,
		TerminationReason: e.reason,
		Incidents:         e.st.IncidentCount(),
	}
}

// RoundBegin is the first of the two re-entry points per round: it
// polls the wall-clock and executions budgets, and if neither is
// exhausted, returns the next stdin to execute. Producing that stdin
// advances the current analysis's cursor (and may finish the analysis);
// the tree's structure is not changed here.
func (e *Engine) RoundBegin(ctx context.Context) (trace.Stdin, stats.Reason, bool) {
	if e.reason != stats.ReasonNone {
		return trace.Stdin{}, e.reason, true
	}
	if reason, done := e.poller.Tick(); done {
		e.reason = reason
		e.st.LogTermination(reason, e.poller.Executions())
		return trace.Stdin{}, reason, true
	}
	return e.nextStdin(), stats.ReasonNone, false
}

func (e *Engine) nextStdin() trace.Stdin {
	if !e.tr.HasRoot() {
		return trace.Stdin{}
	}
	if e.usingMonteCarlo {
		return e.pendingStdin
	}
	stdin, ok := e.runner.GenerateNextInput()
	if !ok {
		return trace.Stdin{}
	}
	return stdin
}

// RoundEnd is the second re-entry point: it merges the execution's
// trace into the tree, folds the result into statistics and the
// Monte-Carlo histogram, advances whichever analysis produced this
// round's stdin, and selects the next target for the following round.
func (e *Engine) RoundEnd(report trace.Report) error {
	var flags stats.Flag
	switch report.Termination {
	case trace.TerminationCrash:
		flags |= stats.FlagExecutionCrashes
	case trace.TerminationBoundaryViolation:
		flags |= stats.FlagBoundaryConditionViolation
	case trace.TerminationMediumOverflow:
		flags |= stats.FlagMediumOverflow
	}

	if len(report.Trace) == 0 {
		if e.poller.Executions() == 1 {
			flags |= stats.FlagEmptyStartupTrace
		}
		e.st.RecordExecution(flags)
		return e.selectNextState()
	}

	if e.cfg.MaxTraceLength > 0 && len(report.Trace) > e.cfg.MaxTraceLength {
		report.Trace = report.Trace[:e.cfg.MaxTraceLength]
		report.Termination = trace.TerminationBoundaryViolation
		flags |= stats.FlagBoundaryConditionViolation
	}

	execNum := e.poller.Executions()
	target := e.runner.Target()
	delta, err := e.tr.Merge(report, execNum)
	if err != nil {
		e.st.RecordIncident("tree merge", err)
		e.st.RecordExecution(flags)
		return e.selectNextState()
	}
	if len(delta.NewLocations) > 0 {
		flags |= stats.FlagBranchDiscovered
	}
	if len(delta.NewlyCovered) > 0 {
		flags |= stats.FlagBranchCovered
	}
	e.st.RecordExecution(flags)
	e.st.SetCoverageRatio(e.coverageRatio())
	e.explorer.Observe(report)

	if e.usingMonteCarlo {
		e.usingMonteCarlo = false
	} else if e.runnerIsActive() {
		_, perr := e.runner.ProcessResult(report)
		if perr != nil {
			e.st.RecordIncident("analysis result", perr)
		}
		if node := e.tr.Node(target); node != nil && node.IID() {
			e.explorer.RegisterIID(target)
		}
	}

	return e.selectNextState()
}

func (e *Engine) runnerIsActive() bool {
	switch e.runner.Stage() {
	case selector.StageIdle, selector.StageFinished:
		return false
	default:
		return true
	}
}

// selectNextState picks the next target once the current analysis, if
// any, is not busy: the highest-priority open branching, or failing
// that a Monte-Carlo input, or failing that a terminal reason.
func (e *Engine) selectNextState() error {
	if e.runnerIsActive() && e.runner.IsBusy() {
		return nil
	}

	target, err := selector.SelectTarget(e.tr, e.explorer)
	if err == nil {
		if berr := e.runner.Begin(e.tr, target); berr != nil {
			e.st.RecordIncident("runner begin", berr)
		}
		return nil
	}
	if !errors.Is(err, selector.ErrNoTarget) {
		return fmt.Errorf("could not select target: %w", err)
	}

	stdin, ok := e.explorer.NextInput()
	if ok {
		e.usingMonteCarlo = true
		e.pendingStdin = stdin
		return nil
	}

	if e.allReachableCovered() {
		e.reason = stats.ReasonAllReachableBranchingsCovered
	} else {
		e.reason = stats.ReasonFuzzingStrategyDepleted
	}
	e.st.LogTermination(e.reason, e.poller.Executions())
	return nil
}

func (e *Engine) allReachableCovered() bool {
	return e.tr.HasRoot() && len(e.tr.Coverage().Uncovered()) == 0
}

func (e *Engine) coverageRatio() float64 {
	cov := e.tr.Coverage()
	covered := len(cov.CoveredIDs())
	uncovered := len(cov.Uncovered())
	total := covered + uncovered
	if total == 0 {
		return 0
	}
	return float64(covered) / float64(total)
}

// Drive runs the round loop to completion against exec, the host's
// client-execution collaborator, returning the reason the loop
// terminated with.
func (e *Engine) Drive(ctx context.Context, exec Executor) (stats.Reason, error) {
	for {
		stdin, reason, done := e.RoundBegin(ctx)
		if done {
			return reason, nil
		}
		report, err := exec.Execute(ctx, stdin)
		if err != nil {
			e.st.RecordIncident("client execution", err)
			return stats.ReasonServerInternalError, err
		}
		if err := e.RoundEnd(report); err != nil {
			return stats.ReasonServerInternalError, err
		}
		if err := ctx.Err(); err != nil {
			return stats.ReasonNone, err
		}
	}
}
