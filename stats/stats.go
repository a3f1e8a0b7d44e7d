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

// Package stats implements the budget/termination bookkeeping and the
// analysis result record flags (component I): budget polling in
// round_begin, the single termination reason a round loop ends with,
// a per-round Prometheus export, and the running incident log the
// engine feeds its engine-internal failures into.
package stats

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Flag is one bit of the analysis result record's flags field, reported
// for external test-suite writing.
type Flag uint8

// The six flag bits spec.md §6 names.
const (
	FlagBranchDiscovered Flag = 1 << iota
	FlagBranchCovered
	FlagExecutionCrashes
	FlagBoundaryConditionViolation
	FlagMediumOverflow
	FlagEmptyStartupTrace
)

// Has reports whether f includes other.
func (f Flag) Has(other Flag) bool {
	return f&other != 0
}

// Reason is the single value a round loop terminates with.
type Reason uint8

// The four termination reasons spec.md §6 names, plus the unset zero
// value for a loop still running.
const (
	ReasonNone Reason = iota
	ReasonAllReachableBranchingsCovered
	ReasonFuzzingStrategyDepleted
	ReasonTimeBudgetDepleted
	ReasonExecutionsBudgetDepleted
	// ReasonServerInternalError is not a budget outcome: it is how the
	// loop reports a fatal invariant violation per spec.md §7.
	ReasonServerInternalError
)

// String implements the Stringer interface.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonAllReachableBranchingsCovered:
		return "all_reachable_branchings_covered"
	case ReasonFuzzingStrategyDepleted:
		return "fuzzing_strategy_depleted"
	case ReasonTimeBudgetDepleted:
		return "time_budget_depleted"
	case ReasonExecutionsBudgetDepleted:
		return "executions_budget_depleted"
	case ReasonServerInternalError:
		return "server_internal_error"
	default:
		return "invalid"
	}
}

// Budget bounds a round loop's wall-clock and execution count; either
// limit reaching zero terminates the loop at the next round boundary.
type Budget struct {
	MaxExecutions uint64
	MaxSeconds    uint64
}

// Poller tracks consumption against a Budget, started once at the first
// round_begin.
type Poller struct {
	budget     Budget
	executions uint64
	started    time.Time
	running    bool
}

// NewPoller returns a Poller against budget. The wall clock starts on
// the first call to Tick.
func NewPoller(budget Budget) *Poller {
	return &Poller{budget: budget}
}

// Tick reports the termination reason if any budget is already
// exhausted; otherwise it records one execution. Starts the wall clock
// on first call.
func (p *Poller) Tick() (Reason, bool) {
	if !p.running {
		p.started = time.Now()
		p.running = true
	}
	if p.executions >= p.budget.MaxExecutions {
		return ReasonExecutionsBudgetDepleted, true
	}
	if p.budget.MaxSeconds > 0 && time.Since(p.started) >= time.Duration(p.budget.MaxSeconds)*time.Second {
		return ReasonTimeBudgetDepleted, true
	}
	p.executions++
	return ReasonNone, false
}

// CheckBeforeExecute reports EXECUTIONS_BUDGET_DEPLETED without
// consuming an execution or calling the client, per spec.md §8's
// max_executions=0 boundary behavior.
func (p *Poller) CheckBeforeExecute() (Reason, bool) {
	if p.executions >= p.budget.MaxExecutions {
		return ReasonExecutionsBudgetDepleted, true
	}
	return ReasonNone, false
}

// Executions reports how many ticks have been recorded so far.
func (p *Poller) Executions() uint64 {
	return p.executions
}

// Snapshot is the read-only view the control package's introspection
// API reports: executions run, coverage ratio, per-class open-branching
// counts, and the termination reason once the loop has reached one.
type Snapshot struct {
	Executions       uint64
	CoverageRatio    float64
	OpenLoopHead     int
	OpenSensitive    int
	OpenUntouched    int
	OpenIIDTwin      int
	TerminationReason Reason
	Incidents        int
}

// Stats accumulates one search's statistics: executions ticked, flag
// counts, and engine-internal incidents folded into a multierror so a
// single round can report more than one without dropping any.
type Stats struct {
	log zerolog.Logger

	flagCounts map[Flag]uint64
	incidents  *multierror.Error

	executionsTotal prometheus.Counter
	incidentsTotal  prometheus.Counter
	coverageRatio   prometheus.Gauge
}

// New returns a Stats that logs through log and registers its
// Prometheus collectors against reg.
func New(log zerolog.Logger, reg prometheus.Registerer) *Stats {
	return newStats(log, reg, nil)
}

// NewForInstance is New with every collector carrying an "instance"
// const label, so a campaign running several engines can register all
// of their Stats against one shared Registerer without a duplicate
// collector panic.
func NewForInstance(log zerolog.Logger, reg prometheus.Registerer, instance int) *Stats {
	return newStats(log, reg, prometheus.Labels{"instance": fmt.Sprintf("%d", instance)})
}

func newStats(log zerolog.Logger, reg prometheus.Registerer, labels prometheus.Labels) *Stats {
	s := &Stats{
		log:        log.With().Str("component", "stats").Logger(),
		flagCounts: make(map[Flag]uint64),
		executionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fuzzcore",
			Subsystem:   "engine",
			Name:        "executions_total",
			Help:        "Total number of client executions driven by the engine.",
			ConstLabels: labels,
		}),
		incidentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fuzzcore",
			Subsystem:   "engine",
			Name:        "incidents_total",
			Help:        "Total number of engine-internal incidents recorded.",
			ConstLabels: labels,
		}),
		coverageRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "fuzzcore",
			Subsystem:   "engine",
			Name:        "coverage_ratio",
			Help:        "Fraction of discovered (loc, direction) pairs that are covered.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(s.executionsTotal, s.incidentsTotal, s.coverageRatio)
	}
	return s
}

// RecordExecution folds one execution's result flags into the running
// counts.
func (s *Stats) RecordExecution(flags Flag) {
	s.executionsTotal.Inc()
	for _, f := range []Flag{
		FlagBranchDiscovered, FlagBranchCovered, FlagExecutionCrashes,
		FlagBoundaryConditionViolation, FlagMediumOverflow, FlagEmptyStartupTrace,
	} {
		if flags.Has(f) {
			s.flagCounts[f]++
		}
	}
}

// RecordIncident folds an engine-internal failure into the round's
// accumulated multierror and logs it, without aborting the caller: per
// spec.md §7, more than one incident can be flagged in a single
// round_end.
func (s *Stats) RecordIncident(context string, err error) {
	s.incidentsTotal.Inc()
	wrapped := fmt.Errorf("%s: %w", context, err)
	s.incidents = multierror.Append(s.incidents, wrapped)
	s.log.Warn().Err(wrapped).Msg("engine-internal incident recorded")
}

// Incidents returns the accumulated incidents as a single error, or nil
// if none were recorded.
func (s *Stats) Incidents() error {
	if s.incidents == nil {
		return nil
	}
	return s.incidents.ErrorOrNil()
}

// IncidentCount reports how many engine-internal incidents have been
// recorded so far, for the control package's Snapshot.
func (s *Stats) IncidentCount() int {
	if s.incidents == nil {
		return 0
	}
	return len(s.incidents.Errors)
}

// FlagCount reports how many executions have carried f so far.
func (s *Stats) FlagCount(f Flag) uint64 {
	return s.flagCounts[f]
}

// SetCoverageRatio updates the exported coverage ratio gauge.
func (s *Stats) SetCoverageRatio(ratio float64) {
	s.coverageRatio.Set(ratio)
}

// LogTermination logs the final termination reason at loop end, the
// same info-log-at-shutdown idiom the teacher's metrics output uses for
// its final print before Stop returns.
func (s *Stats) LogTermination(reason Reason, executions uint64) {
	s.log.Info().
		Str("reason", reason.String()).
		Uint64("executions", executions).
		Msg("search terminated")
}
