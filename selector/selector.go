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

// Package selector implements the target selector and per-node analysis
// state machine (component G): it picks the next open branching to work
// on, and drives it through sensitivity, bitshare, and typed or untyped
// minimization in turn.
package selector

import (
	"errors"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/bitshare"
	"github.com/fuzzcore/search/descent"
	"github.com/fuzzcore/search/internal/bits"
	"github.com/fuzzcore/search/minimization"
	"github.com/fuzzcore/search/sensitivity"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// class is an open-branching priority class, in the order spec.md §4.G
// lists them.
type class int

const (
	classNone class = iota
	classLoopHead
	classSensitive
	classUntouched
	classIIDTwin
)

// classOrder is the priority order classes are searched in: the first
// one with any candidate wins outright, regardless of how many
// candidates a lower-priority class has.
var classOrder = [...]class{classLoopHead, classSensitive, classUntouched, classIIDTwin}

// PivotSource answers the "best IID pivot value at this location" query
// the IID-twin class needs. montecarlo's pivot table implements this;
// passing a nil source simply disables the IID-twin class.
type PivotSource interface {
	BestPivotValue(loc trace.Location) (value float64, ok bool)
}

// ErrNoTarget is returned by SelectTarget when no node in the tree
// qualifies for any open-branching class.
var ErrNoTarget = errors.New("selector: no open branching available")

// SelectTarget scans every node in t and returns the winner of the
// highest-priority non-empty class, broken by the total tie-break order
// from spec.md §4.G. pivots may be nil.
func SelectTarget(t *tree.Tree, pivots PivotSource) (tree.NodeID, error) {
	for _, cls := range classOrder {
		var best tree.NodeID
		var bestNode *tree.Node
		found := false
		for i := 0; i < t.Len(); i++ {
			id := tree.NodeID(i)
			n := t.Node(id)
			if classify(t, id, n, pivots) != cls {
				continue
			}
			if !found || less(n, bestNode) {
				best, bestNode, found = id, n, true
			}
		}
		if found {
			return best, nil
		}
	}
	return tree.NoNode, ErrNoTarget
}

// ClassCounts is a per-class tally of open branchings, the shape the
// control package's introspection snapshot reports.
type ClassCounts struct {
	LoopHead  int
	Sensitive int
	Untouched int
	IIDTwin   int
}

// CountOpenClasses scans every node in t and tallies how many currently
// fall into each open-branching priority class, for reporting rather
// than for target selection: unlike SelectTarget it does not stop at
// the first non-empty class.
func CountOpenClasses(t *tree.Tree, pivots PivotSource) ClassCounts {
	var counts ClassCounts
	for i := 0; i < t.Len(); i++ {
		id := tree.NodeID(i)
		n := t.Node(id)
		switch classify(t, id, n, pivots) {
		case classLoopHead:
			counts.LoopHead++
		case classSensitive:
			counts.Sensitive++
		case classUntouched:
			counts.Untouched++
		case classIIDTwin:
			counts.IIDTwin++
		}
	}
	return counts
}

func classify(t *tree.Tree, id tree.NodeID, n *tree.Node, pivots PivotSource) class {
	if n.Open() {
		if t.IsLoopHead(id) {
			return classLoopHead
		}
		if n.DID() {
			return classSensitive
		}
		if !n.SensitivityPerformed {
			return classUntouched
		}
		return classNone
	}
	if isIIDTwin(n, pivots) {
		return classIIDTwin
	}
	return classNone
}

// isIIDTwin reports whether an otherwise-closed IID node is still worth
// retrying bitshare/minimization against, because its best value beats
// the best pivot recorded for its own location: bitshare's multi-bit
// replay can still flip a branching that single-bit sensitivity missed.
func isIIDTwin(n *tree.Node, pivots PivotSource) bool {
	if pivots == nil {
		return false
	}
	if !n.IID() {
		return false
	}
	if n.Successors[0].Kind != tree.NotVisited && n.Successors[1].Kind != tree.NotVisited {
		return false
	}
	if n.BitsharePerformed && n.MinimizationPerformed {
		return false
	}
	best, ok := pivots.BestPivotValue(n.Loc)
	if !ok {
		return false
	}
	return n.BestCoverageValue < best
}

// less implements the tie-break total order:
// sensitivity_performed? (not yet performed first) → |sensitive_bits|
// asc → distance to the central input-width class asc → num_stdin_bytes
// asc → trace_index asc → max_successors_trace_index desc.
func less(a, b *tree.Node) bool {
	if a.SensitivityPerformed != b.SensitivityPerformed {
		return !a.SensitivityPerformed
	}
	if len(a.SensitiveBits) != len(b.SensitiveBits) {
		return len(a.SensitiveBits) < len(b.SensitiveBits)
	}
	da, db := bits.WidthDistance(int(a.NumStdinBytes)), bits.WidthDistance(int(b.NumStdinBytes))
	if da != db {
		return da < db
	}
	if a.NumStdinBytes != b.NumStdinBytes {
		return a.NumStdinBytes < b.NumStdinBytes
	}
	if a.TraceIndex != b.TraceIndex {
		return a.TraceIndex < b.TraceIndex
	}
	return a.MaxSuccessorsTraceIndex > b.MaxSuccessorsTraceIndex
}

// Stage names which step of the per-node state machine a Runner is in.
type Stage uint8

// The states the STARTUP decision tree (spec.md §4.G) can land a target
// in.
const (
	StageIdle Stage = iota
	StageSensitivity
	StageBitshare
	StageTypedMinimization
	StageMinimization
	StageFinished
)

// String implements the Stringer interface.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageSensitivity:
		return "sensitivity"
	case StageBitshare:
		return "bitshare"
	case StageTypedMinimization:
		return "typed_minimization"
	case StageMinimization:
		return "minimization"
	case StageFinished:
		return "finished"
	default:
		return "invalid"
	}
}

// ErrNotRunning is returned by GenerateNextInput/ProcessResult when no
// analysis is currently active.
var ErrNotRunning = errors.New("selector: no analysis is active")

// Runner drives one target node through the STARTUP decision tree,
// stepping whichever analysis is current, and owns the standing set of
// coverage-failures-with-hope across every target it has ever finished.
type Runner struct {
	tr     *tree.Tree
	cache  *bitshare.Cache
	target tree.NodeID

	stage  Stage
	active analysis.Analysis

	// hope maps a finished-but-unflipped node to the BestCoverageValue it
	// had when added; checked after every analysis completion and
	// reopened the moment a better witness arrives, per spec.md §7.
	hope map[tree.NodeID]float64
}

// NewRunner returns a Runner that replays bitshare patterns from cache.
func NewRunner(cache *bitshare.Cache) *Runner {
	return &Runner{cache: cache, hope: make(map[tree.NodeID]float64)}
}

// Stage reports the current step of the state machine.
func (r *Runner) Stage() Stage { return r.stage }

// Target reports the node currently being worked on.
func (r *Runner) Target() tree.NodeID { return r.target }

// HopeCount reports how many nodes are pending a coverage-failure-with-hope
// recheck.
func (r *Runner) HopeCount() int { return len(r.hope) }

// Begin starts driving target, descending the STARTUP decision tree to
// the first analysis that has not yet run.
func (r *Runner) Begin(t *tree.Tree, target tree.NodeID) error {
	r.tr = t
	r.target = target
	return r.advance()
}

// advance re-reads the target's flags and starts whichever analysis the
// STARTUP decision tree names next, skipping (and marking performed) any
// stage a concrete analysis reports is not applicable to this node.
func (r *Runner) advance() error {
	node := r.tr.Node(r.target)
	switch {
	case !node.SensitivityPerformed:
		return r.startStage(StageSensitivity, sensitivity.New())
	case !node.BitsharePerformed:
		return r.startStage(StageBitshare, bitshare.New(r.cache))
	case descent.Eligible(r.tr, r.target) && !node.MinimizationPerformed:
		return r.startStage(StageTypedMinimization, descent.New())
	case !node.MinimizationPerformed:
		return r.startStage(StageMinimization, minimization.New())
	default:
		r.hope[r.target] = node.BestCoverageValue
		r.stage = StageFinished
		r.active = nil
		return nil
	}
}

func (r *Runner) startStage(stage Stage, a analysis.Analysis) error {
	if err := a.Start(r.tr, r.target); err != nil {
		// The analysis found nothing to do (e.g. minimization against a
		// node with no sensitive bits): mark it performed and let the
		// decision tree move on rather than stalling here.
		r.markPerformed(stage)
		return r.advance()
	}
	r.stage = stage
	r.active = a
	return nil
}

func (r *Runner) markPerformed(stage Stage) {
	node := r.tr.Node(r.target)
	switch stage {
	case StageSensitivity:
		node.SensitivityPerformed = true
	case StageBitshare:
		node.BitsharePerformed = true
	case StageTypedMinimization, StageMinimization:
		node.MinimizationPerformed = true
	}
}

// IsBusy reports whether a concrete analysis is currently being driven.
func (r *Runner) IsBusy() bool {
	return r.active != nil && r.active.IsBusy()
}

// GenerateNextInput delegates to the active analysis.
func (r *Runner) GenerateNextInput() (trace.Stdin, bool) {
	if r.active == nil {
		return trace.Stdin{}, false
	}
	return r.active.GenerateNextInput()
}

// ProcessResult delegates to the active analysis, and on a terminal
// Outcome performs the per-completion cleanup the spec describes: closes
// any subtree the result drained, rechecks the coverage-failure-with-hope
// set, and advances to the next stage (or StageFinished).
func (r *Runner) ProcessResult(report trace.Report) (analysis.Outcome, error) {
	if r.active == nil {
		return analysis.Failed, ErrNotRunning
	}
	outcome, err := r.active.ProcessResult(report)
	if err != nil {
		return outcome, err
	}
	if outcome == analysis.Running {
		return outcome, nil
	}

	r.tr.MarkClosedFrom(r.target)
	r.checkHope()
	if advErr := r.advance(); advErr != nil {
		r.stage = StageFinished
		r.active = nil
	}
	return outcome, nil
}

// checkHope reopens every pending node whose best witness has improved
// since it was added to the hope set.
func (r *Runner) checkHope() {
	for id, recorded := range r.hope {
		n := r.tr.Node(id)
		if n.BestCoverageValue < recorded {
			r.tr.ReopenForCoverageFailure(id)
			delete(r.hope, id)
		}
	}
}

// Stop aborts the active analysis, if any.
func (r *Runner) Stop() {
	if r.active != nil {
		r.active.Stop()
	}
	r.active = nil
	r.stage = StageFinished
}
