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

// Package analysis defines the common shape every mutation strategy
// (sensitivity, bitshare, typed minimization, untyped minimization)
// presents to the target selector: a private state machine plus a
// five-method interface, per spec.md §9's design note. The selector
// never reaches into an analysis' internals; it only calls these five
// methods between round_begin and round_end.
package analysis

import "github.com/fuzzcore/search/trace"

// Outcome is what an analysis reports once it stops being busy.
type Outcome uint8

// The three ways an analysis run can end.
const (
	// Running means the analysis is still busy; GenerateNextInput should
	// be called again next round_begin.
	Running Outcome = iota
	// Succeeded means the analysis flipped the target branching.
	Succeeded
	// Failed means the analysis exhausted its budget without flipping
	// the target branching.
	Failed
)

// Analysis is the interface the target selector drives every mutation
// strategy through. A concrete analysis additionally exposes its own
// Start(...) method (not part of this interface, since each analysis
// starts from a different kind of target description) to begin work on
// a newly selected node.
type Analysis interface {
	// IsReady reports whether the analysis has a target loaded and can
	// begin or continue generating inputs.
	IsReady() bool

	// IsBusy reports whether the analysis has not yet reached a final
	// Outcome for its current target.
	IsBusy() bool

	// GenerateNextInput returns the next stdin to execute, or ok=false if
	// the analysis has nothing to generate this round (e.g. it just
	// finished and is waiting to be replaced).
	GenerateNextInput() (stdin trace.Stdin, ok bool)

	// ProcessResult consumes the trace produced by executing the stdin
	// returned from the most recent GenerateNextInput call, and reports
	// whether the analysis is still running, succeeded, or failed.
	ProcessResult(report trace.Report) (Outcome, error)

	// Stop aborts the analysis early, releasing any witnesses it holds.
	Stop()
}
