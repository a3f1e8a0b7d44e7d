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

// Package trace holds the data model the search engine consumes from and
// produces for the external executor: locations, predicates, per-hit
// branching records and the stdin bit vector that drove them.
package trace

import "math"

// Predicate is the relational operator a branching condition distills into.
type Predicate uint8

// The six predicates the instrumentation can report.
const (
	PredicateEQ Predicate = iota
	PredicateNE
	PredicateLT
	PredicateLE
	PredicateGT
	PredicateGE
)

// Opposite returns the negation of p. Opposite is involutive:
// Opposite(Opposite(p)) == p for every p.
func (p Predicate) Opposite() Predicate {
	switch p {
	case PredicateEQ:
		return PredicateNE
	case PredicateNE:
		return PredicateEQ
	case PredicateLT:
		return PredicateGE
	case PredicateLE:
		return PredicateGT
	case PredicateGT:
		return PredicateLE
	case PredicateGE:
		return PredicateLT
	default:
		return p
	}
}

// String implements the Stringer interface.
func (p Predicate) String() string {
	switch p {
	case PredicateEQ:
		return "=="
	case PredicateNE:
		return "!="
	case PredicateLT:
		return "<"
	case PredicateLE:
		return "<="
	case PredicateGT:
		return ">"
	case PredicateGE:
		return ">="
	default:
		return "invalid"
	}
}

// Location identifies a branching site: a basic-block id paired with a hash
// of the dynamic call stack that reached it. Two branchings at the same
// textual id but different call contexts are distinct targets.
type Location struct {
	ID          uint32
	ContextHash uint64
}

// Termination is the outcome code the host reports for one execution.
type Termination uint8

// The termination codes the client process can signal back.
const (
	TerminationNormal Termination = iota
	TerminationCrash
	TerminationTimeout
	TerminationBoundaryViolation
	TerminationMediumOverflow
)

// Record is one branching hit inside an execution trace.
type Record struct {
	Loc            Location
	Direction      bool
	Value          float64
	StdinBytesRead uint32
	XorLike        bool
	Predicate      Predicate
}

// Finite reports whether Value is a finite IEEE-754 double. Non-finite
// values are replaced with +Inf (see SummandValue) before they are used in
// a summary; the record itself carries no separate non-finite flag.
func (r Record) Finite() bool {
	return !math.IsNaN(r.Value) && !math.IsInf(r.Value, 0)
}

// SummandValue returns |Value| with non-finite values normalized to +Inf,
// as used when folding a path into a best_summary_value.
func (r Record) SummandValue() float64 {
	if !r.Finite() {
		return math.Inf(1)
	}
	return math.Abs(r.Value)
}

// Trace is an ordered sequence of branching records produced by one
// execution of the client.
type Trace []Record

// Report is what the external executor returns for one round: the
// termination code, the branching trace, and the stdin that produced it.
type Report struct {
	Termination Termination
	Trace       Trace
	Stdin       Stdin
}
