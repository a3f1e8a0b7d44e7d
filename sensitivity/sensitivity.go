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

// Package sensitivity implements the sensitivity analysis (component C):
// a Hamming-1 sweep over a target branching's witness, extended by a
// similar-trace probe over sibling witnesses sharing the same prefix, to
// determine which stdin bits the branching's value or direction depends
// on.
package sensitivity

import (
	"errors"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// MaxSimilarTrials bounds how many sibling witnesses the similar-trace
// probe repeats the Hamming sweep on, per spec.md §4.C step 2.
const MaxSimilarTrials = 2

// ErrNoWitness is returned by Start when the target node has no
// best-witness yet, so there is nothing to sweep.
var ErrNoWitness = errors.New("sensitivity: target node has no witness")

type cursor struct {
	sourceIdx int
	bit       int
}

// Sensitivity is the state machine for the sensitivity analysis.
type Sensitivity struct {
	tr       *tree.Tree
	targetID tree.NodeID

	sources []trace.Stdin // [0] is the target's own best-witness stdin
	refs    []trace.Trace // the trace each source in sources was drawn from
	maxBit  int

	pending cursor
	ready   bool
	done    bool

	sensitive map[uint32]struct{}
}

// New returns an unstarted Sensitivity analysis.
func New() *Sensitivity {
	return &Sensitivity{}
}

// Start loads the target node's witness as the baseline and collects
// alternative baselines from any already-visited children, which by
// construction share the reference path's prefix through the target
// branching (tree invariant 1).
func (s *Sensitivity) Start(t *tree.Tree, target tree.NodeID) error {
	node := t.Node(target)
	if node == nil || node.BestWitness == nil {
		return ErrNoWitness
	}

	s.tr = t
	s.targetID = target
	s.maxBit = int(node.NumStdinBytes) * 8
	s.sources = []trace.Stdin{node.BestWitness.Stdin}
	s.refs = []trace.Trace{node.BestWitness.Trace}

	for _, direction := range [2]bool{false, true} {
		if len(s.sources) > MaxSimilarTrials {
			break
		}
		succ := node.Successor(direction)
		if succ.Kind != tree.Visited {
			continue
		}
		child := t.Node(succ.Child)
		if child.BestWitness == nil {
			continue
		}
		s.sources = append(s.sources, child.BestWitness.Stdin)
		s.refs = append(s.refs, child.BestWitness.Trace)
	}

	s.pending = cursor{}
	s.ready = true
	s.done = false
	s.sensitive = make(map[uint32]struct{})
	return nil
}

// IsReady implements analysis.Analysis.
func (s *Sensitivity) IsReady() bool {
	return s.ready
}

// IsBusy implements analysis.Analysis.
func (s *Sensitivity) IsBusy() bool {
	return s.ready && !s.done
}

func (s *Sensitivity) limitFor(sourceIdx int) int {
	limit := s.maxBit
	if n := len(s.sources[sourceIdx].Bits); n < limit {
		limit = n
	}
	return limit
}

func (s *Sensitivity) current() (cursor, bool) {
	si, bi := s.pending.sourceIdx, s.pending.bit
	for si < len(s.sources) {
		if bi < s.limitFor(si) {
			return cursor{sourceIdx: si, bit: bi}, true
		}
		si++
		bi = 0
	}
	return cursor{}, false
}

// GenerateNextInput implements analysis.Analysis.
func (s *Sensitivity) GenerateNextInput() (trace.Stdin, bool) {
	if !s.ready || s.done {
		return trace.Stdin{}, false
	}
	c, ok := s.current()
	if !ok {
		s.finish()
		return trace.Stdin{}, false
	}
	s.pending = c
	return s.sources[c.sourceIdx].WithFlippedBit(c.bit), true
}

func divergingIndex(a, b trace.Trace) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i].Loc != b[i].Loc || a[i].Direction != b[i].Direction {
			return i
		}
	}
	return n
}

// ProcessResult implements analysis.Analysis.
func (s *Sensitivity) ProcessResult(report trace.Report) (analysis.Outcome, error) {
	if s.done {
		return analysis.Succeeded, nil
	}

	target := s.tr.Node(s.targetID)
	ref := s.refs[s.pending.sourceIdx]
	divergeIdx := divergingIndex(report.Trace, ref)

	valueChanged := false
	if target.TraceIndex < len(report.Trace) && target.TraceIndex <= divergeIdx {
		if report.Trace[target.TraceIndex].SummandValue() != target.BestCoverageValue {
			valueChanged = true
		}
	}

	if divergeIdx <= target.TraceIndex || valueChanged {
		bit := uint32(s.pending.bit)
		s.sensitive[bit] = struct{}{}
		s.propagateToAncestors(bit, divergeIdx)
	}

	s.pending.bit++
	if _, ok := s.current(); !ok {
		s.finish()
		return analysis.Succeeded, nil
	}
	return analysis.Running, nil
}

// propagateToAncestors opportunistically records bit as sensitive on every
// ancestor of the target (the target itself is recorded separately in
// s.sensitive, assigned at Finish) whose TraceIndex is at or before
// divergeIdx: those branchings were reached identically by this sample, so
// whatever caused the divergence at divergeIdx could only be this bit.
func (s *Sensitivity) propagateToAncestors(bit uint32, divergeIdx int) {
	id := s.tr.Node(s.targetID).Predecessor
	for id != tree.NoNode {
		n := s.tr.Node(id)
		if n.TraceIndex > divergeIdx {
			id = n.Predecessor
			continue
		}
		if n.SensitiveBits == nil {
			n.SensitiveBits = make(map[uint32]struct{})
		}
		n.SensitiveBits[bit] = struct{}{}
		id = n.Predecessor
	}
}

func (s *Sensitivity) finish() {
	if s.done {
		return
	}
	s.done = true
	node := s.tr.Node(s.targetID)
	node.SensitivityPerformed = true
	node.SensitiveBits = s.sensitive
}

// Stop implements analysis.Analysis.
func (s *Sensitivity) Stop() {
	s.done = true
	s.ready = false
}

// SensitiveBits returns the set computed so far (only meaningful once
// IsBusy() is false after a completed run).
func (s *Sensitivity) SensitiveBits() map[uint32]struct{} {
	return s.sensitive
}

var _ analysis.Analysis = (*Sensitivity)(nil)
