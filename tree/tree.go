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

package tree

import (
	"errors"
	"math"

	"github.com/fuzzcore/search/trace"
)

// ErrRootMismatch is returned by Merge when the first record of a trace
// disagrees with an already-established root: the program apparently has
// no input-dependent first branch, or the instrumentation regressed. Per
// spec.md §4.A this is an unrecoverable tree-level failure; the caller
// should reset the offending search rather than retry the merge.
var ErrRootMismatch = errors.New("tree: first record disagrees with existing root")

// ErrDivergence is returned by Merge when a trace disagrees with the
// tree's existing structure past the root: the same (location, direction)
// previously led to one node and now leads to another. This should not
// happen for a deterministic client; when it does, it is an
// engine-internal failure, not a budget or client anomaly.
var ErrDivergence = errors.New("tree: trace diverges from existing tree structure")

// Tree is the ordered prefix DAG of every branching trace merged into it.
// Nodes are owned by the arena for the tree's lifetime; NodeID indexes
// into it. The zero Tree is not ready for use; call New.
type Tree struct {
	arena    []Node
	root     NodeID
	coverage *Coverage
}

// New returns an empty Tree, ready to accept its first Merge.
func New() *Tree {
	return &Tree{
		arena:    nil,
		root:     NoNode,
		coverage: newCoverage(),
	}
}

// HasRoot reports whether any trace has been merged yet.
func (t *Tree) HasRoot() bool {
	return t.root != NoNode
}

// Root returns the id of the root node. Valid only if HasRoot().
func (t *Tree) Root() NodeID {
	return t.root
}

// Node returns a pointer to the node with the given id. The pointer is
// valid only until the next structural mutation of the tree (Merge may
// grow the arena and invalidate earlier pointers obtained this way across
// calls, though not within one).
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.arena) {
		return nil
	}
	return &t.arena[id]
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	return len(t.arena)
}

// Coverage returns the tree's coverage bookkeeping.
func (t *Tree) Coverage() *Coverage {
	return t.coverage
}

func (t *Tree) newNode(loc trace.Location, predicate trace.Predicate, xorLike bool, traceIndex int, numStdinBytes uint32, predecessor NodeID) NodeID {
	id := NodeID(len(t.arena))
	t.arena = append(t.arena, Node{
		Loc:           loc,
		Predicate:     predicate,
		XorLike:       xorLike,
		TraceIndex:    traceIndex,
		NumStdinBytes: numStdinBytes,
		Successors:    [2]Successor{notVisited, notVisited},
		Predecessor:   predecessor,
		SensitiveBits: nil,
		MaxSuccessorsTraceIndex: traceIndex,
	})
	return id
}

// Delta summarizes what a Merge discovered: locations seen for the first
// time, locations newly covered in both directions, and the deepest new
// leaf created (NoNode if the trace added no new node).
type Delta struct {
	NewLocations   []trace.Location
	NewlyCovered   []uint32
	DeepestNewLeaf NodeID
}

// Merge walks the tree along report.Trace, creating nodes where the trace
// extends the frontier and updating best-witnesses along the entire
// prefix whenever a strictly smaller finite summary is observed. The
// provided execution number is recorded on any updated best-witness.
func (t *Tree) Merge(report trace.Report, execution uint64) (Delta, error) {
	var delta Delta
	delta.DeepestNewLeaf = NoNode

	tr := report.Trace
	if len(tr) == 0 {
		return delta, nil
	}

	var curID NodeID
	sumSq := 0.0

	for idx, rec := range tr {
		if idx == 0 {
			if !t.HasRoot() {
				curID = t.newNode(rec.Loc, rec.Predicate, rec.XorLike, 0, rec.StdinBytesRead, NoNode)
				t.root = curID
				delta.NewLocations = append(delta.NewLocations, rec.Loc)
			} else {
				curID = t.root
				cur := t.Node(curID)
				if cur.Loc != rec.Loc {
					return delta, ErrRootMismatch
				}
			}
		}

		cur := t.Node(curID)

		v := rec.SummandValue()
		sumSq += v * v
		t.updateBestWitness(cur, report.Stdin, tr, idx, sumSq, execution, v)

		hasNext := idx+1 < len(tr)
		discovered, covered := t.coverage.observe(rec.Loc, rec.Direction)
		if covered {
			delta.NewlyCovered = append(delta.NewlyCovered, rec.Loc.ID)
		}

		succ := cur.Successor(rec.Direction)
		switch succ.Kind {
		case NotVisited:
			if hasNext {
				next := tr[idx+1]
				childID := t.newNode(next.Loc, next.Predicate, next.XorLike, idx+1, next.StdinBytesRead, curID)
				cur = t.Node(curID) // newNode may have grown the arena
				cur.SetSuccessor(rec.Direction, Successor{Kind: Visited, Child: childID})
				if discovered {
					delta.NewLocations = append(delta.NewLocations, next.Loc)
				}
				delta.DeepestNewLeaf = childID
				t.reopenAncestors(curID)
				curID = childID
			} else {
				kind := EndNormal
				if report.Termination != trace.TerminationNormal {
					kind = EndExceptional
				}
				cur.SetSuccessor(rec.Direction, Successor{Kind: kind, Child: NoNode})
				t.reopenAncestors(curID)
			}

		case Visited:
			if !hasNext {
				// The trace ended earlier than a previous run along the
				// same path; nothing further to merge.
				return delta, nil
			}
			next := tr[idx+1]
			child := t.Node(succ.Child)
			if child.Loc != next.Loc {
				return delta, ErrDivergence
			}
			curID = succ.Child

		case EndNormal, EndExceptional:
			if hasNext {
				next := tr[idx+1]
				childID := t.newNode(next.Loc, next.Predicate, next.XorLike, idx+1, next.StdinBytesRead, curID)
				cur = t.Node(curID) // newNode may have grown the arena
				cur.SetSuccessor(rec.Direction, Successor{Kind: Visited, Child: childID})
				delta.NewLocations = append(delta.NewLocations, next.Loc)
				delta.DeepestNewLeaf = childID
				t.reopenAncestors(curID)
				curID = childID
			}
			// Else: consistent with what we already knew; nothing to do.
		}

		if cur.MaxSuccessorsTraceIndex < idx {
			cur.MaxSuccessorsTraceIndex = idx
		}
	}

	return delta, nil
}

func (t *Tree) updateBestWitness(n *Node, stdin trace.Stdin, tr trace.Trace, idx int, sumSq float64, execution uint64, coverageValue float64) {
	if n.BestWitness == nil {
		w := NewWitness(stdin, tr)
		n.BestWitness = w.Retain()
		n.BestSummaryValue = sumSq
		n.BestCoverageValue = coverageValue
		n.BestValueExecution = execution
		return
	}
	if math.IsInf(sumSq, 0) {
		return
	}
	if sumSq < n.BestSummaryValue {
		n.BestWitness.Release()
		w := NewWitness(stdin, tr)
		n.BestWitness = w.Retain()
		n.BestSummaryValue = sumSq
		n.BestCoverageValue = coverageValue
		n.BestValueExecution = execution
	}
}

// reopenAncestors clears Closed along the path from id to the root,
// stopping at the first ancestor that was already open, per invariant 5
// of spec.md §3: re-opening a child must clear ancestor Closed flags
// along the path.
func (t *Tree) reopenAncestors(id NodeID) {
	for id != NoNode {
		n := t.Node(id)
		if !n.Closed {
			return
		}
		n.Closed = false
		id = n.Predecessor
	}
}
