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

// childDone reports whether a successor slot contributes no further
// progress: it is terminal, pruned, or leads to an already-closed node.
func (t *Tree) childDone(s Successor) bool {
	switch s.Kind {
	case EndNormal, EndExceptional, Pruned:
		return true
	case Visited:
		return t.Node(s.Child).Closed
	default: // NotVisited
		return false
	}
}

func (t *Tree) computeClosed(n *Node) bool {
	return t.childDone(n.Successors[0]) && t.childDone(n.Successors[1]) && !n.Open()
}

// MarkClosedFrom recomputes the closedness invariant bottom-up starting
// at id, propagating to predecessors only as long as each recomputation
// flips a node from open to closed. It stops at the first ancestor whose
// recomputed state is open, or at one that was already closed and
// remains so (nothing left to propagate).
func (t *Tree) MarkClosedFrom(id NodeID) {
	for id != NoNode {
		n := t.Node(id)
		closed := t.computeClosed(n)
		if !closed {
			n.Closed = false
			return
		}
		if n.Closed {
			// Already closed; nothing changed, no need to keep climbing.
			return
		}
		n.Closed = true
		id = n.Predecessor
	}
}

// childless reports whether n currently has no Visited successor.
func (t *Tree) childless(n *Node) bool {
	for _, s := range n.Successors {
		if s.Kind == Visited {
			return false
		}
	}
	return true
}

// isCoverageTarget reports whether either direction out of n is still
// listed in the tree's uncovered set.
func (t *Tree) isCoverageTarget(n *Node) bool {
	uncovered := t.coverage.Uncovered()
	for _, d := range [2]bool{false, true} {
		if _, ok := uncovered[UncoveredKey{Loc: n.Loc, Direction: d}]; ok {
			return true
		}
	}
	return false
}

// ReopenForCoverageFailure reopens a node whose minimization pass ran to
// completion without flipping its branching, but whose best witness was
// beaten by a better one recorded after the pass began (a "coverage
// failure with hope", per spec.md §7). Clears BitsharePerformed and
// MinimizationPerformed so the selector's state machine restarts both
// analyses against the improved witness, and propagates the reopening to
// ancestors the same way a freshly merged trace would.
func (t *Tree) ReopenForCoverageFailure(id NodeID) {
	n := t.Node(id)
	if n == nil {
		return
	}
	n.BitsharePerformed = false
	n.MinimizationPerformed = false
	n.NumCoverageFailureResets++
	t.reopenAncestors(id)
}

// RemoveSubtree deletes a dead leaf branch: it prunes leaf's link from its
// predecessor and keeps propagating upward while each ancestor becomes
// childless and is not itself a coverage target, per spec.md §4.A.
func (t *Tree) RemoveSubtree(leaf NodeID) {
	n := t.Node(leaf)
	if n == nil {
		return
	}
	n.Closed = true

	id := leaf
	for {
		n := t.Node(id)
		pred := n.Predecessor
		if pred == NoNode {
			return
		}
		p := t.Node(pred)
		for d := 0; d < 2; d++ {
			direction := d == 1
			if p.Successors[d].Kind == Visited && p.Successors[d].Child == id {
				p.SetSuccessor(direction, Successor{Kind: Pruned, Child: NoNode})
			}
		}
		if !t.childless(p) {
			return
		}
		if t.isCoverageTarget(p) {
			return
		}
		id = pred
	}
}
