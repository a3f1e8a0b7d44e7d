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

// Package tree implements the branching tree: the ordered prefix DAG of
// every observed execution trace, and the coverage bookkeeping derived
// from it.
package tree

import "github.com/fuzzcore/search/trace"

// NodeID indexes a node in a Tree's arena. NoNode is the invalid id; the
// first node merged into an empty tree, the root, gets id 0.
type NodeID int32

// NoNode is the invalid/absent NodeID, used where a predecessor or child
// link does not exist (e.g. the root's predecessor).
const NoNode NodeID = -1

// SuccessorKind tags which variant a Successor holds.
type SuccessorKind uint8

// The five states a direction out of a node can be in.
const (
	// NotVisited means no execution has ever taken this direction yet.
	NotVisited SuccessorKind = iota
	// EndNormal means this direction leads to no further branching: the
	// execution terminated normally right after taking it.
	EndNormal
	// EndExceptional means this direction leads to a client-side anomaly
	// (crash, boundary violation, medium overflow, timeout).
	EndExceptional
	// Visited means this direction leads to another branching node.
	Visited
	// Pruned means this direction once led somewhere, but the subtree was
	// deliberately removed by RemoveSubtree because it was dead: no
	// further progress was possible under it and it is not itself a
	// coverage target.
	Pruned
)

// Successor is a tagged union over what lies past one direction of a
// branching: modelled explicitly rather than as a nullable NodeID so that
// "not yet visited" and "visited, leads nowhere" cannot be confused.
type Successor struct {
	Kind  SuccessorKind
	Child NodeID // meaningful only when Kind == Visited
}

// notVisited is the zero-value successor every new node's children start as.
var notVisited = Successor{Kind: NotVisited, Child: NoNode}

// Node is one node of the branching tree: one per distinct prefix of some
// observed trace. Nodes are owned by their Tree's arena; Predecessor is a
// weak back-reference set when the node is created, never an owning link.
type Node struct {
	Loc        trace.Location
	Predicate  trace.Predicate
	XorLike    bool
	TraceIndex int // depth along BestTrace that reaches this node
	NumStdinBytes uint32

	Successors  [2]Successor
	Predecessor NodeID

	BestWitness *Witness

	// BestCoverageValue is |value| of this branching within BestWitness.Trace.
	BestCoverageValue float64
	// BestSummaryValue is the sum of squared values along the path to this
	// node in BestWitness.Trace. Monotonically non-increasing once set.
	BestSummaryValue float64
	// BestValueExecution is the execution number at which BestWitness was
	// recorded.
	BestValueExecution uint64

	SensitivityPerformed  bool
	BitsharePerformed     bool
	MinimizationPerformed bool

	// SensitiveBits holds stdin bit indices this branching's value depends
	// on. Meaningful only once SensitivityPerformed is true; empty then
	// marks the node IID.
	SensitiveBits map[uint32]struct{}

	Closed bool

	MaxSuccessorsTraceIndex int
	NumCoverageFailureResets int
}

// Direction indexes Successors: false -> 0, true -> 1.
func dirIndex(direction bool) int {
	if direction {
		return 1
	}
	return 0
}

// Successor returns the successor entry for the given direction.
func (n *Node) Successor(direction bool) Successor {
	return n.Successors[dirIndex(direction)]
}

// SetSuccessor installs s as the successor for the given direction.
func (n *Node) SetSuccessor(direction bool, s Successor) {
	n.Successors[dirIndex(direction)] = s
}

// IID reports whether sensitivity has classified this node as
// input-independent: sensitivity has run and found no sensitive bits.
func (n *Node) IID() bool {
	return n.SensitivityPerformed && len(n.SensitiveBits) == 0
}

// DID reports whether sensitivity has classified this node as
// deterministic-input-dependent: sensitivity has run and found sensitive
// bits.
func (n *Node) DID() bool {
	return n.SensitivityPerformed && len(n.SensitiveBits) > 0
}

// IsLoopHead reports whether id's location recurs among its own
// ancestors: the signature of a loop header in a prefix tree, used by
// both the target selector (to diversify input widths) and the
// Monte-Carlo explorer (to pick a walk's starting point).
func (t *Tree) IsLoopHead(id NodeID) bool {
	n := t.Node(id)
	if n == nil {
		return false
	}
	for p := n.Predecessor; p != NoNode; p = t.Node(p).Predecessor {
		if t.Node(p).Loc == n.Loc {
			return true
		}
	}
	return false
}

// Open reports whether this node is still a valid target for the selector:
// at least one child unvisited, and either sensitivity hasn't run, or it
// found bits and at least one of {bitshare, minimization} hasn't run yet.
func (n *Node) Open() bool {
	hasUnvisited := n.Successors[0].Kind == NotVisited || n.Successors[1].Kind == NotVisited
	if !hasUnvisited {
		return false
	}
	if !n.SensitivityPerformed {
		return true
	}
	if len(n.SensitiveBits) == 0 {
		return false
	}
	return !n.BitsharePerformed || !n.MinimizationPerformed
}
