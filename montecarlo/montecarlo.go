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

// Package montecarlo implements the Monte-Carlo IID explorer (component
// H): run whenever the primary target set is empty but the root is
// still open. It picks an IID location, biases toward one of its
// historic pivots, and walks the tree forward from a loop boundary,
// drawing each step's direction from a per-location empirical
// histogram. Per spec.md §9's open question, only the forward walk
// direction is implemented (see DESIGN.md).
package montecarlo

import (
	"math"

	"github.com/fuzzcore/search/internal/bits"
	dps "github.com/fuzzcore/search/models/dps"
	"github.com/fuzzcore/search/rng"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// MaxPivotsPerLocation bounds how many historic IID witnesses are kept
// per location, evicting the oldest first, mirroring bitshare's Cap.
const MaxPivotsPerLocation = 16

// MaxWalkSteps bounds how far Walk follows existing Visited children
// before giving up and landing wherever it is.
const MaxWalkSteps = 64

// MaxExtraBits bounds how many bits NextInput may append past a pivot's
// own stdin in one call.
const MaxExtraBits = 256

// streakBias is the probability a drawn direction repeats the previous
// one at the same location, approximating "all-then-all streaks inside
// pure loop bodies" from spec.md §4.H.
const streakBias = 0.7

// Pivot is a historic witness at an IID location, used as a starting
// point for Monte-Carlo search.
type Pivot struct {
	Value         float64
	NumStdinBytes uint32
	Witness       *tree.Witness
}

type locHist struct {
	falseHits, trueHits uint64
}

// Explorer is the Monte-Carlo IID explorer. It owns no tree-mutating
// state of its own: RegisterIID and Observe feed it from the selector
// and the engine, and Target/NextInput are read-only queries driven by
// three isolated generators.
type Explorer struct {
	tr   *tree.Tree
	gens rng.Generators

	pivots   map[trace.Location]*dps.SafeDeque
	locOrder []trace.Location
	locSeen  map[trace.Location]struct{}

	hist    map[trace.Location]*locHist
	streaks map[trace.Location]bool
}

// New returns an Explorer bound to tr and driven by gens.
func New(tr *tree.Tree, gens rng.Generators) *Explorer {
	return &Explorer{
		tr:      tr,
		gens:    gens,
		pivots:  make(map[trace.Location]*dps.SafeDeque),
		locSeen: make(map[trace.Location]struct{}),
		hist:    make(map[trace.Location]*locHist),
		streaks: make(map[trace.Location]bool),
	}
}

// Observe folds one execution's trace into the per-location
// false-direction histogram the walk samples from. Call once per
// execution, regardless of which component drove it.
func (e *Explorer) Observe(report trace.Report) {
	for _, rec := range report.Trace {
		h, ok := e.hist[rec.Loc]
		if !ok {
			h = &locHist{}
			e.hist[rec.Loc] = h
		}
		if rec.Direction {
			h.trueHits++
		} else {
			h.falseHits++
		}
	}
}

// RegisterIID records id's best witness as a pivot candidate for its
// location. Call once right after sensitivity classifies id as IID
// (SensitivityPerformed with an empty SensitiveBits set); calling it on
// a non-IID or witness-less node is a no-op.
func (e *Explorer) RegisterIID(id tree.NodeID) {
	n := e.tr.Node(id)
	if n == nil || !n.IID() || n.BestWitness == nil {
		return
	}
	if _, ok := e.locSeen[n.Loc]; !ok {
		e.locSeen[n.Loc] = struct{}{}
		e.locOrder = append(e.locOrder, n.Loc)
	}
	d, ok := e.pivots[n.Loc]
	if !ok {
		d = dps.NewDeque()
		e.pivots[n.Loc] = d
	}
	if d.Len() >= MaxPivotsPerLocation {
		old := d.PopFront().(Pivot)
		old.Witness.Release()
	}
	d.PushBack(Pivot{Value: n.BestCoverageValue, NumStdinBytes: n.NumStdinBytes, Witness: n.BestWitness.Retain()})
}

// snapshot returns every pivot currently held for loc, oldest first,
// without disturbing the underlying deque's order (same rotate trick as
// bitshare.Cache.Patterns).
func (e *Explorer) snapshot(loc trace.Location) []Pivot {
	d, ok := e.pivots[loc]
	if !ok {
		return nil
	}
	out := make([]Pivot, 0, d.Len())
	for i := 0; i < d.Len(); i++ {
		out = append(out, d.Front().(Pivot))
		d.PushBack(d.PopFront())
	}
	return out
}

// BestPivotValue implements selector.PivotSource: the smallest
// |best_coverage_value| among loc's pivots.
func (e *Explorer) BestPivotValue(loc trace.Location) (float64, bool) {
	ps := e.snapshot(loc)
	if len(ps) == 0 {
		return 0, false
	}
	best := ps[0].Value
	for _, p := range ps[1:] {
		if p.Value < best {
			best = p.Value
		}
	}
	return best, true
}

func (e *Explorer) falseProbability(loc trace.Location) float64 {
	h, ok := e.hist[loc]
	if !ok {
		return 0.5
	}
	total := h.falseHits + h.trueHits
	if total == 0 {
		return 0.5
	}
	return float64(h.falseHits) / float64(total)
}

// chooseLocation picks uniformly among every location at least one IID
// node has ever been registered at.
func (e *Explorer) chooseLocation() (trace.Location, bool) {
	if len(e.locOrder) == 0 {
		return trace.Location{}, false
	}
	return e.locOrder[e.gens.Location.Intn(len(e.locOrder))], true
}

// samplePivot biases toward a smaller |best_coverage_value| and a more
// central input width, per spec.md §4.H.
func (e *Explorer) samplePivot(loc trace.Location) (Pivot, bool) {
	ps := e.snapshot(loc)
	if len(ps) == 0 {
		return Pivot{}, false
	}
	weights := make([]float64, len(ps))
	total := 0.0
	for i, p := range ps {
		w := 1.0 / (1.0 + math.Abs(p.Value)) / (1.0 + float64(bits.WidthDistance(int(p.NumStdinBytes))))
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return ps[e.gens.Pivot.Intn(len(ps))], true
	}
	target := e.gens.Pivot.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if target <= acc {
			return ps[i], true
		}
	}
	return ps[len(ps)-1], true
}

// drawDirection mixes loc's empirical false-direction probability with a
// streak bias, so pure loop bodies tend to take the same direction
// several times before flipping, per spec.md §4.H.
func (e *Explorer) drawDirection(loc trace.Location) bool {
	if streak, ok := e.streaks[loc]; ok && e.gens.Direction.Float64() < streakBias {
		return streak
	}
	direction := e.gens.Direction.Float64() >= e.falseProbability(loc)
	e.streaks[loc] = direction
	return direction
}

// findLoopBoundary returns a node at loc that is a loop head, or failing
// that any node at loc at all, so a loop not yet recognized as such
// still gets walked once it exists in the tree.
func (e *Explorer) findLoopBoundary(loc trace.Location) (tree.NodeID, bool) {
	fallback := tree.NoNode
	for i := 0; i < e.tr.Len(); i++ {
		id := tree.NodeID(i)
		if e.tr.Node(id).Loc != loc {
			continue
		}
		if fallback == tree.NoNode {
			fallback = id
		}
		if e.tr.IsLoopHead(id) {
			return id, true
		}
	}
	return fallback, fallback != tree.NoNode
}

// Walk starts from a loop-boundary node at loc and repeatedly draws the
// next direction from the per-location histogram, following Visited
// children until it reaches an unvisited direction or a terminal. The
// node it stops at is "the next target" per spec.md §4.H.
func (e *Explorer) Walk(loc trace.Location) (tree.NodeID, bool) {
	id, ok := e.findLoopBoundary(loc)
	if !ok {
		return tree.NoNode, false
	}
	for steps := 0; steps < MaxWalkSteps; steps++ {
		n := e.tr.Node(id)
		direction := e.drawDirection(n.Loc)
		succ := n.Successor(direction)
		if succ.Kind != tree.Visited {
			return id, true
		}
		id = succ.Child
	}
	return id, true
}

// Target combines location choice and the tree walk: the landing node
// the Monte-Carlo pass proposes as the next thing to make progress on.
func (e *Explorer) Target() (tree.NodeID, bool) {
	loc, ok := e.chooseLocation()
	if !ok {
		return tree.NoNode, false
	}
	return e.Walk(loc)
}

// NextInput picks an IID location, biased-samples one of its pivots,
// and returns a stdin extending that pivot by a streak-biased run of
// extra bits. Translating an arbitrary landing NodeID back into the
// concrete bytes that would reach it is a general inverse-mapping
// problem this engine does not attempt (see DESIGN.md); lengthening a
// good pivot is what actually drives a loop deeper in practice, since
// each further iteration typically consumes a further run of stdin
// bytes (spec.md §8 scenario 4).
func (e *Explorer) NextInput() (trace.Stdin, bool) {
	loc, ok := e.chooseLocation()
	if !ok {
		return trace.Stdin{}, false
	}
	pivot, ok := e.samplePivot(loc)
	if !ok {
		return trace.Stdin{}, false
	}

	stdin := pivot.Witness.Stdin.Clone()
	p := e.falseProbability(loc)
	last := false
	if len(stdin.Bits) > 0 {
		last = stdin.Bits[len(stdin.Bits)-1]
	}
	for n := 0; n < MaxExtraBits && e.gens.Direction.Float64() < p; n++ {
		if e.gens.Direction.Float64() >= streakBias {
			last = !last
		}
		stdin.Bits = append(stdin.Bits, last)
	}
	return stdin, true
}
