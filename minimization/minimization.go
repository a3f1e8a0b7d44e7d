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

// Package minimization implements untyped (bit) minimization (component
// F): applied whenever typed minimization does not apply (some
// sensitive bit is untyped, or the branching is xor-like). It runs a
// coordinate-descent search directly over the sensitive bit vector,
// seeded from a handful of Hamming classes.
package minimization

import (
	"errors"
	"math"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/internal/bits"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// MaxRounds bounds how many times a seed's bit vector may be refined by
// one best-single-flip step before the seed is abandoned, per spec.md
// §4.F's "until neither improves" with an explicit cutoff so a
// pathological value surface cannot loop forever.
const MaxRounds = 4

// ErrNoWitness is returned by Start when the target node has no witness
// or no recorded sensitive bits.
var ErrNoWitness = errors.New("minimization: target node has no witness")

const (
	phaseSeedBaseline = iota
	phasePartial
	phaseDone
)

// Minimization is the state machine for untyped bit minimization.
type Minimization struct {
	tr       *tree.Tree
	targetID tree.NodeID

	baseline trace.Stdin
	idx      []uint32 // sorted sensitive bit positions

	seeds   [][]bool
	seedIdx int

	current      []bool
	currentValue float64
	round        int

	phase     int
	partialAt int

	bestIdx   int
	bestValue float64
	improved  bool

	ready, done, succeeded bool
}

// New returns an unstarted Minimization analysis.
func New() *Minimization {
	return &Minimization{}
}

// Start loads the target node's witness and sensitive bits, and builds
// the seed set: the baseline's own pattern, its complement, all bits
// cleared, and all bits set, grouped into Hamming classes via
// internal/bits.HammingClasses and reduced to one representative per
// class — an approximation of drawing from every class with counts
// proportional to its size that favors the extremes without requiring
// a dedicated RNG thread for this analysis.
func (m *Minimization) Start(t *tree.Tree, target tree.NodeID) error {
	node := t.Node(target)
	if node == nil || node.BestWitness == nil {
		return ErrNoWitness
	}

	m.tr = t
	m.targetID = target
	m.baseline = node.BestWitness.Stdin
	m.idx = bits.SortedIndices(node.SensitiveBits)
	if len(m.idx) == 0 {
		return ErrNoWitness
	}

	baselineSet := make(map[uint32]struct{})
	complementSet := make(map[uint32]struct{})
	allOneSet := make(map[uint32]struct{})
	for _, bit := range m.idx {
		v := int(bit) < len(m.baseline.Bits) && m.baseline.Bits[bit]
		if v {
			baselineSet[bit] = struct{}{}
		} else {
			complementSet[bit] = struct{}{}
		}
		allOneSet[bit] = struct{}{}
	}
	allZeroSet := map[uint32]struct{}{}

	classes := bits.HammingClasses([]map[uint32]struct{}{baselineSet, complementSet, allZeroSet, allOneSet})
	m.seeds = m.seeds[:0]
	for _, popcount := range sortedKeys(classes) {
		// One representative per class: a class can hold two of the four
		// patterns (e.g. the baseline and all-zero when no sensitive bit
		// is set), and only the first pattern of each class is seeded.
		m.seeds = append(m.seeds, patternFor(classes[popcount][0], m.idx))
	}

	m.seedIdx = 0
	m.round = 0
	m.phase = phaseSeedBaseline
	m.partialAt = 0

	m.ready = true
	m.done = false
	m.succeeded = false
	return nil
}

// patternFor converts a set of "on" bit indices into a bool slice
// aligned with idx's order.
func patternFor(set map[uint32]struct{}, idx []uint32) []bool {
	out := make([]bool, len(idx))
	for i, bit := range idx {
		_, out[i] = set[bit]
	}
	return out
}

func sortedKeys(classes map[int][]map[uint32]struct{}) []int {
	out := make([]int, 0, len(classes))
	for k := range classes {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// IsReady implements analysis.Analysis.
func (m *Minimization) IsReady() bool { return m.ready }

// IsBusy implements analysis.Analysis.
func (m *Minimization) IsBusy() bool { return m.ready && !m.done }

func (m *Minimization) buildStdin(pattern []bool) trace.Stdin {
	stdin := m.baseline.Clone()
	for i, bit := range m.idx {
		if int(bit) < len(stdin.Bits) {
			stdin.Bits[bit] = pattern[i]
		}
	}
	return stdin
}

// GenerateNextInput implements analysis.Analysis.
func (m *Minimization) GenerateNextInput() (trace.Stdin, bool) {
	if !m.ready || m.done {
		return trace.Stdin{}, false
	}
	if m.seedIdx >= len(m.seeds) {
		m.finish(false)
		return trace.Stdin{}, false
	}

	switch m.phase {
	case phaseSeedBaseline:
		return m.buildStdin(m.seeds[m.seedIdx]), true

	case phasePartial:
		if m.partialAt >= len(m.current) {
			// Round complete; handled in ProcessResult. Nothing to
			// generate until the state settles there.
			return trace.Stdin{}, false
		}
		candidate := append([]bool(nil), m.current...)
		candidate[m.partialAt] = !candidate[m.partialAt]
		return m.buildStdin(candidate), true
	}
	return trace.Stdin{}, false
}

// ProcessResult implements analysis.Analysis.
func (m *Minimization) ProcessResult(report trace.Report) (analysis.Outcome, error) {
	if m.done {
		return analysis.Failed, nil
	}
	node := m.tr.Node(m.targetID)
	flipped, value := m.observe(report, node)

	switch m.phase {
	case phaseSeedBaseline:
		if flipped {
			m.finish(true)
			return analysis.Succeeded, nil
		}
		m.current = append([]bool(nil), m.seeds[m.seedIdx]...)
		m.currentValue = value
		m.round = 0
		m.phase = phasePartial
		m.partialAt = 0
		m.bestValue = math.Inf(1)
		m.improved = false
		return analysis.Running, nil

	case phasePartial:
		if flipped {
			m.finish(true)
			return analysis.Succeeded, nil
		}
		if value < m.bestValue {
			m.bestValue = value
			m.bestIdx = m.partialAt
			m.improved = m.bestValue < m.currentValue
		}
		m.partialAt++
		if m.partialAt >= len(m.current) {
			m.settleRound()
			if m.done {
				return analysis.Failed, nil
			}
		}
		return analysis.Running, nil
	}
	return analysis.Running, nil
}

// settleRound adopts the round's best single flip if it improved on the
// current state, then either starts another round of partials (bounded
// by MaxRounds) or moves on to the next seed.
func (m *Minimization) settleRound() {
	if m.improved {
		m.current[m.bestIdx] = !m.current[m.bestIdx]
		m.currentValue = m.bestValue
		m.round++
	}
	if !m.improved || m.round >= MaxRounds {
		m.seedIdx++
		if m.seedIdx >= len(m.seeds) {
			m.finish(false)
			return
		}
		m.phase = phaseSeedBaseline
		return
	}
	m.phase = phasePartial
	m.partialAt = 0
	m.bestValue = math.Inf(1)
	m.improved = false
}

func (m *Minimization) observe(report trace.Report, node *tree.Node) (flipped bool, value float64) {
	if node.TraceIndex >= len(report.Trace) {
		return false, math.Inf(1)
	}
	rec := report.Trace[node.TraceIndex]
	if rec.Loc != node.Loc {
		return false, math.Inf(1)
	}
	original := node.BestWitness.Trace[node.TraceIndex].Direction
	return rec.Direction != original, rec.SummandValue()
}

func (m *Minimization) finish(succeeded bool) {
	if m.done {
		return
	}
	m.done = true
	m.succeeded = succeeded
	m.tr.Node(m.targetID).MinimizationPerformed = true
}

// Stop implements analysis.Analysis.
func (m *Minimization) Stop() {
	m.finish(false)
	m.ready = false
}

var _ analysis.Analysis = (*Minimization)(nil)
