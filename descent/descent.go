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

// Package descent implements typed minimization (component E): gradient
// descent over the typed numeric chunks a did branching's sensitive bits
// fall inside, applicable whenever none of those bits land in an
// Untyped* chunk and the branching is not xor-like.
package descent

import (
	"errors"
	"math"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// ErrNotEligible is returned by Start when the target node does not
// qualify for typed minimization: it is not did, it is xor-like, it has
// no witness, or some sensitive bit falls outside a declared numeric
// chunk.
var ErrNotEligible = errors.New("descent: node is not eligible for typed minimization")

// Eligible reports whether target qualifies for typed minimization.
func Eligible(t *tree.Tree, target tree.NodeID) bool {
	node := t.Node(target)
	if node == nil || !node.DID() || node.XorLike || node.BestWitness == nil {
		return false
	}
	stdin := node.BestWitness.Stdin
	for bit := range allSensitiveBits(t, target) {
		chunk, ok := stdin.ChunkAt(int(bit))
		if !ok || chunk.Type.IsUntyped() {
			return false
		}
	}
	return true
}

func allSensitiveBits(t *tree.Tree, target tree.NodeID) map[uint32]struct{} {
	out := make(map[uint32]struct{})
	for id := target; id != tree.NoNode; id = t.Node(id).Predecessor {
		for b := range t.Node(id).SensitiveBits {
			out[b] = struct{}{}
		}
	}
	return out
}

type variable struct {
	chunk trace.Chunk
}

func collectVariables(stdin trace.Stdin, bits map[uint32]struct{}) []variable {
	seen := make(map[int]bool)
	var vars []variable
	for bit := range bits {
		c, ok := stdin.ChunkAt(int(bit))
		if !ok || seen[c.Start] {
			continue
		}
		seen[c.Start] = true
		vars = append(vars, variable{chunk: c})
	}
	for i := 1; i < len(vars); i++ {
		for j := i; j > 0 && vars[j-1].chunk.Start > vars[j].chunk.Start; j-- {
			vars[j-1], vars[j] = vars[j], vars[j-1]
		}
	}
	return vars
}

const (
	phasePartials = iota
	phaseExecute
)

// Descent is the state machine for typed minimization: it estimates a
// gradient by finite differences, then tries a handful of candidate
// shifts chosen from the target predicate's sense.
type Descent struct {
	tr       *tree.Tree
	targetID tree.NodeID

	baseline trace.Stdin
	vars     []variable
	values   []float64
	path     []tree.NodeID // root..target inclusive

	predicate   trace.Predicate
	targetValue float64

	maxExecutions int
	executions    int

	phase    int
	varIdx   int
	probeSign int
	lastVarIdx int
	lastSign   int
	probeNeg, probePos float64
	partials []float64

	candidates [][]float64
	candIdx    int

	ready, done, succeeded bool
}

// New returns an unstarted Descent analysis.
func New() *Descent {
	return &Descent{}
}

// Start loads the target's witness, typed variables, and ancestor path.
func (d *Descent) Start(t *tree.Tree, target tree.NodeID) error {
	if !Eligible(t, target) {
		return ErrNotEligible
	}
	node := t.Node(target)

	d.tr = t
	d.targetID = target
	d.baseline = node.BestWitness.Stdin
	d.vars = collectVariables(d.baseline, allSensitiveBits(t, target))
	if len(d.vars) == 0 {
		return ErrNotEligible
	}
	d.values = make([]float64, len(d.vars))
	for i, v := range d.vars {
		d.values[i] = decodeVariable(d.baseline, v)
	}

	var path []tree.NodeID
	for id := target; id != tree.NoNode; id = t.Node(id).Predecessor {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	d.path = path

	d.predicate = node.Predicate
	d.targetValue = node.BestWitness.Trace[node.TraceIndex].Value

	k := len(path)
	n := len(d.vars)
	d.maxExecutions = 10 * (k*2*n + 6)
	d.executions = 0

	d.phase = phasePartials
	d.varIdx = 0
	d.probeSign = -1
	d.partials = make([]float64, n)
	d.candIdx = 0
	d.candidates = nil

	d.ready = true
	d.done = false
	d.succeeded = false
	return nil
}

// IsReady implements analysis.Analysis.
func (d *Descent) IsReady() bool { return d.ready }

// IsBusy implements analysis.Analysis.
func (d *Descent) IsBusy() bool { return d.ready && !d.done }

// GenerateNextInput implements analysis.Analysis.
func (d *Descent) GenerateNextInput() (trace.Stdin, bool) {
	if !d.ready || d.done {
		return trace.Stdin{}, false
	}
	if d.executions >= d.maxExecutions {
		d.finish(false)
		return trace.Stdin{}, false
	}

	switch d.phase {
	case phasePartials:
		if d.varIdx >= len(d.vars) {
			d.buildCandidates()
			d.phase = phaseExecute
			d.candIdx = 0
			return d.GenerateNextInput()
		}
		step := stepFor(d.vars[d.varIdx], d.values[d.varIdx]) * float64(d.probeSign)
		stdin := d.applyShift(d.varIdx, step)
		d.lastVarIdx, d.lastSign = d.varIdx, d.probeSign
		d.executions++
		return stdin, true

	case phaseExecute:
		if d.candIdx >= len(d.candidates) {
			d.finish(false)
			return trace.Stdin{}, false
		}
		stdin := d.buildFromValues(d.candidates[d.candIdx])
		d.executions++
		return stdin, true
	}
	return trace.Stdin{}, false
}

// ProcessResult implements analysis.Analysis.
func (d *Descent) ProcessResult(report trace.Report) (analysis.Outcome, error) {
	if d.done {
		return analysis.Failed, nil
	}
	switch d.phase {
	case phasePartials:
		d.processPartialProbe(report)
		if d.varIdx >= len(d.vars) {
			d.buildCandidates()
			d.phase = phaseExecute
			d.candIdx = 0
		}
	case phaseExecute:
		if d.processCandidateProbe(report) {
			d.finish(true)
			return analysis.Succeeded, nil
		}
		d.candIdx++
	}
	if d.executions >= d.maxExecutions {
		d.finish(false)
		return analysis.Failed, nil
	}
	if d.phase == phaseExecute && d.candIdx >= len(d.candidates) {
		d.finish(false)
		return analysis.Failed, nil
	}
	return analysis.Running, nil
}

// Stop implements analysis.Analysis.
func (d *Descent) Stop() {
	d.finish(false)
	d.ready = false
}

func (d *Descent) finish(succeeded bool) {
	if d.done {
		return
	}
	d.done = true
	d.succeeded = succeeded
	d.tr.Node(d.targetID).MinimizationPerformed = true
}

// pathPreserved reports whether every ancestor in path took, in tr, the
// same direction it takes in its own best witness: the constraints p_1
// .. p_{k-1} that must hold for the sample to be useful.
func pathPreserved(tr trace.Trace, path []tree.NodeID, t *tree.Tree) bool {
	for _, id := range path {
		n := t.Node(id)
		if n.TraceIndex >= len(tr) {
			return false
		}
		rec := tr[n.TraceIndex]
		if rec.Loc != n.Loc {
			return false
		}
		want := n.BestWitness.Trace[n.TraceIndex].Direction
		if rec.Direction != want {
			return false
		}
	}
	return true
}

func (d *Descent) ancestors() []tree.NodeID {
	if len(d.path) == 0 {
		return nil
	}
	return d.path[:len(d.path)-1]
}

func (d *Descent) processPartialProbe(report trace.Report) {
	node := d.tr.Node(d.targetID)
	v := d.targetValue
	if pathPreserved(report.Trace, d.ancestors(), d.tr) && node.TraceIndex < len(report.Trace) {
		rec := report.Trace[node.TraceIndex]
		if rec.Loc == node.Loc && !math.IsNaN(rec.Value) && !math.IsInf(rec.Value, 0) {
			v = rec.Value
		}
	}
	if d.lastSign < 0 {
		d.probeNeg = v
		d.probeSign = 1
		return
	}
	d.probePos = v
	step := stepFor(d.vars[d.lastVarIdx], d.values[d.lastVarIdx])
	d.partials[d.lastVarIdx] = (d.probePos - d.probeNeg) / (2 * step)
	d.varIdx++
	d.probeSign = -1
}

func (d *Descent) processCandidateProbe(report trace.Report) bool {
	node := d.tr.Node(d.targetID)
	if !pathPreserved(report.Trace, d.ancestors(), d.tr) {
		return false
	}
	if node.TraceIndex >= len(report.Trace) {
		return false
	}
	rec := report.Trace[node.TraceIndex]
	original := node.BestWitness.Trace[node.TraceIndex].Direction
	return rec.Loc == node.Loc && rec.Direction != original
}

// buildCandidates turns the finite-difference gradient into 2-6
// candidate shift vectors, per spec.md §4.E step 3: both signs near the
// zero crossing for ==/!=, one side (mirrored by predicate sense) for
// inequalities.
func (d *Descent) buildCandidates() {
	norm2 := 0.0
	for _, g := range d.partials {
		norm2 += g * g
	}
	if norm2 == 0 || math.IsNaN(norm2) || math.IsInf(norm2, 0) {
		d.candidates = nil
		return
	}
	base := -d.targetValue / norm2

	var multipliers []float64
	switch d.predicate {
	case trace.PredicateEQ, trace.PredicateNE:
		multipliers = []float64{0.5, 1, 2, -0.5, -1, -2}
	case trace.PredicateLT, trace.PredicateLE:
		multipliers = []float64{1, 1.5, 2, 3}
	default: // GT, GE
		multipliers = []float64{-1, -1.5, -2, -3}
	}

	for _, m := range multipliers {
		vec := make([]float64, len(d.values))
		for i := range vec {
			shift := m * base * d.partials[i]
			vec[i] = clipToType(d.values[i]+shift, d.vars[i])
		}
		d.candidates = append(d.candidates, vec)
	}
}

func (d *Descent) applyShift(idx int, delta float64) trace.Stdin {
	vec := append([]float64(nil), d.values...)
	vec[idx] = clipToType(vec[idx]+delta, d.vars[idx])
	return d.buildFromValues(vec)
}

func (d *Descent) buildFromValues(values []float64) trace.Stdin {
	stdin := d.baseline.Clone()
	for i, v := range d.vars {
		bits := encodeVariable(values[i], v)
		copy(stdin.Bits[v.chunk.Start:v.chunk.End], bits)
	}
	return stdin
}

func stepFor(v variable, current float64) float64 {
	if v.chunk.Type.IsFloat() {
		scale := math.Abs(current) * 1e-6
		if scale < 1e-9 {
			scale = 1e-9
		}
		return scale
	}
	return 1
}

func maskForWidth(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(width)) - 1
}

func bitsToUint(raw []byte) uint64 {
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v
}

func uintToBytes(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func decodeVariable(stdin trace.Stdin, v variable) float64 {
	sub := stdin.Bits[v.chunk.Start:v.chunk.End]
	if v.chunk.Type == trace.TypeBool {
		if len(sub) > 0 && sub[0] {
			return 1
		}
		return 0
	}
	raw := trace.ToBytesMSBFirst(sub)
	width := v.chunk.Type.BitWidth()
	switch v.chunk.Type {
	case trace.TypeF32:
		return float64(math.Float32frombits(uint32(bitsToUint(raw))))
	case trace.TypeF64:
		return math.Float64frombits(bitsToUint(raw))
	}
	u := bitsToUint(raw)
	if v.chunk.Type.IsSigned() {
		signBit := uint64(1) << uint(width-1)
		if u&signBit != 0 {
			return float64(int64(u) - int64(1)<<uint(width))
		}
	}
	return float64(u)
}

func clipToType(value float64, v variable) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	if v.chunk.Type.IsFloat() {
		return value
	}
	width := v.chunk.Type.BitWidth()
	if v.chunk.Type.IsSigned() {
		min := -math.Pow(2, float64(width-1))
		max := math.Pow(2, float64(width-1)) - 1
		if value < min {
			return min
		}
		if value > max {
			return max
		}
		return math.Round(value)
	}
	max := math.Pow(2, float64(width)) - 1
	if value < 0 {
		return 0
	}
	if value > max {
		return max
	}
	return math.Round(value)
}

func encodeVariable(value float64, v variable) []bool {
	width := v.chunk.Type.BitWidth()
	switch v.chunk.Type {
	case trace.TypeBool:
		return []bool{value != 0}
	case trace.TypeF32:
		bits := math.Float32bits(float32(value))
		return trace.BitsFromBytesMSBFirst(uintToBytes(uint64(bits), width/8), width)
	case trace.TypeF64:
		bits := math.Float64bits(value)
		return trace.BitsFromBytesMSBFirst(uintToBytes(bits, width/8), width)
	}
	var u uint64
	if v.chunk.Type.IsSigned() {
		u = uint64(int64(value)) & maskForWidth(width)
	} else {
		u = uint64(value) & maskForWidth(width)
	}
	return trace.BitsFromBytesMSBFirst(uintToBytes(u, width/8), width)
}

var _ analysis.Analysis = (*Descent)(nil)
