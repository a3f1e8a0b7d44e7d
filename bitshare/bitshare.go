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

// Package bitshare implements the bitshare cache (component D): a bounded
// content cache keyed by location id that reuses the bit patterns which
// previously flipped a branching at that location against any other
// branching at the same location, short-circuiting a full descent when
// two call contexts share the same discriminating bytes.
package bitshare

import (
	"errors"

	"github.com/fuzzcore/search/analysis"
	"github.com/fuzzcore/search/internal/bits"
	dps "github.com/fuzzcore/search/models/dps"
	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// Cap is the fixed per-(location, direction) deque capacity, per
// spec.md §4.D.
const Cap = 32

// ErrNoWitness is returned by Start when the target node has no
// best-witness yet.
var ErrNoWitness = errors.New("bitshare: target node has no witness")

// Pattern is the projection of a stdin that once flipped some branching
// onto that branching's sensitive bits, stored by position within the
// sorted sensitive-bit set rather than by absolute stdin index, so it
// can be replayed against a different branching's own sensitive bits.
type Pattern struct {
	Values []bool
}

type cacheKey struct {
	locID     uint32
	direction bool
}

// Cache holds one bounded FIFO deque of Patterns per (location, direction).
type Cache struct {
	deques map[cacheKey]*dps.SafeDeque
}

// NewCache returns an empty bitshare cache.
func NewCache() *Cache {
	return &Cache{deques: make(map[cacheKey]*dps.SafeDeque)}
}

func (c *Cache) dequeFor(locID uint32, direction bool) *dps.SafeDeque {
	k := cacheKey{locID: locID, direction: direction}
	d, ok := c.deques[k]
	if !ok {
		d = dps.NewDeque()
		c.deques[k] = d
	}
	return d
}

// Record stores the projection of stdin onto sensitiveBits as a pattern
// for (locID, direction), evicting the oldest entry first if the deque is
// already at capacity.
func (c *Cache) Record(locID uint32, direction bool, stdin trace.Stdin, sensitiveBits map[uint32]struct{}) {
	if len(sensitiveBits) == 0 {
		return
	}
	indices := bits.SortedIndices(sensitiveBits)
	values := make([]bool, 0, len(indices))
	for _, i := range indices {
		if int(i) >= len(stdin.Bits) {
			values = append(values, false)
			continue
		}
		values = append(values, stdin.Bits[i])
	}

	d := c.dequeFor(locID, direction)
	if d.Len() >= Cap {
		d.PopFront()
	}
	d.PushBack(Pattern{Values: values})
}

// Patterns returns a snapshot of the patterns cached for (locID, direction),
// oldest first.
func (c *Cache) Patterns(locID uint32, direction bool) []Pattern {
	d, ok := c.deques[cacheKey{locID: locID, direction: direction}]
	if !ok {
		return nil
	}
	out := make([]Pattern, 0, d.Len())
	for i := 0; i < d.Len(); i++ {
		out = append(out, d.Front().(Pattern))
		d.PushBack(d.PopFront())
	}
	return out
}

// Bitshare is the state machine for the bitshare analysis: it replays
// every cached pattern for the target's location in turn until one flips
// the branching or the cache is exhausted.
type Bitshare struct {
	tr       *tree.Tree
	cache    *Cache
	targetID tree.NodeID

	baseline          trace.Stdin
	sensitiveIdx      []uint32
	patterns          []Pattern
	next              int
	originalDirection bool
	wantDirection     bool

	ready bool
	done  bool
}

// New returns an unstarted Bitshare analysis driven by the shared cache.
func New(cache *Cache) *Bitshare {
	return &Bitshare{cache: cache}
}

// Start loads the target node's witness and sensitive bits, and the
// current snapshot of patterns cached for its location.
func (b *Bitshare) Start(t *tree.Tree, target tree.NodeID) error {
	node := t.Node(target)
	if node == nil || node.BestWitness == nil {
		return ErrNoWitness
	}

	b.tr = t
	b.targetID = target
	b.baseline = node.BestWitness.Stdin
	b.sensitiveIdx = bits.SortedIndices(node.SensitiveBits)
	b.originalDirection = node.BestWitness.Trace[node.TraceIndex].Direction
	b.wantDirection = !b.originalDirection

	b.patterns = b.cache.Patterns(node.Loc.ID, b.wantDirection)
	b.next = 0
	b.ready = true
	b.done = len(b.sensitiveIdx) == 0 || len(b.patterns) == 0
	return nil
}

// IsReady implements analysis.Analysis.
func (b *Bitshare) IsReady() bool { return b.ready }

// IsBusy implements analysis.Analysis.
func (b *Bitshare) IsBusy() bool { return b.ready && !b.done }

// GenerateNextInput implements analysis.Analysis. It applies the next
// cached pattern's values onto the target's sensitive bit positions,
// leaving every other bit of the baseline witness untouched.
func (b *Bitshare) GenerateNextInput() (trace.Stdin, bool) {
	if !b.ready || b.done || b.next >= len(b.patterns) {
		return trace.Stdin{}, false
	}
	pattern := b.patterns[b.next]
	stdin := b.baseline.Clone()
	for i, idx := range b.sensitiveIdx {
		if i >= len(pattern.Values) {
			break
		}
		if int(idx) < len(stdin.Bits) {
			stdin.Bits[idx] = pattern.Values[i]
		}
	}
	return stdin, true
}

// ProcessResult implements analysis.Analysis: it checks the record at the
// target's trace index, succeeding as soon as a replay reaches the
// target's location there and takes the wanted (opposite) direction.
func (b *Bitshare) ProcessResult(report trace.Report) (analysis.Outcome, error) {
	node := b.tr.Node(b.targetID)
	flipped := false
	if node.TraceIndex < len(report.Trace) {
		rec := report.Trace[node.TraceIndex]
		if rec.Loc == node.Loc && rec.Direction == b.wantDirection {
			flipped = true
		}
	}

	b.next++
	if flipped {
		b.done = true
		node.BitsharePerformed = true
		return analysis.Succeeded, nil
	}
	if b.next >= len(b.patterns) {
		b.done = true
		node.BitsharePerformed = true
		return analysis.Failed, nil
	}
	return analysis.Running, nil
}

// Stop implements analysis.Analysis.
func (b *Bitshare) Stop() {
	b.done = true
	b.ready = false
	if b.tr != nil {
		b.tr.Node(b.targetID).BitsharePerformed = true
	}
}

var _ analysis.Analysis = (*Bitshare)(nil)
