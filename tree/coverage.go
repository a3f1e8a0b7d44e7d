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

import "github.com/fuzzcore/search/trace"

// UncoveredKey identifies a discovered-but-not-yet-taken direction.
type UncoveredKey struct {
	Loc       trace.Location
	Direction bool
}

// Coverage holds the promotion/demotion bookkeeping described in
// spec.md §3 and §4.A: which basic-block ids have been seen in both
// directions, and which (location, direction) pairs are known but
// unexplored.
type Coverage struct {
	covered   map[uint32]struct{}
	uncovered map[UncoveredKey]struct{}
	// byID indexes uncovered entries by basic-block id for O(1) removal
	// when a location is promoted to covered from some other context.
	byID map[uint32]map[UncoveredKey]struct{}
	// seenDirs tracks, per basic-block id, whether each direction has
	// ever been seen, under any call context.
	seenDirs map[uint32][2]bool
}

func newCoverage() *Coverage {
	return &Coverage{
		covered:   make(map[uint32]struct{}),
		uncovered: make(map[UncoveredKey]struct{}),
		byID:      make(map[uint32]map[UncoveredKey]struct{}),
		seenDirs:  make(map[uint32][2]bool),
	}
}

// Covered reports whether loc's basic-block id has been seen in both
// directions, under any context.
func (c *Coverage) Covered(id uint32) bool {
	_, ok := c.covered[id]
	return ok
}

// CoveredIDs returns the set of covered basic-block ids.
func (c *Coverage) CoveredIDs() map[uint32]struct{} {
	return c.covered
}

// Uncovered returns the set of discovered-but-untaken (location, direction)
// pairs.
func (c *Coverage) Uncovered() map[UncoveredKey]struct{} {
	return c.uncovered
}

func (c *Coverage) addUncovered(k UncoveredKey) {
	c.uncovered[k] = struct{}{}
	set, ok := c.byID[k.Loc.ID]
	if !ok {
		set = make(map[UncoveredKey]struct{})
		c.byID[k.Loc.ID] = set
	}
	set[k] = struct{}{}
}

func (c *Coverage) promoteToCovered(id uint32) {
	c.covered[id] = struct{}{}
	for k := range c.byID[id] {
		delete(c.uncovered, k)
	}
	delete(c.byID, id)
}

// observe records that loc was taken in the given direction. It returns
// whether this (id, direction) pair had never been seen before (under any
// context), and whether this observation just promoted loc's id to
// covered.
func (c *Coverage) observe(loc trace.Location, direction bool) (discovered bool, covered bool) {
	dirs := c.seenDirs[loc.ID]
	idx := dirIndex(direction)
	if dirs[idx] {
		return false, false
	}
	other := dirs[1-idx]
	dirs[idx] = true
	c.seenDirs[loc.ID] = dirs

	if !other {
		c.addUncovered(UncoveredKey{Loc: loc, Direction: !direction})
		return true, false
	}

	c.promoteToCovered(loc.ID)
	return true, true
}
