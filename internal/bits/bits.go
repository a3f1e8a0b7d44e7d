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

// Package bits provides small bit-indexing helpers shared by the
// sensitivity and minimization analyses, grounded on the bit-walking
// idiom of ledger/trie's path comparison (CommonBits over
// ledger/common/bitutils).
package bits

// WidthClasses is the fixed input-width class vector from spec.md §9,
// used only for target diversification.
var WidthClasses = [...]int{1, 2, 4, 8, 16, 32, 64, 128, 256, 1024}

// WidthClass returns the smallest entry of WidthClasses that is >= n, or
// the last entry if n exceeds them all.
func WidthClass(n int) int {
	for _, c := range WidthClasses {
		if n <= c {
			return c
		}
	}
	return WidthClasses[len(WidthClasses)-1]
}

// CentralWidthClass returns the middle entry of WidthClasses, used as the
// "central" reference point the tie-break and pivot-selection rules
// measure distance against.
func CentralWidthClass() int {
	return WidthClasses[len(WidthClasses)/2]
}

// WidthDistance returns the absolute difference between the value of n's
// width class and the value of the central width class (a difference of
// widths, not a count of class steps) — the "distance
// to the central input-width class" the selector's tie-break and the
// Monte-Carlo explorer's pivot bias both use.
func WidthDistance(n int) int {
	d := WidthClass(n) - CentralWidthClass()
	if d < 0 {
		return -d
	}
	return d
}

// Popcount returns the number of set bits among indices.
func Popcount(indices map[uint32]struct{}) int {
	return len(indices)
}

// HammingClasses partitions a set of bit indices by the popcount of
// sampled patterns; used by untyped minimization to seed descents from
// every observed Hamming class with counts proportional to class size.
// Patterns is a set of candidate bit vectors restricted to the sensitive
// positions, represented as a set of "on" indices each.
func HammingClasses(patterns []map[uint32]struct{}) map[int][]map[uint32]struct{} {
	classes := make(map[int][]map[uint32]struct{})
	for _, p := range patterns {
		k := Popcount(p)
		classes[k] = append(classes[k], p)
	}
	return classes
}

// SortedIndices returns the elements of a bit-index set in ascending
// order, for deterministic iteration (maps in Go do not iterate in a
// stable order).
func SortedIndices(indices map[uint32]struct{}) []uint32 {
	out := make([]uint32, 0, len(indices))
	for i := range indices {
		out = append(out, i)
	}
	// Insertion sort: sensitive-bit sets are small (a handful of typed
	// chunks at most), so this avoids pulling in sort for a few elements.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
