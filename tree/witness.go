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

// Witness is the immutable record of one input that drove some branching
// closer to flipping: the stdin that produced it and the trace it took.
// A single Witness may be pointed to by many nodes' BestWitness field, so
// it is shared rather than copied; the engine is single-threaded, so a
// plain reference count (rather than atomic) suffices to know when the
// last owner has let go.
type Witness struct {
	Stdin    trace.Stdin
	Trace    trace.Trace
	refcount int
}

// NewWitness returns a fresh Witness with a refcount of zero; callers that
// intend to keep it must call Retain.
func NewWitness(stdin trace.Stdin, tr trace.Trace) *Witness {
	return &Witness{Stdin: stdin, Trace: tr}
}

// Retain increments the reference count and returns w, for chaining at
// assignment sites such as `node.BestWitness = witness.Retain()`.
func (w *Witness) Retain() *Witness {
	if w == nil {
		return nil
	}
	w.refcount++
	return w
}

// Release decrements the reference count. It does not free anything
// itself (the garbage collector does); it exists so analyses can assert
// they dropped every witness they retained, matching the teacher's
// explicit-ownership discipline for shared state.
func (w *Witness) Release() {
	if w == nil {
		return
	}
	w.refcount--
}

// RefCount returns the current reference count, for tests and invariant
// checks only.
func (w *Witness) RefCount() int {
	if w == nil {
		return 0
	}
	return w.refcount
}
