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

package checkpoint

import (
	"fmt"

	"github.com/fuzzcore/search/trace"
	"github.com/fuzzcore/search/tree"
)

// Recorder appends every report an engine merges into its tree to a
// Store, in execution order, so the run can be replayed later.
type Recorder struct {
	store *Store
	next  uint64
}

// NewRecorder returns a Recorder backed by store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Record persists report as the next entry in the log.
func (r *Recorder) Record(report trace.Report) error {
	if err := r.store.Append(r.next, report); err != nil {
		return fmt.Errorf("could not record execution %d: %w", r.next, err)
	}
	r.next++
	return nil
}

// Replay rebuilds tr by merging every persisted report into it, in the
// order they were recorded, reconstructing the same tree and coverage
// state the original run had without re-executing the client once.
// The execution numbers passed to tree.Merge are 1-based, matching
// what the engine's stats.Poller would have counted live.
func Replay(store *Store, tr *tree.Tree) (int, error) {
	reports, err := store.Load()
	if err != nil {
		return 0, fmt.Errorf("could not load checkpoint: %w", err)
	}
	for i, report := range reports {
		if len(report.Trace) == 0 {
			continue
		}
		if _, err := tr.Merge(report, uint64(i+1)); err != nil {
			return i, fmt.Errorf("could not replay execution %d: %w", i+1, err)
		}
	}
	return len(reports), nil
}
