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

package main

import (
	"context"
	"fmt"

	"github.com/fuzzcore/search/checkpoint"
	"github.com/fuzzcore/search/engine"
	"github.com/fuzzcore/search/trace"
)

// recordingExecutor persists every report to a checkpoint.Recorder
// before handing it back to the engine, so a crash mid-run can be
// replayed from disk instead of re-executed from scratch.
type recordingExecutor struct {
	inner engine.Executor
	rec   *checkpoint.Recorder
}

func (r recordingExecutor) Execute(ctx context.Context, stdin trace.Stdin) (trace.Report, error) {
	report, err := r.inner.Execute(ctx, stdin)
	if err != nil {
		return report, err
	}
	if err := r.rec.Record(report); err != nil {
		return report, fmt.Errorf("could not record checkpoint: %w", err)
	}
	return report, nil
}
