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

	"github.com/fuzzcore/search/trace"
)

// deterministicBranch is the demo target every fuzzcore-harness run
// searches by default: a single u8 stdin read, one branch on x == 42,
// the same two-branch program the default Config's budget (40
// executions, 60 seconds, replay-then-0x55) is tuned against.
type deterministicBranch struct{}

func (deterministicBranch) Execute(_ context.Context, stdin trace.Stdin) (trace.Report, error) {
	data := trace.ToBytesMSBFirst(stdin.Bits)
	var x byte
	if len(data) > 0 {
		x = data[0]
	}
	rec := trace.Record{
		Loc:            trace.Location{ID: 1},
		Direction:      x == 42,
		Value:          float64(x) - 42,
		StdinBytesRead: 1,
		Predicate:      trace.PredicateEQ,
	}
	return trace.Report{
		Termination: trace.TerminationNormal,
		Trace:       trace.Trace{rec},
		Stdin:       stdin,
	}, nil
}
