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

package engine

// DefaultConfig reproduces the configuration used by the deterministic
// two-branch scenario: 40 executions, a minute of wall clock, and a
// stdin model that replays recorded bytes before falling back to
// repeating 0x55.
var DefaultConfig = Config{
	MaxExecutions:   40,
	MaxSeconds:      60,
	MaxTraceLength:  0,
	MaxStdinBytes:   1800,
	StdinModelName:  "replay_then_0x55",
	StdoutModelName: "none",
}

// Config holds the budget and model knobs a round loop is bound by.
// MaxTraceLength of 0 means unbounded.
type Config struct {
	Seed              int64
	MaxExecutions     int64  `validate:"gte=0"`
	MaxSeconds        int64  `validate:"gte=0"`
	MaxTraceLength    int    `validate:"gte=0"`
	MaxStdinBytes     uint32 `validate:"gt=0"`
	StdinModelName    string `validate:"required"`
	StdoutModelName   string `validate:"required"`
	AllowBlindFuzzing bool
}
