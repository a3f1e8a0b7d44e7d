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

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/fuzzcore/search/trace"
)

// codec marshals trace.Report records the same way the teacher's
// indexer compresses payloads before a badger Set: cbor.Marshal first,
// then EncodeAll through one zstd stream shared by every record. Every
// record has the same trace.Report shape; no custom zstd dictionary is
// used.
type codec struct {
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
}

func newCodec() (*codec, error) {
	compressor, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("could not initialize compressor: %w", err)
	}
	decompressor, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize decompressor: %w", err)
	}
	return &codec{compressor: compressor, decompressor: decompressor}, nil
}

func (c *codec) Marshal(report trace.Report) ([]byte, error) {
	val, err := cbor.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("could not encode report: %w", err)
	}
	return c.compressor.EncodeAll(val, nil), nil
}

func (c *codec) Unmarshal(b []byte) (trace.Report, error) {
	val, err := c.decompressor.DecodeAll(b, nil)
	if err != nil {
		return trace.Report{}, fmt.Errorf("could not decompress report: %w", err)
	}
	var report trace.Report
	if err := cbor.Unmarshal(val, &report); err != nil {
		return trace.Report{}, fmt.Errorf("could not decode report: %w", err)
	}
	return report, nil
}
