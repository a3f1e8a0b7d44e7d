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

// Package checkpoint persists the reports an engine has already merged
// into its tree, so a campaign can resume after a crash by replaying
// them into a fresh tree instead of re-executing already-explored
// stdin prefixes. Not named in spec.md; the original C++ implementation
// carried a progress_recorder for the same reason.
package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/fuzzcore/search/trace"
)

// recordPrefix is the one key namespace this store needs: an ordered
// log of reports, keyed by their execution index.
const recordPrefix = byte(0x01)

// DefaultOptions returns the badger options this store opens its
// database with, mirroring models/dps.DefaultOptions' tuning for a
// small, append-mostly key space rather than a bulk chain index.
func DefaultOptions(dir string) badger.Options {
	return badger.DefaultOptions(dir).
		WithLogger(nil).
		WithCompactL0OnClose(false)
}

// Store is the durable log a checkpoint Recorder appends to and a
// resuming campaign replays from. Reads are fronted by a ristretto
// cache of recently written or read reports, the same ristretto-in-
// front-of-badger pairing the teacher's invoker uses for its account
// cache.
type Store struct {
	db    *badger.DB
	codec *codec
	cache *ristretto.Cache
}

// Open opens (or creates) a checkpoint database at dir.
func Open(dir string) (*Store, error) {
	db, err := badger.Open(DefaultOptions(dir))
	if err != nil {
		return nil, fmt.Errorf("could not open checkpoint database: %w", err)
	}
	c, err := newCodec()
	if err != nil {
		return nil, fmt.Errorf("could not initialize checkpoint codec: %w", err)
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("could not initialize checkpoint cache: %w", err)
	}
	return &Store{db: db, codec: c, cache: cache}, nil
}

// Close releases the underlying badger handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(index uint64) []byte {
	key := make([]byte, 9)
	key[0] = recordPrefix
	binary.BigEndian.PutUint64(key[1:], index)
	return key
}

// Append persists report under index, overwriting whatever was there
// before: a Recorder only ever calls this with a strictly increasing
// index, but Append itself does not enforce that.
func (s *Store) Append(index uint64, report trace.Report) error {
	val, err := s.codec.Marshal(report)
	if err != nil {
		return fmt.Errorf("could not marshal report %d: %w", index, err)
	}
	key := recordKey(index)
	err = s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(key, val)
	})
	if err != nil {
		return fmt.Errorf("could not persist report %d: %w", index, err)
	}
	s.cache.Set(string(key), report, int64(len(val)))
	return nil
}

// Load reads back every persisted report in execution order.
func (s *Store) Load() ([]trace.Report, error) {
	var reports []trace.Report
	err := s.db.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{recordPrefix}
		it := tx.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			if cached, ok := s.cache.Get(key); ok {
				reports = append(reports, cached.(trace.Report))
				continue
			}
			var report trace.Report
			err := item.Value(func(val []byte) error {
				decoded, err := s.codec.Unmarshal(val)
				if err != nil {
					return err
				}
				report = decoded
				return nil
			})
			if err != nil {
				return fmt.Errorf("could not read report at key %x: %w", key, err)
			}
			s.cache.Set(key, report, int64(len(key)))
			reports = append(reports, report)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not load checkpoint: %w", err)
	}
	return reports, nil
}
