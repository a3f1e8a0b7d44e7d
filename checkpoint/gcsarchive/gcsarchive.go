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

// Package gcsarchive uploads checkpoint database snapshots to a GCS bucket,
// the upload-direction counterpart to the teacher's download-only gcs and
// gcp packages. It is disabled unless a caller explicitly constructs an
// Archiver around a bucket handle; nothing in this package reaches out to
// GCS on its own.
package gcsarchive

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Archiver uploads checkpoint blobs to a GCS bucket under a configured
// object name prefix, one object per archived snapshot.
type Archiver struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewArchiver creates an Archiver that has access to a GCS bucket. Objects
// it writes are named prefix+name; an empty prefix simply uploads objects
// at the bucket root. bucket must not be nil: every method uses it.
func NewArchiver(bucket *storage.BucketHandle, prefix string) *Archiver {
	a := Archiver{
		bucket: bucket,
		prefix: prefix,
	}

	return &a
}

// Upload writes data to the bucket under the given object name, replacing
// any existing object of the same name.
func (a *Archiver) Upload(ctx context.Context, name string, data []byte) error {
	w := a.bucket.Object(a.prefix + name).NewWriter(ctx)

	_, err := io.Copy(w, bytes.NewReader(data))
	if err != nil {
		// A failed copy still requires closing the writer to release
		// its resources, but the close error is secondary to the
		// copy error that caused it.
		_ = w.Close()
		return fmt.Errorf("could not upload checkpoint blob: %w", err)
	}

	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not finalize checkpoint upload: %w", err)
	}

	return nil
}

// List returns the names of archived checkpoint objects currently in the
// bucket under the configured prefix, in the order the bucket listing
// returns them (by object name); they are not sorted by age.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	it := a.bucket.Objects(ctx, &storage.Query{
		Prefix: a.prefix,
	})

	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("could not list checkpoint objects: %w", err)
		}

		names = append(names, attrs.Name)
	}

	return names, nil
}

// Download reads a previously archived checkpoint blob back from the
// bucket, for recovering a checkpoint database onto a fresh machine.
func (a *Archiver) Download(ctx context.Context, name string) ([]byte, error) {
	r, err := a.bucket.Object(name).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not create GCS object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not download checkpoint blob: %w", err)
	}

	return data, nil
}
