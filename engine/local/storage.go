// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path"
	"strings"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"gocloud.dev/blob"
	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/tuple"
)

// partName is the object holding a stored location's records.
const partName = "part-00000.jsonl"

// storage keeps cached locations in a bucket. A location is a key prefix: it
// exists once any object is stored under it.
type storage struct {
	bucket *blob.Bucket
}

var _ engine.Storage = (*storage)(nil)

func prefix(location string) string {
	return strings.TrimPrefix(path.Clean(location), "/") + "/"
}

func (s *storage) Exists(ctx context.Context, location string) (bool, error) {
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix(location)})
	_, err := it.Next(ctx)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local: checking %q: %w", location, err)
	}
	return true, nil
}

func (s *storage) Source(location string) engine.Tap {
	return &StoredTap{bucket: s.bucket, location: location}
}

func (s *storage) Sink(location string) engine.Tap {
	return &StoredTap{bucket: s.bucket, location: location}
}

// StoredTap reads and writes records as a stream of JSON values in a
// bucket, one per line. The first value holds the column names.
type StoredTap struct {
	bucket   *blob.Bucket
	location string
}

type header struct {
	Fields []string `json:"fields"`
}

func (t *StoredTap) Identifier() string { return t.location }

func (t *StoredTap) key() string { return prefix(t.location) + partName }

// Write replaces the stored records.
func (t *StoredTap) Write(ctx context.Context, fs []string, rows []tuple.Tuple) (err error) {
	w, err := t.bucket.NewWriter(ctx, t.key(), &blob.WriterOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()
	enc := jsontext.NewEncoder(w)
	if err := json.MarshalEncode(enc, header{Fields: fs}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := json.MarshalEncode(enc, []any(r)); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the stored records. Whole numbers come back as int64.
func (t *StoredTap) Read(ctx context.Context) ([]string, []tuple.Tuple, error) {
	r, err := t.bucket.NewReader(ctx, t.key(), nil)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	dec := jsontext.NewDecoder(r)
	raw, err := dec.ReadValue()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("%s: missing header", t.key())
	}
	var h header
	if err == nil {
		err = json.Unmarshal(raw, &h)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: header: %w", t.key(), err)
	}
	var rows []tuple.Tuple
	for {
		raw, err := dec.ReadValue()
		if err == io.EOF {
			return h.Fields, rows, nil
		}
		var row []any
		if err == nil {
			err = json.Unmarshal(raw, &row)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: record %d: %w", t.key(), len(rows), err)
		}
		for i, v := range row {
			if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				row[i] = int64(f)
			}
		}
		rows = append(rows, tuple.Tuple(row))
	}
}
