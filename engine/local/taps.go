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
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/tuple"
)

// Reader is a source tap this engine can read.
type Reader interface {
	engine.Tap
	Read(ctx context.Context) ([]string, []tuple.Tuple, error)
}

// Writer is a sink tap this engine can write.
type Writer interface {
	engine.Tap
	Write(ctx context.Context, fields []string, rows []tuple.Tuple) error
}

// Function is a native per record operation.
type Function interface {
	engine.Native
	Operate(args tuple.Entry) ([]tuple.Tuple, error)
}

// Filter is a native predicate.
type Filter interface {
	engine.Native
	Keep(args tuple.Entry) (bool, error)
}

// Aggregator is a native per group operation.
type Aggregator interface {
	engine.Native
	Aggregate(key tuple.Entry, values []tuple.Entry) ([]tuple.Tuple, error)
}

var tapIDs atomic.Int64

// Rows is an in memory source.
type Rows struct {
	id     string
	fields []string
	rows   []tuple.Tuple
}

// NewRows returns a source of the given records.
func NewRows(fields []string, rows ...tuple.Tuple) *Rows {
	return &Rows{id: fmt.Sprintf("rows:%d", tapIDs.Add(1)), fields: fields, rows: rows}
}

func (r *Rows) Identifier() string { return r.id }

func (r *Rows) Read(context.Context) ([]string, []tuple.Tuple, error) {
	return r.fields, slices.Clone(r.rows), nil
}

// Collector is an in memory sink.
type Collector struct {
	id string

	mu     sync.Mutex
	fields []string
	rows   []tuple.Tuple
}

// NewCollector returns an empty sink.
func NewCollector() *Collector {
	return &Collector{id: fmt.Sprintf("collector:%d", tapIDs.Add(1))}
}

func (c *Collector) Identifier() string { return c.id }

func (c *Collector) Write(_ context.Context, fields []string, rows []tuple.Tuple) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fields, c.rows = fields, slices.Clone(rows)
	return nil
}

// Fields returns the column names of the written records.
func (c *Collector) Fields() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields
}

// Rows returns the written records.
func (c *Collector) Rows() []tuple.Tuple {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.rows)
}
