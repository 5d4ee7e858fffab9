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

// Package engine defines the boundary between cascade and the execution
// engine that runs realized pipelines.
//
// cascade builds engine assemblies through an Engine as a pipeline is
// realized, then submits a Job binding named head pipes to source taps and
// named tail pipes to sink taps. Everything past that boundary, including
// scheduling, shuffles, storage formats and retries, belongs to the engine.
package engine

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
	"lostluck.dev/cascade-go/fields"
)

// Assembly is an engine's handle for a realized stage. Handles are compared
// by identity only.
type Assembly interface {
	Name() string
}

// Tap is a source or sink binding, opaque to cascade.
type Tap interface {
	Identifier() string
}

// OpKind is the kind of operation a stage runs.
type OpKind uint8

const (
	OpFunction   OpKind = iota // Per record, emitting zero or more records.
	OpFilter                   // Per record, keeping or dropping it.
	OpAggregator               // Per group, folding values incrementally.
	OpBuffer                   // Per group, seeing all values at once.
)

var opNames = [...]string{"function", "filter", "aggregator", "buffer"}

func (k OpKind) String() string {
	if int(k) < len(opNames) {
		return opNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// PerGroup reports whether the operation runs on groups.
func (k OpKind) PerGroup() bool {
	return k == OpAggregator || k == OpBuffer
}

// Native is an operation implemented by the engine itself.
type Native interface {
	NativeKind() OpKind
}

// Operation is what a per record or per group stage runs: either a native
// operation, or an encoded udf.Payload to reconstruct on the workers.
type Operation struct {
	Kind     OpKind
	Native   Native
	Payload  []byte
	Produces fields.Selector // Columns the operation outputs, if declared.
}

// StepSpec configures Each and Every stages. Zero selectors take the
// engine's defaults.
type StepSpec struct {
	Name   string
	Args   fields.Selector
	Output fields.Selector
	Op     Operation
}

// GroupSpec configures a GroupBy.
type GroupSpec struct {
	Name    string
	Fields  fields.Selector
	Sort    fields.Selector
	Reverse bool
}

// Joiner selects which keys a CoGroup keeps.
type Joiner uint8

const (
	InnerJoin Joiner = iota // Keys present in every branch.
	OuterJoin               // Keys present in any branch.
	LeftJoin                // Keys present in the first branch.
	RightJoin               // Keys present in the last branch.
)

var joinerNames = [...]string{"inner", "outer", "left", "right"}

func (j Joiner) String() string {
	if int(j) < len(joinerNames) {
		return joinerNames[j]
	}
	return fmt.Sprintf("Joiner(%d)", uint8(j))
}

// CoGroupSpec configures a CoGroup. Fields holds one selector per branch,
// or a single selector shared by all branches.
type CoGroupSpec struct {
	Name      string
	Fields    []fields.Selector
	Declared  fields.Selector
	Joiner    Joiner
	SelfJoins int
}

// Storage is the engine's persistent location store, used for caching.
type Storage interface {
	Exists(ctx context.Context, location string) (bool, error)
	Source(location string) Tap
	Sink(location string) Tap
}

// Job is a pipeline submission.
type Job struct {
	Name     string
	Sources  map[string]Tap // By head pipe name.
	Sinks    map[string]Tap // By tail pipe name.
	Tails    []Assembly
	Reducers int
	Config   *structpb.Struct
}

// Engine builds assemblies and runs jobs. A nil parent to Pipe starts a
// new head pipe.
type Engine interface {
	Pipe(name string, parent Assembly) (Assembly, error)
	Each(parent Assembly, spec StepSpec) (Assembly, error)
	Every(parent Assembly, spec StepSpec) (Assembly, error)
	GroupBy(parents []Assembly, spec GroupSpec) (Assembly, error)
	CoGroup(parents []Assembly, spec CoGroupSpec) (Assembly, error)
	Storage() Storage
	Run(ctx context.Context, job Job) error
}
