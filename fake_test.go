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

package cascade

import (
	"context"
	"iter"
	"strings"

	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/tuple"
)

// fakeEngine records what it's asked to build.
type fakeEngine struct {
	built   int
	storage engine.Storage
	jobs    []engine.Job
}

type fakeAssembly struct {
	name    string
	op      string
	parents []*fakeAssembly
	step    engine.StepSpec
	group   engine.GroupSpec
	cogroup engine.CoGroupSpec
}

func (a *fakeAssembly) Name() string { return a.name }

func (e *fakeEngine) add(a *fakeAssembly, parents ...engine.Assembly) (engine.Assembly, error) {
	e.built++
	for _, p := range parents {
		a.parents = append(a.parents, p.(*fakeAssembly))
	}
	return a, nil
}

func (e *fakeEngine) Pipe(name string, parent engine.Assembly) (engine.Assembly, error) {
	if parent == nil {
		return e.add(&fakeAssembly{name: name, op: "pipe"})
	}
	return e.add(&fakeAssembly{name: name, op: "pipe"}, parent)
}

func (e *fakeEngine) Each(parent engine.Assembly, spec engine.StepSpec) (engine.Assembly, error) {
	return e.add(&fakeAssembly{name: spec.Name, op: "each", step: spec}, parent)
}

func (e *fakeEngine) Every(parent engine.Assembly, spec engine.StepSpec) (engine.Assembly, error) {
	return e.add(&fakeAssembly{name: spec.Name, op: "every", step: spec}, parent)
}

func (e *fakeEngine) GroupBy(parents []engine.Assembly, spec engine.GroupSpec) (engine.Assembly, error) {
	return e.add(&fakeAssembly{name: spec.Name, op: "groupby", group: spec}, parents...)
}

func (e *fakeEngine) CoGroup(parents []engine.Assembly, spec engine.CoGroupSpec) (engine.Assembly, error) {
	return e.add(&fakeAssembly{name: spec.Name, op: "cogroup", cogroup: spec}, parents...)
}

func (e *fakeEngine) Storage() engine.Storage { return e.storage }

func (e *fakeEngine) Run(_ context.Context, job engine.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

type fakeTap string

func (t fakeTap) Identifier() string { return string(t) }

// fakeStorage holds a set of existing locations.
type fakeStorage struct {
	existing map[string]bool
	checks   int
}

func (s *fakeStorage) Exists(_ context.Context, loc string) (bool, error) {
	s.checks++
	return s.existing[loc], nil
}

func (s *fakeStorage) Source(loc string) engine.Tap { return fakeTap("read:" + loc) }
func (s *fakeStorage) Sink(loc string) engine.Tap   { return fakeTap("write:" + loc) }

func upper(in tuple.Entry) tuple.Tuple {
	return tuple.Tuple{strings.ToUpper(in.At(0).(string))}
}

func nonEmpty(in tuple.Entry) bool {
	return in.At(0) != ""
}

func count(group tuple.Entry, values iter.Seq[tuple.Entry]) tuple.Tuple {
	n := 0
	for range values {
		n++
	}
	return tuple.Tuple{n}
}

type nativeFilter struct{}

func (nativeFilter) NativeKind() engine.OpKind { return engine.OpFilter }

type nativeAgg struct{}

func (nativeAgg) NativeKind() engine.OpKind { return engine.OpAggregator }
