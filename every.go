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
	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/internal/cascadeopts"
	"lostluck.dev/cascade-go/udf"
)

// Every runs fn on every group of the preceding GroupBy or CoGroup, as a
// group aggregate whatever its tagged role. fn may also be a native
// aggregator or buffer.
//
// By default buffers output only their results, and aggregators output the
// group key followed by their results.
func Every(fn any, opts ...Options) Stage {
	s, err := newFnStage(fn, opts)
	if err != nil {
		return errStage{err}
	}
	if s.fn != nil {
		s.force = udf.RoleBuffer
	}
	s.every = true
	return s
}

type groupStage struct {
	keys any
	opts cascadeopts.Struct
}

// GroupBy groups records by the key columns, merging its inputs first if
// it follows a Merge. A nil key groups on all columns.
func GroupBy(keys any, opts ...Options) Stage {
	s := &groupStage{keys: keys}
	s.opts.Join(opts...)
	return s
}

func (s *groupStage) chain(in Pipe) (Pipe, error) {
	name := s.opts.Name
	if name == "" {
		name = pipeName("group")
	}
	keys, err := selector(name, "group", s.keys)
	if err != nil {
		return Pipe{}, err
	}
	sort, err := selector(name, "sort", s.opts.Sort)
	if err != nil {
		return Pipe{}, err
	}
	if s.opts.Reverse && sort.IsZero() {
		return Pipe{}, malformed(name, "reversing a group by without a sort")
	}
	spec := engine.GroupSpec{Name: name, Fields: keys, Sort: sort, Reverse: s.opts.Reverse}
	return in.f.derive(kindGroup, name, in.inputs(), func(eng engine.Engine, ps []engine.Assembly) (engine.Assembly, error) {
		return eng.GroupBy(ps, spec)
	}), nil
}

// GroupByAgg groups by the key columns and runs fn on every group.
// SortBy and Reverse configure the grouping. Name, Args, Output and
// Produces configure the aggregation.
func GroupByAgg(keys any, fn any, opts ...Options) Stage {
	var o cascadeopts.Struct
	o.Join(opts...)
	group := GroupBy(keys, &cascadeopts.Struct{Sort: o.Sort, Reverse: o.Reverse})
	every := Every(fn, &cascadeopts.Struct{Name: o.Name, Args: o.Args, Output: o.Output, Produces: o.Produces})
	return SubAssembly(func(p Pipe) (Pipe, error) {
		return Chain(p, group, every)
	})
}
