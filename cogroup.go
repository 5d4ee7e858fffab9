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
	"lostluck.dev/cascade-go/fields"
	"lostluck.dev/cascade-go/internal/cascadeopts"
)

type coGroupStage struct {
	keys   []any
	joiner engine.Joiner
	opts   cascadeopts.Struct
}

// CoGroup joins its inputs, usually a Merge, on key columns. keys holds one
// key selector per input, or a single one shared by all of them. It's an
// inner join.
//
// With a single input and SelfJoins, the input is joined with itself.
// Unless Declared names the output columns, the joined columns must have
// distinct names.
func CoGroup(keys []any, opts ...Options) Stage {
	return coGroup(keys, engine.InnerJoin, opts)
}

// InnerJoin is CoGroup, keeping keys present in every input.
func InnerJoin(keys []any, opts ...Options) Stage {
	return coGroup(keys, engine.InnerJoin, opts)
}

// OuterJoin is CoGroup, keeping keys present in any input.
func OuterJoin(keys []any, opts ...Options) Stage {
	return coGroup(keys, engine.OuterJoin, opts)
}

// LeftJoin is CoGroup, keeping keys present in the first input.
func LeftJoin(keys []any, opts ...Options) Stage {
	return coGroup(keys, engine.LeftJoin, opts)
}

// RightJoin is CoGroup, keeping keys present in the last input.
func RightJoin(keys []any, opts ...Options) Stage {
	return coGroup(keys, engine.RightJoin, opts)
}

func coGroup(keys []any, j engine.Joiner, opts []Options) Stage {
	s := &coGroupStage{keys: keys, joiner: j}
	s.opts.Join(opts...)
	return s
}

func (s *coGroupStage) chain(in Pipe) (Pipe, error) {
	name := s.opts.Name
	if name == "" {
		name = pipeName("cogroup")
	}
	parents := in.inputs()
	self := s.opts.SelfJoins
	switch {
	case self < 0:
		return Pipe{}, malformed(name, "negative self join count %d", self)
	case self > 0 && len(parents) != 1:
		return Pipe{}, malformed(name, "self joins need a single input, got %d", len(parents))
	}
	inputs := len(parents) + self
	if n := len(s.keys); n != 1 && n != inputs {
		return Pipe{}, malformed(name, "co-group of %d inputs given %d key selectors", inputs, n)
	}
	sels := make([]fields.Selector, len(s.keys))
	for i, k := range s.keys {
		sel, err := fields.Coerce(k)
		if err != nil {
			return Pipe{}, wrap(name, "invalid key selector", err)
		}
		sels[i] = sel
	}
	declared, err := selector(name, "declared", s.opts.Declared)
	if err != nil {
		return Pipe{}, err
	}
	spec := engine.CoGroupSpec{Name: name, Fields: sels, Declared: declared, Joiner: s.joiner, SelfJoins: self}
	return in.f.derive(kindGroup, name, parents, func(eng engine.Engine, ps []engine.Assembly) (engine.Assembly, error) {
		return eng.CoGroup(ps, spec)
	}), nil
}
