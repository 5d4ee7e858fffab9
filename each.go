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
	"lostluck.dev/cascade-go/udf"
)

// fnStage runs a function or a native operation per record, or per group.
type fnStage struct {
	fn     *udf.Func
	native engine.Native
	force  udf.Role // Overrides the function's role unless RoleAuto.
	every  bool     // Must run per group.
	filter bool     // Must be a filter.
	output fields.Selector
	opts   cascadeopts.Struct
}

func newFnStage(fn any, opts []Options) (*fnStage, error) {
	st, err := asStage(fn)
	if err != nil {
		return nil, err
	}
	s, ok := st.(*fnStage)
	if !ok {
		return nil, malformed("", "%T is not a function or native operation", fn)
	}
	s = &fnStage{fn: s.fn, native: s.native}
	s.opts.Join(opts...)
	return s, nil
}

// selector coerces an optional selector option.
func selector(stage, what string, v any) (fields.Selector, error) {
	if v == nil {
		return fields.Selector{}, nil
	}
	sel, err := fields.Coerce(v)
	if err != nil {
		return fields.Selector{}, wrap(stage, "invalid "+what+" selector", err)
	}
	return sel, nil
}

func opKind(r udf.Role) engine.OpKind {
	switch r {
	case udf.RoleFilter:
		return engine.OpFilter
	case udf.RoleBuffer:
		return engine.OpBuffer
	}
	return engine.OpFunction
}

// operation resolves and ships the function, or wraps the native.
func (s *fnStage) operation(name string, at udf.Attach) (engine.Operation, error) {
	produces, err := selector(name, "produces", s.opts.Produces)
	if err != nil {
		return engine.Operation{}, err
	}
	if s.native != nil {
		return engine.Operation{Kind: s.native.NativeKind(), Native: s.native, Produces: produces}, nil
	}
	f := s.fn
	var overrides []udf.Option
	if s.force != udf.RoleAuto {
		overrides = append(overrides, udf.WithRole(s.force))
	}
	if !produces.IsZero() {
		overrides = append(overrides, func(m *udf.Meta) { m.Produces = produces })
	}
	if len(overrides) > 0 {
		f = f.With(overrides...)
	}
	r, err := f.Resolve(at)
	if err != nil {
		return engine.Operation{}, wrap(name, "attaching "+f.String(), err)
	}
	p, err := udf.Ship(r)
	if err != nil {
		return engine.Operation{}, wrap(name, "shipping "+f.String(), err)
	}
	b, err := p.Encode()
	if err != nil {
		return engine.Operation{}, wrap(name, "encoding "+f.String(), err)
	}
	return engine.Operation{Kind: opKind(r.Role()), Payload: b, Produces: r.Meta().Produces}, nil
}

func (s *fnStage) chain(in Pipe) (Pipe, error) {
	n := in.node()
	op, err := s.operation(s.opts.Name, n.attach())
	if err != nil {
		return Pipe{}, err
	}
	if _, err := in.single(s.opts.Name); err != nil {
		return Pipe{}, err
	}
	per := op.Kind.PerGroup()
	name := s.opts.Name
	if name == "" {
		if per {
			name = pipeName("every")
		} else {
			name = pipeName("each")
		}
	}
	switch {
	case s.every && !per:
		return Pipe{}, malformed(name, "every stage needs an aggregator or buffer, got a %v", op.Kind)
	case s.filter && op.Kind != engine.OpFilter:
		return Pipe{}, malformed(name, "filter stage needs a filter, got a %v", op.Kind)
	case !s.every && s.force == udf.RoleMap && op.Kind != engine.OpFunction:
		return Pipe{}, malformed(name, "map stage needs a function, got a %v", op.Kind)
	case per && !n.grouped():
		return Pipe{}, malformed(name, "%v must follow a group by or co-group, not a %v", op.Kind, n.kind)
	}
	args, err := selector(name, "argument", s.opts.Args)
	if err != nil {
		return Pipe{}, err
	}
	output := s.output
	if output.IsZero() {
		if output, err = selector(name, "output", s.opts.Output); err != nil {
			return Pipe{}, err
		}
	}
	spec := engine.StepSpec{Name: name, Args: args, Output: output, Op: op}
	if per {
		return in.f.derive(kindEvery, name, []nodeIndex{in.idx}, func(eng engine.Engine, ps []engine.Assembly) (engine.Assembly, error) {
			return eng.Every(ps[0], spec)
		}), nil
	}
	return in.f.derive(kindStage, name, []nodeIndex{in.idx}, func(eng engine.Engine, ps []engine.Assembly) (engine.Assembly, error) {
		return eng.Each(ps[0], spec)
	}), nil
}

// errStage fails when chained, so constructors that can't return errors
// report them from Chain.
type errStage struct {
	err error
}

func (s errStage) chain(Pipe) (Pipe, error) { return Pipe{}, s.err }

func mapStage(fn any, output fields.Selector, opts []Options) Stage {
	s, err := newFnStage(fn, opts)
	if err != nil {
		return errStage{err}
	}
	if s.fn != nil {
		s.force = udf.RoleMap
	}
	s.output = output
	return s
}

// Apply runs fn on each record, as a row transform whatever its tagged role.
// fn may also be a native function.
func Apply(fn any, opts ...Options) Stage {
	return mapStage(fn, fields.Selector{}, opts)
}

// Filter keeps the records for which fn returns true. fn may also be a
// native filter.
func Filter(fn any, opts ...Options) Stage {
	s, err := newFnStage(fn, opts)
	if err != nil {
		return errStage{err}
	}
	if s.fn != nil {
		s.force = udf.RoleFilter
	}
	s.filter = true
	return s
}

// MapAdd runs fn on each record and appends its results to the record.
func MapAdd(fn any, opts ...Options) Stage {
	return mapStage(fn, fields.All, opts)
}

// MapReplace runs fn on each record and replaces the argument columns
// with its results.
func MapReplace(fn any, opts ...Options) Stage {
	return mapStage(fn, fields.Swap, opts)
}

// MapTo runs fn on each record and keeps only its results.
func MapTo(fn any, opts ...Options) Stage {
	return mapStage(fn, fields.Results, opts)
}

// FilterBy is Filter for functions that are predicates or have an
// automatic role. Functions tagged with another role are rejected.
func FilterBy(fn any, opts ...Options) Stage {
	if f, ok := fn.(*udf.Func); ok {
		if r := f.Meta().Role; r != udf.RoleFilter && r != udf.RoleAuto {
			return errStage{malformed("", "%v is tagged as a %v, not a filter", f, r)}
		}
	}
	return Filter(fn, opts...)
}
