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

// Package udf tags user functions with execution metadata, resolves their
// role from where they're placed in a pipeline, and ships them to workers.
//
// Tagging never invokes a function. Calling Bind on a tagged function
// records arguments to pass along on the worker instead:
//
//	split := udf.MapFunc(splitWords, udf.Produces("word")).Bind(" ")
//
// A worker never receives the function itself. It receives a Payload naming
// the function by a registry key (or, for Starlark scripts, carrying the
// script source) along with the bound arguments, and rebuilds a callable
// Invoker from it with Reconstruct. Go functions must therefore be
// registered in the worker binary too, which happens naturally when the
// worker rebuilds the same pipeline, or explicitly with Register.
package udf

import (
	"fmt"
	"maps"
	"reflect"

	"lostluck.dev/cascade-go/fields"
	"lostluck.dev/cascade-go/tuple"
)

// Role is what a function does in a pipeline.
type Role uint8

const (
	RoleAuto   Role = iota // Decided when the function is attached.
	RoleMap                // Row transform: one record in, zero or more out.
	RoleFilter             // Predicate: keeps records it returns true for.
	RoleBuffer             // Group aggregate: a whole group in, zero or more out.
)

var roleNames = [...]string{"auto", "map", "filter", "buffer"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return fmt.Sprintf("Role(%d)", uint8(r))
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(b []byte) error {
	return unmarshalEnum(b, roleNames[:], (*uint8)(r), "role")
}

// InputConversion is how an incoming record is presented to the function.
type InputConversion uint8

const (
	InputEntry InputConversion = iota // As a tuple.Entry.
	InputMap                          // As a map[string]any keyed by column name.
	InputList                         // As a []any of column values.
)

var inputNames = [...]string{"entry", "map", "list"}

func (c InputConversion) String() string {
	if int(c) < len(inputNames) {
		return inputNames[c]
	}
	return fmt.Sprintf("InputConversion(%d)", uint8(c))
}

func (c InputConversion) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *InputConversion) UnmarshalText(b []byte) error {
	return unmarshalEnum(b, inputNames[:], (*uint8)(c), "input conversion")
}

// OutputEmission is how a function hands results back.
type OutputEmission uint8

const (
	EmitAuto   OutputEmission = iota // Detected from the first result.
	EmitReturn                       // The function returns one record, or nil for none.
	EmitYield                        // The function returns an iter.Seq of records.
	EmitCollect                      // The function is handed a Collector as its last argument.
)

var emitNames = [...]string{"auto", "return", "yield", "collect"}

// Collector receives the records of a function shipped with EmitCollect.
type Collector = func(tuple.Tuple) error

func (o OutputEmission) String() string {
	if int(o) < len(emitNames) {
		return emitNames[o]
	}
	return fmt.Sprintf("OutputEmission(%d)", uint8(o))
}

func (o OutputEmission) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *OutputEmission) UnmarshalText(b []byte) error {
	return unmarshalEnum(b, emitNames[:], (*uint8)(o), "output emission")
}

func unmarshalEnum(b []byte, names []string, dst *uint8, what string) error {
	for i, n := range names {
		if n == string(b) {
			*dst = uint8(i)
			return nil
		}
	}
	return fmt.Errorf("udf: unknown %s %q", what, b)
}

// Kwargs holds keyword arguments. A Go function receives its bound keyword
// arguments when its last parameter has this type.
type Kwargs = map[string]any

// Meta is the metadata bundle attached to a function.
type Meta struct {
	Role      Role
	Predicate bool            // Resolve an automatic role to RoleFilter after a plain stage.
	Produces  fields.Selector // Columns the function outputs. Unset means unknown.
	Input     InputConversion
	Output    OutputEmission
	Arity     int // Exact number of input columns, checked per record. Zero disables the check.
	Args      []any
	Kwargs    Kwargs

	resolver Resolver
}

func (m Meta) clone() Meta {
	m.Args = append([]any(nil), m.Args...)
	m.Kwargs = maps.Clone(m.Kwargs)
	return m
}

// Option sets a metadata key. Options apply in order, so later ones win.
type Option func(*Meta)

// WithRole sets the role.
func WithRole(r Role) Option { return func(m *Meta) { m.Role = r } }

// Map marks the function as a row transform.
func Map() Option { return WithRole(RoleMap) }

// Filter marks the function as a predicate.
func Filter() Option { return WithRole(RoleFilter) }

// Buffer marks the function as a group aggregate.
func Buffer() Option { return WithRole(RoleBuffer) }

// Auto leaves the role to be decided when the function is attached.
func Auto() Option { return WithRole(RoleAuto) }

// Predicate marks the function as a predicate without fixing its role, so it
// still aggregates when attached after a grouping.
func Predicate() Option { return func(m *Meta) { m.Predicate = true } }

// Produces declares the output columns. sel is anything fields.Coerce
// accepts, and must be valid.
func Produces(sel any) Option {
	s := fields.Must(sel)
	return func(m *Meta) { m.Produces = s }
}

// Input sets how records are converted before being passed in.
func Input(c InputConversion) Option { return func(m *Meta) { m.Input = c } }

// Output sets how results are emitted.
func Output(o OutputEmission) Option { return func(m *Meta) { m.Output = o } }

// Arity sets the exact number of input columns the function accepts.
func Arity(n int) Option { return func(m *Meta) { m.Arity = n } }

// ResolveWith replaces the rule used to resolve an automatic role.
func ResolveWith(r Resolver) Option { return func(m *Meta) { m.resolver = r } }

// Func is a tagged function: a Go function or Starlark script with its metadata.
type Func struct {
	fn     reflect.Value
	script *Script
	key    string
	meta   Meta
}

// Tag attaches metadata to fn, registering it in DefaultRegistry.
//
// If fn is already a *Func, the options are applied on top of its
// metadata and the same *Func is returned. Tag panics if fn is neither a
// function, a *Script nor a *Func.
func Tag(fn any, opts ...Option) *Func {
	return DefaultRegistry.Tag(fn, opts...)
}

// MapFunc tags fn as a row transform.
func MapFunc(fn any, opts ...Option) *Func {
	return Tag(fn, append([]Option{Map()}, opts...)...)
}

// FilterFunc tags fn as a predicate.
func FilterFunc(fn any, opts ...Option) *Func {
	return Tag(fn, append([]Option{Filter()}, opts...)...)
}

// BufferFunc tags fn as a group aggregate.
func BufferFunc(fn any, opts ...Option) *Func {
	return Tag(fn, append([]Option{Buffer()}, opts...)...)
}

// AutoFunc tags fn with a role to be decided on attachment.
func AutoFunc(fn any, opts ...Option) *Func {
	return Tag(fn, append([]Option{Auto()}, opts...)...)
}

func (f *Func) apply(opts []Option) {
	for _, opt := range opts {
		opt(&f.meta)
	}
}

// Meta returns a copy of the function's metadata.
func (f *Func) Meta() Meta { return f.meta.clone() }

// Key returns the registry key of a Go function. Scripts have no key.
func (f *Func) Key() string { return f.key }

// With returns a new *Func sharing the function but with a copy of the
// metadata, with opts applied on top. f is unchanged.
func (f *Func) With(opts ...Option) *Func {
	c := &Func{fn: f.fn, script: f.script, key: f.key, meta: f.meta.clone()}
	c.apply(opts)
	return c
}

type kwarg struct {
	name  string
	value any
}

// Kw wraps a keyword argument for Bind.
func Kw(name string, value any) any { return kwarg{name, value} }

// Bind records arguments to pass to the function on the worker after the
// input. Values made with Kw are recorded as keyword arguments. The
// function is not called. Bind replaces previously bound positional
// arguments when any are given, and keyword arguments when any are given.
// It returns f.
func (f *Func) Bind(args ...any) *Func {
	var pos []any
	var kw Kwargs
	for _, a := range args {
		if a, ok := a.(kwarg); ok {
			if kw == nil {
				kw = Kwargs{}
			}
			kw[a.name] = a.value
			continue
		}
		pos = append(pos, a)
	}
	if len(pos) > 0 {
		f.meta.Args = pos
	}
	if len(kw) > 0 {
		f.meta.Kwargs = kw
	}
	return f
}

func (f *Func) String() string {
	if f.script != nil {
		return f.script.String()
	}
	return symbolName(f.fn)
}
