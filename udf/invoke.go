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

package udf

import (
	"fmt"
	"iter"
	"reflect"

	"github.com/go-json-experiment/json"
	"lostluck.dev/cascade-go/tuple"
)

var (
	errorType  = reflect.TypeFor[error]()
	kwargsType = reflect.TypeFor[Kwargs]()
	anyType    = reflect.TypeFor[any]()
	entryType  = reflect.TypeFor[tuple.Entry]()
	mapType    = reflect.TypeFor[map[string]any]()
	listType   = reflect.TypeFor[[]any]()
	tupleType  = reflect.TypeFor[tuple.Tuple]()

	seqEntry = reflect.TypeFor[iter.Seq[tuple.Entry]]()
	seqMap   = reflect.TypeFor[iter.Seq[map[string]any]]()
	seqList  = reflect.TypeFor[iter.Seq[[]any]]()
	seqTuple = reflect.TypeFor[iter.Seq[tuple.Tuple]]()
	seqAny   = reflect.TypeFor[iter.Seq[any]]()

	collectorType = reflect.TypeFor[Collector]()
)

// inputTypes lists the parameter types an input conversion can be received as.
var inputTypes = map[InputConversion][]reflect.Type{
	InputEntry: {entryType, anyType},
	InputMap:   {mapType, anyType},
	InputList:  {listType, tupleType, anyType},
}

var seqTypes = map[InputConversion][]reflect.Type{
	InputEntry: {seqEntry, seqAny},
	InputMap:   {seqMap, seqAny},
	InputList:  {seqList, seqTuple, seqAny},
}

// signature is the layout of a Go function's parameters:
//
//	[receiver] input [values] args... [Kwargs] [Collector]
type signature struct {
	recv     bool
	inType   reflect.Type
	seqType  reflect.Type // Buffers only.
	argTypes []reflect.Type
	kw       bool
	collect  bool
	errOut   bool
}

// checkSignature validates t for the role and emission. recv is set for
// method expressions, whose receiver is passed as a fresh value.
func checkSignature(t reflect.Type, role Role, in InputConversion, out OutputEmission, nargs int, hasKw bool, recv ...bool) (signature, *Error) {
	sig := signature{recv: len(recv) > 0 && recv[0], collect: out == EmitCollect}
	bad := func(format string, args ...any) (signature, *Error) {
		return signature{}, newError(ErrBadSignature, "", "%v: "+format, append([]any{t}, args...)...)
	}
	lead := 0
	if sig.recv {
		lead++
	}
	switch role {
	case RoleMap, RoleFilter:
		lead++
	case RoleBuffer:
		lead += 2
	default:
		return bad("role %v is not concrete", role)
	}
	if t.NumIn() < lead {
		return bad("a %v needs at least %d parameters", role, lead)
	}
	first := 0
	if sig.recv {
		first = 1
	}
	sig.inType = t.In(first)
	if !containsType(inputTypes[in], sig.inType) {
		return bad("input parameter %v can't receive %v records", sig.inType, in)
	}
	if role == RoleBuffer {
		sig.seqType = t.In(first + 1)
		if !containsType(seqTypes[in], sig.seqType) {
			return bad("values parameter %v can't receive %v records", sig.seqType, in)
		}
	}
	last := t.NumIn()
	if sig.collect {
		switch {
		case role == RoleFilter:
			return bad("a filter can't collect its output")
		case t.IsVariadic() || last <= lead || t.In(last-1) != collectorType:
			return bad("collects its output but the last parameter isn't a udf.Collector")
		}
		last--
	}
	if !t.IsVariadic() && last > lead && t.In(last-1) == kwargsType {
		sig.kw = true
		last--
	}
	if hasKw && !sig.kw {
		return bad("keyword arguments are bound but the last parameter isn't udf.Kwargs")
	}
	fixed := last - lead
	switch {
	case t.IsVariadic():
		if nargs < fixed-1 {
			return bad("%d arguments bound, need at least %d", nargs, fixed-1)
		}
	case nargs != fixed:
		return bad("%d arguments bound, want %d", nargs, fixed)
	}
	for i := range nargs {
		j := lead + i
		if t.IsVariadic() && j >= t.NumIn()-1 {
			sig.argTypes = append(sig.argTypes, t.In(t.NumIn()-1).Elem())
			continue
		}
		sig.argTypes = append(sig.argTypes, t.In(j))
	}

	if sig.collect {
		switch {
		case t.NumOut() == 0:
		case t.NumOut() == 1 && t.Out(0) == errorType:
			sig.errOut = true
		default:
			return bad("collects its output, so it may only return an error")
		}
		return sig, nil
	}
	switch t.NumOut() {
	case 1:
	case 2:
		if t.Out(1) != errorType {
			return bad("second result must be an error")
		}
		sig.errOut = true
	default:
		return bad("must return a result, optionally followed by an error")
	}
	if role == RoleFilter && t.Out(0).Kind() != reflect.Bool {
		return bad("a filter must return a bool")
	}
	return sig, nil
}

func containsType(ts []reflect.Type, t reflect.Type) bool {
	for _, c := range ts {
		if c == t {
			return true
		}
	}
	return false
}

// target is a reconstructed function, Go or Starlark.
type target interface {
	call(input any, out Collector) (any, error)
	callGroup(group any, values iter.Seq[tuple.Entry], conv func(tuple.Entry) (any, error), out Collector) (any, error)
}

// Invoker runs a reconstructed function on records, converting inputs,
// checking arity and emitting outputs as its payload says.
//
// An Invoker is not safe for concurrent use. Reconstruct one per goroutine.
type Invoker struct {
	p      *Payload
	t      target
	mode   OutputEmission
	sticky bool // Keep the first detected emission mode.
}

// Reconstruct rebuilds the function described by p. Go functions are looked
// up in reg, or DefaultRegistry if reg is nil. Starlark sources are compiled.
// Reconstruct may be called concurrently and repeatedly.
func Reconstruct(p *Payload, reg *Registry) (*Invoker, error) {
	if reg == nil {
		reg = DefaultRegistry
	}
	iv := &Invoker{p: p, mode: p.Output}
	if p.Func.Dialect == DialectStarlark {
		t, err := compileStarlark(p)
		if err != nil {
			return nil, err
		}
		iv.t = t
		return iv, nil
	}
	fn, ok := reg.Lookup(p.Func.Key)
	if !ok {
		return nil, newError(ErrNotRegistered, p.Func.Name, "no function under key %q", p.Func.Key)
	}
	t, err := newGoTarget(fn, p)
	if err != nil {
		return nil, err
	}
	iv.t, iv.sticky = t, true
	return iv, nil
}

type goTarget struct {
	fn   reflect.Value
	sig  signature
	recv reflect.Value
	args []reflect.Value
	kw   reflect.Value
}

func newGoTarget(fn reflect.Value, p *Payload) (*goTarget, error) {
	recv := p.Func.Kind == ClassMethod
	sig, serr := checkSignature(fn.Type(), p.Role, p.Input, p.Output, len(p.Args), len(p.Kwargs) > 0, recv)
	if serr != nil {
		serr.Func = p.Func.Key
		return nil, serr
	}
	g := &goTarget{fn: fn, sig: sig}
	if recv {
		rt := fn.Type().In(0)
		if rt.Kind() == reflect.Pointer {
			g.recv = reflect.New(rt.Elem())
		} else {
			g.recv = reflect.Zero(rt)
		}
	}
	for i, raw := range p.Args {
		v := reflect.New(sig.argTypes[i])
		if err := json.Unmarshal(raw, v.Interface()); err != nil {
			return nil, &Error{Kind: ErrBadSignature, Func: p.Func.Key, Msg: fmt.Sprintf("decoding argument %d as %v", i, sig.argTypes[i]), Err: err}
		}
		g.args = append(g.args, v.Elem())
	}
	if sig.kw {
		kw := Kwargs{}
		for k, raw := range p.Kwargs {
			var v any
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, &Error{Kind: ErrBadSignature, Func: p.Func.Key, Msg: "decoding keyword argument " + k, Err: err}
			}
			kw[k] = v
		}
		g.kw = reflect.ValueOf(kw)
	}
	return g, nil
}

func (g *goTarget) invoke(collect Collector, lead ...reflect.Value) (any, error) {
	in := make([]reflect.Value, 0, len(lead)+len(g.args)+3)
	if g.sig.recv {
		in = append(in, g.recv)
	}
	in = append(in, lead...)
	in = append(in, g.args...)
	if g.sig.kw {
		in = append(in, g.kw)
	}
	if g.sig.collect {
		in = append(in, reflect.ValueOf(collect))
	}
	out := g.fn.Call(in)
	if g.sig.errOut {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if g.sig.collect {
		return nil, nil
	}
	return out[0].Interface(), nil
}

func (g *goTarget) call(input any, out Collector) (any, error) {
	return g.invoke(out, valueFor(input, g.sig.inType))
}

func (g *goTarget) callGroup(group any, values iter.Seq[tuple.Entry], conv func(tuple.Entry) (any, error), out Collector) (any, error) {
	var iterErr error
	var seq reflect.Value
	switch g.sig.seqType {
	case seqEntry:
		seq = reflect.ValueOf(typedSeq[tuple.Entry](values, conv, &iterErr))
	case seqMap:
		seq = reflect.ValueOf(typedSeq[map[string]any](values, conv, &iterErr))
	case seqList:
		seq = reflect.ValueOf(typedSeq[[]any](values, conv, &iterErr))
	case seqTuple:
		seq = reflect.ValueOf(typedSeq[tuple.Tuple](values, conv, &iterErr))
	default:
		seq = reflect.ValueOf(typedSeq[any](values, conv, &iterErr))
	}
	res, err := g.invoke(out, valueFor(group, g.sig.inType), seq)
	if iterErr != nil {
		return nil, iterErr
	}
	return res, err
}

func typedSeq[T any](values iter.Seq[tuple.Entry], conv func(tuple.Entry) (any, error), errp *error) iter.Seq[T] {
	return func(yield func(T) bool) {
		for e := range values {
			v, err := conv(e)
			if err != nil {
				*errp = err
				return
			}
			if !yield(as[T](v)) {
				return
			}
		}
	}
}

func as[T any](v any) T {
	if t, ok := v.(T); ok {
		return t
	}
	if l, ok := v.([]any); ok {
		if t, ok := any(tuple.Tuple(l)).(T); ok {
			return t
		}
	}
	var zero T
	return zero
}

func valueFor(v any, t reflect.Type) reflect.Value {
	if v == nil {
		return reflect.Zero(t)
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(t) && rv.Type().ConvertibleTo(t) {
		return rv.Convert(t)
	}
	return rv
}

// Role returns the role the function was shipped with.
func (iv *Invoker) Role() Role { return iv.p.Role }

// Payload returns the payload the invoker was reconstructed from.
func (iv *Invoker) Payload() *Payload { return iv.p }

func (iv *Invoker) convert(e tuple.Entry, checkArity bool) (any, error) {
	if checkArity && iv.p.Arity > 0 && e.Len() != iv.p.Arity {
		return nil, fmt.Errorf("udf: %s expects %d input columns, got %d", iv.p.Func.Name, iv.p.Arity, e.Len())
	}
	switch iv.p.Input {
	case InputMap:
		return e.Map(), nil
	case InputList:
		return e.List(), nil
	}
	return e, nil
}

func (iv *Invoker) wantRole(r Role) error {
	if iv.p.Role != r {
		return fmt.Errorf("udf: %s is a %v, not a %v", iv.p.Func.Name, iv.p.Role, r)
	}
	return nil
}

// Map applies a row transform to in, passing each output record to emit.
func (iv *Invoker) Map(in tuple.Entry, emit func(tuple.Tuple) error) error {
	if err := iv.wantRole(RoleMap); err != nil {
		return err
	}
	v, err := iv.convert(in, true)
	if err != nil {
		return err
	}
	res, err := iv.t.call(v, emit)
	if err != nil {
		return err
	}
	return iv.emit(res, emit)
}

// Keep applies a predicate to in.
func (iv *Invoker) Keep(in tuple.Entry) (bool, error) {
	if err := iv.wantRole(RoleFilter); err != nil {
		return false, err
	}
	v, err := iv.convert(in, true)
	if err != nil {
		return false, err
	}
	res, err := iv.t.call(v, nil)
	if err != nil {
		return false, err
	}
	keep, ok := res.(bool)
	if !ok {
		rv := reflect.ValueOf(res)
		if rv.Kind() != reflect.Bool {
			return false, fmt.Errorf("udf: filter %s returned %T, want bool", iv.p.Func.Name, res)
		}
		keep = rv.Bool()
	}
	return keep, nil
}

// Buffer applies a group aggregate to the values of a group.
func (iv *Invoker) Buffer(group tuple.Entry, values iter.Seq[tuple.Entry], emit func(tuple.Tuple) error) error {
	if err := iv.wantRole(RoleBuffer); err != nil {
		return err
	}
	g, err := iv.convert(group, false)
	if err != nil {
		return err
	}
	res, err := iv.t.callGroup(g, values, func(e tuple.Entry) (any, error) { return iv.convert(e, true) }, emit)
	if err != nil {
		return err
	}
	return iv.emit(res, emit)
}

func (iv *Invoker) emit(res any, out func(tuple.Tuple) error) error {
	mode := iv.mode
	if mode == EmitCollect {
		return nil
	}
	if mode == EmitAuto {
		if isNil(res) {
			return nil
		}
		mode = EmitReturn
		if isSeq(res) {
			mode = EmitYield
		}
		if iv.sticky {
			iv.mode = mode
		}
	}
	if mode == EmitYield {
		return eachRecord(res, out)
	}
	if isSeq(res) {
		return fmt.Errorf("udf: %s returned a sequence but emits by return", iv.p.Func.Name)
	}
	if t, ok := toTuple(res); ok {
		return out(t)
	}
	return nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Slice, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// yieldType returns the element type of a func(yield func(T) bool).
func yieldType(t reflect.Type) (reflect.Type, bool) {
	if t.Kind() != reflect.Func || t.NumIn() != 1 || t.NumOut() != 0 {
		return nil, false
	}
	y := t.In(0)
	if y.Kind() != reflect.Func || y.NumIn() != 1 || y.NumOut() != 1 || y.Out(0).Kind() != reflect.Bool {
		return nil, false
	}
	return y, true
}

func isSeq(v any) bool {
	if v == nil {
		return false
	}
	_, ok := yieldType(reflect.TypeOf(v))
	return ok
}

func eachRecord(res any, out func(tuple.Tuple) error) error {
	if isNil(res) {
		return nil
	}
	var err error
	switch seq := res.(type) {
	case iter.Seq[tuple.Tuple]:
		for t := range seq {
			if err = out(t); err != nil {
				break
			}
		}
		return err
	case iter.Seq[any]:
		for v := range seq {
			if t, ok := toTuple(v); ok {
				if err = out(t); err != nil {
					break
				}
			}
		}
		return err
	}
	rv := reflect.ValueOf(res)
	yt, ok := yieldType(rv.Type())
	if !ok {
		return fmt.Errorf("udf: emits by yield but returned %T", res)
	}
	yield := reflect.MakeFunc(yt, func(args []reflect.Value) []reflect.Value {
		if t, ok := toTuple(args[0].Interface()); ok {
			if err = out(t); err != nil {
				return []reflect.Value{reflect.ValueOf(false)}
			}
		}
		return []reflect.Value{reflect.ValueOf(true)}
	})
	rv.Call([]reflect.Value{yield})
	return err
}

// toTuple converts one emitted value into a record. A value that isn't a
// record becomes a single column record.
func toTuple(v any) (tuple.Tuple, bool) {
	switch v := v.(type) {
	case nil:
		return nil, false
	case tuple.Tuple:
		return v, v != nil
	case []any:
		return tuple.Tuple(v), v != nil
	case tuple.Entry:
		return v.Tuple, true
	}
	return tuple.Tuple{v}, true
}
