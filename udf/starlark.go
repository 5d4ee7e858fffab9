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
	"maps"
	"math"
	"regexp"
	"slices"
	"strings"

	"github.com/go-json-experiment/json"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"lostluck.dev/cascade-go/tuple"
)

// Script is a function written in Starlark. Unlike Go closures, scripts
// travel as source and are compiled again by each worker.
type Script struct {
	src string
}

// Starlark returns a script whose function is the first def in src.
// The source may be indented, as it usually is inside a Go raw string.
//
// Records are passed as dicts (or lists, with InputList). A function
// returning a list of lists emits several records unless its output
// emission says otherwise.
func Starlark(src string) *Script {
	return &Script{src: src}
}

func (s *Script) String() string {
	if m := defLine.FindStringSubmatch(firstDef(s.src)); m != nil {
		return "starlark:" + m[2]
	}
	return "starlark"
}

var defLine = regexp.MustCompile(`^([ \t]*)def[ \t]+([A-Za-z_][A-Za-z0-9_]*)[ \t]*\(`)

func firstDef(src string) string {
	for _, l := range strings.Split(src, "\n") {
		if defLine.MatchString(l) {
			return l
		}
	}
	return ""
}

func (s *Script) describe() (Descriptor, error) {
	src, name, err := normalizeScript(s.src)
	if err != nil {
		return Descriptor{}, &Error{Kind: ErrUnshippableFunction, Func: s.String(), Msg: "source not recoverable", Err: err}
	}
	return Descriptor{Kind: Inline, Name: name, Source: src, Dialect: DialectStarlark}, nil
}

// normalizeScript keeps the source from the first def on, with the
// indentation of the def line removed from every line.
func normalizeScript(src string) (string, string, error) {
	lines := strings.Split(src, "\n")
	for i, l := range lines {
		m := defLine.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		body := strings.Join(lines[i:], "\n")[len(m[1]):]
		out, err := dedent(body, m[1], true)
		if err != nil {
			return "", "", err
		}
		return strings.TrimRight(out, " \t\n") + "\n", m[2], nil
	}
	return "", "", fmt.Errorf("no def in script")
}

type starlarkTarget struct {
	p      *Payload
	thread *starlark.Thread
	fn     starlark.Callable
	args   starlark.Tuple
	kwargs []starlark.Tuple
}

func compileStarlark(p *Payload) (*starlarkTarget, error) {
	name := p.Func.Name
	failed := func(msg string, err error) error {
		return &Error{Kind: ErrUnshippableFunction, Func: "starlark:" + name, Msg: msg, Err: err}
	}
	thread := &starlark.Thread{Name: name}
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name+".star", p.Func.Source, nil)
	if err != nil {
		return nil, failed("compiling", err)
	}
	fn, ok := globals[name].(starlark.Callable)
	if !ok {
		return nil, failed(fmt.Sprintf("%s is not a function", name), nil)
	}
	t := &starlarkTarget{p: p, thread: thread, fn: fn}
	for i, raw := range p.Args {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, failed(fmt.Sprintf("decoding argument %d", i), err)
		}
		sv, err := toStarlark(fromJSON(v))
		if err != nil {
			return nil, failed(fmt.Sprintf("converting argument %d", i), err)
		}
		t.args = append(t.args, sv)
	}
	for _, k := range slices.Sorted(maps.Keys(p.Kwargs)) {
		var v any
		if err := json.Unmarshal(p.Kwargs[k], &v); err != nil {
			return nil, failed("decoding keyword argument "+k, err)
		}
		sv, err := toStarlark(fromJSON(v))
		if err != nil {
			return nil, failed("converting keyword argument "+k, err)
		}
		t.kwargs = append(t.kwargs, starlark.Tuple{starlark.String(k), sv})
	}
	return t, nil
}

func (t *starlarkTarget) invoke(out Collector, lead ...starlark.Value) (any, error) {
	args := append(slices.Clone(starlark.Tuple(lead)), t.args...)
	if t.p.Output == EmitCollect {
		args = append(args, collectBuiltin(out))
	}
	res, err := starlark.Call(t.thread, t.fn, args, t.kwargs)
	if err != nil {
		return nil, err
	}
	if t.p.Output == EmitCollect {
		return nil, nil
	}
	if t.p.Role == RoleFilter {
		return bool(res.Truth()), nil
	}
	if res == starlark.None {
		return nil, nil
	}
	multi := t.p.Output == EmitYield || (t.p.Output == EmitAuto && isRecordList(res))
	if !multi {
		return fromStarlark(res)
	}
	it := starlark.Iterate(res)
	if it == nil {
		return nil, fmt.Errorf("udf: starlark:%s yields a non iterable %s", t.p.Func.Name, res.Type())
	}
	defer it.Done()
	var rows []any
	var v starlark.Value
	for it.Next(&v) {
		row, err := fromStarlark(v)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return iter.Seq[any](slices.Values(rows)), nil
}

// collectBuiltin is the emit function handed to scripts that collect their
// output. It takes one record, a list or a tuple of column values.
func collectBuiltin(out Collector) *starlark.Builtin {
	return starlark.NewBuiltin("emit", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var rec starlark.Value
		if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &rec); err != nil {
			return nil, err
		}
		v, err := fromStarlark(rec)
		if err != nil {
			return nil, err
		}
		if t, ok := toTuple(v); ok {
			if err := out(t); err != nil {
				return nil, err
			}
		}
		return starlark.None, nil
	})
}

func (t *starlarkTarget) call(input any, out Collector) (any, error) {
	sv, err := toStarlark(input)
	if err != nil {
		return nil, err
	}
	return t.invoke(out, sv)
}

func (t *starlarkTarget) callGroup(group any, values iter.Seq[tuple.Entry], conv func(tuple.Entry) (any, error), out Collector) (any, error) {
	g, err := toStarlark(group)
	if err != nil {
		return nil, err
	}
	var elems []starlark.Value
	for e := range values {
		v, err := conv(e)
		if err != nil {
			return nil, err
		}
		sv, err := toStarlark(v)
		if err != nil {
			return nil, err
		}
		elems = append(elems, sv)
	}
	return t.invoke(out, g, starlark.NewList(elems))
}

// isRecordList reports whether v is a non empty list whose elements are
// all lists or tuples.
func isRecordList(v starlark.Value) bool {
	var elems []starlark.Value
	switch v := v.(type) {
	case *starlark.List:
		for i := range v.Len() {
			elems = append(elems, v.Index(i))
		}
	case starlark.Tuple:
		elems = v
	default:
		return false
	}
	if len(elems) == 0 {
		return false
	}
	for _, e := range elems {
		switch e.(type) {
		case *starlark.List, starlark.Tuple:
		default:
			return false
		}
	}
	return true
}

func toStarlark(v any) (starlark.Value, error) {
	switch v := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return v, nil
	case bool:
		return starlark.Bool(v), nil
	case int:
		return starlark.MakeInt(v), nil
	case int8:
		return starlark.MakeInt64(int64(v)), nil
	case int16:
		return starlark.MakeInt64(int64(v)), nil
	case int32:
		return starlark.MakeInt64(int64(v)), nil
	case int64:
		return starlark.MakeInt64(v), nil
	case uint:
		return starlark.MakeUint(v), nil
	case uint8:
		return starlark.MakeUint64(uint64(v)), nil
	case uint16:
		return starlark.MakeUint64(uint64(v)), nil
	case uint32:
		return starlark.MakeUint64(uint64(v)), nil
	case uint64:
		return starlark.MakeUint64(v), nil
	case float32:
		return starlark.Float(v), nil
	case float64:
		return starlark.Float(v), nil
	case string:
		return starlark.String(v), nil
	case tuple.Entry:
		return toStarlark(v.Map())
	case tuple.Tuple:
		return toStarlark([]any(v))
	case []any:
		elems := make([]starlark.Value, len(v))
		for i, e := range v {
			sv, err := toStarlark(e)
			if err != nil {
				return nil, err
			}
			elems[i] = sv
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		d := starlark.NewDict(len(v))
		for _, k := range slices.Sorted(maps.Keys(v)) {
			sv, err := toStarlark(v[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("udf: can't pass %T to starlark", v)
}

func fromStarlark(v starlark.Value) (any, error) {
	switch v := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(v), nil
	case starlark.Int:
		if i, ok := v.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("udf: starlark integer %v overflows int64", v)
	case starlark.Float:
		return float64(v), nil
	case starlark.String:
		return string(v), nil
	case *starlark.List:
		out := make([]any, v.Len())
		for i := range out {
			e, err := fromStarlark(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = e
		}
		return out, nil
	case starlark.Tuple:
		out := make([]any, len(v))
		for i, e := range v {
			g, err := fromStarlark(e)
			if err != nil {
				return nil, err
			}
			out[i] = g
		}
		return out, nil
	case *starlark.Dict:
		out := make(map[string]any, v.Len())
		for _, kv := range v.Items() {
			k, ok := starlark.AsString(kv[0])
			if !ok {
				return nil, fmt.Errorf("udf: starlark dict key %v is not a string", kv[0])
			}
			g, err := fromStarlark(kv[1])
			if err != nil {
				return nil, err
			}
			out[k] = g
		}
		return out, nil
	}
	return nil, fmt.Errorf("udf: can't convert starlark %s", v.Type())
}

// fromJSON turns whole JSON numbers back into integers.
func fromJSON(v any) any {
	switch v := v.(type) {
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return int64(v)
		}
	case []any:
		for i, e := range v {
			v[i] = fromJSON(e)
		}
	case map[string]any:
		for k, e := range v {
			v[k] = fromJSON(e)
		}
	}
	return v
}
