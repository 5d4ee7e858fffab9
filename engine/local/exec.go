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
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"strings"

	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/fields"
	"lostluck.dev/cascade-go/tuple"
	"lostluck.dev/cascade-go/udf"
)

type group struct {
	key  tuple.Entry
	rows []tuple.Tuple
}

// stream is the materialized output of a step. Grouped streams keep their
// groups, with rows holding the same records in group order. The output of
// an every also keeps the grouped values it read, which is what a chained
// every reads too.
type stream struct {
	fields []string
	rows   []tuple.Tuple
	groups []group
	values *stream
}

type executor struct {
	ctx    context.Context
	job    engine.Job
	ops    map[*step]*udf.Invoker
	memo   map[*step]*stream
	logger *slog.Logger
}

func (x *executor) eval(s *step) (*stream, error) {
	if out, ok := x.memo[s]; ok {
		return out, nil
	}
	if err := x.ctx.Err(); err != nil {
		return nil, err
	}
	ins := make([]*stream, len(s.parents))
	for i, p := range s.parents {
		in, err := x.eval(p)
		if err != nil {
			return nil, err
		}
		ins[i] = in
	}
	var out *stream
	var err error
	switch s.kind {
	case kindPipe:
		if len(ins) == 0 {
			out, err = x.read(s)
		} else {
			out = ins[0]
		}
	case kindEach:
		out, err = x.each(s, ins[0])
	case kindEvery:
		out, err = x.every(s, ins[0])
	case kindGroupBy:
		out, err = x.groupBy(s, ins)
	case kindCoGroup:
		out, err = x.coGroup(s, ins)
	}
	if err != nil {
		return nil, fmt.Errorf("local: step %q: %w", s.name, err)
	}
	x.logger.Debug("evaluated step", slog.String("step", s.name), slog.Int("rows", len(out.rows)))
	x.memo[s] = out
	return out, nil
}

func (x *executor) read(s *step) (*stream, error) {
	tap, ok := x.job.Sources[s.name]
	if !ok {
		return nil, fmt.Errorf("no source bound to head pipe")
	}
	r, ok := tap.(Reader)
	if !ok {
		return nil, fmt.Errorf("source %q (%T) can't be read by this engine", tap.Identifier(), tap)
	}
	fs, rows, err := r.Read(x.ctx)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", tap.Identifier(), err)
	}
	return &stream{fields: fs, rows: rows}, nil
}

func resolve(sel fields.Selector, layout []string) ([]int, error) {
	if sel.IsZero() {
		sel = fields.All
	}
	return sel.Resolve(layout)
}

// resultNames names the columns of one result according to what the
// operation declared.
func resultNames(produces fields.Selector, n int) ([]string, error) {
	names := make([]string, n)
	if produces.IsZero() || produces.IsSpecial() {
		return names, nil
	}
	if produces.Len() != n {
		return nil, fmt.Errorf("declared %d output columns %v, got %d", produces.Len(), produces, n)
	}
	for i, id := range produces.IDs() {
		names[i], _ = id.Name()
	}
	return names, nil
}

// compose builds an output record out of the input record and one result.
func compose(out fields.Selector, in tuple.Entry, argIdx []int, res tuple.Tuple, names []string) (tuple.Tuple, []string, error) {
	all := func() (tuple.Tuple, []string) {
		return slices.Concat(in.Tuple, res), slices.Concat(in.Fields, names)
	}
	switch {
	case out.IsZero(), out.Equal(fields.Results):
		return res, names, nil
	case out.Equal(fields.All), out.Equal(fields.Unknown), out.Equal(fields.Values):
		t, fs := all()
		return t, fs, nil
	case out.Equal(fields.None):
		return tuple.Tuple{}, []string{}, nil
	case out.Equal(fields.Swap):
		var t tuple.Tuple
		var fs []string
		for i, v := range in.Tuple {
			if !slices.Contains(argIdx, i) {
				t = append(t, v)
				fs = append(fs, in.Fields[i])
			}
		}
		return append(t, res...), append(fs, names...), nil
	case out.Equal(fields.Replace):
		if len(argIdx) != len(res) {
			return nil, nil, fmt.Errorf("replacing %d argument columns with %d results", len(argIdx), len(res))
		}
		t := slices.Clone(in.Tuple)
		for i, j := range argIdx {
			t[j] = res[i]
		}
		return t, slices.Clone(in.Fields), nil
	}
	t, fs := all()
	idx, err := out.Resolve(fs)
	if err != nil {
		return nil, nil, err
	}
	e := tuple.Entry{Fields: fs, Tuple: t}.Select(idx)
	return e.Tuple, e.Fields, nil
}

// collect accumulates output records, checking they share one layout.
type collect struct {
	fields []string
	rows   []tuple.Tuple
}

func (c *collect) add(t tuple.Tuple, fs []string) error {
	if c.fields == nil {
		c.fields = fs
	} else if len(c.fields) != len(fs) {
		return fmt.Errorf("output records have %d and %d columns", len(c.fields), len(fs))
	}
	c.rows = append(c.rows, t)
	return nil
}

func (x *executor) each(s *step, in *stream) (*stream, error) {
	op := s.spec.Op
	argIdx, err := resolve(s.spec.Args, in.fields)
	if err != nil {
		return nil, err
	}
	iv := x.ops[s]
	if op.Kind == engine.OpFilter {
		out := &stream{fields: in.fields}
		for _, row := range in.rows {
			args := tuple.Entry{Fields: in.fields, Tuple: row}.Select(argIdx)
			var keep bool
			if iv != nil {
				keep, err = iv.Keep(args)
			} else {
				keep, err = op.Native.(Filter).Keep(args)
			}
			if err != nil {
				return nil, err
			}
			if keep {
				out.rows = append(out.rows, row)
			}
		}
		return out, nil
	}

	var c collect
	for _, row := range in.rows {
		entry := tuple.Entry{Fields: in.fields, Tuple: row}
		args := entry.Select(argIdx)
		emit := func(res tuple.Tuple) error {
			names, err := resultNames(op.Produces, len(res))
			if err != nil {
				return err
			}
			t, fs, err := compose(s.spec.Output, entry, argIdx, res, names)
			if err != nil {
				return err
			}
			return c.add(t, fs)
		}
		if iv != nil {
			err = iv.Map(args, emit)
		} else {
			err = nativeEach(op.Native, args, emit)
		}
		if err != nil {
			return nil, err
		}
	}
	if c.fields == nil {
		c.fields = emptyLayout(s.spec.Output, op.Produces, in.fields)
	}
	return &stream{fields: c.fields, rows: c.rows}, nil
}

func nativeEach(n engine.Native, args tuple.Entry, emit func(tuple.Tuple) error) error {
	fn, ok := n.(Function)
	if !ok {
		return fmt.Errorf("native %T doesn't implement local.Function", n)
	}
	res, err := fn.Operate(args)
	if err != nil {
		return err
	}
	for _, r := range res {
		if err := emit(r); err != nil {
			return err
		}
	}
	return nil
}

// emptyLayout is the layout of a step that produced no records.
func emptyLayout(out, produces fields.Selector, in []string) []string {
	names, ok := produces.NameList()
	if !ok {
		names = []string{}
	}
	if out.Equal(fields.All) {
		return slices.Concat(in, names)
	}
	return names
}

func (x *executor) every(s *step, in *stream) (*stream, error) {
	op := s.spec.Op
	src := in
	if in.values != nil {
		src = in.values
	}
	if src.groups == nil {
		return nil, fmt.Errorf("every without groups")
	}
	argIdx, err := resolve(s.spec.Args, src.fields)
	if err != nil {
		return nil, err
	}
	output := s.spec.Output
	if output.IsZero() {
		output = fields.Results
		if op.Kind == engine.OpAggregator {
			output = fields.All
		}
	}
	if output.Equal(fields.Swap) || output.Equal(fields.Replace) {
		return nil, fmt.Errorf("every can't output %v", output)
	}
	// After another every, results are appended to the record that every
	// emitted for the group.
	appending := in.values != nil && !output.Equal(fields.Results) && !output.Equal(fields.None)
	iv := x.ops[s]
	out := &stream{values: src}
	var c collect
	for gi, g := range src.groups {
		values := make([]tuple.Entry, len(g.rows))
		for i, row := range g.rows {
			values[i] = tuple.Entry{Fields: src.fields, Tuple: row}.Select(argIdx)
		}
		incoming := g.key
		if appending {
			prev := in.groups[gi].rows
			if len(prev) != 1 {
				return nil, fmt.Errorf("previous every emitted %d records for group %v, want 1", len(prev), g.key)
			}
			incoming = tuple.Entry{Fields: in.fields, Tuple: prev[0]}
		}
		start := len(c.rows)
		emit := func(res tuple.Tuple) error {
			names, err := resultNames(op.Produces, len(res))
			if err != nil {
				return err
			}
			t, fs, err := compose(output, incoming, nil, res, names)
			if err != nil {
				return err
			}
			return c.add(t, fs)
		}
		if iv != nil {
			err = iv.Buffer(g.key, slices.Values(values), emit)
		} else {
			err = nativeEvery(op.Native, g.key, values, emit)
		}
		if err != nil {
			return nil, err
		}
		out.groups = append(out.groups, group{key: g.key, rows: c.rows[start:len(c.rows):len(c.rows)]})
	}
	out.fields, out.rows = c.fields, c.rows
	if out.fields == nil {
		var key []string
		switch {
		case appending:
			key = in.fields
		case len(src.groups) > 0:
			key = src.groups[0].key.Fields
		}
		out.fields = emptyLayout(output, op.Produces, key)
	}
	return out, nil
}

func nativeEvery(n engine.Native, key tuple.Entry, values []tuple.Entry, emit func(tuple.Tuple) error) error {
	agg, ok := n.(Aggregator)
	if !ok {
		return fmt.Errorf("native %T doesn't implement local.Aggregator", n)
	}
	res, err := agg.Aggregate(key, values)
	if err != nil {
		return err
	}
	for _, r := range res {
		if err := emit(r); err != nil {
			return err
		}
	}
	return nil
}

func (x *executor) groupBy(s *step, ins []*stream) (*stream, error) {
	layout := ins[0].fields
	var rows []tuple.Tuple
	for i, in := range ins {
		if len(in.fields) != len(layout) {
			return nil, fmt.Errorf("merged branch %d has %d columns, branch 0 has %d", i, len(in.fields), len(layout))
		}
		rows = append(rows, in.rows...)
	}
	keyIdx, err := resolve(s.group.Fields, layout)
	if err != nil {
		return nil, err
	}
	var sortIdx []int
	if !s.group.Sort.IsZero() {
		if sortIdx, err = s.group.Sort.Resolve(layout); err != nil {
			return nil, err
		}
	}
	groups := groupRows(layout, rows, keyIdx)
	out := &stream{fields: layout}
	for i := range groups {
		g := &groups[i]
		if sortIdx != nil {
			slices.SortStableFunc(g.rows, func(a, b tuple.Tuple) int {
				c := compareTuples(pick(a, sortIdx), pick(b, sortIdx))
				if s.group.Reverse {
					return -c
				}
				return c
			})
		}
		out.rows = append(out.rows, g.rows...)
	}
	out.groups = groups
	return out, nil
}

// groupRows groups rows by the key columns, ordering groups by key.
func groupRows(layout []string, rows []tuple.Tuple, keyIdx []int) []group {
	index := map[string]int{}
	var groups []group
	for _, row := range rows {
		key := tuple.Entry{Fields: layout, Tuple: row}.Select(keyIdx)
		k := keyString(key.Tuple)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, group{key: key})
		}
		groups[i].rows = append(groups[i].rows, row)
	}
	slices.SortStableFunc(groups, func(a, b group) int {
		return compareTuples(a.key.Tuple, b.key.Tuple)
	})
	return groups
}

func (x *executor) coGroup(s *step, ins []*stream) (*stream, error) {
	spec := s.cogroup
	for range spec.SelfJoins {
		ins = append(ins, ins[0])
	}
	sels := spec.Fields
	if len(sels) == 1 {
		sels = slices.Repeat(sels, len(ins))
	}
	type branch struct {
		width  int
		groups map[string][]tuple.Tuple
	}
	branches := make([]branch, len(ins))
	keys := map[string]tuple.Entry{}
	var layout []string
	for i, in := range ins {
		keyIdx, err := resolve(sels[i], in.fields)
		if err != nil {
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
		b := branch{width: len(in.fields), groups: map[string][]tuple.Tuple{}}
		for _, g := range groupRows(in.fields, in.rows, keyIdx) {
			k := keyString(g.key.Tuple)
			b.groups[k] = g.rows
			if _, ok := keys[k]; !ok {
				keys[k] = g.key
			}
		}
		branches[i] = b
		layout = append(layout, in.fields...)
	}
	if names, ok := spec.Declared.NameList(); ok && spec.Declared.Len() > 0 {
		if len(names) != len(layout) {
			return nil, fmt.Errorf("declared %d columns for %d joined columns", len(names), len(layout))
		}
		layout = names
	} else if dup := duplicate(layout); dup != "" {
		return nil, fmt.Errorf("joined column %q appears twice, declare the output columns", dup)
	}

	order := make([]tuple.Entry, 0, len(keys))
	for _, k := range keys {
		order = append(order, k)
	}
	slices.SortFunc(order, func(a, b tuple.Entry) int { return compareTuples(a.Tuple, b.Tuple) })

	out := &stream{fields: layout}
	for _, key := range order {
		k := keyString(key.Tuple)
		sides := make([][]tuple.Tuple, len(branches))
		for i, b := range branches {
			sides[i] = b.groups[k]
		}
		if !joins(spec.Joiner, sides) {
			continue
		}
		for i, b := range branches {
			if len(sides[i]) == 0 {
				sides[i] = []tuple.Tuple{make(tuple.Tuple, b.width)}
			}
		}
		start := len(out.rows)
		out.rows = append(out.rows, product(sides)...)
		out.groups = append(out.groups, group{key: key, rows: out.rows[start:len(out.rows):len(out.rows)]})
	}
	return out, nil
}

func joins(j engine.Joiner, sides [][]tuple.Tuple) bool {
	switch j {
	case engine.OuterJoin:
		return true
	case engine.LeftJoin:
		return len(sides[0]) > 0
	case engine.RightJoin:
		return len(sides[len(sides)-1]) > 0
	}
	for _, s := range sides {
		if len(s) == 0 {
			return false
		}
	}
	return true
}

// product concatenates every combination of one row per side.
func product(sides [][]tuple.Tuple) []tuple.Tuple {
	out := []tuple.Tuple{{}}
	for _, side := range sides {
		var next []tuple.Tuple
		for _, prefix := range out {
			for _, row := range side {
				next = append(next, slices.Concat(prefix, row))
			}
		}
		out = next
	}
	return out
}

func duplicate(names []string) string {
	seen := map[string]bool{}
	for _, n := range names {
		if n == "" {
			continue
		}
		if seen[n] {
			return n
		}
		seen[n] = true
	}
	return ""
}

func pick(t tuple.Tuple, idx []int) tuple.Tuple {
	out := make(tuple.Tuple, len(idx))
	for i, j := range idx {
		out[i] = t[j]
	}
	return out
}

func keyString(t tuple.Tuple) string {
	var b strings.Builder
	for _, v := range t {
		fmt.Fprintf(&b, "%T:%v\x00", normalizeNumber(v), normalizeNumber(v))
	}
	return b.String()
}

// normalizeNumber makes numerically equal keys of different integer and
// float types group together.
func normalizeNumber(v any) any {
	if f, ok := asFloat(v); ok {
		return f
	}
	return v
}

func asFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func compareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb)
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ba == bb:
				return 0
			case bb:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareTuples(a, b tuple.Tuple) int {
	for i := range min(len(a), len(b)) {
		if c := compareValues(a[i], b[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}
