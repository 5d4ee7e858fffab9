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
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/fields"
	"lostluck.dev/cascade-go/tuple"
	"lostluck.dev/cascade-go/udf"
	"pgregory.net/rapid"
)

func mustChain(t *testing.T, p Pipe, stages ...any) Pipe {
	t.Helper()
	out, err := Chain(p, stages...)
	if err != nil {
		t.Fatalf("Chain: %v", err)
	}
	return out
}

func mustAssembly(t *testing.T, p Pipe) *fakeAssembly {
	t.Helper()
	a, err := p.Assembly()
	if err != nil {
		t.Fatalf("Assembly: %v", err)
	}
	return a.(*fakeAssembly)
}

func TestAssembly_builtOnce(t *testing.T) {
	eng := &fakeEngine{}
	f := NewFlow(eng, Config{})
	src := f.Source(fakeTap("in"))
	p := mustChain(t, src, Apply(upper), GroupBy(0))
	a1, err := p.Assembly()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := eng.built, 3; got != want {
		t.Errorf("built %d assemblies, want %d", got, want)
	}
	a2, err := p.Assembly()
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Errorf("second Assembly() = %p, want the same handle %p", a2, a1)
	}
	// Realizing a sibling reuses the shared head.
	q := mustChain(t, src, Named("other"))
	b := mustAssembly(t, q)
	if got, want := b.parents[0], a1.(*fakeAssembly).parents[0].parents[0]; got != want {
		t.Errorf("sibling's head = %p, want shared head %p", got, want)
	}
	if got, want := eng.built, 4; got != want {
		t.Errorf("built %d assemblies, want %d", got, want)
	}
}

func TestChain_roles(t *testing.T) {
	tests := []struct {
		name   string
		before []any
		stage  any
		op     string
		kind   engine.OpKind
	}{
		{
			name:  "autoAfterSource",
			stage: upper,
			op:    "each", kind: engine.OpFunction,
		}, {
			name:  "predicateAfterSource",
			stage: udf.Tag(nonEmpty, udf.Predicate()),
			op:    "each", kind: engine.OpFilter,
		}, {
			name:   "autoAfterGroup",
			before: []any{GroupBy(0)},
			stage:  count,
			op:     "every", kind: engine.OpBuffer,
		}, {
			name:   "predicateAfterGroup",
			before: []any{GroupBy(0)},
			stage:  udf.Tag(count, udf.Predicate()),
			op:     "every", kind: engine.OpBuffer,
		}, {
			name:   "autoAfterRenamedGroup",
			before: []any{GroupBy(0), Named("grouped")},
			stage:  count,
			op:     "every", kind: engine.OpBuffer,
		}, {
			name:   "explicitMapAfterGroup",
			before: []any{GroupBy(0)},
			stage:  udf.MapFunc(upper),
			op:     "each", kind: engine.OpFunction,
		}, {
			name:   "autoAfterEvery",
			before: []any{GroupBy(0), Every(count)},
			stage:  upper,
			op:     "each", kind: engine.OpFunction,
		}, {
			name:  "script",
			stage: udf.Starlark("def up(line):\n    return line.upper()\n"),
			op:    "each", kind: engine.OpFunction,
		}, {
			name:  "nativeFilter",
			stage: nativeFilter{},
			op:    "each", kind: engine.OpFilter,
		}, {
			name:   "nativeAggregator",
			before: []any{GroupBy(0)},
			stage:  nativeAgg{},
			op:     "every", kind: engine.OpAggregator,
		}, {
			name:  "applyForcesMap",
			stage: Apply(udf.Tag(upper, udf.Predicate())),
			op:    "each", kind: engine.OpFunction,
		}, {
			name:  "filterForcesFilter",
			stage: Filter(nonEmpty),
			op:    "each", kind: engine.OpFilter,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			f := NewFlow(&fakeEngine{}, Config{})
			p := mustChain(t, f.Source(fakeTap("in")), append(test.before, test.stage)...)
			a := mustAssembly(t, p)
			if a.op != test.op || a.step.Op.Kind != test.kind {
				t.Fatalf("built %v %v, want %v %v", a.op, a.step.Op.Kind, test.op, test.kind)
			}
			if a.step.Op.Native != nil {
				return
			}
			pl, err := udf.DecodePayload(a.step.Op.Payload)
			if err != nil {
				t.Fatalf("DecodePayload: %v", err)
			}
			if got, want := opKind(pl.Role), test.kind; got != want {
				t.Errorf("shipped role %v runs as %v, want %v", pl.Role, got, want)
			}
		})
	}
}

func TestChain_ambiguousAfterMerge(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	m, err := Merge(f.Source(fakeTap("a")), f.Source(fakeTap("b")))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Chain(m, udf.AutoFunc(upper))
	if !errors.Is(err, ErrAmbiguousRole) {
		t.Errorf("Chain(merge, auto) = %v, want ErrAmbiguousRole", err)
	}
}

func TestChain_malformed(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	other := NewFlow(&fakeEngine{}, Config{})
	p := f.Source(fakeTap("a"))
	m, err := Merge(p, f.Source(fakeTap("b")))
	if err != nil {
		t.Fatal(err)
	}
	pipeErr := func(_ Pipe, err error) error { return err }
	tests := []struct {
		name string
		err  error
	}{
		{"realizeMerge", func() error { _, err := m.Assembly(); return err }()},
		{"mergeOne", pipeErr(Merge(p))},
		{"mergeZero", pipeErr(Merge(p, Pipe{}))},
		{"mergeFlows", pipeErr(Merge(p, other.Source(fakeTap("c"))))},
		{"chainZero", pipeErr(Chain(Pipe{}, upper))},
		{"applyAfterMerge", pipeErr(Chain(m, Apply(upper)))},
		{"namedAfterMerge", pipeErr(Chain(m, Named("x")))},
		{"sinkAfterMerge", pipeErr(Chain(m, f.Sink(fakeTap("out"))))},
		{"everyAfterStage", pipeErr(Chain(p, Every(count)))},
		{"bufferAfterStage", pipeErr(Chain(p, udf.BufferFunc(count)))},
		{"notAStage", pipeErr(Chain(p, 42))},
		{"nilStage", pipeErr(Chain(p, nil))},
		{"applyNotAFunction", pipeErr(Chain(p, Apply("upper")))},
		{"filterByMap", pipeErr(Chain(p, FilterBy(udf.MapFunc(upper))))},
		{"filterOfAggregator", pipeErr(Chain(p, GroupBy(0), Filter(nativeAgg{})))},
		{"everyOfFilter", pipeErr(Chain(p, GroupBy(0), Every(nativeFilter{})))},
		{"coGroupKeyCount", pipeErr(Chain(m, CoGroup([]any{0, 1, 2})))},
		{"selfJoinOfMerge", pipeErr(Chain(m, CoGroup([]any{0}, SelfJoins(1))))},
		{"negativeSelfJoins", pipeErr(Chain(p, CoGroup([]any{0}, SelfJoins(-1))))},
		{"sinkOfOtherFlow", pipeErr(Chain(p, other.Sink(fakeTap("out"))))},
		{"reverseWithoutSort", pipeErr(Chain(p, GroupBy(0, Reverse())))},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if !errors.Is(test.err, ErrMalformedComposition) {
				t.Fatalf("got %v, want ErrMalformedComposition", test.err)
			}
			var e *Error
			if !errors.As(test.err, &e) {
				t.Errorf("%v is not a *cascade.Error", test.err)
			}
		})
	}
}

func TestChain_invalidSelector(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	p := f.Source(fakeTap("a"))
	for name, stage := range map[string]Stage{
		"groupKey":  GroupBy(-1),
		"sort":      GroupBy(0, SortBy("")),
		"args":      Apply(upper, Args([]any{0, 1.5})),
		"output":    Apply(upper, Output("")),
		"produces":  MapTo(upper, Produces(-3)),
		"coGroup":   CoGroup([]any{[]int{-2}}),
		"declared":  CoGroup([]any{0}, SelfJoins(1), Declared([]string{"a", ""})),
		"aggregate": GroupByAgg(0, count, Produces("")),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Chain(p, stage)
			if !errors.Is(err, ErrInvalidSelector) {
				t.Errorf("got %v, want ErrInvalidSelector", err)
			}
		})
	}
}

func TestChain_unshippableFailsFast(t *testing.T) {
	eng := &fakeEngine{}
	f := NewFlow(eng, Config{})
	fn := udf.MapFunc(func(in tuple.Entry, done chan struct{}) tuple.Tuple {
		return in.Tuple
	}).Bind(make(chan struct{}))
	_, err := Chain(f.Source(fakeTap("a")), fn)
	if !errors.Is(err, ErrUnshippableFunction) {
		t.Errorf("got %v, want ErrUnshippableFunction", err)
	}
	if eng.built != 0 {
		t.Errorf("engine built %d assemblies before the flow was run", eng.built)
	}
}

func TestMapStages(t *testing.T) {
	for _, test := range []struct {
		stage Stage
		want  fields.Selector
	}{
		{MapAdd(upper, Produces("up")), fields.All},
		{MapReplace(upper, Produces("up"), Args(0)), fields.Swap},
		{MapTo(upper, Produces("up")), fields.Results},
		{MapTo(upper, Produces("up"), Output(fields.All)), fields.Results},
		{Apply(upper, Output(fields.Replace)), fields.Replace},
	} {
		f := NewFlow(&fakeEngine{}, Config{})
		a := mustAssembly(t, mustChain(t, f.Source(fakeTap("in")), test.stage))
		if got := a.step.Output; !got.Equal(test.want) {
			t.Errorf("output selector %v, want %v", got, test.want)
		}
	}

	f := NewFlow(&fakeEngine{}, Config{})
	a := mustAssembly(t, mustChain(t, f.Source(fakeTap("in")), MapReplace(udf.MapFunc(upper, udf.Produces("x")), Produces("up"), Args("line"), Name("shout"))))
	if got, want := a.name, "shout"; got != want {
		t.Errorf("stage name %q, want %q", got, want)
	}
	if got, want := a.step.Op.Produces, fields.Must("up"); !got.Equal(want) {
		t.Errorf("produces %v, want %v", got, want)
	}
	if got, want := a.step.Args, fields.Must("line"); !got.Equal(want) {
		t.Errorf("args %v, want %v", got, want)
	}
}

func TestGroupByAgg(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	p := mustChain(t, f.Source(fakeTap("in")),
		GroupByAgg("word", count, SortBy("n"), Reverse(), Produces("count"), Name("agg")))
	a := mustAssembly(t, p)
	if a.op != "every" || a.name != "agg" {
		t.Fatalf("built %v %q, want every \"agg\"", a.op, a.name)
	}
	if got, want := a.step.Op.Produces, fields.Must("count"); !got.Equal(want) {
		t.Errorf("produces %v, want %v", got, want)
	}
	g := a.parents[0]
	if g.op != "groupby" {
		t.Fatalf("parent is %v, want groupby", g.op)
	}
	if !g.group.Fields.Equal(fields.Must("word")) || !g.group.Sort.Equal(fields.Must("n")) || !g.group.Reverse {
		t.Errorf("group spec %+v, want word sorted by n reversed", g.group)
	}
}

func TestCoGroup(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	m, err := Merge(f.Source(fakeTap("a")), f.Source(fakeTap("b")))
	if err != nil {
		t.Fatal(err)
	}
	a := mustAssembly(t, mustChain(t, m, LeftJoin([]any{"k"}, Declared([]string{"k1", "v1", "k2", "v2"}))))
	if a.op != "cogroup" || len(a.parents) != 2 {
		t.Fatalf("built %v of %d inputs, want cogroup of 2", a.op, len(a.parents))
	}
	if got, want := a.cogroup.Joiner, engine.LeftJoin; got != want {
		t.Errorf("joiner %v, want %v", got, want)
	}
	if got, want := a.cogroup.Declared, fields.Must([]string{"k1", "v1", "k2", "v2"}); !got.Equal(want) {
		t.Errorf("declared %v, want %v", got, want)
	}

	self := mustAssembly(t, mustChain(t, f.Source(fakeTap("c")), InnerJoin([]any{0, 1}, SelfJoins(1))))
	if got, want := self.cogroup.SelfJoins, 1; got != want || len(self.parents) != 1 {
		t.Errorf("self join of %d inputs joined %d times, want 1 input joined %d times", len(self.parents), got, want)
	}
}

func TestMerge_flattens(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	a, b, c := f.Source(fakeTap("a")), f.Source(fakeTap("b")), f.Source(fakeTap("c"))
	ab, err := Merge(a, b)
	if err != nil {
		t.Fatal(err)
	}
	abc, err := Merge(ab, c)
	if err != nil {
		t.Fatal(err)
	}
	g := mustAssembly(t, mustChain(t, abc, GroupBy(0)))
	if got, want := len(g.parents), 3; got != want {
		t.Errorf("group by of %d inputs, want %d", got, want)
	}
	want := slices.Concat(a.Provenance(), b.Provenance(), c.Provenance())
	slices.Sort(want)
	if d := cmp.Diff(want, abc.Provenance()); d != "" {
		t.Errorf("merged provenance diff (-want,+got):\n%v", d)
	}
}

func TestPipeName(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	name := f.Source(fakeTap("a")).Provenance()[0]
	if !strings.HasPrefix(name, "source/pipe_test.go:") {
		t.Errorf("source pipe name %q doesn't point at the caller", name)
	}
}

func union(a, b []string) []string {
	return slices.Compact(slices.Sorted(slices.Values(slices.Concat(a, b))))
}

func TestProvenance_properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := NewFlow(&fakeEngine{}, Config{})
		var pipes []Pipe
		for i := range rapid.IntRange(1, 4).Draw(rt, "sources") {
			pipes = append(pipes, f.Source(fakeTap(fmt.Sprint("src", i))))
		}
		for range rapid.IntRange(1, 16).Draw(rt, "steps") {
			a := rapid.SampledFrom(pipes).Draw(rt, "a")
			if !rapid.Bool().Draw(rt, "merge") {
				c, err := Chain(a, rapid.SampledFrom([]Stage{Apply(upper), Named("n"), GroupBy(0)}).Draw(rt, "stage"))
				if err != nil {
					rt.Fatalf("Chain: %v", err)
				}
				for _, s := range a.Provenance() {
					if !slices.Contains(c.Provenance(), s) {
						rt.Fatalf("chained provenance %v lost %q of %v", c.Provenance(), s, a.Provenance())
					}
				}
				pipes = append(pipes, c)
				continue
			}
			b := rapid.SampledFrom(pipes).Draw(rt, "b")
			m, err := Merge(a, b)
			if err != nil {
				rt.Fatalf("Merge: %v", err)
			}
			want := union(a.Provenance(), b.Provenance())
			if d := cmp.Diff(want, m.Provenance()); d != "" {
				rt.Fatalf("merged provenance diff (-want,+got):\n%v", d)
			}
			g, err := Chain(m, GroupBy(0))
			if err != nil {
				rt.Fatalf("Chain(merge, GroupBy): %v", err)
			}
			if d := cmp.Diff(want, g.Provenance()); d != "" {
				rt.Fatalf("grouped provenance diff (-want,+got):\n%v", d)
			}
			pipes = append(pipes, g)
		}
	})
}

// A predicate chained after a source, merged with another source and grouped,
// depends on both sources.
func TestProvenance_filterMergeGroup(t *testing.T) {
	eng := &fakeEngine{}
	f := NewFlow(eng, Config{})
	a, b := f.Source(fakeTap("a")), f.Source(fakeTap("b"))
	filtered := mustChain(t, a, udf.Tag(nonEmpty, udf.Predicate()))
	m, err := Merge(filtered, b)
	if err != nil {
		t.Fatal(err)
	}
	g := mustChain(t, m, GroupBy(0))
	if d := cmp.Diff(union(a.Provenance(), b.Provenance()), g.Provenance()); d != "" {
		t.Errorf("provenance diff (-want,+got):\n%v", d)
	}
	mustChain(t, g, count, f.Sink(fakeTap("out")))
	job, err := f.Job()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(job.Sources), 2; got != want {
		t.Errorf("job has %d sources, want %d", got, want)
	}
}
