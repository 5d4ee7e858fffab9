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
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"lostluck.dev/cascade-go/tuple"
)

type tokenizer struct {
	sep string
}

func (t tokenizer) split(in tuple.Entry) []any {
	return splitWords(in, t.sep)
}

func (t *tokenizer) count(in tuple.Entry) []any {
	return []any{len(splitWords(in, t.sep))}
}

const pkgPath = "lostluck.dev/cascade-go/udf"

func TestDescribe_references(t *testing.T) {
	tok := &tokenizer{sep: " "}
	tests := []struct {
		name string
		fn   any
		want Descriptor
	}{
		{
			name: "global",
			fn:   splitWords,
			want: Descriptor{Kind: Global, Key: pkgPath + ".splitWords", Package: pkgPath, Name: "splitWords"},
		}, {
			name: "method",
			fn:   tok.count,
			want: Descriptor{Kind: Method, Key: pkgPath + ".tokenizer.count", Package: pkgPath, Class: "tokenizer", Name: "count"},
		}, {
			name: "valueMethod",
			fn:   tok.split,
			want: Descriptor{Kind: Method, Key: pkgPath + ".tokenizer.split", Package: pkgPath, Class: "tokenizer", Name: "split"},
		}, {
			name: "classmethod",
			fn:   tokenizer.split,
			want: Descriptor{Kind: ClassMethod, Key: pkgPath + ".tokenizer.split", Package: pkgPath, Class: "tokenizer", Name: "split"},
		}, {
			name: "pointerClassmethod",
			fn:   (*tokenizer).count,
			want: Descriptor{Kind: ClassMethod, Key: pkgPath + ".tokenizer.count", Package: pkgPath, Class: "tokenizer", Name: "count"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := Describe(test.fn)
			if err != nil {
				t.Fatalf("Describe error: %v", err)
			}
			if d := cmp.Diff(test.want, got); d != "" {
				t.Errorf("Describe diff (-want,+got):\n%v", d)
			}
		})
	}
}

func TestDescribe_inline(t *testing.T) {
	upper := func(in tuple.Entry) tuple.Tuple {
		return tuple.Tuple{strings.ToUpper(in.At(0).(string))}
	}
	d, err := Describe(upper)
	if err != nil {
		t.Fatalf("Describe error: %v", err)
	}
	if d.Kind != Inline || d.Dialect != DialectGo {
		t.Errorf("Describe = %v/%v, want inline go", d.Kind, d.Dialect)
	}
	want := "func(in tuple.Entry) tuple.Tuple {\n\treturn tuple.Tuple{strings.ToUpper(in.At(0).(string))}\n}"
	if diff := cmp.Diff(want, d.Source); diff != "" {
		t.Errorf("Source diff (-want,+got):\n%v", diff)
	}
	if !strings.HasSuffix(d.File, "ship_test.go") {
		t.Errorf("File = %q", d.File)
	}

	// Shipping twice gives the same descriptor.
	again, err := Describe(upper)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d, again); diff != "" {
		t.Errorf("Describe isn't repeatable (-first,+second):\n%v", diff)
	}
}

func TestDescribe_unshippable(t *testing.T) {
	if _, err := Describe(42); !errors.Is(err, ErrUnshippableFunction) {
		t.Errorf("Describe(42) error = %v, want ErrUnshippableFunction", err)
	}
	if _, err := Describe(Starlark("x = 1")); !errors.Is(err, ErrUnshippableFunction) {
		t.Errorf("Describe(script without def) error = %v, want ErrUnshippableFunction", err)
	}
	bad := Starlark(`
		def f(x):
	  return x
	`)
	if _, err := Describe(bad); !errors.Is(err, ErrUnshippableFunction) {
		t.Errorf("Describe(badly indented script) error = %v, want ErrUnshippableFunction", err)
	}
}

func TestParseSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want symbol
	}{
		{"main.splitWords", symbol{pkg: "main", name: "splitWords"}},
		{"example.com/a/b.Name", symbol{pkg: "example.com/a/b", name: "Name"}},
		{"gopkg.in/yaml%2ev2.Marshal", symbol{pkg: "gopkg.in/yaml.v2", name: "Marshal"}},
		{"example.com/p.(*T).M-fm", symbol{pkg: "example.com/p", recv: "T", name: "M", bound: true}},
		{"example.com/p.T.M", symbol{pkg: "example.com/p", recv: "T", name: "M"}},
		{"example.com/p.Map[...]", symbol{pkg: "example.com/p", name: "Map", generic: true}},
		{"example.com/p.outer.func1", symbol{pkg: "example.com/p", name: "outer.func1", closure: true}},
		{"example.com/p.outer.func1.2", symbol{pkg: "example.com/p", name: "outer.func1.2", closure: true}},
		{"example.com/p.(*T).M.func3", symbol{pkg: "example.com/p", name: "(*T).M.func3", closure: true}},
		{"example.com/p.glob..func1", symbol{pkg: "example.com/p", name: "glob..func1", closure: true}},
	}
	for _, test := range tests {
		got, err := parseSymbol(test.in)
		if err != nil {
			t.Errorf("parseSymbol(%q) error: %v", test.in, err)
			continue
		}
		test.want.full = test.in
		if d := cmp.Diff(test.want, got, cmp.AllowUnexported(symbol{})); d != "" {
			t.Errorf("parseSymbol(%q) diff (-want,+got):\n%v", test.in, d)
		}
	}

	for _, in := range []string{"nodot", "example.com/p.(*T.M", "example.com/p.a.b.c", "example.com/p.F-fm"} {
		if _, err := parseSymbol(in); !errors.Is(err, ErrUnshippableFunction) {
			t.Errorf("parseSymbol(%q) error = %v, want ErrUnshippableFunction", in, err)
		}
	}
}

func TestNormalizeScript(t *testing.T) {
	src := `
		# a helper comment
		def shout(rec, suffix):
			if rec["word"]:
				return [rec["word"].upper() + suffix]

			return None
	`
	got, name, err := normalizeScript(src)
	if err != nil {
		t.Fatal(err)
	}
	if name != "shout" {
		t.Errorf("name = %q, want shout", name)
	}
	want := "def shout(rec, suffix):\n\tif rec[\"word\"]:\n\t\treturn [rec[\"word\"].upper() + suffix]\n\n\treturn None\n"
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("normalizeScript diff (-want,+got):\n%v", d)
	}
	if strings.HasPrefix(got, " ") || strings.HasPrefix(got, "\t") {
		t.Errorf("first line is still indented: %q", got)
	}
}

func TestRegistry_keys(t *testing.T) {
	reg := NewRegistry()
	var keys []string
	for i := range 2 {
		add := func(in tuple.Entry) []any { return []any{in.At(0), i} }
		k, err := reg.Register(add)
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, k)
	}
	if !strings.HasSuffix(keys[0], "#0") || !strings.HasSuffix(keys[1], "#1") {
		t.Errorf("closure keys = %q, want #0 and #1 suffixes", keys)
	}
	k1, _ := reg.Register(splitWords)
	k2, _ := reg.Register(splitWords)
	if k1 != k2 || k1 != pkgPath+".splitWords" {
		t.Errorf("global keys = %q, %q, want %q", k1, k2, pkgPath+".splitWords")
	}
	if _, err := reg.Register("nope"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Register(non function) error = %v", err)
	}
	if got := len(reg.Keys()); got != 3 {
		t.Errorf("len(Keys()) = %d, want 3", got)
	}
}

func firstAs[T any](in tuple.Entry) tuple.Tuple {
	var zero T
	return tuple.Tuple{fmt.Sprintf("%T", zero), in.At(0)}
}

func TestRegistry_genericInstantiations(t *testing.T) {
	asInt := MapFunc(firstAs[int])
	asString := MapFunc(firstAs[string])
	if asInt.Key() == asString.Key() {
		t.Fatalf("instantiations share the key %q", asInt.Key())
	}
	for _, test := range []struct {
		f    *Func
		want string
	}{{asInt, "int"}, {asString, "string"}} {
		iv := shipAndRebuild(t, test.f, AttachStage)
		var c collector
		if err := iv.Map(word("w"), c.emit); err != nil {
			t.Fatal(err)
		}
		if d := cmp.Diff([]tuple.Tuple{{test.want, "w"}}, c.out); d != "" {
			t.Errorf("%v diff (-want,+got):\n%v", test.f.Key(), d)
		}
	}
}

func TestReconstruct_classMethods(t *testing.T) {
	tests := []struct {
		name string
		f    *Func
		want []tuple.Tuple
	}{
		{"value", MapFunc(tokenizer.split, Output(EmitReturn)), []tuple.Tuple{{"a", " ", "b"}}},
		{"pointer", MapFunc((*tokenizer).count), []tuple.Tuple{{3}}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			iv := shipAndRebuild(t, test.f, AttachStage)
			var c collector
			// The receiver is a fresh zero value, so sep is empty.
			if err := iv.Map(line("a b"), c.emit); err != nil {
				t.Fatal(err)
			}
			if d := cmp.Diff(test.want, c.out); d != "" {
				t.Errorf("Map diff (-want,+got):\n%v", d)
			}
		})
	}
}

func TestDescribe_sameLine(t *testing.T) {
	one, two := func(tuple.Entry) int { return 1 }, func(tuple.Entry) int { return 2 }
	for _, test := range []struct {
		fn   any
		want string
	}{
		{one, "func(tuple.Entry) int { return 1 }"},
		{two, "func(tuple.Entry) int { return 2 }"},
	} {
		d, err := Describe(test.fn)
		if err != nil {
			t.Fatalf("Describe error: %v", err)
		}
		if d.Source != test.want {
			t.Errorf("Source = %q, want %q", d.Source, test.want)
		}
	}
}

func TestSymbol_ordinal(t *testing.T) {
	for in, want := range map[string]int{
		"example.com/p.outer.func2":   2,
		"example.com/p.outer.func1.3": 3,
		"example.com/p.(*T).M.func4":  4,
		"example.com/p.glob..func1":   0,
		"example.com/p.outer.gowrap1": 0,
		"example.com/p.Name":          0,
	} {
		sym, err := parseSymbol(in)
		if err != nil {
			t.Fatalf("parseSymbol(%q) error: %v", in, err)
		}
		if got := sym.ordinal(); got != want {
			t.Errorf("ordinal of %q = %d, want %d", in, got, want)
		}
	}
}
