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
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the variant of a Descriptor.
type Kind uint8

const (
	Global      Kind = iota // A package level function.
	Method                  // A method value bound to an instance. The instance isn't shipped.
	ClassMethod             // A method expression, called with its receiver as first argument.
	Inline                  // A closure or script, shipped with its normalized source.
)

var kindNames = [...]string{"global", "method", "classmethod", "inline"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	return unmarshalEnum(b, kindNames[:], (*uint8)(k), "descriptor kind")
}

// Dialects of inline source.
const (
	DialectGo       = "go"
	DialectStarlark = "starlark"
)

// Descriptor is the shippable identity of a function.
//
// Reference kinds name the function by package, receiver type and name.
// Inline descriptors carry normalized source: Starlark source is compiled
// again on the worker, while Go source records the closure that the
// registry key resolves to.
type Descriptor struct {
	Kind    Kind   `json:"kind"`
	Key     string `json:"key,omitempty"` // Registry key, for Go functions.
	Package string `json:"package,omitempty"`
	Class   string `json:"class,omitempty"` // Receiver type, for Method and ClassMethod.
	Name    string `json:"name"`
	Source  string `json:"source,omitempty"`
	Dialect string `json:"dialect,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitzero"`
}

// Describe classifies fn and builds its descriptor. fn is a *Func, a
// *Script, or a plain function. Describe has no side effects and may be
// called repeatedly.
func Describe(fn any) (Descriptor, error) {
	switch fn := fn.(type) {
	case *Func:
		return describe(fn)
	case *Script:
		return fn.describe()
	}
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return Descriptor{}, newError(ErrUnshippableFunction, fmt.Sprintf("%T", fn), "not a function")
	}
	d, err := describeFunc(rv)
	if err != nil {
		return Descriptor{}, err
	}
	d.Key = d.symbolKey()
	return d, nil
}

func describe(f *Func) (Descriptor, error) {
	if f.script != nil {
		return f.script.describe()
	}
	d, err := describeFunc(f.fn)
	if err != nil {
		return Descriptor{}, err
	}
	d.Key = f.key
	return d, nil
}

func (d Descriptor) symbolKey() string {
	switch d.Kind {
	case Method, ClassMethod:
		return d.Package + "." + d.Class + "." + d.Name
	}
	return d.Package + "." + d.Name
}

// symbol is a parsed runtime function name.
type symbol struct {
	full    string
	pkg     string
	recv    string // Receiver type name, without pointer decoration.
	name    string
	bound   bool // A method value, named with the -fm suffix.
	closure bool
	generic bool // An instantiation, named with [...] whatever the type arguments.
}

var (
	closurePart = regexp.MustCompile(`^(func\d+|\d+|gowrap\d+|deferwrap\d+)$`)
	literalPart = regexp.MustCompile(`^func(\d+)$|^(\d+)$`)
)

func symbolName(fn reflect.Value) string {
	if rf := runtime.FuncForPC(fn.Pointer()); rf != nil {
		return rf.Name()
	}
	return fn.Type().String()
}

// parseSymbol splits names such as
//
//	example.com/pkg.Name
//	example.com/pkg.(*T).Method-fm
//	example.com/pkg.T.Method
//	example.com/pkg.outer.func1.2
//
// Dots in the last element of the import path are escaped as %2e by the linker.
func parseSymbol(full string) (symbol, error) {
	sym := symbol{full: full}
	s := full
	if t, ok := strings.CutSuffix(s, "-fm"); ok {
		s, sym.bound = t, true
	}
	if strings.Contains(s, "[...]") {
		s, sym.generic = strings.ReplaceAll(s, "[...]", ""), true
	}
	slash := strings.LastIndex(s, "/")
	dot := strings.Index(s[slash+1:], ".")
	if dot < 0 {
		return sym, newError(ErrUnshippableFunction, full, "can't find the defining package")
	}
	dot += slash + 1
	sym.pkg = strings.ReplaceAll(s[:dot], "%2e", ".")
	parts := strings.Split(s[dot+1:], ".")
	for _, p := range parts[1:] {
		if p == "" || closurePart.MatchString(p) {
			sym.closure = true
			sym.name = s[dot+1:]
			return sym, nil
		}
	}
	switch len(parts) {
	case 1:
		sym.name = parts[0]
		if sym.bound {
			return sym, newError(ErrUnshippableFunction, full, "bound function without a receiver")
		}
		return sym, nil
	case 2:
		recv := parts[0]
		if strings.HasPrefix(recv, "(") {
			inner, ok := strings.CutPrefix(recv, "(*")
			if !ok || !strings.HasSuffix(inner, ")") {
				return sym, newError(ErrUnshippableFunction, full, "can't determine the receiver type")
			}
			recv = strings.TrimSuffix(inner, ")")
		}
		if recv == "" {
			return sym, newError(ErrUnshippableFunction, full, "can't determine the receiver type")
		}
		sym.recv, sym.name = recv, parts[1]
		return sym, nil
	}
	return sym, newError(ErrUnshippableFunction, full, "can't determine the enclosing type")
}

// ordinal is the position of a closure among the function literals of its
// enclosing function, as the compiler numbers them, or 0 if it isn't known.
// Literals in package level initializers are numbered across the package,
// so they have no usable ordinal.
func (s symbol) ordinal() int {
	parts := strings.Split(s.name, ".")
	if len(parts) < 2 || parts[len(parts)-2] == "" || strings.HasPrefix(s.name, "glob.") {
		return 0
	}
	m := literalPart.FindStringSubmatch(parts[len(parts)-1])
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1] + m[2])
	return n
}

func (s symbol) kind() Kind {
	switch {
	case s.closure:
		return Inline
	case s.recv != "" && s.bound:
		return Method
	case s.recv != "":
		return ClassMethod
	}
	return Global
}

func describeFunc(fn reflect.Value) (Descriptor, error) {
	rf := runtime.FuncForPC(fn.Pointer())
	if rf == nil {
		return Descriptor{}, newError(ErrUnshippableFunction, fn.Type().String(), "no symbol information")
	}
	sym, err := parseSymbol(rf.Name())
	if err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Kind:    sym.kind(),
		Package: sym.pkg,
		Class:   sym.recv,
		Name:    sym.name,
	}
	if d.Kind != Inline {
		return d, nil
	}
	file, line := rf.FileLine(rf.Entry())
	src, err := closureSource(file, line, sym.ordinal())
	if err != nil {
		return Descriptor{}, &Error{Kind: ErrUnshippableFunction, Func: sym.full, Msg: "source not recoverable", Err: err}
	}
	d.Source, d.Dialect, d.File, d.Line = src, DialectGo, file, line
	return d, nil
}

// closureSource extracts the function literal starting on the given line
// and removes the indentation of that line from the rest of it. When more
// than one literal starts on the line, ordinal picks among them.
func closureSource(file string, line, ordinal int) (string, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", file)
	}
	fset := token.NewFileSet()
	af, err := parser.ParseFile(fset, file, data, parser.SkipObjectResolution)
	if err != nil {
		return "", errors.Wrapf(err, "parsing %s", file)
	}
	var found []*ast.FuncLit
	ast.Inspect(af, func(n ast.Node) bool {
		if lit, ok := n.(*ast.FuncLit); ok && fset.Position(lit.Pos()).Line == line {
			found = append(found, lit)
		}
		return true
	})
	if len(found) > 1 && ordinal > 0 {
		ords := literalOrdinals(af)
		found = slices.DeleteFunc(found, func(lit *ast.FuncLit) bool { return ords[lit] != ordinal })
	}
	switch len(found) {
	case 0:
		return "", errors.Errorf("no function literal at %s:%d", file, line)
	case 1:
	default:
		return "", errors.Errorf("%d function literals start at %s:%d", len(found), file, line)
	}
	start := fset.Position(found[0].Pos()).Offset
	end := fset.Position(found[0].End()).Offset
	lineStart := bytes.LastIndexByte(data[:start], '\n') + 1
	indent := leadingSpace(string(data[lineStart:start]))
	return dedent(string(data[start:end]), indent, false)
}

// literalOrdinals numbers the function literals of every function in
// source order, starting at 1, each within its closest enclosing function
// declaration or literal.
func literalOrdinals(af *ast.File) map[*ast.FuncLit]int {
	ords := map[*ast.FuncLit]int{}
	counts := map[ast.Node]int{}
	var path []ast.Node
	ast.Inspect(af, func(n ast.Node) bool {
		if n == nil {
			path = path[:len(path)-1]
			return true
		}
		if lit, ok := n.(*ast.FuncLit); ok {
			if fn := enclosingFunc(path); fn != nil {
				counts[fn]++
				ords[lit] = counts[fn]
			}
		}
		path = append(path, n)
		return true
	})
	return ords
}

func enclosingFunc(path []ast.Node) ast.Node {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i].(type) {
		case *ast.FuncDecl, *ast.FuncLit:
			return path[i]
		}
	}
	return nil
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// dedent strips indent from every line after the first. With strict set,
// a non blank line lacking the indent is an error. Otherwise it's kept as is,
// which is what raw string literals need.
func dedent(src, indent string, strict bool) (string, error) {
	lines := strings.Split(src, "\n")
	for i := 1; i < len(lines); i++ {
		l := lines[i]
		if strings.TrimSpace(l) == "" {
			lines[i] = ""
			continue
		}
		t, ok := strings.CutPrefix(l, indent)
		if !ok && strict {
			return "", errors.Errorf("line %d is indented less than the function definition", i+1)
		}
		if ok {
			lines[i] = t
		}
	}
	return strings.Join(lines, "\n"), nil
}
