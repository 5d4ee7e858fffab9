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

// Package fields normalizes column references into selectors.
//
// A selector names the columns a stage reads or writes. Users may refer to a
// column by zero-based position or by name, and may mix the two in a list.
// Coerce turns any of those shapes into a single canonical, immutable
// Selector value that the rest of cascade and the engines work with.
package fields

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidSelector is returned for malformed field references.
var ErrInvalidSelector = errors.New("invalid selector")

// Error describes why a value could not be used as a selector.
type Error struct {
	Value  any
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid selector %#v: %s", e.Value, e.Reason)
}

func (e *Error) Unwrap() error { return ErrInvalidSelector }

func invalid(v any, format string, args ...any) error {
	return &Error{Value: v, Reason: fmt.Sprintf(format, args...)}
}

// ID is a single column identifier, either a position or a name.
type ID struct {
	pos  int
	name string
}

// Position returns the zero-based position, if this identifier is positional.
func (id ID) Position() (int, bool) {
	return id.pos, id.name == ""
}

// Name returns the column name, if this identifier is a name.
func (id ID) Name() (string, bool) {
	return id.name, id.name != ""
}

func (id ID) String() string {
	if id.name != "" {
		return strconv.Quote(id.name)
	}
	return strconv.Itoa(id.pos)
}

type special uint8

const (
	listed special = iota
	all
	results
	swap
	replace
	unknown
	values
	none
)

var specialNames = [...]string{
	listed:  "",
	all:     "ALL",
	results: "RESULTS",
	swap:    "SWAP",
	replace: "REPLACE",
	unknown: "UNKNOWN",
	values:  "VALUES",
	none:    "NONE",
}

// Selector is an immutable, canonical list of column identifiers, or one of
// the special column sets understood by the engine.
//
// The zero Selector means "unset" and is distinct from None.
type Selector struct {
	kind special
	ids  []ID
}

// Special selectors.
var (
	All     = Selector{kind: all}     // Every column of the incoming record.
	Results = Selector{kind: results} // Only the columns an operation produced.
	Swap    = Selector{kind: swap}    // Incoming columns minus arguments, plus results.
	Replace = Selector{kind: replace} // Results replace the argument columns in place.
	Unknown = Selector{kind: unknown} // Columns are not known until runtime.
	Values  = Selector{kind: values}  // The non-grouping columns of a group.
	None    = Selector{kind: none}    // No columns.
)

// Coerce converts x into a Selector.
//
// x may be an integer position, a non-empty string name, a Selector, or a
// slice of any of those ([]any, []int, []string, []Selector). Slices keep
// their order and nested selectors are flattened. Coerce of a Selector returns
// it unchanged, so Coerce is idempotent.
func Coerce(x any) (Selector, error) {
	switch x := x.(type) {
	case Selector:
		return x, nil
	case *Selector:
		if x == nil {
			return Selector{}, invalid(x, "nil selector")
		}
		return *x, nil
	case []ID:
		return fromIDs(append([]ID(nil), x...)), nil
	case []string:
		ids := make([]ID, 0, len(x))
		for _, n := range x {
			id, err := nameID(x, n)
			if err != nil {
				return Selector{}, err
			}
			ids = append(ids, id)
		}
		return fromIDs(ids), nil
	case []int:
		ids := make([]ID, 0, len(x))
		for _, p := range x {
			id, err := posID(x, int64(p))
			if err != nil {
				return Selector{}, err
			}
			ids = append(ids, id)
		}
		return fromIDs(ids), nil
	case []Selector:
		elems := make([]any, len(x))
		for i, s := range x {
			elems[i] = s
		}
		return coerceList(x, elems)
	case []any:
		return coerceList(x, x)
	}
	id, err := single(x, x)
	if err != nil {
		return Selector{}, err
	}
	return Selector{ids: []ID{id}}, nil
}

// Must is like Coerce but panics on error. It's intended for package level
// selector variables.
func Must(x any) Selector {
	s, err := Coerce(x)
	if err != nil {
		panic(err)
	}
	return s
}

// Names builds a selector out of column names.
func Names(names ...string) (Selector, error) {
	return Coerce(names)
}

// Positions builds a selector out of column positions.
func Positions(pos ...int) (Selector, error) {
	return Coerce(pos)
}

func fromIDs(ids []ID) Selector {
	if len(ids) == 0 {
		return None
	}
	return Selector{ids: ids}
}

func coerceList(orig any, elems []any) (Selector, error) {
	ids := make([]ID, 0, len(elems))
	for _, e := range elems {
		if s, ok := e.(Selector); ok {
			if s.kind != listed {
				return Selector{}, invalid(orig, "special selector %v cannot be nested in a list", s)
			}
			ids = append(ids, s.ids...)
			continue
		}
		id, err := single(orig, e)
		if err != nil {
			return Selector{}, err
		}
		ids = append(ids, id)
	}
	return fromIDs(ids), nil
}

func single(orig, x any) (ID, error) {
	switch x := x.(type) {
	case string:
		return nameID(orig, x)
	case bool, nil:
		return ID{}, invalid(orig, "element %#v is neither a position nor a name", x)
	}
	rv := reflect.ValueOf(x)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return posID(orig, rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > uint64(^uint(0)>>1) {
			return ID{}, invalid(orig, "position %d out of range", u)
		}
		return posID(orig, int64(u))
	case reflect.String:
		return nameID(orig, rv.String())
	}
	return ID{}, invalid(orig, "element of type %T is neither a position nor a name", x)
}

func posID(orig any, p int64) (ID, error) {
	if p < 0 {
		return ID{}, invalid(orig, "negative position %d", p)
	}
	return ID{pos: int(p)}, nil
}

func nameID(orig any, n string) (ID, error) {
	n = norm.NFC.String(n)
	if n == "" {
		return ID{}, invalid(orig, "empty name")
	}
	return ID{name: n}, nil
}

// IsZero reports whether the selector is unset.
func (s Selector) IsZero() bool {
	return s.kind == listed && len(s.ids) == 0
}

// IsSpecial reports whether the selector is one of the special column sets.
func (s Selector) IsSpecial() bool {
	return s.kind != listed
}

// Len returns the number of listed identifiers.
func (s Selector) Len() int { return len(s.ids) }

// At returns the i-th listed identifier.
func (s Selector) At(i int) ID { return s.ids[i] }

// IDs returns a copy of the listed identifiers.
func (s Selector) IDs() []ID {
	return append([]ID(nil), s.ids...)
}

// Equal reports whether both selectors select the same columns in the same order.
func (s Selector) Equal(o Selector) bool {
	if s.kind != o.kind || len(s.ids) != len(o.ids) {
		return false
	}
	for i := range s.ids {
		if s.ids[i] != o.ids[i] {
			return false
		}
	}
	return true
}

// Append returns a new selector with the identifiers of o after those of s.
// Special selectors can't be appended.
func (s Selector) Append(o Selector) (Selector, error) {
	if s.IsSpecial() || o.IsSpecial() {
		return Selector{}, invalid([]Selector{s, o}, "cannot append special selectors")
	}
	ids := make([]ID, 0, len(s.ids)+len(o.ids))
	ids = append(ids, s.ids...)
	ids = append(ids, o.ids...)
	return fromIDs(ids), nil
}

// NameList returns the selector as names. It fails if any identifier is
// positional or the selector is special.
func (s Selector) NameList() ([]string, bool) {
	if s.IsSpecial() {
		return nil, false
	}
	out := make([]string, len(s.ids))
	for i, id := range s.ids {
		n, ok := id.Name()
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

// Resolve maps the selector onto a record layout, returning column indices.
// Unnamed columns in the layout are the empty string and can only be
// selected by position.
func (s Selector) Resolve(layout []string) ([]int, error) {
	switch s.kind {
	case all, unknown, values:
		idx := make([]int, len(layout))
		for i := range idx {
			idx[i] = i
		}
		return idx, nil
	case none:
		return nil, nil
	case listed:
		if len(s.ids) == 0 {
			return All.Resolve(layout)
		}
	default:
		return nil, invalid(s, "%v does not select input columns", s)
	}
	idx := make([]int, len(s.ids))
	for i, id := range s.ids {
		if n, ok := id.Name(); ok {
			j := indexOf(layout, n)
			if j < 0 {
				return nil, invalid(s, "no column %q in %q", n, layout)
			}
			idx[i] = j
			continue
		}
		if id.pos >= len(layout) {
			return nil, invalid(s, "position %d out of range for %d columns", id.pos, len(layout))
		}
		idx[i] = id.pos
	}
	return idx, nil
}

func indexOf(layout []string, n string) int {
	for i, l := range layout {
		if l == n {
			return i
		}
	}
	return -1
}

func (s Selector) String() string {
	if s.kind != listed {
		return specialNames[s.kind]
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, id := range s.ids {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(id.String())
	}
	b.WriteByte(']')
	return b.String()
}
