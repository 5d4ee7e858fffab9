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

// Package tuple holds the record representation exchanged between engines
// and user functions.
package tuple

import (
	"fmt"
	"strconv"
	"strings"
)

// Tuple is an ordered list of column values.
type Tuple []any

// Entry is a tuple along with the names of its columns. An unnamed column
// has the empty string as its name.
type Entry struct {
	Fields []string
	Tuple  Tuple
}

// New returns an Entry with the given layout and values.
func New(fields []string, values ...any) Entry {
	return Entry{Fields: fields, Tuple: Tuple(values)}
}

// Len returns the number of columns.
func (e Entry) Len() int { return len(e.Tuple) }

// At returns the value at position i.
func (e Entry) At(i int) any { return e.Tuple[i] }

// Get returns the value of the named column.
func (e Entry) Get(name string) (any, bool) {
	for i, f := range e.Fields {
		if f == name && i < len(e.Tuple) {
			return e.Tuple[i], true
		}
	}
	return nil, false
}

// Map returns the entry as a mapping from column name to value.
// Unnamed columns are keyed by their position.
func (e Entry) Map() map[string]any {
	m := make(map[string]any, len(e.Tuple))
	for i, v := range e.Tuple {
		m[e.key(i)] = v
	}
	return m
}

// List returns a copy of the values.
func (e Entry) List() []any {
	return append([]any(nil), e.Tuple...)
}

// Select returns a new entry made of the columns at the given indices.
func (e Entry) Select(idx []int) Entry {
	out := Entry{Fields: make([]string, len(idx)), Tuple: make(Tuple, len(idx))}
	for i, j := range idx {
		out.Fields[i] = e.name(j)
		out.Tuple[i] = e.Tuple[j]
	}
	return out
}

func (e Entry) name(i int) string {
	if i < len(e.Fields) {
		return e.Fields[i]
	}
	return ""
}

func (e Entry) key(i int) string {
	if n := e.name(i); n != "" {
		return n
	}
	return strconv.Itoa(i)
}

func (e Entry) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range e.Tuple {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", e.key(i), v)
	}
	b.WriteByte('}')
	return b.String()
}
