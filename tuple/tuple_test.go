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

package tuple

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEntry(t *testing.T) {
	e := New([]string{"word", ""}, "a", 3)

	if got, ok := e.Get("word"); !ok || got != "a" {
		t.Errorf("Get(word) = %v, %v, want a, true", got, ok)
	}
	if _, ok := e.Get("missing"); ok {
		t.Error("Get(missing) found a value")
	}
	if d := cmp.Diff(map[string]any{"word": "a", "1": 3}, e.Map()); d != "" {
		t.Errorf("Map diff (-want,+got):\n%v", d)
	}
	sel := e.Select([]int{1, 0})
	if d := cmp.Diff(New([]string{"", "word"}, 3, "a"), sel); d != "" {
		t.Errorf("Select diff (-want,+got):\n%v", d)
	}
	l := e.List()
	l[0] = "changed"
	if e.At(0) != "a" {
		t.Error("List didn't copy the values")
	}
	if got, want := e.String(), "{word: a, 1: 3}"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
