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
)

var (
	// ErrAmbiguousRole is returned when an automatic role can't be resolved
	// from where the function is attached.
	ErrAmbiguousRole = errors.New("ambiguous role")
	// ErrUnshippableFunction is returned when a function can't be classified
	// or its source can't be recovered.
	ErrUnshippableFunction = errors.New("unshippable function")
	// ErrBadSignature is returned when a function's parameters or results
	// don't fit its role and bound arguments.
	ErrBadSignature = errors.New("bad function signature")
	// ErrNotRegistered is returned when reconstructing a reference to a
	// function that this binary never registered.
	ErrNotRegistered = errors.New("function not registered")
)

// Error carries the function and the reason of a tagging, shipping or
// reconstruction failure.
type Error struct {
	Kind error  // One of the sentinel errors of this package.
	Func string // Symbol or script name of the function.
	Msg  string
	Err  error // Underlying cause, if any.
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("udf: ")
	b.WriteString(e.Kind.Error())
	if e.Func != "" {
		fmt.Fprintf(&b, " %s", e.Func)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, fn, format string, args ...any) *Error {
	return &Error{Kind: kind, Func: fn, Msg: fmt.Sprintf(format, args...)}
}
