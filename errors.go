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

	"lostluck.dev/cascade-go/fields"
	"lostluck.dev/cascade-go/udf"
)

// Build errors. All of them are returned before anything runs on the engine.
var (
	ErrInvalidSelector      = fields.ErrInvalidSelector
	ErrAmbiguousRole        = udf.ErrAmbiguousRole
	ErrUnshippableFunction  = udf.ErrUnshippableFunction
	ErrMalformedComposition = errors.New("malformed composition")
)

// Error is a build error of a stage.
type Error struct {
	Kind  error  // One of the sentinel errors, if any.
	Stage string // Name of the stage being built.
	Msg   string
	Err   error // Underlying cause, if any.
}

func (e *Error) Error() string {
	msg := "cascade: "
	if e.Stage != "" {
		msg += e.Stage + ": "
	}
	msg += e.Msg
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func malformed(stage, format string, args ...any) *Error {
	return &Error{Kind: ErrMalformedComposition, Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// wrap attributes err to a stage. Sentinels in err stay reachable with
// errors.Is.
func wrap(stage, msg string, err error) *Error {
	return &Error{Stage: stage, Msg: msg, Err: err}
}
