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
	"maps"
	"slices"
	"strconv"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Payload is everything a worker needs to rebuild and invoke a function.
type Payload struct {
	Func   Descriptor                `json:"func"`
	Role   Role                      `json:"role"`
	Input  InputConversion           `json:"input"`
	Output OutputEmission            `json:"output"`
	Arity  int                       `json:"arity,omitzero"`
	Args   []jsontext.Value          `json:"args,omitempty"`
	Kwargs map[string]jsontext.Value `json:"kwargs,omitempty"`
}

// Ship builds the payload of a resolved function, encoding its bound
// arguments. Go functions have their signature checked against the role and
// bound arguments, so mismatches are reported while building rather than on
// the worker.
func Ship(r *Resolved) (*Payload, error) {
	d, err := describe(r.f)
	if err != nil {
		return nil, err
	}
	m := r.meta
	if r.f.script == nil {
		if _, err := checkSignature(r.f.fn.Type(), m.Role, m.Input, m.Output, len(m.Args), len(m.Kwargs) > 0, d.Kind == ClassMethod); err != nil {
			err.Func = r.f.String()
			return nil, err
		}
	} else if m.Role == RoleFilter && m.Output == EmitCollect {
		return nil, newError(ErrBadSignature, r.f.String(), "a filter can't collect its output")
	}
	p := &Payload{
		Func:   d,
		Role:   m.Role,
		Input:  m.Input,
		Output: m.Output,
		Arity:  m.Arity,
	}
	for i, a := range m.Args {
		b, err := json.Marshal(a, json.Deterministic(true))
		if err != nil {
			return nil, &Error{Kind: ErrUnshippableFunction, Func: r.f.String(), Msg: "encoding bound argument " + strconv.Itoa(i), Err: err}
		}
		p.Args = append(p.Args, jsontext.Value(b))
	}
	if len(m.Kwargs) > 0 {
		p.Kwargs = make(map[string]jsontext.Value, len(m.Kwargs))
		for _, k := range slices.Sorted(maps.Keys(m.Kwargs)) {
			b, err := json.Marshal(m.Kwargs[k], json.Deterministic(true))
			if err != nil {
				return nil, &Error{Kind: ErrUnshippableFunction, Func: r.f.String(), Msg: "encoding keyword argument " + k, Err: err}
			}
			p.Kwargs[k] = jsontext.Value(b)
		}
	}
	return p, nil
}

// Encode serializes the payload.
func (p *Payload) Encode() ([]byte, error) {
	return json.Marshal(p, json.Deterministic(true))
}

// DecodePayload is the inverse of Encode.
func DecodePayload(b []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
