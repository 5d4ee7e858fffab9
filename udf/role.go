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

// Attach describes the node a function is being attached after.
type Attach uint8

const (
	AttachNone     Attach = iota // Nothing recognizable, such as a pipe head.
	AttachStage                  // A plain stage.
	AttachGroup                  // A group-by or co-group.
	AttachBranches               // A list of merged branches.
)

var attachNames = [...]string{"none", "stage", "group", "branches"}

func (a Attach) String() string {
	if int(a) < len(attachNames) {
		return attachNames[a]
	}
	return "unknown"
}

// Resolver decides the concrete role of an automatic function.
type Resolver func(at Attach, m Meta) (Role, error)

// InferRole is the default Resolver. After a grouping a function aggregates.
// After a plain stage it transforms rows, or filters them if it was marked
// as a predicate. Anywhere else the role is ambiguous.
func InferRole(at Attach, m Meta) (Role, error) {
	switch at {
	case AttachGroup:
		return RoleBuffer, nil
	case AttachStage:
		if m.Predicate {
			return RoleFilter, nil
		}
		return RoleMap, nil
	}
	return RoleAuto, newError(ErrAmbiguousRole, "", "can't infer a role when attached after %v", at)
}

// Resolved is a tagged function whose role has been decided. It's a
// snapshot: later changes to the *Func don't affect it.
type Resolved struct {
	f    *Func
	meta Meta
}

// Resolve decides the role of f when it's attached after a node of the
// given kind. An explicit role is kept as is. Resolving doesn't modify f, so
// the same *Func may be attached in several places.
func (f *Func) Resolve(at Attach) (*Resolved, error) {
	m := f.meta.clone()
	if m.Role != RoleAuto {
		return &Resolved{f: f, meta: m}, nil
	}
	resolve := m.resolver
	if resolve == nil {
		resolve = InferRole
	}
	role, err := resolve(at, m)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Func == "" {
			e.Func = f.String()
		}
		return nil, err
	}
	if role == RoleAuto {
		return nil, newError(ErrAmbiguousRole, f.String(), "resolver left the role automatic after %v", at)
	}
	m.Role = role
	return &Resolved{f: f, meta: m}, nil
}

// Role returns the resolved role.
func (r *Resolved) Role() Role { return r.meta.Role }

// Meta returns a copy of the resolved metadata.
func (r *Resolved) Meta() Meta { return r.meta.clone() }

// Func returns the function this was resolved from.
func (r *Resolved) Func() *Func { return r.f }
