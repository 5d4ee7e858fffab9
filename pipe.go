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
	"maps"
	"reflect"
	"slices"

	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/udf"
)

type nodeIndex int

type nodeKind uint8

const (
	kindHead     nodeKind = iota // Starts a pipe from a source or a cache read.
	kindStage                    // Per record stages, renames and sinks.
	kindGroup                    // Group bys and co-groups.
	kindEvery                    // Per group stages.
	kindBranches                 // Merged pipes that a multi input stage consumes.
)

var kindNames = [...]string{"head", "stage", "group", "every", "branches"}

func (k nodeKind) String() string { return kindNames[k] }

// set holds source pipe names.
type set map[string]struct{}

func (s set) addAll(o set) set {
	if len(o) == 0 {
		return s
	}
	if s == nil {
		s = make(set, len(o))
	}
	maps.Copy(s, o)
	return s
}

func (s set) sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

type buildFunc func(eng engine.Engine, parents []engine.Assembly) (engine.Assembly, error)

// node is an entry of a flow's arena. Everything but the realized assembly
// is fixed when the node is added.
type node struct {
	kind    nodeKind
	name    string
	parents []nodeIndex // For branches, the merged pipes.
	build   buildFunc
	prov    set // Sources upstream of the node.
	reads   set // Cache reads substituted upstream of the node.

	assembly engine.Assembly
	realized bool
}

// attach is how a function chained after n sees it.
func (n *node) attach() udf.Attach {
	switch n.kind {
	case kindHead, kindStage, kindEvery:
		return udf.AttachStage
	case kindGroup:
		return udf.AttachGroup
	case kindBranches:
		return udf.AttachBranches
	}
	return udf.AttachNone
}

// grouped reports whether a per group stage may follow n.
func (n *node) grouped() bool {
	return n.kind == kindGroup || n.kind == kindEvery
}

func (f *Flow) add(n *node) Pipe {
	f.nodes = append(f.nodes, n)
	return Pipe{f: f, idx: nodeIndex(len(f.nodes) - 1)}
}

// derive adds a node built on top of parents, inheriting their provenance.
func (f *Flow) derive(kind nodeKind, name string, parents []nodeIndex, build buildFunc) Pipe {
	n := &node{kind: kind, name: name, parents: parents, build: build}
	for _, p := range parents {
		n.prov = n.prov.addAll(f.nodes[p].prov)
		n.reads = n.reads.addAll(f.nodes[p].reads)
	}
	return f.add(n)
}

// realize builds the assembly of node i, and of its ancestors, on the engine.
// Each node is built once.
func (f *Flow) realize(i nodeIndex) (engine.Assembly, error) {
	n := f.nodes[i]
	if n.realized {
		return n.assembly, nil
	}
	if n.kind == kindBranches {
		return nil, malformed("", "%d merged pipes must be chained into a group by or co-group before they can be built", len(n.parents))
	}
	parents := make([]engine.Assembly, len(n.parents))
	for j, p := range n.parents {
		a, err := f.realize(p)
		if err != nil {
			return nil, err
		}
		parents[j] = a
	}
	a, err := n.build(f.eng, parents)
	if err != nil {
		return nil, wrap(n.name, "building "+n.kind.String(), err)
	}
	n.assembly, n.realized = a, true
	return a, nil
}

// Pipe is a node of a flow's pipeline graph. The zero Pipe is invalid.
type Pipe struct {
	f   *Flow
	idx nodeIndex
}

func (p Pipe) node() *node { return p.f.nodes[p.idx] }

// Flow returns the flow the pipe belongs to.
func (p Pipe) Flow() *Flow { return p.f }

// Assembly returns the engine assembly of the pipe, building it on first
// use. Later calls return the same assembly.
func (p Pipe) Assembly() (engine.Assembly, error) {
	if p.f == nil {
		return nil, malformed("", "the zero Pipe has no assembly")
	}
	return p.f.realize(p.idx)
}

// Provenance returns the sorted names of the source pipes the pipe depends
// on.
func (p Pipe) Provenance() []string {
	if p.f == nil {
		return nil
	}
	return p.node().prov.sorted()
}

// inputs returns the nodes a stage chained onto p consumes.
func (p Pipe) inputs() []nodeIndex {
	if n := p.node(); n.kind == kindBranches {
		return slices.Clone(n.parents)
	}
	return []nodeIndex{p.idx}
}

// single returns p's node, or an error if p is a list of merged pipes.
func (p Pipe) single(stage string) (*node, error) {
	n := p.node()
	if n.kind == kindBranches {
		return nil, malformed(stage, "stage takes a single input, got %d merged pipes", len(n.parents))
	}
	return n, nil
}

// Stage is a step that can be chained onto a pipe.
type Stage interface {
	chain(in Pipe) (Pipe, error)
}

// Chain chains stages onto p in order, returning the last pipe.
//
// Besides a Stage, each stage may be a *udf.Func, a bare Go function (tagged
// with an automatic role), a *udf.Script, or an engine.Native. Functions
// are resolved against the pipe they follow and shipped as they're chained.
// Natives run per record or per group according to their kind.
func Chain(p Pipe, stages ...any) (Pipe, error) {
	if p.f == nil {
		return Pipe{}, malformed("", "chaining onto the zero Pipe")
	}
	for i, s := range stages {
		st, err := asStage(s)
		if err != nil {
			return Pipe{}, err
		}
		next, err := st.chain(p)
		if err != nil {
			return Pipe{}, err
		}
		if next.f != p.f {
			return Pipe{}, malformed("", "stage %d returned a pipe of another flow", i)
		}
		p = next
	}
	return p, nil
}

func asStage(s any) (Stage, error) {
	switch s := s.(type) {
	case Stage:
		return s, nil
	case *udf.Func:
		return &fnStage{fn: s}, nil
	case *udf.Script:
		return &fnStage{fn: udf.Tag(s)}, nil
	case engine.Native:
		return &fnStage{native: s}, nil
	case nil:
		return nil, malformed("", "chaining a nil stage")
	}
	if reflect.TypeOf(s).Kind() == reflect.Func {
		return &fnStage{fn: udf.Tag(s)}, nil
	}
	return nil, malformed("", "%T can't be chained", s)
}

// Merge lists pipes to be consumed together by a following GroupBy or
// CoGroup. Merged pipe lists are flattened. The result can only be chained
// into a multi input stage.
func Merge(ps ...Pipe) (Pipe, error) {
	var f *Flow
	var branches []nodeIndex
	for _, p := range ps {
		switch {
		case p.f == nil:
			return Pipe{}, malformed("", "merging the zero Pipe")
		case f == nil:
			f = p.f
		case p.f != f:
			return Pipe{}, malformed("", "merging pipes of different flows")
		}
		branches = append(branches, p.inputs()...)
	}
	if len(branches) < 2 {
		return Pipe{}, malformed("", "merging %d pipes, need at least 2", len(branches))
	}
	n := &node{kind: kindBranches, parents: branches}
	for _, b := range branches {
		n.prov = n.prov.addAll(f.nodes[b].prov)
		n.reads = n.reads.addAll(f.nodes[b].reads)
	}
	return f.add(n), nil
}

type renameStage struct {
	name string
}

// Named renames the pipe. The renamed pipe follows the same role rules as
// the original, so a function chained after a renamed group aggregates.
func Named(name string) Stage {
	return &renameStage{name: name}
}

func (s *renameStage) chain(in Pipe) (Pipe, error) {
	n, err := in.single(s.name)
	if err != nil {
		return Pipe{}, err
	}
	name := s.name
	return in.f.derive(n.kind, name, []nodeIndex{in.idx}, func(eng engine.Engine, ps []engine.Assembly) (engine.Assembly, error) {
		return eng.Pipe(name, ps[0])
	}), nil
}

type subAssembly struct {
	fn func(Pipe) (Pipe, error)
}

// SubAssembly chains whatever fn builds on its input. fn may build
// several stages, and receives merged pipes as is.
func SubAssembly(fn func(Pipe) (Pipe, error)) Stage {
	return &subAssembly{fn: fn}
}

func (s *subAssembly) chain(in Pipe) (Pipe, error) {
	out, err := s.fn(in)
	if err != nil {
		return Pipe{}, err
	}
	if out.f == nil {
		return Pipe{}, malformed("", "sub-assembly returned the zero Pipe")
	}
	return out, nil
}
