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

// Package local is a sequential, in process engine for cascade pipelines.
//
// It evaluates a job in a single goroutine, holding every intermediate
// result in memory, which makes it suitable for tests and small local runs.
// Cached data is kept in a gocloud.dev blob bucket: in memory by default,
// or on disk with Open("file:///some/dir").
package local

import (
	"context"
	"fmt"
	"log/slog"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"golang.org/x/sync/errgroup"
	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/udf"
)

// Options configure an Engine.
type Options struct {
	Bucket   *blob.Bucket  // Cache storage. Defaults to an in memory bucket.
	Registry *udf.Registry // Where shipped functions are looked up. Defaults to udf.DefaultRegistry.
	Logger   *slog.Logger
}

// Engine implements engine.Engine.
type Engine struct {
	reg    *udf.Registry
	logger *slog.Logger
	store  *storage
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine.
func New(opts Options) *Engine {
	b := opts.Bucket
	if b == nil {
		b = memblob.OpenBucket(nil)
	}
	reg := opts.Registry
	if reg == nil {
		reg = udf.DefaultRegistry
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{reg: reg, logger: logger, store: &storage{bucket: b}}
}

// Open returns an engine caching into the bucket at url, such as
// "file:///var/cache/cascade" or "mem://".
func Open(ctx context.Context, url string, opts Options) (*Engine, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("local: opening cache bucket %q: %w", url, err)
	}
	opts.Bucket = b
	return New(opts), nil
}

// Close releases the cache bucket.
func (e *Engine) Close() error {
	return e.store.bucket.Close()
}

type kind uint8

const (
	kindPipe kind = iota
	kindEach
	kindEvery
	kindGroupBy
	kindCoGroup
)

// step is the assembly handle of this engine.
type step struct {
	name    string
	kind    kind
	parents []*step
	spec    engine.StepSpec
	group   engine.GroupSpec
	cogroup engine.CoGroupSpec
}

func (s *step) Name() string { return s.name }

func asStep(a engine.Assembly) (*step, error) {
	s, ok := a.(*step)
	if !ok {
		return nil, fmt.Errorf("local: assembly %T was not built by this engine", a)
	}
	return s, nil
}

func asSteps(as []engine.Assembly) ([]*step, error) {
	if len(as) == 0 {
		return nil, fmt.Errorf("local: no input assemblies")
	}
	out := make([]*step, len(as))
	for i, a := range as {
		s, err := asStep(a)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Pipe starts a named head pipe, or renames the output of parent.
func (e *Engine) Pipe(name string, parent engine.Assembly) (engine.Assembly, error) {
	s := &step{name: name, kind: kindPipe}
	if parent != nil {
		p, err := asStep(parent)
		if err != nil {
			return nil, err
		}
		s.parents = []*step{p}
	}
	return s, nil
}

func checkOp(op engine.Operation) error {
	if op.Native == nil && len(op.Payload) == 0 {
		return fmt.Errorf("local: %v operation has neither a native implementation nor a payload", op.Kind)
	}
	if op.Native != nil && op.Native.NativeKind() != op.Kind {
		return fmt.Errorf("local: native %T is a %v, not a %v", op.Native, op.Native.NativeKind(), op.Kind)
	}
	return nil
}

// Each applies a per record operation.
func (e *Engine) Each(parent engine.Assembly, spec engine.StepSpec) (engine.Assembly, error) {
	p, err := asStep(parent)
	if err != nil {
		return nil, err
	}
	if spec.Op.Kind.PerGroup() {
		return nil, fmt.Errorf("local: each %q can't run a %v", spec.Name, spec.Op.Kind)
	}
	if err := checkOp(spec.Op); err != nil {
		return nil, err
	}
	return &step{name: spec.Name, kind: kindEach, parents: []*step{p}, spec: spec}, nil
}

// Every applies a per group operation. It must follow a grouping.
func (e *Engine) Every(parent engine.Assembly, spec engine.StepSpec) (engine.Assembly, error) {
	p, err := asStep(parent)
	if err != nil {
		return nil, err
	}
	if !spec.Op.Kind.PerGroup() {
		return nil, fmt.Errorf("local: every %q can't run a %v", spec.Name, spec.Op.Kind)
	}
	if err := checkOp(spec.Op); err != nil {
		return nil, err
	}
	if !grouped(p) {
		return nil, fmt.Errorf("local: every %q doesn't follow a group by or co-group", spec.Name)
	}
	return &step{name: spec.Name, kind: kindEvery, parents: []*step{p}, spec: spec}, nil
}

// grouped reports whether s produces groups.
func grouped(s *step) bool {
	for s.kind == kindPipe && len(s.parents) == 1 {
		s = s.parents[0]
	}
	switch s.kind {
	case kindGroupBy, kindCoGroup, kindEvery:
		return true
	}
	return false
}

// GroupBy groups, and merges, its inputs.
func (e *Engine) GroupBy(parents []engine.Assembly, spec engine.GroupSpec) (engine.Assembly, error) {
	ps, err := asSteps(parents)
	if err != nil {
		return nil, err
	}
	return &step{name: spec.Name, kind: kindGroupBy, parents: ps, group: spec}, nil
}

// CoGroup joins its inputs.
func (e *Engine) CoGroup(parents []engine.Assembly, spec engine.CoGroupSpec) (engine.Assembly, error) {
	ps, err := asSteps(parents)
	if err != nil {
		return nil, err
	}
	if n := len(spec.Fields); n != 1 && n != len(ps)+spec.SelfJoins {
		return nil, fmt.Errorf("local: co-group %q has %d inputs but %d field selectors", spec.Name, len(ps)+spec.SelfJoins, n)
	}
	return &step{name: spec.Name, kind: kindCoGroup, parents: ps, cogroup: spec}, nil
}

// Storage returns the cache storage.
func (e *Engine) Storage() engine.Storage { return e.store }

// Run evaluates every tail of the job and writes it to its sink.
func (e *Engine) Run(ctx context.Context, job engine.Job) error {
	tails, err := asSteps(job.Tails)
	if err != nil {
		return err
	}
	logger := e.logger.With(slog.String("job", job.Name))
	logger.Info("running job",
		slog.Int("sources", len(job.Sources)),
		slog.Int("sinks", len(job.Sinks)),
		slog.Int("reducers", job.Reducers),
	)
	if job.Config != nil {
		logger.Debug("job configuration", slog.Any("config", job.Config.AsMap()))
	}
	ops, err := e.prepare(ctx, tails)
	if err != nil {
		return err
	}
	x := &executor{
		ctx:    ctx,
		job:    job,
		ops:    ops,
		memo:   map[*step]*stream{},
		logger: logger,
	}
	for _, t := range tails {
		out, err := x.eval(t)
		if err != nil {
			return err
		}
		tap, ok := job.Sinks[t.name]
		if !ok {
			return fmt.Errorf("local: no sink bound to tail %q", t.name)
		}
		w, ok := tap.(Writer)
		if !ok {
			return fmt.Errorf("local: sink %q (%T) can't be written by this engine", tap.Identifier(), tap)
		}
		if err := w.Write(ctx, out.fields, out.rows); err != nil {
			return fmt.Errorf("local: writing %q: %w", tap.Identifier(), err)
		}
		logger.Debug("wrote sink", slog.String("tail", t.name), slog.String("tap", tap.Identifier()), slog.Int("rows", len(out.rows)))
	}
	return nil
}

// prepare reconstructs every shipped function of the job, concurrently,
// the way remote workers would.
func (e *Engine) prepare(ctx context.Context, tails []*step) (map[*step]*udf.Invoker, error) {
	var shipped []*step
	seen := map[*step]bool{}
	var walk func(s *step)
	walk = func(s *step) {
		if seen[s] {
			return
		}
		seen[s] = true
		if len(s.spec.Op.Payload) > 0 {
			shipped = append(shipped, s)
		}
		for _, p := range s.parents {
			walk(p)
		}
	}
	for _, t := range tails {
		walk(t)
	}

	invokers := make([]*udf.Invoker, len(shipped))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range shipped {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := udf.DecodePayload(s.spec.Op.Payload)
			if err != nil {
				return fmt.Errorf("local: decoding payload of %q: %w", s.name, err)
			}
			iv, err := udf.Reconstruct(p, e.reg)
			if err != nil {
				return fmt.Errorf("local: reconstructing %q: %w", s.name, err)
			}
			invokers[i] = iv
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ops := make(map[*step]*udf.Invoker, len(shipped))
	for i, s := range shipped {
		ops[s] = invokers[i]
	}
	return ops, nil
}
