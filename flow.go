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
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"lostluck.dev/cascade-go/engine"
	"lostluck.dev/cascade-go/internal/cascadeopts"
)

// Flow owns a pipeline graph, and the source and sink taps bound to it.
// A Flow is built from a single goroutine.
type Flow struct {
	name   string
	eng    engine.Engine
	cfg    Config
	logger *slog.Logger

	nodes   []*node
	sources map[string]engine.Tap // By head pipe name.
	sinks   map[string]engine.Tap // By tail pipe name.
	tails   []nodeIndex
	exists  *cache.Cache // Cache locations known to exist, or not.
}

// NewFlow starts a flow running on eng. Unset configuration values take
// their DefaultConfig value.
func NewFlow(eng engine.Engine, cfg Config, opts ...Options) *Flow {
	var o cascadeopts.Struct
	o.Join(opts...)
	cfg = cfg.withDefaults()
	if o.Reducers != 0 {
		cfg.Reducers = o.Reducers
	}
	name := o.Name
	if name == "" {
		name = "flow-" + uuid.NewString()
	}
	return &Flow{
		name:    name,
		eng:     eng,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("flow", name)),
		sources: map[string]engine.Tap{},
		sinks:   map[string]engine.Tap{},
		exists:  cache.New(cache.NoExpiration, 0),
	}
}

// Name returns the name of the flow.
func (f *Flow) Name() string { return f.name }

// Config returns the configuration of the flow.
func (f *Flow) Config() Config { return f.cfg }

// Source starts a pipe reading from tap.
func (f *Flow) Source(tap engine.Tap) Pipe {
	return f.head(pipeName("source"), tap, false)
}

// head adds a head pipe bound to tap. Cache reads aren't sources of their
// own provenance.
func (f *Flow) head(name string, tap engine.Tap, cacheRead bool) Pipe {
	f.sources[name] = tap
	n := &node{kind: kindHead, name: name, build: func(eng engine.Engine, _ []engine.Assembly) (engine.Assembly, error) {
		return eng.Pipe(name, nil)
	}}
	if cacheRead {
		n.reads = set{name: {}}
	} else {
		n.prov = set{name: {}}
	}
	return f.add(n)
}

type sinkStage struct {
	f   *Flow
	tap engine.Tap
}

// Sink returns a stage that writes its input to tap, making it a tail of
// the flow.
func (f *Flow) Sink(tap engine.Tap) Stage {
	return &sinkStage{f: f, tap: tap}
}

func (s *sinkStage) chain(in Pipe) (Pipe, error) {
	name := pipeName("sink")
	if in.f != s.f {
		return Pipe{}, malformed(name, "sink of flow %q chained onto a pipe of another flow", s.f.name)
	}
	n, err := in.single(name)
	if err != nil {
		return Pipe{}, err
	}
	p := in.f.derive(n.kind, name, []nodeIndex{in.idx}, func(eng engine.Engine, ps []engine.Assembly) (engine.Assembly, error) {
		return eng.Pipe(name, ps[0])
	})
	s.f.sinks[name] = s.tap
	s.f.tails = append(s.f.tails, p.idx)
	return p, nil
}

// Job builds every tail of the flow and returns the job to submit to the
// engine. Sources no tail depends on are left out.
func (f *Flow) Job() (engine.Job, error) {
	if err := f.cfg.Validate(); err != nil {
		return engine.Job{}, err
	}
	if len(f.tails) == 0 {
		return engine.Job{}, fmt.Errorf("cascade: flow %q has no sinks", f.name)
	}
	var used set
	for _, t := range f.tails {
		used = used.addAll(f.nodes[t].prov)
		used = used.addAll(f.nodes[t].reads)
	}
	sources := make(map[string]engine.Tap, len(used))
	for _, name := range slices.Sorted(maps.Keys(f.sources)) {
		tap := f.sources[name]
		if _, ok := used[name]; !ok {
			f.logger.Debug("pruned unused source", slog.String("pipe", name), slog.String("tap", tap.Identifier()))
			continue
		}
		sources[name] = tap
	}
	tails := make([]engine.Assembly, len(f.tails))
	for i, t := range f.tails {
		a, err := f.realize(t)
		if err != nil {
			return engine.Job{}, err
		}
		tails[i] = a
	}
	cfg, err := f.cfg.Struct()
	if err != nil {
		return engine.Job{}, err
	}
	return engine.Job{
		Name:     f.name,
		Sources:  sources,
		Sinks:    maps.Clone(f.sinks),
		Tails:    tails,
		Reducers: f.cfg.Reducers,
		Config:   cfg,
	}, nil
}

// Run builds the flow and runs it on the engine. Engine errors are returned
// as is, wrapped with the flow name. Cache existence is checked afresh by
// gates made after Run.
func (f *Flow) Run(ctx context.Context) error {
	job, err := f.Job()
	if err != nil {
		return err
	}
	f.logger.Info("submitting flow",
		slog.String("mode", f.cfg.RunningMode),
		slog.Int("sources", len(job.Sources)),
		slog.Int("sinks", len(job.Sinks)),
		slog.Int("reducers", job.Reducers),
	)
	err = f.eng.Run(ctx, job)
	// The run may have written cache locations. The next build checks again.
	f.exists.Flush()
	if err != nil {
		return fmt.Errorf("cascade: running flow %q: %w", f.name, err)
	}
	f.logger.Debug("flow done")
	return nil
}
