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
	"path"
	"strings"

	"github.com/patrickmn/go-cache"
)

// CacheGate decides whether a pipe's output is reused from, or stored to,
// a cache location. It's consumed by a single Fork.
type CacheGate struct {
	f        *Flow
	id       string
	location string
	exists   bool
	refresh  bool
	consumed bool
}

// Cache returns a gate for the cache identifier, stored at
// <cache root>/<identifier>. The identifier must name a location under the
// cache root. Whether the location exists is checked once per build, that
// is until the flow next runs; concurrent flows caching to the same
// identifier may race.
//
// With refresh set, the data is always recomputed and stored again.
func (f *Flow) Cache(ctx context.Context, identifier string, refresh bool) (*CacheGate, error) {
	if identifier == "" {
		return nil, fmt.Errorf("cascade: empty cache identifier")
	}
	if f.eng.Storage() == nil {
		return nil, fmt.Errorf("cascade: engine has no storage to cache %q in", identifier)
	}
	loc, ok := cacheLocation(f.cfg.CacheRoot, identifier)
	if !ok {
		return nil, malformed("cache "+identifier, "identifier escapes the cache root %q", f.cfg.CacheRoot)
	}
	exists, err := f.cacheExists(ctx, loc)
	if err != nil {
		return nil, err
	}
	return &CacheGate{f: f, id: identifier, location: loc, exists: exists, refresh: refresh}, nil
}

// cacheLocation joins root and identifier, reporting whether the result
// stays strictly under root.
func cacheLocation(root, identifier string) (string, bool) {
	root = path.Clean(root)
	loc := path.Join(root, identifier)
	switch root {
	case ".":
		return loc, loc != "." && loc != ".." && !strings.HasPrefix(loc, "../") && !path.IsAbs(loc)
	case "/":
		return loc, loc != "/"
	}
	return loc, strings.HasPrefix(loc, root+"/")
}

func (f *Flow) cacheExists(ctx context.Context, loc string) (bool, error) {
	if v, ok := f.exists.Get(loc); ok {
		return v.(bool), nil
	}
	ok, err := f.eng.Storage().Exists(ctx, loc)
	if err != nil {
		return false, fmt.Errorf("cascade: checking cache %s: %w", loc, err)
	}
	f.exists.Set(loc, ok, cache.NoExpiration)
	return ok, nil
}

// Location returns the storage location of the cache.
func (g *CacheGate) Location() string { return g.location }

// Exists reports whether the cache location existed when the gate was made.
func (g *CacheGate) Exists() bool { return g.exists }

// Fork routes p through the cache.
//
// If the cache exists and isn't being refreshed, p is dropped and a pipe
// reading the cached data is returned instead, depending on no sources.
// Otherwise p is also written to the cache location, and a continuation of
// p with the same provenance is returned.
func (g *CacheGate) Fork(p Pipe) (Pipe, error) {
	stage := "cache " + g.id
	if g.consumed {
		return Pipe{}, malformed(stage, "cache gate already forked")
	}
	if p.f != g.f {
		return Pipe{}, malformed(stage, "forking a pipe of another flow")
	}
	g.consumed = true
	st := g.f.eng.Storage()
	logger := g.f.logger.With(slog.String("cache", g.id), slog.String("location", g.location))
	if g.exists && !g.refresh {
		logger.Debug("reading cached data")
		return g.f.head(pipeName("cache"), st.Source(g.location), true), nil
	}
	logger.Debug("storing data in cache", slog.Bool("refresh", g.refresh))
	if _, err := Chain(p, Named(pipeName("cache")), g.f.Sink(st.Sink(g.location))); err != nil {
		return Pipe{}, err
	}
	return Chain(p, Named(pipeName("no_cache")))
}
