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
	"fmt"
	"reflect"
	"slices"
	"sync"
)

// Registry maps stable keys to Go functions, so a worker can find the
// function a Payload refers to.
//
// Package level functions and method expressions are keyed by their symbol.
// Closures and method values can hold state, and every instantiation of a
// generic function shares one symbol, so each registration of those gets
// its own key: the symbol followed by #n, where n counts registrations of
// that symbol. A worker that rebuilds the same pipeline registers them in
// the same order and so derives the same keys.
//
// Entries are never removed. A long running program that builds many
// pipelines out of closures should give each pipeline its own Registry,
// tagging with Registry.Tag and reconstructing against the same Registry,
// rather than growing DefaultRegistry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]reflect.Value
	seen  map[string]int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: map[string]reflect.Value{},
		seen:  map[string]int{},
	}
}

// DefaultRegistry is used by Tag and Register.
var DefaultRegistry = NewRegistry()

// Register adds fn to DefaultRegistry and returns its key. It panics if fn
// isn't a function. It's intended to be called from init.
func Register(fn any) string {
	key, err := DefaultRegistry.Register(fn)
	if err != nil {
		panic(err)
	}
	return key
}

// Register adds fn to the registry and returns its key.
func (r *Registry) Register(fn any) (string, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return "", newError(ErrBadSignature, fmt.Sprintf("%T", fn), "not a function")
	}
	return r.register(rv), nil
}

func (r *Registry) register(fn reflect.Value) string {
	name := symbolName(fn)
	key := name
	sym, err := parseSymbol(name)
	instance := (err == nil && (sym.closure || sym.bound)) || sym.generic

	r.mu.Lock()
	defer r.mu.Unlock()
	if instance {
		n := r.seen[name]
		r.seen[name] = n + 1
		key = fmt.Sprintf("%s#%d", name, n)
	}
	r.funcs[key] = fn
	return key
}

// Tag is Tag for functions of this registry.
func (r *Registry) Tag(fn any, opts ...Option) *Func {
	var f *Func
	switch fn := fn.(type) {
	case *Func:
		f = fn
	case *Script:
		f = &Func{script: fn}
	default:
		rv := reflect.ValueOf(fn)
		if rv.Kind() != reflect.Func || rv.IsNil() {
			panic(fmt.Sprintf("udf.Tag: %T is not a function", fn))
		}
		f = &Func{fn: rv, key: r.register(rv)}
	}
	f.apply(opts)
	return f
}

// Lookup returns the function registered under key.
func (r *Registry) Lookup(key string) (reflect.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[key]
	return fn, ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
