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

// Package cascade composes batch dataflow pipelines and hands them to an
// execution engine.
//
// A Flow starts pipes from source taps. Stages are chained onto pipes with
// Chain, and parallel pipes are merged with Merge so a following GroupBy or
// CoGroup sees them as a single multi input stage. Nothing is built on the
// engine until the flow runs, or a pipe's Assembly is asked for.
//
//	f := cascade.NewFlow(eng, cascade.DefaultConfig())
//	words, err := cascade.Chain(f.Source(lines),
//		cascade.MapTo(splitWords, cascade.Produces("word")),
//		cascade.GroupByAgg("word", countWords, cascade.Produces("count")),
//		f.Sink(out))
//
// Functions attached to pipes are plain Go functions, optionally tagged with
// metadata from the udf package. Their role (row transform, predicate or
// group aggregate) may be left to be decided where they're attached. As a
// function is attached it's shipped: described so that a worker process
// that runs the same binary can reconstruct and call it.
//
// Things that are different from a classic operator overloaded API.
//   - Chain and Merge are explicit functions returning errors.
//   - Roles are resolved into immutable snapshots, leaving the tagged
//     function reusable.
//   - Functions are shipped by registry key, with their bound arguments
//     encoded as JSON. Starlark scripts ship as source.
//   - Configuration is an explicit Config value.
package cascade
