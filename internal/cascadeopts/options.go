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

package cascadeopts

import "lostluck.dev/cascade-go/internal"

// Options is the common options type shared across cascade packages.
type Options interface {
	// CascadeOptions is exported so related cascade packages can implement Options.
	CascadeOptions(internal.NotForPublicUse)
}

// Struct is the combination of all options in struct form.
// This is efficient to pass down the call stack and to query.
//
// Selector valued fields hold whatever the caller passed, and are coerced
// when the stage is attached so that malformed selectors surface as errors.
type Struct struct {
	Name      string // The configured name of the options target. Otherwise it's autogenerated.
	Args      any    // Argument selector of a stage.
	Output    any    // Output selector of a stage.
	Produces  any    // Declared output columns, overriding the function's own.
	Sort      any    // Secondary sort of a group by.
	Reverse   bool   // Reverse the secondary sort.
	Declared  any    // Output columns of a co-group.
	SelfJoins int    // Number of times a co-group joins its only input with itself.
	Reducers  int    // Reducer count hint of a flow.
}

func (dst *Struct) CascadeOptions(internal.NotForPublicUse) {}

// Join overlays srcs onto dst. Set properties of later options win.
func (dst *Struct) Join(srcs ...Options) {
	for _, src := range srcs {
		switch src := src.(type) {
		case *Struct:
			if src.Name != "" {
				dst.Name = src.Name
			}
			if src.Args != nil {
				dst.Args = src.Args
			}
			if src.Output != nil {
				dst.Output = src.Output
			}
			if src.Produces != nil {
				dst.Produces = src.Produces
			}
			if src.Sort != nil {
				dst.Sort = src.Sort
			}
			if src.Reverse {
				dst.Reverse = true
			}
			if src.Declared != nil {
				dst.Declared = src.Declared
			}
			if src.SelfJoins != 0 {
				dst.SelfJoins = src.SelfJoins
			}
			if src.Reducers != 0 {
				dst.Reducers = src.Reducers
			}
		}
	}
}
