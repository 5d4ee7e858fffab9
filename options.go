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

import "lostluck.dev/cascade-go/internal/cascadeopts"

// Options configure NewFlow and stages with specific features.
// Each function takes a variadic list of options, where properties
// set in later options override the value of previously set properties.
type Options = cascadeopts.Options

// Name sets the name of the flow or stage in question, typically
// to make it easier to refer to.
func Name(name string) Options {
	return &cascadeopts.Struct{
		Name: name,
	}
}

// Args selects the columns passed to a stage's function. Defaults to all
// columns.
func Args(sel any) Options {
	return &cascadeopts.Struct{
		Args: sel,
	}
}

// Output selects the columns a stage outputs, out of its input columns and
// the function's results. Accepts the fields special selectors, such as
// fields.All or fields.Swap.
func Output(sel any) Options {
	return &cascadeopts.Struct{
		Output: sel,
	}
}

// Produces declares the result columns of a stage's function, overriding
// what the function was tagged with.
func Produces(sel any) Options {
	return &cascadeopts.Struct{
		Produces: sel,
	}
}

// SortBy sets the secondary sort of the records in each group of a GroupBy.
func SortBy(sel any) Options {
	return &cascadeopts.Struct{
		Sort: sel,
	}
}

// Reverse reverses the secondary sort of a GroupBy.
func Reverse() Options {
	return &cascadeopts.Struct{
		Reverse: true,
	}
}

// Declared names the output columns of a CoGroup.
func Declared(sel any) Options {
	return &cascadeopts.Struct{
		Declared: sel,
	}
}

// SelfJoins joins the single input of a CoGroup with itself n times.
func SelfJoins(n int) Options {
	return &cascadeopts.Struct{
		SelfJoins: n,
	}
}

// Reducers overrides the configured reducer count hint of a flow.
func Reducers(n int) Options {
	return &cascadeopts.Struct{
		Reducers: n,
	}
}
