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
	"errors"
	"strings"
	"testing"

	"lostluck.dev/cascade-go/engine"
)

func TestFlow_job(t *testing.T) {
	eng := &fakeEngine{}
	f := NewFlow(eng, Config{Properties: map[string]string{"k": "v"}}, Name("job"), Reducers(7))
	used := f.Source(fakeTap("used"))
	f.Source(fakeTap("unused"))
	tail := mustChain(t, used, Apply(upper), f.Sink(fakeTap("out")))

	job, err := f.Job()
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Name != "job" || job.Reducers != 7 {
		t.Errorf("job %q with %d reducers, want \"job\" with 7", job.Name, job.Reducers)
	}
	if len(job.Sources) != 1 || job.Sources[used.Provenance()[0]] != fakeTap("used") {
		t.Errorf("job sources %v, want only the used source", job.Sources)
	}
	a := mustAssembly(t, tail)
	if len(job.Tails) != 1 || job.Tails[0] != engine.Assembly(a) {
		t.Errorf("job tails %v, want [%v]", job.Tails, a.Name())
	}
	if got := job.Sinks[a.Name()]; got != fakeTap("out") || !strings.HasPrefix(a.Name(), "sink/") {
		t.Errorf("sink %q bound to %v, want out", a.Name(), got)
	}
	if got := job.Config.GetFields()["k"].GetStringValue(); got != "v" {
		t.Errorf("config property k = %q, want v", got)
	}

	if err := f.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := len(eng.jobs), 1; got != want {
		t.Fatalf("engine ran %d jobs, want %d", got, want)
	}
}

type failingEngine struct {
	fakeEngine
}

var errEngine = errors.New("engine failure")

func (*failingEngine) Run(context.Context, engine.Job) error { return errEngine }

func TestFlow_runErrors(t *testing.T) {
	f := NewFlow(&fakeEngine{}, Config{})
	f.Source(fakeTap("in"))
	if err := f.Run(context.Background()); err == nil {
		t.Error("Run of a flow without sinks succeeded")
	}

	f = NewFlow(&fakeEngine{}, Config{RunningMode: "other"})
	mustChain(t, f.Source(fakeTap("in")), f.Sink(fakeTap("out")))
	if err := f.Run(context.Background()); err == nil {
		t.Error("Run with an invalid config succeeded")
	}

	f = NewFlow(&failingEngine{}, Config{})
	mustChain(t, f.Source(fakeTap("in")), f.Sink(fakeTap("out")))
	if err := f.Run(context.Background()); !errors.Is(err, errEngine) {
		t.Errorf("Run = %v, want the engine error", err)
	}
}
