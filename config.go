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
	"fmt"
	"log/slog"
	"os"

	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v2"
)

// Running modes.
const (
	ModeLocal   = "local"
	ModeCluster = "cluster"
)

// Config is the configuration of a flow.
type Config struct {
	RunningMode string            `yaml:"running_mode"`
	MainFile    string            `yaml:"main_file"` // The program that built the flow, for workers to rebuild it.
	Archives    []string          `yaml:"archives"`  // Extra files shipped to workers.
	Reducers    int               `yaml:"reducers"`
	CacheRoot   string            `yaml:"cache_root"`
	Properties  map[string]string `yaml:"properties"` // Passed to the engine as is.

	Logger *slog.Logger `yaml:"-"` // Defaults to slog.Default().
}

// DefaultConfig returns the configuration of a local run.
func DefaultConfig() Config {
	return Config{
		RunningMode: ModeLocal,
		Reducers:    50,
		CacheRoot:   "cascade.cache",
	}
}

// LoadConfig reads a YAML configuration file. Keys missing from the file
// keep their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cascade: reading config: %w", err)
	}
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("cascade: parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.RunningMode {
	case ModeLocal, ModeCluster:
	default:
		return fmt.Errorf("cascade: unknown running mode %q, want %q or %q", c.RunningMode, ModeLocal, ModeCluster)
	}
	if c.Reducers < 0 {
		return fmt.Errorf("cascade: negative reducer count %d", c.Reducers)
	}
	if c.CacheRoot == "" {
		return fmt.Errorf("cascade: empty cache root")
	}
	return nil
}

// withDefaults fills unset settings from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RunningMode == "" {
		c.RunningMode = d.RunningMode
	}
	if c.Reducers == 0 {
		c.Reducers = d.Reducers
	}
	if c.CacheRoot == "" {
		c.CacheRoot = d.CacheRoot
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Struct returns the configuration map handed to the engine. Properties are
// included verbatim, next to the cascade settings.
func (c Config) Struct() (*structpb.Struct, error) {
	m := make(map[string]any, len(c.Properties)+5)
	for k, v := range c.Properties {
		m[k] = v
	}
	archives := make([]any, len(c.Archives))
	for i, a := range c.Archives {
		archives[i] = a
	}
	m["cascade.running_mode"] = c.RunningMode
	m["cascade.main_file"] = c.MainFile
	m["cascade.archives"] = archives
	m["cascade.reducers"] = c.Reducers
	m["cascade.cache_root"] = c.CacheRoot
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("cascade: converting config: %w", err)
	}
	return s, nil
}
