// Copyright 2026 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package throttlespec reads throttle limits from YAML. A spec has default
// limits and an ordered list of rules matching bin names by regular
// expression; for each limit the first matching rule that sets it wins.
//
//	defaults:
//	  max_open_connections: 10
//	rules:
//	  - bin: '\.example\.com$'
//	    max_open_connections: 2
//	    min_ms_per_fetch: 1000
//	    min_ms_per_byte: 0.008
package throttlespec

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
	"k8s.io/klog/v2"
)

// Limits are the limits of a bin. Nil fields are not set.
type Limits struct {
	// MaxOpenConnections is the number of connections allowed across all
	// processes.
	MaxOpenConnections *int `yaml:"max_open_connections,omitempty"`
	// MinMillisecondsPerFetch is the minimum interval between fetches
	// across all processes. Zero means unlimited.
	MinMillisecondsPerFetch *int64 `yaml:"min_ms_per_fetch,omitempty"`
	// MinMillisecondsPerByte is the minimum time reading a byte must take
	// across all processes. Zero means unlimited.
	MinMillisecondsPerByte *float64 `yaml:"min_ms_per_byte,omitempty"`
}

// Rule overrides limits for the bins whose name matches Bin.
type Rule struct {
	Bin    string `yaml:"bin"`
	Limits `yaml:",inline"`
}

// Config is the YAML form of a spec.
type Config struct {
	Defaults Limits `yaml:"defaults"`
	Rules    []Rule `yaml:"rules"`
}

// Spec implements throttle.Spec from a Config. Bins without any connection
// limit are unlimited.
type Spec struct {
	defaults Limits
	rules    []rule
}

type rule struct {
	re *regexp.Regexp
	Limits
}

// New validates cfg and returns its Spec.
func New(cfg Config) (*Spec, error) {
	if err := cfg.Defaults.validate(); err != nil {
		return nil, fmt.Errorf("defaults: %v", err)
	}
	s := &Spec{defaults: cfg.Defaults}
	for i, r := range cfg.Rules {
		re, err := regexp.Compile(r.Bin)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %v", i, err)
		}
		if err := r.Limits.validate(); err != nil {
			return nil, fmt.Errorf("rule %d (%q): %v", i, r.Bin, err)
		}
		s.rules = append(s.rules, rule{re: re, Limits: r.Limits})
	}
	return s, nil
}

// Parse parses a YAML spec. Unknown fields are errors.
func Parse(data []byte) (*Spec, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, err
	}
	return New(cfg)
}

func (l Limits) validate() error {
	switch {
	case l.MaxOpenConnections != nil && *l.MaxOpenConnections < 0:
		return fmt.Errorf("max_open_connections %d is negative", *l.MaxOpenConnections)
	case l.MinMillisecondsPerFetch != nil && *l.MinMillisecondsPerFetch < 0:
		return fmt.Errorf("min_ms_per_fetch %d is negative", *l.MinMillisecondsPerFetch)
	case l.MinMillisecondsPerByte != nil && (*l.MinMillisecondsPerByte < 0 || math.IsNaN(*l.MinMillisecondsPerByte) || math.IsInf(*l.MinMillisecondsPerByte, 0)):
		return fmt.Errorf("min_ms_per_byte %g is not a finite non-negative number", *l.MinMillisecondsPerByte)
	}
	return nil
}

// lookup returns the first value get finds in a rule matching bin, or in the
// defaults.
func lookup[T any](s *Spec, bin string, get func(Limits) *T) (T, bool) {
	for _, r := range s.rules {
		if v := get(r.Limits); v != nil && r.re.MatchString(bin) {
			return *v, true
		}
	}
	if v := get(s.defaults); v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}

// MaxOpenConnections implements throttle.Spec.
func (s *Spec) MaxOpenConnections(bin string) int {
	if v, ok := lookup(s, bin, func(l Limits) *int { return l.MaxOpenConnections }); ok {
		return v
	}
	return math.MaxInt32
}

// MinimumMillisecondsPerFetch implements throttle.Spec.
func (s *Spec) MinimumMillisecondsPerFetch(bin string) int64 {
	v, _ := lookup(s, bin, func(l Limits) *int64 { return l.MinMillisecondsPerFetch })
	return v
}

// MinimumMillisecondsPerByte implements throttle.Spec.
func (s *Spec) MinimumMillisecondsPerByte(bin string) float64 {
	v, _ := lookup(s, bin, func(l Limits) *float64 { return l.MinMillisecondsPerByte })
	return v
}

// File is a Spec loaded from a file, reloaded when the file changes.
type File struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	spec    *Spec
}

// Load reads the spec at path.
func Load(path string) (*File, error) {
	f := &File{path: path}
	if _, err := f.Reload(true); err != nil {
		return nil, err
	}
	return f, nil
}

// Spec returns the last spec successfully loaded.
func (f *File) Spec() *Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spec
}

// Reload reads the file again if it was modified since the last load, or
// force is set, and reports whether a new spec was loaded. On error the
// previous spec stays in use.
func (f *File) Reload(force bool) (bool, error) {
	fi, err := os.Stat(f.path)
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !force && fi.ModTime().Equal(f.modTime) && fi.Size() == f.size {
		return false, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, err
	}
	spec, err := Parse(data)
	if err != nil {
		return false, fmt.Errorf("%s: %v", f.path, err)
	}
	f.spec, f.modTime, f.size = spec, fi.ModTime(), fi.Size()
	klog.Infof("Loaded throttle spec from %s (%d rules)", f.path, len(spec.rules))
	return true, nil
}
