// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

// Package config implements the RO/RW configuration key-value store
// (spec.md §4.5), ported from original_source/wperf/config.cpp's
// drvconfig namespace. Two fixed read-only keys hold the bounds of the
// counting period and one read-write key holds the period itself; Set
// does not check the read-write value against those bounds.
package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Access marks whether a key accepts Set.
type Access int

const (
	RO Access = iota
	RW
)

type property struct {
	value  int64
	access Access
	unit   string
}

// ErrUnknownKey is returned by Set/Get for a name with no entry.
var ErrUnknownKey = errors.New("config: unknown key")

// ErrReadOnly is returned by Set against a read-only key.
var ErrReadOnly = errors.New("config: key is read-only")

// Store is the driver-wide configuration table (spec.md §4.5). period,
// periodMin and periodMax are expressed in milliseconds, matching the
// original's "ms" unit.
type Store struct {
	mu   sync.Mutex
	data map[string]property
}

// New returns a Store seeded with count.period (RW) and its RO bounds,
// matching drvconfig::init()'s three entries.
func New(period, periodMin, periodMax int64) *Store {
	return &Store{
		data: map[string]property{
			"count.period":     {value: period, access: RW, unit: "ms"},
			"count.period_min": {value: periodMin, access: RO, unit: "ms"},
			"count.period_max": {value: periodMax, access: RO, unit: "ms"},
		},
	}
}

// Get returns the current value of name.
func (s *Store) Get(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[name]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownKey, "config.Get(%q)", name)
	}
	return p.value, nil
}

// Set writes value to name, failing if name is unknown or read-only
// (drvconfig::set(name, value)).
func (s *Store) Set(name string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.data[name]
	if !ok {
		return errors.Wrapf(ErrUnknownKey, "config.Set(%q)", name)
	}
	if p.access == RO {
		return errors.Wrapf(ErrReadOnly, "config.Set(%q)", name)
	}
	p.value = value
	s.data[name] = p
	return nil
}

// SetString parses and applies a "NAME=VALUE" configuration string
// (drvconfig::set(config_str)).
func (s *Store) SetString(configStr string) error {
	idx := strings.IndexByte(configStr, '=')
	if idx < 0 || idx == len(configStr)-1 {
		return errors.Errorf("config: malformed assignment %q", configStr)
	}
	name := configStr[:idx]
	value := configStr[idx+1:]
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "config: invalid value %q for %q", value, name)
	}
	return s.Set(name, n)
}

// Keys returns every configuration key, sorted (drvconfig::get_configs).
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
