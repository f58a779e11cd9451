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

package metric

import (
	"sort"

	"github.com/pkg/errors"
)

// builtins mirrors original_source/wperf/metric.cpp's metric_builtin
// table: each name expands to the ordered list of raw event names a
// session should request, up to the number of free GPCs available.
var builtins = map[string][]string{
	"imix":   {"inst_spec", "dp_spec", "vfp_spec", "ase_spec", "ld_spec", "st_spec"},
	"icache": {"l1i_cache", "l1i_cache_refill", "l2i_cache", "l2i_cache_refill", "inst_retired"},
	"dcache": {"l1d_cache", "l1d_cache_refill", "l2d_cache", "l2d_cache_refill", "inst_retired"},
	"itlb":   {"l1i_tlb", "l1i_tlb_refill", "l2i_tlb", "l2i_tlb_refill", "inst_retired"},
	"dtlb":   {"l1d_tlb", "l1d_tlb_refill", "l2d_tlb", "l2d_tlb_refill", "inst_retired"},
}

// ErrUnknownMetric is returned when a requested builtin metric name has
// no definition.
var ErrUnknownMetric = errors.New("metric: unknown builtin metric")

// BuiltinNames returns the sorted list of builtin metric names
// (METRIC_LIST / metric_get_builtin_metric_names).
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolvePlan expands a builtin metric name into the event list a
// session should request, truncated to the first gpcNum events the way
// metric_gen_metric_based_on_gpc_num truncates its brace-joined event
// set (spec.md §4.5: a metric never requests more events than there are
// GPCs to hold them).
func ResolvePlan(name string, gpcNum int) ([]string, error) {
	events, ok := builtins[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMetric, "metric %q", name)
	}
	if gpcNum < 0 {
		gpcNum = 0
	}
	if gpcNum > len(events) {
		gpcNum = len(events)
	}
	out := make([]string, gpcNum)
	copy(out, events[:gpcNum])
	return out, nil
}
