// Copyright 2026 The Hookbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package hookfilter computes effective sets of enabled hook names
// from an allow-list, an ignore-list, and deployment defaults.
//
// Hook names form a dot-separated hierarchy ("issue.created" is a
// child of "issue"). Ignoring a name removes it and every descendant
// from the enabled set. Filters are immutable snapshots; recompute one
// when configuration changes rather than mutating it.
package hookfilter

import (
	"sort"
	"strings"
)

// Filter is an immutable effective-hook set. The type parameter lets
// services use their own hook-name string type without conversion
// noise at every call site.
type Filter[T ~string] struct {
	enabled map[T]struct{}
}

// New computes the effective set: the union of enabled and defaults,
// minus every ignored name and its hierarchical descendants. The
// result is independent of the order of the ignored entries.
func New[T ~string](enabled, ignored, defaults []T) *Filter[T] {
	pruner := newIgnoreTrie(ignored)
	result := make(map[T]struct{}, len(enabled)+len(defaults))
	for _, name := range enabled {
		if !pruner.covers(string(name)) {
			result[name] = struct{}{}
		}
	}
	for _, name := range defaults {
		if !pruner.covers(string(name)) {
			result[name] = struct{}{}
		}
	}
	return &Filter[T]{enabled: result}
}

// ComputeEnabledHooks is the one-shot form of New followed by
// EnabledHooks, for callers that only need the resolved list.
func ComputeEnabledHooks[T ~string](enabled, ignored, defaults []T) []T {
	return New(enabled, ignored, defaults).EnabledHooks()
}

// EnabledHooks returns the effective set in sorted order.
func (f *Filter[T]) EnabledHooks() []T {
	names := make([]T, 0, len(f.enabled))
	for name := range f.enabled {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Enabled reports whether name is in the effective set.
func (f *Filter[T]) Enabled(name T) bool {
	_, ok := f.enabled[name]
	return ok
}

// ShouldSkip reports whether an event matching the candidate names
// should be dropped: it is kept only if at least one candidate is
// enabled. Callers pass every granularity an event maps to, e.g. the
// specific action and its general category.
func (f *Filter[T]) ShouldSkip(names ...T) bool {
	for _, name := range names {
		if _, ok := f.enabled[name]; ok {
			return false
		}
	}
	return true
}

// ignoreTrie indexes ignored names by dot-separated segment so a
// candidate is checked against all its ancestors in one O(depth) walk
// instead of comparing against every ignored entry.
type ignoreTrie struct {
	children map[string]*ignoreTrie
	ignored  bool
}

func newIgnoreTrie[T ~string](names []T) *ignoreTrie {
	root := &ignoreTrie{}
	for _, name := range names {
		node := root
		for _, segment := range strings.Split(string(name), ".") {
			if node.children == nil {
				node.children = make(map[string]*ignoreTrie)
			}
			child, ok := node.children[segment]
			if !ok {
				child = &ignoreTrie{}
				node.children[segment] = child
			}
			node = child
		}
		node.ignored = true
	}
	return root
}

// covers reports whether name or any of its segment ancestors is an
// ignored entry.
func (t *ignoreTrie) covers(name string) bool {
	node := t
	for _, segment := range strings.Split(name, ".") {
		child, ok := node.children[segment]
		if !ok {
			return false
		}
		if child.ignored {
			return true
		}
		node = child
	}
	return false
}
