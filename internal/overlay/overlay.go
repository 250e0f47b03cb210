// Package overlay composes server configuration trees.
//
// A Tree is the decoded form of a JSON configuration file: a mapping from
// string keys to scalars, slices or nested Trees. Merge applies an override
// delta to a base tree and always returns a fresh tree, so a base loaded once
// can be reused by every test without leaking overrides between them.
package overlay

import (
	"fmt"
	"strings"
)

// Tree is a configuration mapping.
type Tree = map[string]any

// Merge applies override on top of base and returns the result.
//
// For every key of override:
//   - a non-mapping value replaces the base value, even a whole subtree;
//   - a mapping replaces the base value wholesale when the base key is
//     missing or does not hold a mapping;
//   - an empty mapping resets the base value to an empty mapping;
//   - otherwise both mappings are merged recursively.
//
// Keys that only exist in base are kept. Neither argument is modified and
// the result shares no mutable state with them.
func Merge(base, override Tree) Tree {
	merged := Clone(base)
	if merged == nil {
		merged = Tree{}
	}
	mergeInto(merged, override)
	return merged
}

func mergeInto(dst, override Tree) {
	for key, value := range override {
		sub, isMap := asTree(value)
		if !isMap {
			dst[key] = cloneValue(value)
			continue
		}

		current, baseIsMap := asTree(dst[key])
		if !baseIsMap || len(sub) == 0 {
			dst[key] = Clone(sub)
			continue
		}

		// dst already owns current (it was cloned from base), safe to mutate
		mergeInto(current, sub)
		dst[key] = current
	}
}

// Clone returns a deep copy of tree. Nested maps and slices are copied;
// scalars are shared.
func Clone(tree Tree) Tree {
	if tree == nil {
		return nil
	}
	out := make(Tree, len(tree))
	for k, v := range tree {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return Clone(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), typed...)
	default:
		return v
	}
}

func asTree(v any) (Tree, bool) {
	t, ok := v.(map[string]any)
	return t, ok
}

// Lookup walks tree along a dotted path ("api.http.host").
func Lookup(tree Tree, path string) (any, bool) {
	var current any = tree
	for _, part := range strings.Split(path, ".") {
		node, ok := asTree(current)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// String returns the value at path formatted as a string. Numbers decoded
// from JSON are rendered without exponent notation.
func String(tree Tree, path string) (string, bool) {
	v, ok := Lookup(tree, path)
	if !ok || v == nil {
		return "", false
	}
	switch typed := v.(type) {
	case string:
		return typed, true
	case float64:
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed)), true
		}
		return fmt.Sprintf("%g", typed), true
	case Tree:
		return "", false
	default:
		return fmt.Sprint(typed), true
	}
}

// Set stores value at a dotted path, creating intermediate mappings and
// returning a new tree. A non-mapping value on the way is replaced.
func Set(tree Tree, path string, value any) Tree {
	parts := strings.Split(path, ".")
	delta := Tree{parts[len(parts)-1]: value}
	for i := len(parts) - 2; i >= 0; i-- {
		delta = Tree{parts[i]: delta}
	}
	return Merge(tree, delta)
}
