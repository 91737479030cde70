// Package compose merges the contexts of an entry group and decides whether the
// group produces one e-mail per entry or a single batch e-mail.
package compose

import (
	"strings"

	"github.com/dhcgn/outbox-mailer/jsonvalue"
)

// AccumulatePrefix marks a context key whose values are collected across entries.
const AccumulatePrefix = "+"

const (
	itemOrderKey = "order"
	itemValueKey = "value"
)

// Outcome reports what a merge did besides writing into the target.
type Outcome struct {
	// Accumulated is set when an accumulation key was seen at any depth.
	Accumulated bool
	// Conflicts lists dotted paths where an accumulated collection replaced a
	// plain value.
	Conflicts []string
}

// slot names a key of one object inside the merge target.
type slot struct {
	parent *jsonvalue.Object
	key    string
}

// Merger folds contexts into one target. Plain keys are first-write-wins: a
// value already in the target is never overwritten. Nested objects are merged
// recursively. Keys with the accumulation prefix append {"order": N,
// "value": V} to the collection under the bare key. Only collections created
// by this Merger are appended to; any other value under the bare key is
// replaced and reported as a conflict.
type Merger struct {
	target *jsonvalue.Object
	owned  map[slot]struct{}
}

// NewMerger merges into target. A nil target starts empty.
func NewMerger(target *jsonvalue.Object) *Merger {
	if target == nil {
		target = jsonvalue.NewObject()
	}
	return &Merger{target: target, owned: make(map[slot]struct{})}
}

// Merge folds source into the target.
func (m *Merger) Merge(source *jsonvalue.Object) Outcome {
	var out Outcome
	m.merge(source, m.target, "", &out)
	return out
}

func (m *Merger) merge(source, target *jsonvalue.Object, path string, out *Outcome) {
	source.Range(func(key string, v jsonvalue.Value) bool {
		if bare, ok := strings.CutPrefix(key, AccumulatePrefix); ok {
			out.Accumulated = true
			m.accumulate(target, bare, v, join(path, bare), out)
			return true
		}

		if nested, ok := v.Object(); ok {
			existing, found := target.Get(key)
			if !found {
				child := jsonvalue.NewObject()
				target.Set(key, jsonvalue.FromObject(child))
				m.merge(nested, child, join(path, key), out)
				return true
			}
			if child, isObj := existing.Object(); isObj {
				m.merge(nested, child, join(path, key), out)
				return true
			}
			// A plain value blocks the subtree, but its accumulation keys still
			// decide the compose mode.
			if hasAccumulateKey(nested) {
				out.Accumulated = true
			}
			return true
		}

		target.SetIfAbsent(key, v.Clone())
		return true
	})
}

func (m *Merger) accumulate(target *jsonvalue.Object, key string, v jsonvalue.Value, path string, out *Outcome) {
	s := slot{parent: target, key: key}
	var items []jsonvalue.Value
	if existing, found := target.Get(key); found {
		if _, ok := m.owned[s]; ok {
			items, _ = existing.Array()
		} else {
			out.Conflicts = append(out.Conflicts, path)
		}
	}

	item := jsonvalue.NewObject()
	item.Set(itemOrderKey, jsonvalue.Int(int64(len(items)+1)))
	item.Set(itemValueKey, v.Clone())

	next := make([]jsonvalue.Value, 0, len(items)+1)
	next = append(next, items...)
	next = append(next, jsonvalue.FromObject(item))
	target.Set(key, jsonvalue.Array(next...))
	m.owned[s] = struct{}{}
}

func hasAccumulateKey(o *jsonvalue.Object) bool {
	found := false
	o.Range(func(key string, v jsonvalue.Value) bool {
		if strings.HasPrefix(key, AccumulatePrefix) {
			found = true
			return false
		}
		if nested, ok := v.Object(); ok && hasAccumulateKey(nested) {
			found = true
			return false
		}
		return true
	})
	return found
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
