// Copyright 2026 The Datagrind Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rangemap provides an ordered map from non-overlapping half-open
// address intervals [lo, hi) to a payload.
//
// The map is a treap: a binary tree ordered by interval low bound, kept
// balanced by a heap order on random node priorities, giving O(log n)
// insert, lookup and erase with high probability.
package rangemap

import (
	"errors"
	"math/rand"
)

// ErrOverlap is returned by Insert when the new interval intersects an
// existing one. Overlapping ranges are not supported.
var ErrOverlap = errors.New("rangemap: overlapping ranges")

var errEmptyRange = errors.New("rangemap: empty or inverted range")

// Map stores non-overlapping [Lo, Hi) intervals with a payload of type V.
// The zero value is ready to use.
type Map[V any] struct {
	root *node[V]
	size int
	rnd  rand.Source64
}

// Entry is one interval and its payload.
type Entry[V any] struct {
	Lo, Hi uint64
	Value  V
}

type node[V any] struct {
	priority    uint64
	left, right *node[V]
	entry       Entry[V]
}

// Len returns the number of stored intervals.
func (m *Map[V]) Len() int { return m.size }

func (m *Map[V]) nextPriority() uint64 {
	if m.rnd == nil {
		m.rnd = rand.NewSource(1).(rand.Source64)
	}
	return m.rnd.Uint64()
}

// Insert adds [lo, hi) with the given payload. It fails with ErrOverlap if
// the interval intersects any stored interval, and rejects empty or
// inverted intervals.
func (m *Map[V]) Insert(lo, hi uint64, v V) error {
	if lo >= hi {
		return errEmptyRange
	}
	if _, ok := m.Find(lo); ok {
		return ErrOverlap
	}
	// No interval contains lo; the insert only overlaps if some interval
	// starts inside [lo, hi).
	if n := m.ceiling(lo); n != nil && n.entry.Lo < hi {
		return ErrOverlap
	}
	m.root = m.insert(m.root, &node[V]{
		priority: m.nextPriority(),
		entry:    Entry[V]{Lo: lo, Hi: hi, Value: v},
	})
	m.size++
	return nil
}

func (m *Map[V]) insert(root, x *node[V]) *node[V] {
	if root == nil {
		return x
	}
	if x.entry.Lo < root.entry.Lo {
		root.left = m.insert(root.left, x)
		if root.left.priority < root.priority {
			root = rotateRight(root)
		}
	} else {
		root.right = m.insert(root.right, x)
		if root.right.priority < root.priority {
			root = rotateLeft(root)
		}
	}
	return root
}

func rotateRight[V any](n *node[V]) *node[V] {
	l := n.left
	n.left = l.right
	l.right = n
	return l
}

func rotateLeft[V any](n *node[V]) *node[V] {
	r := n.right
	n.right = r.left
	r.left = n
	return r
}

// Find returns the interval containing addr, if any.
func (m *Map[V]) Find(addr uint64) (Entry[V], bool) {
	// Locate the greatest Lo <= addr, then check its Hi.
	var best *node[V]
	for n := m.root; n != nil; {
		if n.entry.Lo <= addr {
			best = n
			n = n.right
		} else {
			n = n.left
		}
	}
	if best != nil && best.entry.Hi > addr {
		return best.entry, true
	}
	return Entry[V]{}, false
}

// ceiling returns the node with the smallest Lo >= lo.
func (m *Map[V]) ceiling(lo uint64) *node[V] {
	var best *node[V]
	for n := m.root; n != nil; {
		if n.entry.Lo >= lo {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	return best
}

// Overlap returns some stored interval intersecting [lo, hi), if any.
func (m *Map[V]) Overlap(lo, hi uint64) (Entry[V], bool) {
	if e, ok := m.Find(lo); ok {
		return e, true
	}
	if n := m.ceiling(lo); n != nil && n.entry.Lo < hi {
		return n.entry, true
	}
	return Entry[V]{}, false
}

// Erase removes the interval with exactly the bounds [lo, hi). It reports
// whether an interval was removed.
func (m *Map[V]) Erase(lo, hi uint64) bool {
	n := m.exact(lo)
	if n == nil || n.entry.Hi != hi {
		return false
	}
	m.root = m.remove(m.root, lo)
	m.size--
	return true
}

// EraseByStart removes every interval whose low bound equals lo (at most
// one, since intervals cannot overlap) and returns the number removed.
func (m *Map[V]) EraseByStart(lo uint64) int {
	if m.exact(lo) == nil {
		return 0
	}
	m.root = m.remove(m.root, lo)
	m.size--
	return 1
}

func (m *Map[V]) exact(lo uint64) *node[V] {
	for n := m.root; n != nil; {
		switch {
		case lo < n.entry.Lo:
			n = n.left
		case lo > n.entry.Lo:
			n = n.right
		default:
			return n
		}
	}
	return nil
}

func (m *Map[V]) remove(root *node[V], lo uint64) *node[V] {
	if root == nil {
		return nil
	}
	switch {
	case lo < root.entry.Lo:
		root.left = m.remove(root.left, lo)
	case lo > root.entry.Lo:
		root.right = m.remove(root.right, lo)
	default:
		// Rotate the node down until it is a leaf, preserving the heap
		// order among its children, then drop it.
		switch {
		case root.left == nil:
			return root.right
		case root.right == nil:
			return root.left
		case root.left.priority < root.right.priority:
			root = rotateRight(root)
			root.right = m.remove(root.right, lo)
		default:
			root = rotateLeft(root)
			root.left = m.remove(root.left, lo)
		}
	}
	return root
}

// Visit calls f for every interval in ascending Lo order. Traversal stops
// if f returns false. The map must not be modified during the visit.
func (m *Map[V]) Visit(f func(Entry[V]) bool) {
	visit(m.root, f)
}

func visit[V any](n *node[V], f func(Entry[V]) bool) bool {
	if n == nil {
		return true
	}
	if !visit(n.left, f) {
		return false
	}
	if !f(n.entry) {
		return false
	}
	return visit(n.right, f)
}
