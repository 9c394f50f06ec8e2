// Copyright 2023 NLP Odyssey Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sliceutils provides heap and sort adapters over plain slices.
package sliceutils

import (
	"container/heap"
	"sort"

	"golang.org/x/exp/constraints"
)

// OrderedHeap is a min-heap of ordered values. It implements heap.Interface.
type OrderedHeap[T constraints.Ordered] []T

func (h OrderedHeap[T]) Len() int           { return len(h) }
func (h OrderedHeap[T]) Less(i, j int) bool { return h[i] < h[j] }
func (h OrderedHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *OrderedHeap[T]) Push(x any) {
	*h = append(*h, x.(T))
}

func (h *OrderedHeap[T]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type reverseHeap struct {
	heap.Interface
}

func (r reverseHeap) Less(i, j int) bool {
	return r.Interface.Less(j, i)
}

// ReverseHeap returns the reverse order for h: a min-heap becomes a max-heap.
func ReverseHeap(h heap.Interface) heap.Interface {
	return reverseHeap{Interface: h}
}

// IndexedSlice sorts Slice while keeping track of the original position
// of each element in Indices.
type IndexedSlice[T constraints.Ordered] struct {
	Slice   []T
	Indices []int
}

var _ sort.Interface = IndexedSlice[float64]{}

// NewIndexedSlice wraps the given slice, which is sorted in place.
func NewIndexedSlice[T constraints.Ordered](slice []T) IndexedSlice[T] {
	indices := make([]int, len(slice))
	for i := range indices {
		indices[i] = i
	}
	return IndexedSlice[T]{
		Slice:   slice,
		Indices: indices,
	}
}

func (s IndexedSlice[T]) Len() int {
	return len(s.Slice)
}

func (s IndexedSlice[T]) Less(i, j int) bool {
	return s.Slice[i] < s.Slice[j]
}

func (s IndexedSlice[T]) Swap(i, j int) {
	s.Slice[i], s.Slice[j] = s.Slice[j], s.Slice[i]
	s.Indices[i], s.Indices[j] = s.Indices[j], s.Indices[i]
}
