// Copyright 2024 FrameFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package containers

import (
	"sync"

	"github.com/edwingeng/deque"
)

// SliceQueue is an unbounded FIFO queue. C is signaled once for every batch
// of pushes, so a consumer can select on it instead of polling.
type SliceQueue[T any] struct {
	// C is a signal channel with capacity 1.
	C chan struct{}

	// mu protects deque, which is not thread-safe.
	mu sync.RWMutex
	dq deque.Deque
}

// NewSliceQueue creates a new SliceQueue instance.
func NewSliceQueue[T any]() *SliceQueue[T] {
	return &SliceQueue[T]{
		C:  make(chan struct{}, 1),
		dq: deque.NewDeque(),
	}
}

// Push appends elem to the queue tail and signals C.
func (q *SliceQueue[T]) Push(elem T) {
	q.mu.Lock()
	q.dq.PushBack(elem)
	q.mu.Unlock()

	select {
	case q.C <- struct{}{}:
	default:
	}
}

// Pop removes the queue head. It returns false if the queue is empty.
func (q *SliceQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dq.Empty() {
		var noVal T
		return noVal, false
	}

	elem := q.dq.PopFront().(T)
	if !q.dq.Empty() {
		select {
		case q.C <- struct{}{}:
		default:
		}
	}
	return elem, true
}

// Peek returns the queue head without removing it.
func (q *SliceQueue[T]) Peek() (T, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.dq.Empty() {
		var noVal T
		return noVal, false
	}
	return q.dq.Front().(T), true
}

// Size returns the number of queued elements.
func (q *SliceQueue[T]) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.dq.Len()
}
