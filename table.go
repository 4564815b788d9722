// Copyright 2026 The httpwire Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package qpack

import "sync"

// An entryResult is the outcome of one dynamic table resolution.
type entryResult struct {
	field HeaderField
	err   error
}

// A tableEntry is one dynamic table slot. uses counts the emissions
// that have referenced the entry; the entry is only removable once a
// delete request has been recorded for it with a matching count.
type tableEntry struct {
	field HeaderField
	uses  uint32
}

// A pendingDelete is a recorded but not yet applied delete request.
// Eviction is two-phase: the request is recorded immediately and
// applied once the entry's accounted uses reach the declared
// refcount, so an entry still referenced by in-flight resolutions is
// never removed out from under them.
type pendingDelete struct {
	refcount uint32
	done     chan error
}

// A dynamicTable is the mutable segment of the header table: an
// arena of entries keyed by a monotonically increasing 1-based
// insertion index. Lookups for an index that has not arrived yet
// register a waiter and resolve when the insertion happens; only
// indices proven unreachable (already evicted, or the table is
// closed) fail outright.
//
// A single mutex serializes all mutation. Resolution continuations
// run as goroutines owned by the decoder and re-enter under the
// decoder's lock, never this one, so lock order is always
// decoder then table.
type dynamicTable struct {
	mu      sync.Mutex
	entries map[uint32]*tableEntry
	waiters map[uint32][]chan entryResult
	deletes map[uint32]*pendingDelete

	// evicted marks individually removed indices; floor is the
	// contiguous prefix of evicted indices, below which no
	// reference can ever resolve.
	evicted map[uint32]bool
	floor   uint32

	closed bool
}

func newDynamicTable() *dynamicTable {
	return &dynamicTable{
		entries: make(map[uint32]*tableEntry),
		waiters: make(map[uint32][]chan entryResult),
		deletes: make(map[uint32]*pendingDelete),
		evicted: make(map[uint32]bool),
	}
}

// resolve looks up the entry at the given insertion index. The
// returned channel receives exactly one result: immediately if the
// entry is present, on insertion if it is not, or with an error if
// the index can never resolve or the table is closed. The caller is
// responsible for applying a deadline.
func (t *dynamicTable) resolve(dynIndex uint32) <-chan entryResult {
	ch := make(chan entryResult, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		ch <- entryResult{err: ErrTableClosed}
	case t.unreachable(dynIndex):
		ch <- entryResult{err: ErrInvalidIndex}
	default:
		if e, ok := t.entries[dynIndex]; ok {
			e.uses++
			ch <- entryResult{field: e.field}
			t.applyDelete(dynIndex)
		} else {
			t.waiters[dynIndex] = append(t.waiters[dynIndex], ch)
		}
	}
	return ch
}

// insert places a field at the pre-declared insertion index and
// fulfills every waiter registered for it. Each fulfilled waiter is
// accounted as one use: the encoder counted the reference when it
// encoded it, whether or not the owning decode request still exists.
func (t *dynamicTable) insert(f HeaderField, dynIndex uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTableClosed
	}
	if dynIndex == 0 || t.unreachable(dynIndex) {
		return ErrInvalidIndex
	}
	if _, ok := t.entries[dynIndex]; ok {
		return ErrInvalidIndex
	}
	e := &tableEntry{field: f}
	t.entries[dynIndex] = e
	for _, ch := range t.waiters[dynIndex] {
		e.uses++
		ch <- entryResult{field: f}
	}
	delete(t.waiters, dynIndex)
	t.applyDelete(dynIndex)
	return nil
}

// remove records a delete request for the entry at dynIndex, to be
// applied once the entry's accounted uses reach refcount. The
// returned channel receives the outcome; the caller applies the
// deadline.
func (t *dynamicTable) remove(dynIndex, refcount uint32) <-chan error {
	done := make(chan error, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		done <- ErrTableClosed
	case dynIndex == 0 || t.unreachable(dynIndex):
		done <- ErrInvalidIndex
	case t.deletes[dynIndex] != nil:
		done <- ErrInvalidIndex
	default:
		t.deletes[dynIndex] = &pendingDelete{refcount: refcount, done: done}
		t.applyDelete(dynIndex)
	}
	return done
}

// close tears the table down: every outstanding waiter and pending
// delete fails with ErrTableClosed.
func (t *dynamicTable) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, ws := range t.waiters {
		for _, ch := range ws {
			ch <- entryResult{err: ErrTableClosed}
		}
	}
	t.waiters = make(map[uint32][]chan entryResult)
	for _, pd := range t.deletes {
		pd.done <- ErrTableClosed
	}
	t.deletes = make(map[uint32]*pendingDelete)
}

// unreachable reports whether a reference to dynIndex can never
// resolve. Caller holds mu.
func (t *dynamicTable) unreachable(dynIndex uint32) bool {
	return dynIndex <= t.floor || t.evicted[dynIndex]
}

// applyDelete applies the recorded delete for dynIndex if its
// conditions are now met. Accounted uses above the declared refcount
// mean the peers disagree about the entry; that delete fails rather
// than evicting a live entry. Caller holds mu.
func (t *dynamicTable) applyDelete(dynIndex uint32) {
	pd := t.deletes[dynIndex]
	if pd == nil {
		return
	}
	e := t.entries[dynIndex]
	if e == nil {
		// Not inserted yet; the delete stays recorded.
		return
	}
	if e.uses < pd.refcount {
		return
	}
	delete(t.deletes, dynIndex)
	if e.uses > pd.refcount {
		pd.done <- ErrInvalidIndex
		return
	}
	delete(t.entries, dynIndex)
	t.evicted[dynIndex] = true
	for t.evicted[t.floor+1] {
		t.floor++
		delete(t.evicted, t.floor)
	}
	pd.done <- nil
}
