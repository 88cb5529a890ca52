// Package lru implements the reference-counted, sentinel-anchored
// doubly-linked list described in spec §4.2: entries with a reference count
// of zero live on the list in least-recently-used-first order; referenced
// entries are unlinked. The list itself does not know about eviction policy
// or byte budgets — filecache.Cache drives those on top of it.
package lru

import (
	"time"

	"github.com/walles/bazel-buildfarm/digest"
)

// Entry is a single blob's cache metadata. Key and Size are immutable once
// the Entry is published into a Cache's storage map; RefCount and the list
// pointers are mutated only while the owning Cache's monitor is held.
type Entry struct {
	Key  digest.BlobKey
	Size int64

	// RefCount is the number of live holders. Zero means the entry sits on
	// the unreferenced list and is eligible for eviction.
	RefCount int32

	// ExistsDeadline holds a positive-cache deadline for an on-disk
	// existence check. Package filecache neither sets nor reads it.
	ExistsDeadline time.Time

	prev, next *Entry // nil when not linked (RefCount > 0); the sentinel's point into the ring
}

// Linked reports whether e currently sits on an unreferenced list.
func (e *Entry) Linked() bool {
	return e.prev != nil || e.next != nil
}

// List is a circular doubly-linked list of unreferenced Entries, anchored by
// a sentinel header that is never itself returned from Front and can
// never be passed to Remove. Traversing header.next...header.prev yields
// entries oldest (least-recently-used) first.
type List struct {
	header Entry // sentinel; never exposed by pointer to callers
}

// New returns an empty List, ready to use.
func New() *List {
	l := &List{}
	l.header.prev = &l.header
	l.header.next = &l.header
	return l
}

// Empty reports whether the list has no unreferenced entries.
func (l *List) Empty() bool {
	return l.header.next == &l.header
}

// Front returns the least-recently-used entry, or nil if the list is empty.
func (l *List) Front() *Entry {
	if l.Empty() {
		return nil
	}
	return l.header.next
}

// PushBack inserts e immediately before the sentinel — the most-recently-used
// position. e must not already be linked and must not be the sentinel.
func (l *List) PushBack(e *Entry) {
	if e == &l.header {
		panic("lru: sentinel cannot be pushed")
	}
	if e.Linked() {
		panic("lru: entry already linked")
	}
	tail := l.header.prev
	tail.next = e
	e.prev = tail
	e.next = &l.header
	l.header.prev = e
}

// Remove unlinks e from the list. It is a no-op if e is not linked. e must
// not be the sentinel.
func (l *List) Remove(e *Entry) {
	if e == &l.header {
		panic("lru: sentinel cannot be removed")
	}
	if !e.Linked() {
		return
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev = nil
	e.next = nil
}

// MoveToBack re-links e at the most-recently-used position, used when an
// access is recorded for an already-unreferenced entry without changing its
// reference count.
func (l *List) MoveToBack(e *Entry) {
	l.Remove(e)
	l.PushBack(e)
}

// Len returns the number of unreferenced entries currently on the list. It
// walks the list, so it is O(n); filecache.Cache's UnreferencedEntryCount
// calls it directly.
func (l *List) Len() int {
	n := 0
	for e := l.header.next; e != &l.header; e = e.next {
		n++
	}
	return n
}

// Each calls fn for every entry from least- to most-recently-used. fn must
// not mutate the list.
func (l *List) Each(fn func(*Entry)) {
	for e := l.header.next; e != &l.header; e = e.next {
		fn(e)
	}
}
