package lru_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/walles/bazel-buildfarm/digest"
	"github.com/walles/bazel-buildfarm/lru"
)

func newEntry(key string) *lru.Entry {
	return &lru.Entry{Key: digest.BlobKey(key)}
}

func TestListOrdersLeastRecentlyUsedFirst(t *testing.T) {
	l := lru.New()
	assert.True(t, l.Empty())

	a, b, c := newEntry("a"), newEntry("b"), newEntry("c")
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	var order []string
	l.Each(func(e *lru.Entry) { order = append(order, string(e.Key)) })
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, a, l.Front())
	assert.Equal(t, 3, l.Len())
}

func TestRemoveUnlinks(t *testing.T) {
	l := lru.New()
	a, b := newEntry("a"), newEntry("b")
	l.PushBack(a)
	l.PushBack(b)

	l.Remove(a)
	assert.False(t, a.Linked())
	assert.Equal(t, b, l.Front())
	assert.Equal(t, 1, l.Len())

	// Removing an already-unlinked entry is a no-op.
	l.Remove(a)
	assert.False(t, a.Linked())
}

func TestMoveToBackRecordsAccess(t *testing.T) {
	l := lru.New()
	a, b := newEntry("a"), newEntry("b")
	l.PushBack(a)
	l.PushBack(b)

	l.MoveToBack(a)

	var order []string
	l.Each(func(e *lru.Entry) { order = append(order, string(e.Key)) })
	assert.Equal(t, []string{"b", "a"}, order)
}

func TestPushBackRejectsAlreadyLinked(t *testing.T) {
	l := lru.New()
	a := newEntry("a")
	l.PushBack(a)
	assert.Panics(t, func() { l.PushBack(a) })
}
