package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleTable(t *testing.T) {
	t.Parallel()

	var ht handleTable
	c1 := ht.put("one")
	c2 := ht.put("two")
	assert.NotEqual(t, Context(0), c1)
	assert.NotEqual(t, c1, c2)
	assert.Equal(t, 2, ht.len())

	v, ok := ht.get(c1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)

	v, ok = ht.take(c1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	_, ok = ht.get(c1)
	assert.False(t, ok)
	assert.False(t, ht.release(c1))

	assert.True(t, ht.release(c2))
	assert.Equal(t, 0, ht.len())
}

func TestHandleTableWrap(t *testing.T) {
	t.Parallel()

	ht := handleTable{last: ^Context(0) - 1}
	busy := ht.put("busy")
	assert.Equal(t, ^Context(0), busy)
	// wraps past zero
	next := ht.put("next")
	assert.Equal(t, Context(1), next)

	// skips busy tokens
	ht.last = ^Context(0) - 1
	assert.Equal(t, Context(2), ht.put("again"))
}

func TestHandleTableDrain(t *testing.T) {
	t.Parallel()

	var ht handleTable
	ht.put(1)
	ht.put(2)
	ht.put(3)
	vs := ht.drain()
	assert.ElementsMatch(t, []interface{}{1, 2, 3}, vs)
	assert.Equal(t, 0, ht.len())
}
