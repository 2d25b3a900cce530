package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemorySetGet(t *testing.T) {
	c := New()

	c.Set("k", []byte("v"), 0)
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestMemoryTTLExpiry(t *testing.T) {
	c := New()

	c.Set("k", []byte("v"), 10*time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry expired")
}

func TestMemoryDelete(t *testing.T) {
	c := New()

	c.Set("k", []byte("v"), 0)
	c.Delete("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestMemoryCopiesValue(t *testing.T) {
	c := New()

	val := []byte("abc")
	c.Set("k", val, 0)
	val[0] = 'x'

	got, _ := c.Get("k")
	assert.Equal(t, []byte("abc"), got, "stored bytes are insulated from the caller")
}
