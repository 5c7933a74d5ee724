package utils

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeap_Pop(t *testing.T) {
	h := Heap[int]{}
	for _, v := range rand.Perm(100) {
		h.Push(v)
	}
	assert.Equal(t, 100, h.Len())
	for want := 0; want < 100; want++ {
		assert.Equal(t, want, h.Pop())
	}
	assert.Zero(t, h.Len())
}

func TestHeap_Duplicates(t *testing.T) {
	h := Heap[int]{}
	for _, v := range []int{3, 1, 3, 1} {
		h.Push(v)
	}
	got := []int{h.Pop(), h.Pop(), h.Pop(), h.Pop()}
	assert.Equal(t, []int{1, 1, 3, 3}, got)
}
