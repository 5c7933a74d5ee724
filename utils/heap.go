package utils

import "golang.org/x/exp/constraints"

// Heap is a plain min-heap. The migration uses one to replay forced init
// positions in their configured order.
type Heap[T constraints.Ordered] struct {
	buf []T
}

func (h *Heap[T]) Len() int { return len(h.buf) }

func (h *Heap[T]) Push(x T) {
	h.buf = append(h.buf, x)
	j := len(h.buf) - 1
	for j > 0 {
		i := (j - 1) / 2
		if !(h.buf[j] < h.buf[i]) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		j = i
	}
}

// Pop removes and returns the minimum. It panics on an empty heap; callers
// gate on Len.
func (h *Heap[T]) Pop() (min T) {
	min = h.buf[0]
	n := len(h.buf) - 1
	h.buf[0] = h.buf[n]
	h.buf = h.buf[:n]
	i := 0
	for {
		j := 2*i + 1
		if j >= n {
			break
		}
		if k := j + 1; k < n && h.buf[k] < h.buf[j] {
			j = k
		}
		if !(h.buf[j] < h.buf[i]) {
			break
		}
		h.buf[i], h.buf[j] = h.buf[j], h.buf[i]
		i = j
	}
	return
}
