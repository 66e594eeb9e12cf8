package recorder

// ring is a fixed-capacity FIFO that overwrites its oldest element when full.
// It is not safe for concurrent use.
type ring[T any] struct {
	buf  []T
	head int // index of the oldest element
	size int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
}

// items returns the elements oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.size)
	for i := range r.size {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// dropWhile removes leading elements while drop returns true and reports how many were removed.
func (r *ring[T]) dropWhile(drop func(T) bool) int {
	var zero T
	n := 0
	for r.size > 0 && drop(r.buf[r.head]) {
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		n++
	}
	return n
}

func (r *ring[T]) len() int { return r.size }
