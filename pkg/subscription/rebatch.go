package subscription

import (
	"context"
	"fmt"
	"sync"
)

// Block is a two-dimensional batch stored row-major: Block[row][column].
type Block[T any] [][]T

// Axis selects the dimension Rebatch slices along.
type Axis int

const (
	// AxisRows batches along rows (the first index).
	AxisRows Axis = 0
	// AxisColumns batches along columns (the second index), keeping the row count.
	AxisColumns Axis = 1
)

// Rebatch reshapes incoming blocks into blocks of exactly size along its axis.
// A block that already has the target size and arrives with nothing carried
// over is passed through untouched.
type Rebatch[T any] struct {
	size int
	axis Axis
	out  *Queue[Block[T]]

	mu       sync.Mutex
	carry    Block[T]
	width    int // extent across the axis, fixed by the first accepted block
	rejected uint64
}

// NewRebatch constructs a rebatching sink. size must be positive and axis 0 or 1.
func NewRebatch[T any](size int, axis Axis) (*Rebatch[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("rebatch size must be >0, got %d", size)
	}
	if axis != AxisRows && axis != AxisColumns {
		return nil, fmt.Errorf("rebatch axis must be 0 or 1, got %d", axis)
	}
	return &Rebatch[T]{size: size, axis: axis, out: NewQueue[Block[T]](0)}, nil
}

// Receive adds b to the carry and emits every complete batch.
// Ragged blocks, and blocks whose extent across the axis differs from the
// blocks accepted before them, are rejected and counted.
func (r *Rebatch[T]) Receive(b Block[T]) {
	if !rectangular(b) {
		r.reject()
		return
	}
	r.mu.Lock()
	n := r.extent(b)
	if n == 0 {
		r.mu.Unlock()
		return
	}
	w := r.cross(b)
	if r.width == 0 {
		r.width = w
	} else if w != r.width {
		r.rejected++
		r.mu.Unlock()
		return
	}
	if r.extent(r.carry) == 0 {
		if n == r.size {
			r.mu.Unlock()
			r.out.Receive(b)
			return
		}
		r.carry = nil
	}

	r.appendLocked(b)
	var ready []Block[T]
	for r.extent(r.carry) >= r.size {
		ready = append(ready, r.splitLocked())
	}
	r.mu.Unlock()

	for _, blk := range ready {
		r.out.Receive(blk)
	}
}

// Next returns the next complete batch.
func (r *Rebatch[T]) Next(ctx context.Context) (Block[T], error) {
	return r.out.Next(ctx)
}

// Flush returns the trailing short batch, if any, and clears the carry.
// The next block received may have a new width.
func (r *Rebatch[T]) Flush() (Block[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.width = 0
	if r.extent(r.carry) == 0 {
		r.carry = nil
		return nil, false
	}
	rest := r.carry
	r.carry = nil
	return rest, true
}

// Pending returns the length of the carry along the batching axis.
func (r *Rebatch[T]) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.extent(r.carry)
}

// Rejected returns how many blocks were discarded as malformed.
func (r *Rebatch[T]) Rejected() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

func (r *Rebatch[T]) reject() {
	r.mu.Lock()
	r.rejected++
	r.mu.Unlock()
}

func (r *Rebatch[T]) extent(b Block[T]) int {
	if r.axis == AxisRows {
		return len(b)
	}
	if len(b) == 0 {
		return 0
	}
	return len(b[0])
}

// cross is the extent of b across the batching axis.
func (r *Rebatch[T]) cross(b Block[T]) int {
	if r.axis == AxisColumns {
		return len(b)
	}
	return len(b[0])
}

func (r *Rebatch[T]) appendLocked(b Block[T]) {
	if r.axis == AxisRows {
		r.carry = append(r.carry, b...)
		return
	}
	if len(r.carry) == 0 {
		r.carry = make(Block[T], len(b))
	}
	for i := range b {
		r.carry[i] = append(r.carry[i], b[i]...)
	}
}

func (r *Rebatch[T]) splitLocked() Block[T] {
	if r.axis == AxisRows {
		head := r.carry[:r.size:r.size]
		r.carry = r.carry[r.size:]
		return head
	}
	head := make(Block[T], len(r.carry))
	for i, row := range r.carry {
		head[i] = row[:r.size:r.size]
		r.carry[i] = row[r.size:]
	}
	return head
}

func rectangular[T any](b Block[T]) bool {
	for i := 1; i < len(b); i++ {
		if len(b[i]) != len(b[0]) {
			return false
		}
	}
	return true
}
