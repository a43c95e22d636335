// Package idpool provides a fixed-capacity allocator of records addressed
// by 16-bit ids. The low bits of an id index the pool; the high bits carry
// a per-pool random "bank" tag, so an id issued by an earlier process fails
// lookup instead of aliasing live state. Within one pool the bank is fixed:
// an index that is released and reissued yields the same id again.
package idpool

import (
	"errors"
	"math/rand/v2"
)

// ErrExhausted is returned by Alloc when every id is in use.
var ErrExhausted = errors.New("idpool: out of ids")

// Pool is a fixed-capacity id-indexed allocator. The zero value is not
// usable; construct with New.
type Pool[T any] struct {
	bank  uint16
	mask  uint16
	slots []T
	inUse []bool

	// FIFO free list: reusing the least-recently released index first
	// maximizes the distance before an id value repeats.
	free  []uint16
	head  int
	count int

	maxActive int
}

// New creates a pool of the given capacity, which must be a power of two
// no greater than 32768.
func New[T any](capacity int) *Pool[T] {
	if capacity <= 0 || capacity > 0x8000 || capacity&(capacity-1) != 0 {
		panic("idpool: capacity must be a power of two in 1..32768")
	}

	p := &Pool[T]{
		bank:  uint16(rand.Uint32())&^uint16(capacity-1) | uint16(capacity),
		mask:  uint16(capacity - 1),
		slots: make([]T, capacity),
		inUse: make([]bool, capacity),
		free:  make([]uint16, capacity),
		count: capacity,
	}
	for i := range p.free {
		p.free[i] = uint16(i)
	}
	return p
}

// Alloc reserves a slot and returns it with its id. The slot retains
// whatever the previous holder left; callers reinitialize it.
func (p *Pool[T]) Alloc() (*T, uint16, error) {
	if p.count == 0 {
		return nil, 0, ErrExhausted
	}
	idx := p.free[p.head]
	p.head = (p.head + 1) % len(p.free)
	p.count--

	p.inUse[idx] = true
	if a := p.Active(); a > p.maxActive {
		p.maxActive = a
	}
	return &p.slots[idx], idx | p.bank, nil
}

// Lookup returns the slot for an id, or nil if the id's bank does not
// match this pool's generation or the slot is free.
func (p *Pool[T]) Lookup(id uint16) *T {
	idx := id & p.mask
	if idx|p.bank != id || !p.inUse[idx] {
		return nil
	}
	return &p.slots[idx]
}

// Release returns an id to the free list. Releasing an id that does not
// resolve to a live slot is a no-op and returns false.
func (p *Pool[T]) Release(id uint16) bool {
	if p.Lookup(id) == nil {
		return false
	}
	idx := id & p.mask
	p.inUse[idx] = false
	p.free[(p.head+p.count)%len(p.free)] = idx
	p.count++
	return true
}

// Each calls f for every live slot in index order until f returns false.
func (p *Pool[T]) Each(f func(id uint16, slot *T) bool) {
	for i := range p.slots {
		if p.inUse[i] {
			if !f(uint16(i)|p.bank, &p.slots[i]) {
				return
			}
		}
	}
}

// Capacity returns the total number of ids.
func (p *Pool[T]) Capacity() int { return len(p.slots) }

// Active returns the number of ids currently allocated.
func (p *Pool[T]) Active() int { return len(p.slots) - p.count }

// FreeCount returns the number of ids available.
func (p *Pool[T]) FreeCount() int { return p.count }

// MaxActive returns the high-water mark of allocated ids.
func (p *Pool[T]) MaxActive() int { return p.maxActive }

// Index returns the slot index encoded in an id.
func (p *Pool[T]) Index(id uint16) int { return int(id & p.mask) }
