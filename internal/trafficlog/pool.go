package trafficlog

import (
	"math/bits"
	"sync"
)

// BufferPool is a size-classed pool of reusable byte buffers. Buffers are
// grouped in power-of-two classes from minBufferClass to maxBufferClass;
// a lease returns a slice whose capacity is the class size and whose length
// is the requested size. The pool retains no reference to a leased buffer:
// the caller owns it exclusively until Put.
//
// Safe for concurrent Get/Put from any number of goroutines. Buffers are not
// zeroed on release; callers must only read bytes they wrote themselves.
type BufferPool struct {
	classes [poolClassCount]sync.Pool
}

// poolClassCount is the number of power-of-two size classes between
// minBufferClass and maxBufferClass inclusive.
const poolClassCount = 15 // 64B .. 1MB

// NewBufferPool creates an empty pool. Buffers are allocated lazily on first
// lease of each size class.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	for i := range p.classes {
		size := minBufferClass << i
		p.classes[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// Get leases a buffer of at least size bytes. The returned slice has length
// size. Buffers larger than the biggest class are allocated directly and
// silently dropped on Put.
func (p *BufferPool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	if size > maxBufferClass {
		return make([]byte, size)
	}
	idx := classIndex(size)
	buf := *(p.classes[idx].Get().(*[]byte))
	return buf[:size]
}

// Put returns a leased buffer to its size class. Buffers whose capacity does
// not match a pool class (including oversized direct allocations) are dropped.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	if c < minBufferClass || c > maxBufferClass || c&(c-1) != 0 {
		return
	}
	idx := classIndex(c)
	full := buf[:c]
	p.classes[idx].Put(&full)
}

// classIndex returns the index of the smallest class holding size bytes.
func classIndex(size int) int {
	if size <= minBufferClass {
		return 0
	}
	idx := bits.Len(uint(size-1)) - 6 // log2 ceil, offset by log2(minBufferClass)
	if idx >= poolClassCount {
		idx = poolClassCount - 1
	}
	return idx
}
