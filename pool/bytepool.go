// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import "sync"

// BytePool recycles fixed-size scratch buffers for the readiness loop's
// reads, keeping the hot path free of per-wake allocations.
type BytePool struct {
	size int
	p    sync.Pool
}

// NewBytePool returns a pool of buffers of the given size.
func NewBytePool(size int) *BytePool {
	bp := &BytePool{size: size}
	bp.p.New = func() any { return make([]byte, size) }
	return bp
}

// GetBuffer returns a buffer from the pool.
func (b *BytePool) GetBuffer() []byte {
	return b.p.Get().([]byte)
}

// PutBuffer returns a buffer to the pool. Buffers of a different size are
// dropped.
func (b *BytePool) PutBuffer(buf []byte) {
	if cap(buf) != b.size {
		return
	}
	b.p.Put(buf[:b.size])
}
