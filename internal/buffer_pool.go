package internal

import (
	"bytes"
	"sync"
)

// BufferPool recycles byte buffers. Buffers that grew past maxRetained are
// dropped on Put so one large payload does not pin memory.
type BufferPool struct {
	pool        sync.Pool
	maxRetained int
}

func NewBufferPool(initialSize, maxRetained int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
		maxRetained: maxRetained,
	}
}

func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

func (p *BufferPool) Put(buf *bytes.Buffer) {
	if p.maxRetained > 0 && buf.Cap() > p.maxRetained {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
