package tunproxy

import (
	"sync"
)

const (
	// MTU bounds every packet the engine reads or writes; pooled buffers are
	// sized to it.
	MTU = 1500
)

var bufPool = &sync.Pool{
	New: func() interface{} {
		return make([]byte, MTU)
	},
}

func newBuffer() []byte {
	return bufPool.Get().([]byte)
}

func releaseBuffer(buf []byte) {
	bufPool.Put(buf)
}
