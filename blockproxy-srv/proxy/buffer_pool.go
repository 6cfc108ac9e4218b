package proxy

import (
	"io"
	"sync"
)

// relayBufferSize is the chunk size used when relaying between sockets.
const relayBufferSize = 32 * 1024

var relayBuffers = sync.Pool{
	New: func() any {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return relayBuffers.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		relayBuffers.Put(buf)
	}
}

// copyBuffer is io.Copy with a pooled chunk.
func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}
