package gateway

import (
	"bytes"
	"errors"
	"sync"

	"github.com/valyala/gozstd"
)

// zstdStream compresses every outbound frame of one connection as a
// single continuous stream. Flushing after each frame keeps the client
// side decoder fed whole messages.
type zstdStream struct {
	mu  sync.Mutex
	buf bytes.Buffer
	zw  *gozstd.Writer
}

func newZstdStream() *zstdStream {
	z := &zstdStream{}
	z.zw = gozstd.NewWriter(&z.buf)
	return z
}

// Compress runs one frame through the stream and returns the bytes the
// client must receive for it.
func (z *zstdStream) Compress(frame []byte) (out []byte, err error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.zw == nil {
		return nil, errors.New("gateway: zstd stream released")
	}

	if _, err = z.zw.Write(frame); err != nil {
		return
	}
	if err = z.zw.Flush(); err != nil {
		return
	}

	out = make([]byte, z.buf.Len())
	copy(out, z.buf.Bytes())
	z.buf.Reset()
	return
}

// Release frees the compression context. The stream is unusable after.
func (z *zstdStream) Release() {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.zw == nil {
		return
	}
	z.zw.Release()
	z.zw = nil
}
