package logger

import (
	"bytes"
	"sync"
)

// lockedWriter serializes writes from concurrent goroutines into a shared buffer.
type lockedWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
