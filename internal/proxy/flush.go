package proxy

import (
	"io"
	"net/http"
	"sync"
	"time"
)

// defaultFlushInterval bounds how long a streamed response byte may sit in
// the server's write buffer before reaching the client.
const defaultFlushInterval = 100 * time.Millisecond

// flushingWriter flushes the client connection shortly after each write so
// trickle responses (event streams, slow downloads) reach the client while
// the upstream body is still open. A plain io.Copy only flushes when the
// handler returns.
type flushingWriter struct {
	dst      io.Writer
	flusher  http.Flusher
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
	stopped bool
}

func newFlushingWriter(dst io.Writer, flusher http.Flusher, interval time.Duration) *flushingWriter {
	return &flushingWriter{dst: dst, flusher: flusher, interval: interval}
}

func (fw *flushingWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	n, err := fw.dst.Write(p)
	if fw.stopped {
		return n, err
	}
	fw.pending = true
	if fw.timer == nil {
		fw.timer = time.AfterFunc(fw.interval, fw.delayedFlush)
	} else {
		fw.timer.Reset(fw.interval)
	}
	return n, err
}

func (fw *flushingWriter) delayedFlush() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped || !fw.pending {
		return
	}
	fw.flusher.Flush()
	fw.pending = false
}

// stop cancels the timer. The copy is finished at this point and the
// server flushes whatever remains when the handler returns.
func (fw *flushingWriter) stop() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.stopped = true
	fw.pending = false
	if fw.timer != nil {
		fw.timer.Stop()
	}
}
