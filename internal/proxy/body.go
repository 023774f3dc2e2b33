package proxy

import (
	"bytes"
	"io"
	"net/http"
	"sync/atomic"
)

// idempotentMethods may always be retried against a different instance.
// PUT is included on the assumption of full-replace semantics.
var idempotentMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPut:     {},
	http.MethodOptions: {},
	http.MethodTrace:   {},
}

// requestBody manages the inbound body across forward attempts.
//
// Three modes:
//   - empty: no body; every attempt is replayable.
//   - buffered: the body fit under the buffer limit and was read up front;
//     every attempt replays from memory. Only done for idempotent methods.
//   - streamed: the body is passed through once, with a byte counter. A
//     retry is only safe while the counter is zero. After any byte has
//     left the gateway the side-effect state upstream is unknown.
type requestBody struct {
	buffered []byte
	stream   io.ReadCloser
	sent     atomic.Int64

	method        string
	contentLength int64
}

// newRequestBody prepares the body of r for forwarding. Idempotent
// requests with bodies no larger than bufferLimit are buffered so they
// stay replayable; everything else streams.
func newRequestBody(r *http.Request, bufferLimit int64) (*requestBody, error) {
	b := &requestBody{
		method:        r.Method,
		contentLength: r.ContentLength,
	}

	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		b.contentLength = 0
		return b, nil
	}

	if b.idempotent() && r.ContentLength > 0 && r.ContentLength <= bufferLimit {
		data, err := io.ReadAll(io.LimitReader(r.Body, bufferLimit))
		if err != nil {
			return nil, err
		}
		b.buffered = data
		b.contentLength = int64(len(data))
		return b, nil
	}

	b.stream = r.Body
	return b, nil
}

func (b *requestBody) idempotent() bool {
	_, ok := idempotentMethods[b.method]
	return ok
}

// empty reports whether the request carries no body.
func (b *requestBody) empty() bool {
	return b.buffered == nil && b.stream == nil
}

// reader returns the body for the next forward attempt.
func (b *requestBody) reader() io.ReadCloser {
	switch {
	case b.buffered != nil:
		return io.NopCloser(bytes.NewReader(b.buffered))
	case b.stream != nil:
		return &countingReader{inner: b.stream, sent: &b.sent}
	default:
		return http.NoBody
	}
}

// retriable reports whether another attempt may safely resend the request.
// A streamed body is replayable only while completely untouched: once any
// byte has been consumed there is nothing to replay, and for non-idempotent
// methods the upstream side-effect state is unknown besides.
func (b *requestBody) retriable() bool {
	if b.empty() || b.buffered != nil {
		return true
	}
	return b.sent.Load() == 0
}

// ambiguous reports whether a failed attempt left the upstream side-effect
// state unknown: a non-idempotent request with part of its body sent.
func (b *requestBody) ambiguous() bool {
	return !b.idempotent() && b.sent.Load() > 0
}

// countingReader tracks how many body bytes the transport consumed.
type countingReader struct {
	inner io.ReadCloser
	sent  *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.inner.Read(p)
	if n > 0 {
		c.sent.Add(int64(n))
	}
	return n, err
}

// Close is a no-op so the transport cannot close the client's body between
// attempts; the proxy closes the underlying stream when the request ends.
func (c *countingReader) Close() error { return nil }
