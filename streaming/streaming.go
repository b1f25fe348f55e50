// Package streaming forwards chunked/SSE inference responses to the caller
// as they arrive, instead of buffering the whole body. It owns its own
// pooled client with timeouts tuned for long-held, low-throughput
// connections — distinct from the dispatcher's buffered client.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ddevcap/vllm-composer/internal/dispatcherr"
)

// errorTrailer is written to an in-flight stream when the upstream
// connection drops mid-response. The HTTP status is already 200 by the time
// this can happen, so the only way to signal failure to an SSE client is a
// final event on the wire.
const errorTrailer = "event: error\ndata: {\"error\": \"Streaming interrupted\"}\n\n"

// Timeouts bundles the four independent deadlines a streamed proxy call
// respects. Connect bounds dialing the upstream and waiting for its response
// headers; Read bounds each read of the upstream body; Write bounds writing
// a chunk to the client; Pool is how long an idle pooled connection is kept
// before the transport closes it.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration
	Write   time.Duration
	Pool    time.Duration
}

// DefaultTimeouts matches the values a long-lived token-streaming backend
// needs: short enough to fail fast on a dead host, long enough to tolerate
// normal inter-token gaps.
var DefaultTimeouts = Timeouts{
	Connect: 10 * time.Second,
	Read:    10 * time.Second,
	Write:   5 * time.Second,
	Pool:    5 * time.Second,
}

// Proxy forwards a single streamed request/response pair.
type Proxy struct {
	client   *http.Client
	timeouts Timeouts
}

// New builds a Proxy with the given timeouts.
func New(timeouts Timeouts) *Proxy {
	return &Proxy{
		timeouts: timeouts,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   timeouts.Connect,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ResponseHeaderTimeout: timeouts.Connect,
				IdleConnTimeout:       timeouts.Pool,
				MaxIdleConnsPerHost:   10,
			},
		},
	}
}

// flushWriter is satisfied by an http.ResponseWriter that also implements
// http.Flusher — the normal case for gin's writer over a real connection.
type flushWriter interface {
	io.Writer
	http.Flusher
}

// Forward sends req and, once the upstream responds, copies status and
// headers to w and streams the body through chunk by chunk, flushing after
// every read. Content-Length is never copied — the body length is unknown
// ahead of time. On a mid-stream upstream read failure (or cancellation of
// ctx) after headers have already gone out with a 2xx status, an SSE error
// trailer is appended instead of the connection simply dying silently; a
// failed write to the client ends the stream without a trailer.
//
// Returns an UpstreamTransport error only for failures that occur before
// any byte of the response has reached the caller; once streaming has begun,
// failures are absorbed into the trailer and Forward returns nil, since the
// HTTP status line is already committed.
//
// req must already carry the context that should govern its entire
// lifetime (Dispatcher builds it with the caller's request context). The
// connect/header phase is bounded by the transport's own
// ResponseHeaderTimeout, not by a derived context here — a context
// cancelled once Do returns would tear down resp.Body along with it, since
// net/http ties a response body's lifetime to its request's context.
func (p *Proxy) Forward(ctx context.Context, req *http.Request, w http.ResponseWriter) *dispatcherr.Error {
	resp, err := p.client.Do(req)
	if err != nil {
		return dispatcherr.New(dispatcherr.UpstreamTransport, fmt.Sprintf("upstream connect failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return p.forwardBufferedError(resp, w)
	}

	for k, vals := range resp.Header {
		if k == "Content-Length" {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	fw, canFlush := w.(flushWriter)

	reader := bufio.NewReader(resp.Body)
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			p.writeErrorTrailer(w)
			return nil
		}

		n, readErr := readWithTimeout(reader, buf, p.timeouts.Read)
		if n > 0 {
			if writeErr := writeWithTimeout(w, buf[:n], p.timeouts.Write); writeErr != nil {
				slog.Warn("streaming: write to client failed", "error", writeErr)
				return nil
			}
			if canFlush {
				fw.Flush()
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				slog.Warn("streaming: upstream read failed mid-stream", "error", readErr)
				p.writeErrorTrailer(w)
			}
			return nil
		}
	}
}

// readWithTimeout runs a single Read on a goroutine and gives up after
// timeout, since resp.Body offers no deadline hook of its own. A timed-out
// read leaks its goroutine until the underlying Read eventually unblocks
// (io.Reader offers no cancellation) — acceptable here because the upstream
// transport already bounds connect and header time, making a truly wedged
// body read rare.
func readWithTimeout(r io.Reader, buf []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return r.Read(buf)
	}
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := r.Read(buf)
		done <- result{n, err}
	}()
	select {
	case res := <-done:
		return res.n, res.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("streaming: upstream read timed out after %s", timeout)
	}
}

// writeWithTimeout bounds a single write to the client via
// http.ResponseController where the writer supports it, falling back to an
// unbounded write otherwise.
func writeWithTimeout(w http.ResponseWriter, p []byte, timeout time.Duration) error {
	if timeout > 0 {
		// Deadline errors are ignored: some writers (e.g. httptest's
		// ResponseRecorder) don't support it, and the plain write below still
		// proceeds either way.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := w.Write(p)
	return err
}

// forwardBufferedError relays a non-streaming error response (≥400) from
// upstream as-is: these are small JSON bodies, not token streams, so there
// is no benefit to chunked relay and buffering keeps Content-Length honest.
func (p *Proxy) forwardBufferedError(resp *http.Response, w http.ResponseWriter) *dispatcherr.Error {
	var body bytes.Buffer
	if _, err := io.Copy(&body, resp.Body); err != nil {
		return dispatcherr.New(dispatcherr.UpstreamTransport, fmt.Sprintf("failed reading upstream error body: %v", err))
	}
	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body.Bytes())
	return nil
}

func (p *Proxy) writeErrorTrailer(w http.ResponseWriter) {
	_, _ = io.WriteString(w, errorTrailer)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
