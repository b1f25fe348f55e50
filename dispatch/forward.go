package dispatch

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ddevcap/vllm-composer/internal/dispatcherr"
)

// droppedRequestHeaders are stripped from the inbound request before it is
// forwarded — either because they describe a body the dispatcher may have
// altered (content-length), or because they carry the caller's own
// credentials, which the backend never sees (authorization, api-key).
// Accept-Encoding is dropped here and set afresh by acceptEncodingFor.
var droppedRequestHeaders = map[string]struct{}{
	"Content-Length":  {},
	"Authorization":   {},
	"Api-Key":         {},
	"Accept-Encoding": {},
}

// BuildOutboundRequest copies the inbound request into one addressed at the
// chosen backend: headers are copied except the dropped set, the vLLM
// service token replaces whatever credential the caller presented,
// Accept-Encoding is normalized to something the backend is guaranteed to
// support, and the inbound query string is preserved unchanged.
func (d *Dispatcher) BuildOutboundRequest(ctx context.Context, method, backendURL, path, rawQuery string, body []byte, inboundHeader http.Header) (*http.Request, *dispatcherr.Error) {
	url := backendURL + "/v1/" + path
	if rawQuery != "" {
		url += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.UpstreamTransport, "failed to construct outbound request: "+err.Error())
	}

	for name, values := range inboundHeader {
		if _, dropped := droppedRequestHeaders[http.CanonicalHeaderKey(name)]; dropped {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+d.VLLMToken)
	req.Header.Set("Accept-Encoding", acceptEncodingFor(inboundHeader.Get("Accept-Encoding")))

	return req, nil
}

// acceptEncodingFor normalizes the caller's Accept-Encoding: only the literal
// "gzip" or "gzip, deflate" pass through unchanged; anything else (absent,
// "identity", "br", a looser list with other codecs mixed in, etc.) is
// replaced with a forced "gzip", since vLLM's backend always supports it and
// the composer doesn't transcode bodies.
func acceptEncodingFor(inbound string) string {
	switch strings.ToLower(strings.TrimSpace(inbound)) {
	case "gzip", "gzip, deflate":
		return inbound
	}
	if inbound != "" {
		slog.Warn("dispatch: client Accept-Encoding isn't gzip or gzip, deflate; forcing gzip", "accept_encoding", inbound)
	}
	return "gzip"
}

// ForwardBuffered sends req and returns the full response. Transport-level
// failures (connection refused, timeout, etc.) are reported as
// UpstreamTransport rather than bubbled up as a bare error.
func (d *Dispatcher) ForwardBuffered(req *http.Request) (*http.Response, *dispatcherr.Error) {
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, dispatcherr.New(dispatcherr.UpstreamTransport, "upstream request failed: "+err.Error())
	}
	return resp, nil
}

// DrainAndClose reads resp.Body to completion and closes it, returning the
// bytes read. Used by buffered handlers that need the full body to relay to
// the caller.
func DrainAndClose(resp *http.Response) ([]byte, error) {
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}
