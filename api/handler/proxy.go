package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/dispatch"
	"github.com/ddevcap/vllm-composer/internal/dispatcherr"
	"github.com/ddevcap/vllm-composer/metrics"
	"github.com/ddevcap/vllm-composer/streaming"
)

// ProxyHandler implements the core inference-request contract: authenticate,
// resolve the target model, pick a backend, and forward the request either
// buffered or streamed.
type ProxyHandler struct {
	dispatcher *dispatch.Dispatcher
	streamer   *streaming.Proxy
	metrics    *metrics.Registry
}

// NewProxyHandler builds a ProxyHandler. metrics may be nil, in which case
// no self-instrumentation is recorded — useful for lightweight tests.
func NewProxyHandler(dispatcher *dispatch.Dispatcher, streamer *streaming.Proxy, metricsRegistry *metrics.Registry) *ProxyHandler {
	return &ProxyHandler{dispatcher: dispatcher, streamer: streamer, metrics: metricsRegistry}
}

// Handle serves every /v1/* route the composer exposes.
func (h *ProxyHandler) Handle(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	started := time.Now()
	status := http.StatusOK
	defer func() {
		h.observe(path, status, time.Since(started))
	}()

	if derr := dispatch.ValidatePath(path); derr != nil {
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}

	group, derr := h.dispatcher.Authenticate(c.GetHeader("Authorization"))
	if derr != nil {
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}

	if path == "models" {
		c.JSON(http.StatusOK, h.dispatcher.AggregateModels(c.Request.Context(), group))
		return
	}

	body, err := dispatch.ReadBody(c.Request)
	if err != nil {
		msg := "failed to read request body: " + err.Error()
		if dispatch.IsBodyTooLarge(err) {
			msg = "request body exceeds the maximum allowed size"
		}
		derr := dispatcherr.New(dispatcherr.BadPayload, msg)
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}

	payload, derr := dispatch.ParsePayload(body)
	if derr != nil {
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}

	ctx := c.Request.Context()

	compatible := h.dispatcher.Compatible(ctx, group, payload.Model)
	if len(compatible) == 0 {
		derr := dispatcherr.New(dispatcherr.NoCompatibleBackend, "no backend hosts model \""+payload.Model+"\" for this caller")
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}

	backend, derr := h.dispatcher.SelectBackend(ctx, compatible, time.Now)
	if derr != nil {
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}

	outbound, derr := h.dispatcher.BuildOutboundRequest(ctx, c.Request.Method, backend.URL, path, c.Request.URL.RawQuery, body, c.Request.Header)
	if derr != nil {
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}

	if payload.Stream {
		if derr := h.streamer.Forward(ctx, outbound, c.Writer); derr != nil {
			status = derr.Kind.HTTPStatus()
			respondError(c, derr)
		}
		return
	}

	resp, derr := h.dispatcher.ForwardBuffered(outbound)
	if derr != nil {
		status = derr.Kind.HTTPStatus()
		respondError(c, derr)
		return
	}
	status = resp.StatusCode
	respondBuffered(c, resp)
}

// observe records the composer's own per-route request count and latency.
// A nil registry (used by lightweight tests) makes this a no-op.
func (h *ProxyHandler) observe(route string, status int, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	h.metrics.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	h.metrics.ProxyDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// respondError maps a dispatcher error to its HTTP status and a JSON body.
func respondError(c *gin.Context, derr *dispatcherr.Error) {
	c.AbortWithStatusJSON(derr.Kind.HTTPStatus(), gin.H{"error": derr.Message})
}

// respondBuffered relays a full upstream response to the caller, copying
// headers except Content-Length (recomputed from the drained body) and
// preserving the original status code.
func respondBuffered(c *gin.Context, resp *http.Response) {
	body, err := dispatch.DrainAndClose(resp)
	if err != nil {
		respondError(c, dispatcherr.New(dispatcherr.UpstreamTransport, "failed reading upstream response: "+err.Error()))
		return
	}
	for k, vals := range resp.Header {
		if k == "Content-Length" || k == "Content-Type" {
			continue
		}
		for _, v := range vals {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
}
