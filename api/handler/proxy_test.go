package handler_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gin-gonic/gin"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ddevcap/vllm-composer/api/handler"
	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/cache"
	"github.com/ddevcap/vllm-composer/dispatch"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
	"github.com/ddevcap/vllm-composer/metrics"
	"github.com/ddevcap/vllm-composer/probe"
	"github.com/ddevcap/vllm-composer/streaming"
)

func backendServer(model, load, chatBody string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics":
			_, _ = w.Write([]byte("vllm:num_requests_running " + load + "\n"))
		case "/v1/models":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[{"id":"` + model + `","created":1}]}`))
		case "/v1/chat/completions":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(chatBody))
		}
	}))
}

func newProxyRouter(srv *httptest.Server, group string) *gin.Engine {
	sources := []fleet.Source{{URL: srv.URL, AllowedGroups: []string{group}}}
	registry := fleet.NewRegistry(sources)
	breaker := health.NewBreaker([]string{srv.URL}, 3, time.Minute)
	cacheLayer := cache.NewLayer(time.Second, time.Second)
	prober := probe.New(cacheLayer, breaker, "vtok", time.Second)
	directory := auth.NewDirectory([]auth.GroupEntry{{Group: group, Tokens: []string{"tok-" + group}}}, nil)
	d := dispatch.New(registry, directory, breaker, cacheLayer, prober, "acme", "vtok")
	streamer := streaming.New(streaming.DefaultTimeouts)
	h := handler.NewProxyHandler(d, streamer, nil)

	r := gin.New()
	r.Any("/v1/*path", h.Handle)
	return r
}

var _ = Describe("ProxyHandler", func() {
	gin.SetMode(gin.TestMode)

	It("forwards a buffered chat completion to the selected backend", func() {
		srv := backendServer("m1", "0", `{"id":"resp-1"}`)
		defer srv.Close()
		r := newProxyRouter(srv, "teamA")

		req, _ := http.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1","stream":false}`))
		req.Header.Set("Authorization", "Bearer tok-teamA")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("resp-1"))
	})

	It("returns 503 when no backend hosts the requested model", func() {
		srv := backendServer("m1", "0", `{}`)
		defer srv.Close()
		r := newProxyRouter(srv, "teamA")

		req, _ := http.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"does-not-exist","stream":false}`))
		req.Header.Set("Authorization", "Bearer tok-teamA")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("returns 403 for a token that maps to no group", func() {
		srv := backendServer("m1", "0", `{}`)
		defer srv.Close()
		r := newProxyRouter(srv, "teamA")

		req, _ := http.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1","stream":false}`))
		req.Header.Set("Authorization", "Bearer unknown")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusForbidden))
	})

	It("aggregates models across the visible fleet", func() {
		srv := backendServer("m1", "0", `{}`)
		defer srv.Close()
		r := newProxyRouter(srv, "teamA")

		req, _ := http.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("Authorization", "Bearer tok-teamA")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring(`"id":"m1"`))
	})

	It("returns 404 for an unsupported route", func() {
		srv := backendServer("m1", "0", `{}`)
		defer srv.Close()
		r := newProxyRouter(srv, "teamA")

		req, _ := http.NewRequest(http.MethodGet, "/v1/unsupported", nil)
		req.Header.Set("Authorization", "Bearer tok-teamA")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("records request count and latency against the metrics registry", func() {
		srv := backendServer("m1", "0", `{"id":"resp-1"}`)
		defer srv.Close()

		sources := []fleet.Source{{URL: srv.URL, AllowedGroups: []string{"teamA"}}}
		registry := fleet.NewRegistry(sources)
		breaker := health.NewBreaker([]string{srv.URL}, 3, time.Minute)
		cacheLayer := cache.NewLayer(time.Second, time.Second)
		prober := probe.New(cacheLayer, breaker, "vtok", time.Second)
		directory := auth.NewDirectory([]auth.GroupEntry{{Group: "teamA", Tokens: []string{"tok-teamA"}}}, nil)
		d := dispatch.New(registry, directory, breaker, cacheLayer, prober, "acme", "vtok")
		streamer := streaming.New(streaming.DefaultTimeouts)
		reg := prometheus.NewRegistry()
		metricsRegistry := metrics.NewRegistry(reg)
		h := handler.NewProxyHandler(d, streamer, metricsRegistry)

		r := gin.New()
		r.Any("/v1/*path", h.Handle)

		req, _ := http.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"m1","stream":false}`))
		req.Header.Set("Authorization", "Bearer tok-teamA")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(testutil.ToFloat64(metricsRegistry.RequestsTotal.WithLabelValues("chat/completions", "200"))).To(Equal(1.0))
	})
})
