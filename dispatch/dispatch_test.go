package dispatch_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/cache"
	"github.com/ddevcap/vllm-composer/dispatch"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
	"github.com/ddevcap/vllm-composer/internal/dispatcherr"
	"github.com/ddevcap/vllm-composer/probe"
)

func TestDispatch(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dispatch suite")
}

func newTestDispatcher(servers []*httptest.Server, group string) *dispatch.Dispatcher {
	var sources []fleet.Source
	var urls []string
	for _, s := range servers {
		sources = append(sources, fleet.Source{URL: s.URL, AllowedGroups: []string{group}})
		urls = append(urls, s.URL)
	}
	registry := fleet.NewRegistry(sources)
	breaker := health.NewBreaker(urls, 3, time.Minute)
	cacheLayer := cache.NewLayer(time.Second, time.Second)
	prober := probe.New(cacheLayer, breaker, "vtok", time.Second)
	directory := auth.NewDirectory([]auth.GroupEntry{{Group: group, Tokens: []string{"tok-" + group}}}, nil)
	return dispatch.New(registry, directory, breaker, cacheLayer, prober, "composer", "vtok")
}

func modelServer(model string, load string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics":
			_, _ = w.Write([]byte("vllm:num_requests_running " + load + "\n"))
		case "/v1/models":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[{"id":"` + model + `","created":1}]}`))
		}
	}))
}

var _ = Describe("Dispatcher", func() {
	It("authenticates a valid bearer token to its group", func() {
		srv := modelServer("m", "0")
		defer srv.Close()
		d := newTestDispatcher([]*httptest.Server{srv}, "teamA")

		group, derr := d.Authenticate("Bearer tok-teamA")
		Expect(derr).To(BeNil())
		Expect(group).To(Equal("teamA"))
	})

	It("rejects a missing Authorization header", func() {
		d := newTestDispatcher(nil, "teamA")
		_, derr := d.Authenticate("")
		Expect(derr).NotTo(BeNil())
		Expect(derr.Kind).To(Equal(dispatcherr.AuthMissing))
	})

	It("rejects an unknown token", func() {
		d := newTestDispatcher(nil, "teamA")
		_, derr := d.Authenticate("Bearer nope")
		Expect(derr).NotTo(BeNil())
		Expect(derr.Kind).To(Equal(dispatcherr.AuthInvalid))
	})

	It("selects the least-loaded compatible backend", func() {
		busy := modelServer("shared", "9")
		idle := modelServer("shared", "1")
		defer busy.Close()
		defer idle.Close()

		d := newTestDispatcher([]*httptest.Server{busy, idle}, "teamA")
		ctx := context.Background()
		compatible := d.Compatible(ctx, "teamA", "shared")
		Expect(compatible).To(HaveLen(2))

		winner, derr := d.SelectBackend(ctx, compatible, time.Now)
		Expect(derr).To(BeNil())
		Expect(winner.URL).To(Equal(idle.URL))
		Expect(winner.NeverUsed()).To(BeFalse())
	})

	It("breaks a load tie in favor of the never-used backend", func() {
		a := modelServer("shared", "5")
		b := modelServer("shared", "5")
		defer a.Close()
		defer b.Close()

		d := newTestDispatcher([]*httptest.Server{a, b}, "teamA")
		ctx := context.Background()

		// Pre-utilize backend a so it is no longer "never used".
		backendA := d.Registry.Get(a.URL)
		backendA.MarkUtilized(time.Now())

		compatible := d.Compatible(ctx, "teamA", "shared")
		winner, derr := d.SelectBackend(ctx, compatible, time.Now)
		Expect(derr).To(BeNil())
		Expect(winner.URL).To(Equal(b.URL))
	})

	It("returns NoCapacity when no compatible backend has fresh load data", func() {
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer down.Close()

		d := newTestDispatcher([]*httptest.Server{down}, "teamA")
		ctx := context.Background()
		backend := d.Registry.Get(down.URL)

		_, derr := d.SelectBackend(ctx, []*fleet.Backend{backend}, time.Now)
		Expect(derr).NotTo(BeNil())
		Expect(derr.Kind).To(Equal(dispatcherr.NoCapacity))
	})

	It("aggregates distinct models across backends owned by the composer", func() {
		a := modelServer("alpha", "0")
		b := modelServer("beta", "0")
		defer a.Close()
		defer b.Close()

		d := newTestDispatcher([]*httptest.Server{a, b}, "teamA")
		resp := d.AggregateModels(context.Background(), "teamA")
		Expect(resp.Object).To(Equal("list"))
		Expect(resp.Data).To(HaveLen(2))
		for _, e := range resp.Data {
			Expect(e.OwnedBy).To(Equal("composer"))
		}
	})

	It("builds an outbound request with the service token and without the caller's headers", func() {
		d := newTestDispatcher(nil, "teamA")
		inbound := http.Header{}
		inbound.Set("Authorization", "Bearer caller-token")
		inbound.Set("Content-Length", "42")
		inbound.Set("X-Request-Id", "abc")

		req, derr := d.BuildOutboundRequest(context.Background(), http.MethodPost, "http://backend", "chat/completions", "", []byte(`{}`), inbound)
		Expect(derr).To(BeNil())
		Expect(req.Header.Get("Authorization")).To(Equal("Bearer vtok"))
		Expect(req.Header.Get("X-Request-Id")).To(Equal("abc"))
		Expect(req.Header.Get("Accept-Encoding")).To(Equal("gzip"))
		Expect(req.URL.String()).To(Equal("http://backend/v1/chat/completions"))
	})

	It("only passes through the literal gzip or gzip, deflate Accept-Encoding", func() {
		d := newTestDispatcher(nil, "teamA")

		passthrough := http.Header{}
		passthrough.Set("Accept-Encoding", "gzip, deflate")
		req, derr := d.BuildOutboundRequest(context.Background(), http.MethodPost, "http://backend", "chat/completions", "", []byte(`{}`), passthrough)
		Expect(derr).To(BeNil())
		Expect(req.Header.Get("Accept-Encoding")).To(Equal("gzip, deflate"))

		loose := http.Header{}
		loose.Set("Accept-Encoding", "gzip, br")
		req, derr = d.BuildOutboundRequest(context.Background(), http.MethodPost, "http://backend", "chat/completions", "", []byte(`{}`), loose)
		Expect(derr).To(BeNil())
		Expect(req.Header.Get("Accept-Encoding")).To(Equal("gzip"), "a looser list mixing in other codecs is forced to bare gzip")

		identity := http.Header{}
		identity.Set("Accept-Encoding", "identity")
		req, derr = d.BuildOutboundRequest(context.Background(), http.MethodPost, "http://backend", "chat/completions", "", []byte(`{}`), identity)
		Expect(derr).To(BeNil())
		Expect(req.Header.Get("Accept-Encoding")).To(Equal("gzip"))
	})

	It("preserves the caller's query string on the outbound request", func() {
		d := newTestDispatcher(nil, "teamA")
		req, derr := d.BuildOutboundRequest(context.Background(), http.MethodPost, "http://backend", "chat/completions", "foo=bar&baz=qux", []byte(`{}`), http.Header{})
		Expect(derr).To(BeNil())
		Expect(req.URL.String()).To(Equal("http://backend/v1/chat/completions?foo=bar&baz=qux"))
	})

	It("rejects a body over the size cap instead of silently truncating it", func() {
		oversized := strings.Repeat("a", 10<<20+1)
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(oversized))
		_, err := dispatch.ReadBody(req)
		Expect(err).To(HaveOccurred())
		Expect(dispatch.IsBodyTooLarge(err)).To(BeTrue())
	})

	It("accepts a body right at the size cap", func() {
		atCap := strings.Repeat("a", 10<<20)
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(atCap))
		body, err := dispatch.ReadBody(req)
		Expect(err).NotTo(HaveOccurred())
		Expect(body).To(HaveLen(10 << 20))
	})
})
