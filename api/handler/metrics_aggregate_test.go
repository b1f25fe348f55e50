package handler_test

import (
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/api/handler"
	"github.com/ddevcap/vllm-composer/fleet"
)

var _ = Describe("MetricsAggregateHandler", func() {
	gin.SetMode(gin.TestMode)

	It("returns raw metrics text per backend and an error string for a dead one", func() {
		up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("vllm:num_requests_running{} 2\n"))
		}))
		defer up.Close()

		registry := fleet.NewRegistry([]fleet.Source{
			{URL: up.URL, AllowedGroups: []string{"teamA"}},
			{URL: "http://127.0.0.1:1", AllowedGroups: []string{"teamA"}},
		})
		h := handler.NewMetricsAggregateHandler(registry)

		r := gin.New()
		r.GET("/metrics", h.Handle)

		req, _ := http.NewRequest(http.MethodGet, "/metrics", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("vllm:num_requests_running"))
		Expect(w.Body.String()).To(ContainSubstring("Error:"))
	})
})
