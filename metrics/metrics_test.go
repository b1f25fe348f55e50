package metrics_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ddevcap/vllm-composer/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "metrics suite")
}

var _ = Describe("Registry", func() {
	It("registers collectors that accept labeled observations", func() {
		reg := prometheus.NewRegistry()
		m := metrics.NewRegistry(reg)

		m.RequestsTotal.WithLabelValues("chat/completions", "200").Inc()
		m.ProxyDuration.WithLabelValues("chat/completions").Observe(0.25)
		m.BreakerTrips.WithLabelValues("http://backend").Inc()
		m.ActiveBackends.Set(3)

		families, err := reg.Gather()
		Expect(err).NotTo(HaveOccurred())

		names := map[string]bool{}
		for _, f := range families {
			names[f.GetName()] = true
		}
		Expect(names).To(HaveKey("composer_requests_total"))
		Expect(names).To(HaveKey("composer_proxy_duration_seconds"))
		Expect(names).To(HaveKey("composer_breaker_trips_total"))
		Expect(names).To(HaveKey("composer_active_backends"))
	})

	It("reports the active backend gauge value set on it", func() {
		reg := prometheus.NewRegistry()
		m := metrics.NewRegistry(reg)
		m.ActiveBackends.Set(5)

		var got float64
		families, _ := reg.Gather()
		for _, f := range families {
			if f.GetName() != "composer_active_backends" {
				continue
			}
			got = f.GetMetric()[0].GetGauge().GetValue()
		}
		Expect(got).To(Equal(5.0))
	})
})
