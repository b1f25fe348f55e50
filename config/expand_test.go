package config_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ddevcap/vllm-composer/config"
)

var _ = Describe("ExpandHosts", func() {
	It("expands a port range into one backend per port", func() {
		hosts := []config.VLLMHost{
			{
				Hostname:      "gpu1.internal",
				Ports:         config.HostPorts{Start: 8000, End: 8002},
				AllowedGroups: []string{"teamA"},
			},
		}
		expanded := config.ExpandHosts(hosts)

		Expect(expanded).To(HaveLen(3))
		Expect(expanded[0].URL).To(Equal("http://gpu1.internal:8000"))
		Expect(expanded[1].URL).To(Equal("http://gpu1.internal:8001"))
		Expect(expanded[2].URL).To(Equal("http://gpu1.internal:8002"))
		Expect(expanded[0].AllowedGroups).To(Equal([]string{"teamA"}))
	})

	It("leaves an already-schemed hostname alone", func() {
		hosts := []config.VLLMHost{
			{
				Hostname:      "https://gpu2.internal",
				Ports:         config.HostPorts{Start: 8000, End: 8000},
				AllowedGroups: []string{"teamA"},
			},
		}
		expanded := config.ExpandHosts(hosts)

		Expect(expanded).To(HaveLen(1))
		Expect(expanded[0].URL).To(Equal("https://gpu2.internal:8000"))
	})
})
