package config

import (
	"fmt"
	"strings"
)

// ExpandedBackend is one (hostname, port) pair resolved to a full base URL,
// ready to hand to fleet.Registry.
type ExpandedBackend struct {
	URL           string
	AllowedGroups []string
}

// ExpandHosts turns each vllm_hosts entry into one ExpandedBackend per port
// in its inclusive range, prepending "http://" to any hostname that doesn't
// already carry a scheme.
func ExpandHosts(hosts []VLLMHost) []ExpandedBackend {
	var out []ExpandedBackend
	for _, h := range hosts {
		base := h.Hostname
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			base = "http://" + base
		}
		for port := h.Ports.Start; port <= h.Ports.End; port++ {
			out = append(out, ExpandedBackend{
				URL:           fmt.Sprintf("%s:%d", base, port),
				AllowedGroups: h.AllowedGroups,
			})
		}
	}
	return out
}
