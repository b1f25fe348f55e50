// Package dispatch implements the core request-routing decision: which
// backend a given inference request should be forwarded to, and how the
// outbound request is built. It knows nothing about gin — callers (api
// package) adapt it to the HTTP framework.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/cache"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
	"github.com/ddevcap/vllm-composer/internal/dispatcherr"
	"github.com/ddevcap/vllm-composer/probe"
)

// AllowedPaths are the only /v1/{path} suffixes the dispatcher accepts.
var AllowedPaths = map[string]struct{}{
	"chat/completions": {},
	"completions":      {},
	"models":           {},
	"embeddings":       {},
}

// Dispatcher ties together the fleet registry, token directory, health
// breaker, cache layer, and prober to authenticate, select, and forward
// inference requests.
type Dispatcher struct {
	Registry  *fleet.Registry
	Directory *auth.Directory
	Breaker   *health.Breaker
	Cache     *cache.Layer
	Prober    *probe.Prober

	ModelOwner string
	VLLMToken  string

	// client is the pooled client used for buffered (non-streaming) proxy
	// forwards — a distinct pool from the prober's, since the two have very
	// different traffic shapes (body size, hold time).
	client *http.Client
}

// New creates a Dispatcher with its own pooled client for buffered proxy
// forwards (10s dial, 60s response-header timeout).
func New(registry *fleet.Registry, directory *auth.Directory, breaker *health.Breaker, cacheLayer *cache.Layer, prober *probe.Prober, modelOwner, vllmToken string) *Dispatcher {
	return &Dispatcher{
		Registry:   registry,
		Directory:  directory,
		Breaker:    breaker,
		Cache:      cacheLayer,
		Prober:     prober,
		ModelOwner: modelOwner,
		VLLMToken:  vllmToken,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				MaxIdleConnsPerHost:   20,
			},
		},
	}
}

// ExtractBearer pulls the token out of an "Authorization: Bearer <token>"
// header value. Returns ("", false) if missing or malformed.
func ExtractBearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Authenticate resolves an Authorization header value to a group name.
func (d *Dispatcher) Authenticate(authHeader string) (string, *dispatcherr.Error) {
	token, ok := ExtractBearer(authHeader)
	if !ok {
		return "", dispatcherr.New(dispatcherr.AuthMissing, "missing or malformed bearer token")
	}
	group, ok := d.Directory.GroupForToken(token)
	if !ok {
		return "", dispatcherr.New(dispatcherr.AuthInvalid, "token does not map to any group")
	}
	return group, nil
}

// ValidatePath checks path is one of the four supported /v1 routes.
func ValidatePath(path string) *dispatcherr.Error {
	if _, ok := AllowedPaths[path]; !ok {
		return dispatcherr.New(dispatcherr.RouteUnknown, fmt.Sprintf("route %q is not supported", path))
	}
	return nil
}

// Payload is the minimal JSON shape the dispatcher needs from an inbound
// inference request body.
type Payload struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// ParsePayload decodes and validates the inbound JSON body.
func ParsePayload(body []byte) (Payload, *dispatcherr.Error) {
	var p Payload
	if len(body) == 0 {
		return p, dispatcherr.New(dispatcherr.BadPayload, "missing request body")
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, dispatcherr.New(dispatcherr.BadPayload, fmt.Sprintf("invalid JSON payload: %v", err))
	}
	if p.Model == "" {
		return p, dispatcherr.New(dispatcherr.BadPayload, "missing \"model\" in payload")
	}
	return p, nil
}

// ReadBody reads and closes r's body, applying a conservative size cap so a
// misbehaving client can't exhaust memory. A body over the cap is
// rejected outright (a body exactly at the cap is accepted) rather than silently truncated and handed to the JSON
// parser, which would otherwise surface as a confusing "invalid JSON" error.
const maxBodyBytes = 10 << 20 // 10 MiB

var errBodyTooLarge = errors.New("request body exceeds maximum size")

// IsBodyTooLarge reports whether err is the size-cap rejection ReadBody
// returns, so callers can map it to a distinct message instead of letting it
// read as a generic I/O failure.
func IsBodyTooLarge(err error) bool {
	return errors.Is(err, errBodyTooLarge)
}

func ReadBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer func() { _ = r.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}
