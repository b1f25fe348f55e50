package handler_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/gin-gonic/gin"

	"github.com/ddevcap/vllm-composer/admin"
	"github.com/ddevcap/vllm-composer/api/handler"
	"github.com/ddevcap/vllm-composer/auth"
	"github.com/ddevcap/vllm-composer/fleet"
	"github.com/ddevcap/vllm-composer/health"
)

const reloadTestConfig = `vllm_hosts:
  - hostname: a.internal
    ports:
      start: 8000
      end: 8000
    allowed_groups: [teamA]
app_settings:
  model_owner: acme
`

const reloadTestSecrets = `groups:
  - teamA: [tok-a]
admin_groups: [teamA]
vllm_token: tok-vllm
`

var _ = Describe("ReloadHandler", func() {
	gin.SetMode(gin.TestMode)

	It("returns 200 and reloaded status on success", func() {
		dir, err := os.MkdirTemp("", "reload-handler")
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = os.RemoveAll(dir) }()

		configPath := filepath.Join(dir, "config.yml")
		secretsPath := filepath.Join(dir, "secrets.yml")
		Expect(os.WriteFile(configPath, []byte(reloadTestConfig), 0o600)).To(Succeed())
		Expect(os.WriteFile(secretsPath, []byte(reloadTestSecrets), 0o600)).To(Succeed())

		reloader := &admin.Reloader{
			Registry:    fleet.NewRegistry(nil),
			Directory:   auth.NewDirectory(nil, nil),
			Breaker:     health.NewBreaker(nil, 3, time.Minute),
			ConfigPath:  configPath,
			SecretsPath: secretsPath,
		}
		h := handler.NewReloadHandler(reloader)

		r := gin.New()
		r.POST("/reload", h.Handle)

		req, _ := http.NewRequest(http.MethodPost, "/reload", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Body.String()).To(ContainSubstring("reloaded"))
	})

	It("returns 500 when the config file is missing", func() {
		reloader := &admin.Reloader{
			Registry:    fleet.NewRegistry(nil),
			Directory:   auth.NewDirectory(nil, nil),
			Breaker:     health.NewBreaker(nil, 3, time.Minute),
			ConfigPath:  "/nonexistent/config.yml",
			SecretsPath: "/nonexistent/secrets.yml",
		}
		h := handler.NewReloadHandler(reloader)

		r := gin.New()
		r.POST("/reload", h.Handle)

		req, _ := http.NewRequest(http.MethodPost, "/reload", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		Expect(w.Code).To(Equal(http.StatusInternalServerError))
	})
})
