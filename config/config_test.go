package config_test

import (
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"

	"github.com/mrhapile/crossroads/config"
)

var _ = Describe("Config", func() {
	var tempDir string

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
	})

	writeConfig := func(body string) string {
		path := filepath.Join(tempDir, "crossroads.yaml")
		Expect(os.WriteFile(path, []byte(body), 0644)).To(Succeed())
		return path
	}

	Describe("Load", func() {
		It("should apply defaults when no file is found", func() {
			wd, err := os.Getwd()
			Expect(err).NotTo(HaveOccurred())
			Expect(os.Chdir(tempDir)).To(Succeed())
			defer os.Chdir(wd)

			cfg, err := config.Load("")

			Expect(err).NotTo(HaveOccurred())
			assert.Equal(GinkgoT(), 8080, cfg.Gateway.Port)
			assert.Equal(GinkgoT(), 8081, cfg.API.Port)
			assert.Equal(GinkgoT(), int64(10<<20), cfg.Gateway.MaxBodyBytes)
			assert.Equal(GinkgoT(), 30*time.Second, cfg.Gateway.UpstreamTimeout)
			assert.Equal(GinkgoT(), config.BackendDir, cfg.Store.Backend)
			assert.Equal(GinkgoT(), "info", cfg.Log.Level)
			Expect(cfg.Validate()).To(Succeed())
		})

		It("should read a YAML file", func() {
			path := writeConfig(`
gateway:
  port: 80
  default_upstream: http://backend:9000
  upstream_timeout: 5s
api:
  port: 9090
runtime:
  memory_limit_pages: 32
store:
  backend: redis
  redis:
    addr: redis:6379
    db: 2
log:
  level: debug
  format: json
`)

			cfg, err := config.Load(path)

			Expect(err).NotTo(HaveOccurred())
			assert.Equal(GinkgoT(), 80, cfg.Gateway.Port)
			assert.Equal(GinkgoT(), 5*time.Second, cfg.Gateway.UpstreamTimeout)
			assert.Equal(GinkgoT(), 9090, cfg.API.Port)
			assert.Equal(GinkgoT(), uint32(32), cfg.Runtime.MemoryLimitPages)
			assert.Equal(GinkgoT(), config.BackendRedis, cfg.Store.Backend)
			assert.Equal(GinkgoT(), "redis:6379", cfg.Store.Redis.Addr)
			assert.Equal(GinkgoT(), 2, cfg.Store.Redis.DB)
			assert.Equal(GinkgoT(), "json", cfg.Log.Format)
			Expect(cfg.Validate()).To(Succeed())

			u, err := cfg.Gateway.Upstream()
			Expect(err).NotTo(HaveOccurred())
			Expect(u.Host).To(Equal("backend:9000"))
		})

		It("should let the environment override the file", func() {
			path := writeConfig("api:\n  port: 9090\n")
			GinkgoT().Setenv("CROSSROADS_API_PORT", "9191")
			GinkgoT().Setenv("CROSSROADS_STORE_BACKEND", "postgres")

			cfg, err := config.Load(path)

			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.API.Port).To(Equal(9191))
			Expect(cfg.Store.Backend).To(Equal(config.BackendPostgres))
		})

		It("should fail when an explicit file is missing", func() {
			_, err := config.Load(filepath.Join(tempDir, "missing.yaml"))

			Expect(err).To(MatchError(ContainSubstring("failed to read configuration")))
		})

		It("should fail on malformed YAML", func() {
			path := writeConfig("gateway: [port\n")

			_, err := config.Load(path)

			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Validate", func() {
		var cfg *config.Config

		BeforeEach(func() {
			cfg = &config.Config{
				Gateway: config.GatewayConfig{Port: 8080, MaxBodyBytes: 1024},
				API:     config.APIConfig{Port: 8081},
				Store:   config.StoreConfig{Backend: config.BackendDir, Path: "ext"},
			}
		})

		DescribeTable("ports",
			func(port int, ok bool) {
				cfg.Gateway.Port = port
				if ok {
					Expect(cfg.Validate()).To(Succeed())
				} else {
					Expect(cfg.Validate()).To(MatchError(ContainSubstring("gateway.port")))
				}
			},
			Entry("http", 80, true),
			Entry("https", 443, true),
			Entry("first unprivileged", 1024, true),
			Entry("highest", 65535, true),
			Entry("zero", 0, false),
			Entry("privileged", 22, false),
			Entry("last privileged", 1023, false),
			Entry("out of range", 70000, false),
		)

		It("should reject identical ports", func() {
			cfg.API.Port = cfg.Gateway.Port

			Expect(cfg.Validate()).To(MatchError(ContainSubstring("must differ")))
		})

		It("should reject an unknown backend", func() {
			cfg.Store.Backend = "sqlite"

			Expect(cfg.Validate()).To(MatchError(ContainSubstring(`unknown store.backend "sqlite"`)))
		})

		DescribeTable("backend requirements",
			func(backend, msg string) {
				cfg.Store = config.StoreConfig{Backend: backend}
				Expect(cfg.Validate()).To(MatchError(ContainSubstring(msg)))
			},
			Entry("dir", config.BackendDir, "store.path"),
			Entry("fluid", config.BackendFluid, "store.mount_path"),
			Entry("postgres", config.BackendPostgres, "store.postgres.dsn"),
			Entry("redis", config.BackendRedis, "store.redis.addr"),
		)

		It("should reject a relative default upstream", func() {
			cfg.Gateway.DefaultUpstream = "/backend"

			Expect(cfg.Validate()).To(MatchError(ContainSubstring("default_upstream")))
		})
	})
})
