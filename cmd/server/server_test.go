package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/mrhapile/crossroads/config"
	"github.com/mrhapile/crossroads/internal/wasmtest"
	"github.com/mrhapile/crossroads/store"
)

// execute runs the root command with args and returns stdout and stderr.
func execute(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{Port: 8080, MaxBodyBytes: 1 << 20},
		API:     config.APIConfig{Port: 8081},
		Store:   config.StoreConfig{Backend: config.BackendDir, Path: dir},
		Log:     config.LogConfig{Level: "info", Format: "json"},
	}
}

var _ = Describe("crossroads command", func() {
	var tempDir string

	BeforeEach(func() {
		tempDir = GinkgoT().TempDir()
	})

	Describe("version", func() {
		It("should print the extension ABI", func() {
			out, _, err := execute("version")

			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring("crossroads dev"))
			Expect(out).To(ContainSubstring("extension ABI v1.0.0"))
		})
	})

	// =========================================================================
	// TEST: Offline extension checks
	// Why: Operators validate extensions in CI before uploading them.
	// =========================================================================
	Describe("check", func() {
		write := func(name string, binary []byte) string {
			path := filepath.Join(tempDir, name)
			Expect(os.WriteFile(path, binary, 0644)).To(Succeed())
			return path
		}

		It("should report valid extensions", func() {
			path := write("ok.wasm", wasmtest.Respond(200, "ok"))

			out, _, err := execute("check", path)

			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(ContainSubstring(path + ": ok abi=v1.0.0"))
			Expect(out).To(ContainSubstring(store.Digest(wasmtest.Respond(200, "ok"))))
		})

		It("should fail when any extension is rejected", func() {
			good := write("ok.wasm", wasmtest.Forward())
			bad := write("bad.wasm", wasmtest.UnknownImport())

			out, errOut, err := execute("check", good, bad)

			Expect(err).To(MatchError(ContainSubstring("1 of 2 extensions failed")))
			Expect(out).To(ContainSubstring(good + ": ok"))
			Expect(errOut).To(ContainSubstring(bad + ": "))
			Expect(errOut).To(ContainSubstring("env.clock"))
		})

		It("should report a missing file", func() {
			_, errOut, err := execute("check", filepath.Join(tempDir, "missing.wasm"))

			Expect(err).To(HaveOccurred())
			Expect(errOut).To(ContainSubstring("extension file not found"))
		})

		It("should require an argument", func() {
			_, _, err := execute("check")

			Expect(err).To(HaveOccurred())
		})
	})

	Describe("serve", func() {
		It("should refuse an invalid configuration", func() {
			path := filepath.Join(tempDir, "crossroads.yaml")
			Expect(os.WriteFile(path, []byte("api:\n  port: 22\n"), 0644)).To(Succeed())

			_, _, err := execute("serve", "--configuration", path)

			Expect(err).To(MatchError(ContainSubstring("api.port 22")))
		})

		It("should refuse a missing configuration file", func() {
			_, _, err := execute("serve", "-c", filepath.Join(tempDir, "missing.yaml"))

			Expect(err).To(MatchError(ContainSubstring("failed to read configuration")))
		})
	})
})

// =========================================================================
// TEST: Wiring
// Why: End-to-end check that an extension uploaded through the admin API is
//      what the gateway runs.
// =========================================================================
var _ = Describe("app", func() {
	var (
		ctx     context.Context
		tempDir string
	)

	BeforeEach(func() {
		ctx = context.Background()
		tempDir = GinkgoT().TempDir()
	})

	It("should serve the default extension, then an activated one", func() {
		a, err := newApp(ctx, testConfig(tempDir), zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		defer a.close()

		gw := httptest.NewServer(a.gateway)
		defer gw.Close()
		admin := httptest.NewServer(a.api)
		defer admin.Close()

		resp, err := http.Get(gw.URL + "/")
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

		resp, err = http.Post(admin.URL+"/proxies/hello", "application/wasm",
			bytes.NewReader(wasmtest.Respond(200, "hello from crossroads")))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		req, err := http.NewRequest(http.MethodPut, admin.URL+"/proxies/current/hello", nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err = http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		resp, err = http.Get(gw.URL + "/")
		Expect(err).NotTo(HaveOccurred())
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(err).NotTo(HaveOccurred())
		assert.Equal(GinkgoT(), http.StatusOK, resp.StatusCode)
		assert.Equal(GinkgoT(), "hello from crossroads", string(body))

		resp, err = http.Get(admin.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
		Expect(string(body)).To(ContainSubstring(`crossroads_invocations_total{outcome="respond"} 2`))
	})

	It("should restore the current extension at startup", func() {
		st, err := store.NewDirStore(tempDir)
		Expect(err).NotTo(HaveOccurred())
		_, err = st.Create(ctx, "hello", wasmtest.Respond(202, "restored"))
		Expect(err).NotTo(HaveOccurred())
		Expect(st.SetCurrent(ctx, "hello")).To(Succeed())

		a, err := newApp(ctx, testConfig(tempDir), zerolog.Nop())
		Expect(err).NotTo(HaveOccurred())
		defer a.close()

		rec := httptest.NewRecorder()
		a.gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Code).To(Equal(http.StatusAccepted))
		Expect(rec.Body.String()).To(Equal("restored"))
	})

	It("should fall back to the default when the current extension is rejected", func() {
		st, err := store.NewDirStore(tempDir)
		Expect(err).NotTo(HaveOccurred())
		_, err = st.Create(ctx, "corrupt", []byte("not wasm"))
		Expect(err).NotTo(HaveOccurred())
		Expect(st.SetCurrent(ctx, "corrupt")).To(Succeed())

		var logs bytes.Buffer
		a, err := newApp(ctx, testConfig(tempDir), zerolog.New(&logs))
		Expect(err).NotTo(HaveOccurred())
		defer a.close()

		rec := httptest.NewRecorder()
		a.gateway.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		Expect(rec.Code).To(Equal(http.StatusNotFound))
		Expect(logs.String()).To(ContainSubstring("serving the default"))
	})

	Describe("openStore", func() {
		It("should open a directory store", func() {
			st, err := openStore(ctx, config.StoreConfig{Backend: config.BackendDir, Path: filepath.Join(tempDir, "ext")})

			Expect(err).NotTo(HaveOccurred())
			Expect(st).To(BeAssignableToTypeOf(&store.DirStore{}))
		})

		It("should require the Fluid mount to exist", func() {
			_, err := openStore(ctx, config.StoreConfig{Backend: config.BackendFluid, MountPath: filepath.Join(tempDir, "nope")})

			Expect(err).To(MatchError(ContainSubstring("failed to access Fluid mount")))
		})

		It("should reject an unknown backend", func() {
			_, err := openStore(ctx, config.StoreConfig{Backend: "sqlite"})

			Expect(err).To(MatchError(ContainSubstring(`unknown store backend "sqlite"`)))
		})
	})
})
