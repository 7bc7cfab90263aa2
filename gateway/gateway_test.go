package gateway_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"

	"github.com/mrhapile/crossroads/gateway"
	"github.com/mrhapile/crossroads/internal/wasmtest"
	"github.com/mrhapile/crossroads/runtime"
)

// upstreamRecord is what the fake upstream saw.
type upstreamRecord struct {
	method string
	path   string
	query  string
	host   string
	header http.Header
	body   string
}

func newRuntime(ctx context.Context, binary []byte) *runtime.Runtime {
	engine, err := runtime.NewEngine(ctx)
	Expect(err).NotTo(HaveOccurred())
	rt, err := runtime.NewRuntime(ctx, engine, runtime.WithInitialExtension(binary))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() {
		rt.Close()
		Expect(engine.Close(context.Background())).To(Succeed())
	})
	return rt
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	Expect(err).NotTo(HaveOccurred())
	return u
}

func get(url string, header ...string) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	Expect(err).NotTo(HaveOccurred())
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Add(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp, string(body)
}

var _ = Describe("Gateway", func() {
	var (
		ctx      context.Context
		upstream *httptest.Server
		seen     chan upstreamRecord
	)

	BeforeEach(func() {
		ctx = context.Background()
		seen = make(chan upstreamRecord, 1)
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			seen <- upstreamRecord{
				method: r.Method,
				path:   r.URL.Path,
				query:  r.URL.RawQuery,
				host:   r.Host,
				header: r.Header.Clone(),
				body:   string(body),
			}
			w.Header().Set("X-Upstream", "yes")
			w.WriteHeader(http.StatusAccepted)
			io.WriteString(w, "from upstream")
		}))
	})

	AfterEach(func() {
		upstream.Close()
	})

	serve := func(invoker gateway.Invoker, opts ...gateway.Option) *httptest.Server {
		srv := httptest.NewServer(gateway.New(invoker, opts...))
		DeferCleanup(srv.Close)
		return srv
	}

	// =========================================================================
	// TEST: Respond resolutions
	// Why: The extension's status and body must reach the client unchanged.
	// =========================================================================
	Describe("Respond", func() {
		It("should answer with the default extension's 404", func() {
			engine, err := runtime.NewEngine(ctx)
			Expect(err).NotTo(HaveOccurred())
			defer engine.Close(ctx)
			rt, err := runtime.NewRuntime(ctx, engine)
			Expect(err).NotTo(HaveOccurred())
			defer rt.Close()
			srv := serve(rt)

			resp, body := get(srv.URL + "/anything")

			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
			Expect(body).To(BeEmpty())
			Expect(seen).NotTo(Receive())
		})

		It("should relay the extension's status and body", func() {
			srv := serve(newRuntime(ctx, wasmtest.Respond(418, "short and stout")))

			resp, body := get(srv.URL + "/tea")

			assert.Equal(GinkgoT(), http.StatusTeapot, resp.StatusCode)
			assert.Equal(GinkgoT(), "short and stout", body)
		})

		DescribeTable("should reject informational status codes with 500",
			func(status uint16) {
				srv := serve(gateway.InvokerFunc(func(context.Context, *runtime.Request) (runtime.Resolution, error) {
					return runtime.Resolution{Kind: runtime.Respond, StatusCode: status, Body: []byte("hi"), HasBody: true}, nil
				}))

				resp, body := get(srv.URL + "/")

				Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
				Expect(body).NotTo(Equal("hi"))
				Expect(body).To(ContainSubstring("invalid status code"))
			},
			Entry("continue", uint16(100)),
			Entry("early hints", uint16(103)),
			Entry("zero", uint16(0)),
		)

		It("should reject a status code outside 100..999 with 500", func() {
			srv := serve(gateway.InvokerFunc(func(context.Context, *runtime.Request) (runtime.Resolution, error) {
				return runtime.Resolution{Kind: runtime.Respond, StatusCode: 1000}, nil
			}))

			resp, body := get(srv.URL + "/")

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(body).To(ContainSubstring("invalid status code 1000"))
		})
	})

	// =========================================================================
	// TEST: Forward resolutions
	// Why: Forwarded requests carry the extension's rewrites to the upstream,
	//      and the upstream answer must be relayed back verbatim.
	// =========================================================================
	Describe("Forward", func() {
		It("should forward the request unchanged", func() {
			srv := serve(newRuntime(ctx, wasmtest.Forward()),
				gateway.WithDefaultUpstream(mustParse(upstream.URL)))

			resp, body := get(srv.URL+"/orders?id=7", "X-Trace", "abc")

			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			Expect(resp.Header.Get("X-Upstream")).To(Equal("yes"))
			Expect(body).To(Equal("from upstream"))

			var rec upstreamRecord
			Eventually(seen).Should(Receive(&rec))
			Expect(rec.method).To(Equal(http.MethodGet))
			Expect(rec.path).To(Equal("/orders"))
			Expect(rec.query).To(Equal("id=7"))
			Expect(rec.header.Get("X-Trace")).To(Equal("abc"))
		})

		It("should apply the extension's rewrites", func() {
			srv := serve(newRuntime(ctx, wasmtest.Mutate(
				wasmtest.SetURI("/v2/orders"),
				wasmtest.SetHeader("x-extension", "crossroads"),
			)), gateway.WithDefaultUpstream(mustParse(upstream.URL)))

			resp, _ := get(srv.URL + "/v1/orders")

			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var rec upstreamRecord
			Eventually(seen).Should(Receive(&rec))
			Expect(rec.path).To(Equal("/v2/orders"))
			Expect(rec.header.Get("X-Extension")).To(Equal("crossroads"))
		})

		It("should join the path onto the upstream base path", func() {
			srv := serve(newRuntime(ctx, wasmtest.Forward()),
				gateway.WithDefaultUpstream(mustParse(upstream.URL+"/base/")))

			get(srv.URL + "/orders")

			var rec upstreamRecord
			Eventually(seen).Should(Receive(&rec))
			Expect(rec.path).To(Equal("/base/orders"))
		})

		It("should forward to an absolute target without a default upstream", func() {
			target := upstream.URL + "/direct"
			srv := serve(newRuntime(ctx, wasmtest.Mutate(wasmtest.SetURI(target))))

			resp, _ := get(srv.URL + "/ignored")

			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			var rec upstreamRecord
			Eventually(seen).Should(Receive(&rec))
			Expect(rec.path).To(Equal("/direct"))
		})

		It("should carry the request body", func() {
			srv := serve(newRuntime(ctx, wasmtest.Forward()),
				gateway.WithDefaultUpstream(mustParse(upstream.URL)))

			resp, err := http.Post(srv.URL+"/submit", "text/plain", strings.NewReader("payload"))
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			var rec upstreamRecord
			Eventually(seen).Should(Receive(&rec))
			Expect(rec.method).To(Equal(http.MethodPost))
			Expect(rec.body).To(Equal("payload"))
		})

		Context("without a default upstream", func() {
			It("should return 502 for an origin-form target", func() {
				srv := serve(newRuntime(ctx, wasmtest.Forward()))

				resp, body := get(srv.URL + "/orders")

				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(body).To(ContainSubstring("Failed to connect to destination"))
			})
		})

		Context("when the upstream is unreachable", func() {
			It("should return 502", func() {
				dead := httptest.NewServer(http.NotFoundHandler())
				deadURL := dead.URL
				dead.Close()

				srv := serve(newRuntime(ctx, wasmtest.Forward()),
					gateway.WithDefaultUpstream(mustParse(deadURL)))

				resp, body := get(srv.URL + "/orders")

				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(body).To(ContainSubstring("Failed to connect to destination"))
			})
		})

		It("should use a custom dispatcher", func() {
			targets := make(chan *url.URL, 1)
			dispatcher := dispatchFunc(func(_ context.Context, req *runtime.Request, t *url.URL) (*http.Response, error) {
				targets <- t
				return nil, errors.New("dispatcher offline")
			})
			srv := serve(newRuntime(ctx, wasmtest.Forward()),
				gateway.WithDefaultUpstream(mustParse("http://upstream.internal:8080")),
				gateway.WithDispatcher(dispatcher))

			resp, body := get(srv.URL + "/x?y=1")

			Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
			Expect(body).To(ContainSubstring("dispatcher offline"))
			var target *url.URL
			Eventually(targets).Should(Receive(&target))
			Expect(target.String()).To(Equal("http://upstream.internal:8080/x?y=1"))
		})
	})

	// =========================================================================
	// TEST: Faults
	// Why: A failed invocation must never reach the upstream.
	// =========================================================================
	Describe("Faults", func() {
		It("should answer a trapping extension with 500", func() {
			srv := serve(newRuntime(ctx, wasmtest.Trap()),
				gateway.WithDefaultUpstream(mustParse(upstream.URL)))

			resp, body := get(srv.URL + "/orders")

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(body).To(HavePrefix("Internal Server Error: "))
			Consistently(seen, "50ms").ShouldNot(Receive())
		})

		It("should answer invoker errors with 500", func() {
			srv := serve(gateway.InvokerFunc(func(context.Context, *runtime.Request) (runtime.Resolution, error) {
				return runtime.Resolution{}, runtime.ErrNoActiveModule
			}))

			resp, body := get(srv.URL + "/")

			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(body).To(ContainSubstring(runtime.ErrNoActiveModule.Error()))
		})
	})

	// =========================================================================
	// TEST: Request conversion
	// Why: The extension must see the inbound request as the client sent it.
	// =========================================================================
	Describe("request conversion", func() {
		var captured chan *runtime.Request

		capture := gateway.InvokerFunc(func(_ context.Context, req *runtime.Request) (runtime.Resolution, error) {
			captured <- req.Clone()
			return runtime.Resolution{Kind: runtime.Respond, StatusCode: http.StatusNoContent}, nil
		})

		BeforeEach(func() {
			captured = make(chan *runtime.Request, 1)
		})

		It("should carry method, target, headers and host", func() {
			srv := serve(capture)

			req, err := http.NewRequest(http.MethodDelete, srv.URL+"/items/9?force=1", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Add("X-Multi", "a")
			req.Header.Add("X-Multi", "b")
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			var got *runtime.Request
			Eventually(captured).Should(Receive(&got))
			assert.Equal(GinkgoT(), http.MethodDelete, got.Method)
			assert.Equal(GinkgoT(), "/items/9?force=1", got.URI())
			assert.Equal(GinkgoT(), []string{"a", "b"}, got.Values("x-multi"))
			host, ok := got.Header("host")
			assert.True(GinkgoT(), ok)
			assert.Equal(GinkgoT(), strings.TrimPrefix(srv.URL, "http://"), host)
		})

		It("should reject bodies over the limit with 413", func() {
			srv := serve(capture, gateway.WithMaxBodyBytes(4))

			resp, err := http.Post(srv.URL+"/", "text/plain", strings.NewReader("too large"))
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusRequestEntityTooLarge))
			Expect(captured).NotTo(Receive())
		})
	})
})

type dispatchFunc func(ctx context.Context, req *runtime.Request, target *url.URL) (*http.Response, error)

func (f dispatchFunc) Dispatch(ctx context.Context, req *runtime.Request, target *url.URL) (*http.Response, error) {
	return f(ctx, req, target)
}
