package runtime_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"

	"github.com/mrhapile/crossroads/internal/wasmtest"
	"github.com/mrhapile/crossroads/runtime"
)

var _ = Describe("Engine", func() {
	var (
		ctx    context.Context
		engine *runtime.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = newEngine(ctx)
	})

	// =========================================================================
	// TEST: Successful compile
	// Why: Every other operation starts from a compiled, validated Module.
	// =========================================================================
	Describe("Compile", func() {
		Context("with a valid extension", func() {
			It("should compile and describe the module", func() {
				bin := wasmtest.Respond(200, "ok")

				m, err := engine.Compile(ctx, bin)
				Expect(err).NotTo(HaveOccurred())
				defer m.Close(ctx)

				sum := sha256.Sum256(bin)
				assert.Equal(GinkgoT(), hex.EncodeToString(sum[:]), m.Digest())
				assert.Equal(GinkgoT(), len(bin), m.Size())
				assert.Equal(GinkgoT(), "v1.0.0", m.ABIVersion().String())
			})

			It("should accept the built-in default extension", func() {
				m, err := engine.Compile(ctx, runtime.DefaultExtension())
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Close(ctx)).To(Succeed())
			})

			It("should accept a newer minor ABI version", func() {
				m, err := engine.Compile(ctx, wasmtest.Versioned(10203, 200))
				Expect(err).NotTo(HaveOccurred())
				defer m.Close(ctx)

				assert.Equal(GinkgoT(), runtime.ABIVersion{Major: 1, Minor: 2, Patch: 3}, m.ABIVersion())
			})

			It("should accept WASI imports", func() {
				m, err := engine.Compile(ctx, wasmtest.PrintAndRespond("hi", 200))
				Expect(err).NotTo(HaveOccurred())
				Expect(m.Close(ctx)).To(Succeed())
			})
		})

		// =====================================================================
		// TEST: Rejected binaries
		// Why: A candidate must be rejected before it can reach the slot,
		//      with a CompileError naming what is wrong.
		// =====================================================================
		DescribeTable("rejecting invalid extensions",
			func(bin []byte, reason string) {
				m, err := engine.Compile(ctx, bin)

				Expect(m).To(BeNil())
				Expect(runtime.IsCompileError(err)).To(BeTrue(), "got %v", err)
				Expect(err.Error()).To(ContainSubstring(reason))
			},
			Entry("empty input", []byte{}, "empty binary"),
			Entry("garbage", []byte("not a valid wasm file"), "invalid WebAssembly module"),
			Entry("truncated header", []byte{0x00, 0x61, 0x73, 0x6d}, "invalid WebAssembly module"),
			Entry("missing handle", wasmtest.MissingHandle(), `missing "handle" export`),
			Entry("missing memory", wasmtest.MissingMemory(), `missing "memory" export`),
			Entry("mistyped handle", wasmtest.WrongHandleSignature(), `export "handle" has signature`),
			Entry("foreign import", wasmtest.UnknownImport(), "env.clock is not provided by the host"),
			Entry("unknown capability", wasmtest.UnknownCapability(), "unknown capability crossroads.open_socket"),
			Entry("mistyped capability", wasmtest.MismatchedCapability(), "capability crossroads.set_uri imported as"),
			Entry("older major ABI", wasmtest.Versioned(1, 200), "incompatible ABI version v0.0.1"),
			Entry("newer major ABI", wasmtest.Versioned(20000, 200), "incompatible ABI version v2.0.0"),
			Entry("trapping abi_version", wasmtest.VersionTrap(), "abi_version trapped"),
		)

		It("should expose the wrapped cause", func() {
			_, err := engine.Compile(ctx, []byte("junk"))

			var ce *runtime.CompileError
			Expect(errors.As(err, &ce)).To(BeTrue())
			Expect(ce.Err).To(HaveOccurred())
		})
	})

	Describe("NewEngine", func() {
		It("should honour a memory limit", func() {
			limited, err := runtime.NewEngine(ctx, runtime.WithMemoryLimitPages(1))
			Expect(err).NotTo(HaveOccurred())
			defer limited.Close(ctx)

			m, err := limited.Compile(ctx, wasmtest.Forward())
			Expect(err).NotTo(HaveOccurred())
			Expect(m.Close(ctx)).To(Succeed())
		})
	})
})

var _ = Describe("ReadExtension", func() {
	var tmpDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "crossroads-loader-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Context("with a valid extension file", func() {
		It("should return its bytes", func() {
			path := filepath.Join(tmpDir, "ok.wasm")
			bin := wasmtest.Forward()
			Expect(os.WriteFile(path, bin, 0644)).To(Succeed())

			got, err := runtime.ReadExtension(path)

			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(bin))
		})
	})

	Context("with a missing file", func() {
		It("should return an error", func() {
			got, err := runtime.ReadExtension("/nonexistent/path/extension.wasm")

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("extension file not found"))
			Expect(got).To(BeNil())
		})
	})

	Context("with a file that is not WebAssembly", func() {
		It("should return an error", func() {
			path := filepath.Join(tmpDir, "invalid.wasm")
			Expect(os.WriteFile(path, []byte("not a valid wasm file"), 0644)).To(Succeed())

			got, err := runtime.ReadExtension(path)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("not a WebAssembly binary"))
			Expect(got).To(BeNil())
		})
	})
})
