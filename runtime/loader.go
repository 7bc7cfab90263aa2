package runtime

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// wasmMagic is the preamble of every WebAssembly binary.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Engine compiles extension binaries and owns the host capability module
// they link against. An Engine is created once per process, is immutable
// afterwards, and is safe for concurrent use.
type Engine struct {
	runtime wazero.Runtime
	logger  zerolog.Logger
}

type engineConfig struct {
	memoryLimitPages uint32
	logger           zerolog.Logger
}

// EngineOption configures NewEngine.
type EngineOption func(*engineConfig)

// WithMemoryLimitPages caps the linear memory of every extension instance
// (64 KiB pages). Zero keeps the wazero default.
func WithMemoryLimitPages(pages uint32) EngineOption {
	return func(c *engineConfig) { c.memoryLimitPages = pages }
}

// WithEngineLogger sets the logger used for compile diagnostics.
func WithEngineLogger(logger zerolog.Logger) EngineOption {
	return func(c *engineConfig) { c.logger = logger }
}

// NewEngine creates the sandbox runtime.
//
// The function performs the complete setup sequence:
// 1. Creates a wazero runtime, optionally with a memory ceiling
// 2. Instantiates WASI preview1 so toolchain-produced guests link; nothing
// is mounted and no environment, arguments or real clocks are exposed
// 3. Binds the crossroads capability module once, to be reused by every
// instantiation
//
// If any step fails, the runtime is closed before returning the error.
// The returned Engine must be closed with Close when no longer needed.
func NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	cfg := engineConfig{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}

	rc := wazero.NewRuntimeConfig()
	if cfg.memoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.memoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	if err := bindCapabilities(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("failed to bind host capabilities: %w", err)
	}

	return &Engine{runtime: rt, logger: cfg.logger}, nil
}

// Close releases the sandbox runtime and every module compiled by it.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// Compile turns raw bytes into a validated Module.
//
// Compilation is rejected with a *CompileError when:
// - the bytes are not a valid WebAssembly binary
// - memory, abi_version or handle are not exported with the expected types
// - an import is neither a crossroads capability with a matching signature
// nor a WASI preview1 function
// - the abi_version the extension reports is not compatible with this host
//
// Compile never touches the active slot.
func (e *Engine) Compile(ctx context.Context, binary []byte) (*Module, error) {
	if len(binary) == 0 {
		return nil, &CompileError{Reason: "empty binary"}
	}

	compiled, err := e.runtime.CompileModule(ctx, binary)
	if err != nil {
		return nil, &CompileError{Reason: "invalid WebAssembly module", Err: err}
	}

	if err := checkExports(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}
	if err := checkImports(compiled); err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	version, err := e.probeVersion(ctx, compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	sum := sha256.Sum256(binary)
	m := &Module{
		compiled: compiled,
		version:  version,
		digest:   hex.EncodeToString(sum[:]),
		size:     len(binary),
	}
	e.logger.Debug().
		Str("digest", m.digest).
		Str("abi_version", version.String()).
		Int("size", m.size).
		Msg("compiled extension")
	return m, nil
}

func checkExports(compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return &CompileError{Reason: fmt.Sprintf("missing %q export", ExportMemory)}
	}
	funcs := compiled.ExportedFunctions()
	for _, name := range []string{ExportABIVersion, ExportHandle} {
		def, ok := funcs[name]
		if !ok {
			return &CompileError{Reason: fmt.Sprintf("missing %q export", name)}
		}
		want := entrySignatures[name]
		if !want.matches(def) {
			return &CompileError{Reason: fmt.Sprintf("export %q has signature %s, want %s",
				name, signature{def.ParamTypes(), def.ResultTypes()}, want)}
		}
	}
	return nil
}

func checkImports(compiled wazero.CompiledModule) error {
	for _, def := range compiled.ImportedFunctions() {
		moduleName, name, _ := def.Import()
		switch moduleName {
		case wasi_snapshot_preview1.ModuleName:
			// resolved (or rejected) by the WASI host module at instantiation
		case HostModuleName:
			want, ok := capabilitySignatures[name]
			if !ok {
				return &CompileError{Reason: fmt.Sprintf("unknown capability %s.%s", moduleName, name)}
			}
			if !want.matches(def) {
				return &CompileError{Reason: fmt.Sprintf("capability %s.%s imported as %s, want %s",
					moduleName, name, signature{def.ParamTypes(), def.ResultTypes()}, want)}
			}
		default:
			return &CompileError{Reason: fmt.Sprintf("import %s.%s is not provided by the host", moduleName, name)}
		}
	}
	return nil
}

// probeVersion instantiates the module once, outside any invocation, to read
// its abi_version and prove that it links.
func (e *Engine) probeVersion(ctx context.Context, compiled wazero.CompiledModule) (ABIVersion, error) {
	mod, err := e.runtime.InstantiateModule(ctx, compiled, moduleConfig(io.Discard, io.Discard))
	if err != nil {
		return ABIVersion{}, &CompileError{Reason: "extension failed to link", Err: err}
	}
	defer func() { _ = mod.Close(ctx) }()

	results, err := mod.ExportedFunction(ExportABIVersion).Call(ctx)
	if err != nil {
		return ABIVersion{}, &CompileError{Reason: "abi_version trapped", Err: err}
	}
	if len(results) == 0 {
		return ABIVersion{}, &CompileError{Reason: "abi_version did not return a value"}
	}

	version := DecodeABIVersion(api.DecodeI32(results[0]))
	if !version.Compatible() {
		return ABIVersion{}, &CompileError{Reason: fmt.Sprintf(
			"incompatible ABI version %s (host %s, major %d required)",
			version, HostABIVersion(), ABIVersionMajor)}
	}
	return version, nil
}

// instantiate creates a fresh, anonymous instance of m for one invocation.
// Anonymous instances can coexist, so invocations never contend here.
func (e *Engine) instantiate(ctx context.Context, m *Module, ec *ExecutionContext) (api.Module, error) {
	return e.runtime.InstantiateModule(withExecutionContext(ctx, ec), m.compiled,
		moduleConfig(&ec.stdout, &ec.stderr))
}

func moduleConfig(stdout, stderr io.Writer) wazero.ModuleConfig {
	return wazero.NewModuleConfig().
		WithName(""). // anonymous, allows concurrent instantiation
		WithStartFunctions("_initialize").
		WithStdout(stdout).
		WithStderr(stderr)
}

// ReadExtension reads an extension binary from disk.
//
// It verifies that the file exists and carries the WebAssembly preamble so
// obviously wrong files are reported before compilation is attempted.
func ReadExtension(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("extension file not found: %w", err)
	}

	binary, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read extension file %s: %w", path, err)
	}

	if !bytes.HasPrefix(binary, wasmMagic) {
		return nil, fmt.Errorf("failed to load extension file %s: not a WebAssembly binary", path)
	}
	return binary, nil
}
