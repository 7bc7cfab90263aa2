package runtime

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
)

// Module is a compiled, validated extension. It is immutable and shared
// read-only by every invocation that borrows it; only Engine.Compile creates
// one.
type Module struct {
	compiled wazero.CompiledModule
	version  ABIVersion
	digest   string
	size     int

	mu      sync.Mutex
	borrows int
	retired bool
	closed  bool
}

// ABIVersion is the version reported by the extension's abi_version export.
func (m *Module) ABIVersion() ABIVersion { return m.version }

// Digest is the hex SHA-256 of the binary the module was compiled from.
func (m *Module) Digest() string { return m.digest }

// Size is the length of the source binary in bytes.
func (m *Module) Size() int { return m.size }

func (m *Module) acquire() {
	m.mu.Lock()
	m.borrows++
	m.mu.Unlock()
}

func (m *Module) release() {
	m.mu.Lock()
	m.borrows--
	closeNow := m.borrows == 0 && m.retired && !m.closed
	if closeNow {
		m.closed = true
	}
	m.mu.Unlock()
	if closeNow {
		_ = m.compiled.Close(context.Background())
	}
}

// retire marks the module superseded; the compiled code is released once the
// last in-flight borrow ends.
func (m *Module) retire() {
	m.mu.Lock()
	m.retired = true
	closeNow := m.borrows == 0 && !m.closed
	if closeNow {
		m.closed = true
	}
	m.mu.Unlock()
	if closeNow {
		_ = m.compiled.Close(context.Background())
	}
}

// Close releases a module that never made it into a slot.
func (m *Module) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.borrows > 0 {
		m.retired = true
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.compiled.Close(ctx)
}

// ModuleInfo describes the module held by a slot generation.
type ModuleInfo struct {
	Digest     string `json:"digest"`
	ABIVersion string `json:"abi_version"`
	Size       int    `json:"size"`
	Generation uint64 `json:"generation"`
}

func infoOf(m *Module, generation uint64) ModuleInfo {
	return ModuleInfo{
		Digest:     m.digest,
		ABIVersion: m.version.String(),
		Size:       m.size,
		Generation: generation,
	}
}
