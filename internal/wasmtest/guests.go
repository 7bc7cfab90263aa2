package wasmtest

import (
	"encoding/binary"
)

// Memory layout shared by the guests below.
const (
	recordAddr  = 0     // resolution record written at run time
	forwardAddr = 32    // 20 zero bytes: a Forward record
	iovecAddr   = 128   // WASI iovec for PrintAndRespond
	writtenAddr = 160   // WASI nwritten out-parameter
	stringsAddr = 256   // constant strings
	bufferAddr  = 1024  // scratch buffer handed to capabilities
	bufferCap   = 16384 // capacity of the scratch buffer
)

// ABIVersion is the abi_version reported by every guest unless stated
// otherwise (v1.0.0).
const ABIVersion int32 = 10000

// RejectBase is used by guests that react to a failed capability call: they
// respond with RejectBase minus the (negative) status the host returned, and
// the host's last_error message as the body.
const RejectBase = 450

// RejectStatus is the status a guest responds with when a capability call
// returned code.
func RejectStatus(code int32) uint16 {
	return uint16(RejectBase - code)
}

const (
	capHeaders   = "headers"
	capSetHeader = "set_header"
	capURI       = "uri"
	capSetURI    = "set_uri"
	capLastError = "last_error"
)

var capabilities = []struct {
	name            string
	params, results int
}{
	{capHeaders, 2, 1},
	{capSetHeader, 4, 1},
	{capURI, 2, 1},
	{capSetURI, 2, 1},
	{capLastError, 2, 1},
}

type importSpec struct {
	module, name    string
	params, results int
}

type guest struct {
	b       *Builder
	funcs   map[string]uint32
	strings []byte
}

func newGuest(extra ...importSpec) *guest {
	g := &guest{b: New(), funcs: make(map[string]uint32)}
	for _, c := range capabilities {
		g.funcs[c.name] = g.b.Import("crossroads", c.name, c.params, c.results)
	}
	for _, imp := range extra {
		g.funcs[imp.name] = g.b.Import(imp.module, imp.name, imp.params, imp.results)
	}
	g.b.Memory(1)
	return g
}

// place stores s in the constant area and returns its address.
func (g *guest) place(s string) uint32 {
	ptr := stringsAddr + uint32(len(g.strings))
	g.strings = append(g.strings, s...)
	return ptr
}

func (g *guest) finish(version int32, locals int, handle ...[]byte) []byte {
	abi := g.b.Func(0, 1, 0, I32Const(version))
	h := g.b.Func(0, 1, locals, handle...)
	g.b.ExportMemory("memory").Export("abi_version", abi).Export("handle", h)
	if len(g.strings) > 0 {
		g.b.Data(stringsAddr, g.strings)
	}
	return g.b.Build()
}

func record(kind, status, hasBody, bodyPtr, bodyLen uint32) []byte {
	out := make([]byte, 20)
	binary.LittleEndian.PutUint32(out[0:], kind)
	binary.LittleEndian.PutUint32(out[4:], status)
	binary.LittleEndian.PutUint32(out[8:], hasBody)
	binary.LittleEndian.PutUint32(out[12:], bodyPtr)
	binary.LittleEndian.PutUint32(out[16:], bodyLen)
	return out
}

// Forward forwards every request untouched.
func Forward() []byte {
	return newGuest().finish(ABIVersion, 0, I32Const(forwardAddr))
}

// Respond answers every request with status and body.
func Respond(status uint32, body string) []byte {
	g := newGuest()
	ptr := g.place(body)
	g.b.Data(recordAddr, record(1, status, 1, ptr, uint32(len(body))))
	return g.finish(ABIVersion, 0, I32Const(recordAddr))
}

// RespondEmpty answers every request with status and no body.
func RespondEmpty(status uint32) []byte {
	return Versioned(ABIVersion, status)
}

// Versioned is RespondEmpty reporting an arbitrary abi_version.
func Versioned(version int32, status uint32) []byte {
	g := newGuest()
	g.b.Data(recordAddr, record(1, status, 0, 0, 0))
	return g.finish(version, 0, I32Const(recordAddr))
}

// Record returns whatever record fields it is given, unchecked.
func Record(kind, status, hasBody, bodyPtr, bodyLen uint32) []byte {
	g := newGuest()
	g.b.Data(recordAddr, record(kind, status, hasBody, bodyPtr, bodyLen))
	return g.finish(ABIVersion, 0, I32Const(recordAddr))
}

// RecordAt returns ptr from handle without writing anything there.
func RecordAt(ptr uint32) []byte {
	return newGuest().finish(ABIVersion, 0, I32Const(int32(ptr)))
}

// Trap hits unreachable inside handle.
func Trap() []byte {
	return newGuest().finish(ABIVersion, 0, Unreachable())
}

type span struct {
	s        string
	ptr, len uint32
	raw      bool
}

// Mutation is one call to set_header or set_uri.
type Mutation struct {
	capability string
	args       []span
}

// SetHeader calls set_header(name, value).
func SetHeader(name, value string) Mutation {
	return Mutation{capability: capSetHeader, args: []span{{s: name}, {s: value}}}
}

// SetURI calls set_uri(uri).
func SetURI(uri string) Mutation {
	return Mutation{capability: capSetURI, args: []span{{s: uri}}}
}

// SetURIAt calls set_uri with a raw pointer and length.
func SetURIAt(ptr, length uint32) Mutation {
	return Mutation{capability: capSetURI, args: []span{{ptr: ptr, len: length, raw: true}}}
}

func (g *guest) mutations(ms []Mutation, reject bool) []byte {
	var code []byte
	for _, m := range ms {
		for _, a := range m.args {
			ptr, length := a.ptr, a.len
			if !a.raw {
				ptr, length = g.place(a.s), uint32(len(a.s))
			}
			code = Code(code, I32Const(int32(ptr)), I32Const(int32(length)))
		}
		code = Code(code, Call(g.funcs[m.capability]))
		if !reject {
			code = Code(code, Drop())
			continue
		}
		code = Code(code, LocalSet(0), LocalGet(0), If(g.reject()))
	}
	return code
}

// reject responds with RejectBase - local 0 and the last error as body.
func (g *guest) reject() []byte {
	return Code(
		StoreConst(recordAddr, 1),
		I32Const(recordAddr), I32Const(RejectBase), LocalGet(0), I32Sub(), I32Store(4),
		StoreConst(recordAddr+8, 1),
		StoreConst(recordAddr+12, bufferAddr),
		I32Const(recordAddr), I32Const(bufferAddr), I32Const(bufferCap), Call(g.funcs[capLastError]), I32Store(16),
		I32Const(recordAddr), Return(),
	)
}

// respondWith responds 200 with the bytes the capability writes into the
// scratch buffer.
func (g *guest) respondWith(capability string) []byte {
	return Code(
		StoreConst(recordAddr, 1),
		StoreConst(recordAddr+4, 200),
		StoreConst(recordAddr+8, 1),
		StoreConst(recordAddr+12, bufferAddr),
		I32Const(recordAddr), I32Const(bufferAddr), I32Const(bufferCap), Call(g.funcs[capability]), I32Store(16),
		I32Const(recordAddr),
	)
}

// Mutate applies ms in order and forwards. The first failing call makes the
// guest respond with RejectStatus(code) and the last_error message.
func Mutate(ms ...Mutation) []byte {
	g := newGuest()
	body := g.mutations(ms, true)
	return g.finish(ABIVersion, 1, body, I32Const(forwardAddr))
}

// EchoURI applies ms like Mutate, then responds 200 with the current URI.
func EchoURI(ms ...Mutation) []byte {
	g := newGuest()
	body := g.mutations(ms, true)
	return g.finish(ABIVersion, 1, body, g.respondWith(capURI))
}

// EchoHeaders applies ms like Mutate, then responds 200 with the encoded
// header snapshot.
func EchoHeaders(ms ...Mutation) []byte {
	g := newGuest()
	body := g.mutations(ms, true)
	return g.finish(ABIVersion, 1, body, g.respondWith(capHeaders))
}

// EchoLastError applies ms ignoring their status, then responds 200 with the
// last_error message.
func EchoLastError(ms ...Mutation) []byte {
	g := newGuest()
	body := g.mutations(ms, false)
	return g.finish(ABIVersion, 1, body, g.respondWith(capLastError))
}

// HeadersLength calls headers with a buffer of capacity bytes and responds
// with the returned length as status and the first four buffer bytes (the
// header count, if anything was written) as body.
func HeadersLength(capacity uint32) []byte {
	g := newGuest()
	return g.finish(ABIVersion, 0,
		StoreConst(recordAddr, 1),
		I32Const(recordAddr), I32Const(bufferAddr), I32Const(int32(capacity)), Call(g.funcs[capHeaders]), I32Store(4),
		StoreConst(recordAddr+8, 1),
		StoreConst(recordAddr+12, bufferAddr),
		StoreConst(recordAddr+16, 4),
		I32Const(recordAddr),
	)
}

// PrintAndRespond writes msg to stdout through WASI, then responds with
// status and no body.
func PrintAndRespond(msg string, status uint32) []byte {
	g := newGuest(importSpec{module: "wasi_snapshot_preview1", name: "fd_write", params: 4, results: 1})
	ptr := g.place(msg)
	iov := make([]byte, 8)
	binary.LittleEndian.PutUint32(iov[0:], ptr)
	binary.LittleEndian.PutUint32(iov[4:], uint32(len(msg)))
	g.b.Data(iovecAddr, iov)
	g.b.Data(recordAddr, record(1, status, 0, 0, 0))
	return g.finish(ABIVersion, 0,
		I32Const(1), I32Const(iovecAddr), I32Const(1), I32Const(writtenAddr), Call(g.funcs["fd_write"]), Drop(),
		I32Const(recordAddr),
	)
}

// VersionTrap traps inside abi_version.
func VersionTrap() []byte {
	b := New().Memory(1)
	abi := b.Func(0, 1, 0, Unreachable())
	h := b.Func(0, 1, 0, I32Const(forwardAddr))
	return b.ExportMemory("memory").Export("abi_version", abi).Export("handle", h).Build()
}

// MissingHandle exports no handle function.
func MissingHandle() []byte {
	b := New().Memory(1)
	abi := b.Func(0, 1, 0, I32Const(ABIVersion))
	return b.ExportMemory("memory").Export("abi_version", abi).Build()
}

// MissingMemory defines a memory but does not export it.
func MissingMemory() []byte {
	b := New().Memory(1)
	abi := b.Func(0, 1, 0, I32Const(ABIVersion))
	h := b.Func(0, 1, 0, I32Const(forwardAddr))
	return b.Export("abi_version", abi).Export("handle", h).Build()
}

// WrongHandleSignature exports handle as (i32) -> i32.
func WrongHandleSignature() []byte {
	b := New().Memory(1)
	abi := b.Func(0, 1, 0, I32Const(ABIVersion))
	h := b.Func(1, 1, 0, LocalGet(0))
	return b.ExportMemory("memory").Export("abi_version", abi).Export("handle", h).Build()
}

// UnknownImport imports a function from a module the host does not provide.
func UnknownImport() []byte {
	b := New()
	b.Import("env", "clock", 0, 1)
	b.Memory(1)
	abi := b.Func(0, 1, 0, I32Const(ABIVersion))
	h := b.Func(0, 1, 0, I32Const(forwardAddr))
	return b.ExportMemory("memory").Export("abi_version", abi).Export("handle", h).Build()
}

// UnknownCapability imports a crossroads function that does not exist.
func UnknownCapability() []byte {
	b := New()
	b.Import("crossroads", "open_socket", 2, 1)
	b.Memory(1)
	abi := b.Func(0, 1, 0, I32Const(ABIVersion))
	h := b.Func(0, 1, 0, I32Const(forwardAddr))
	return b.ExportMemory("memory").Export("abi_version", abi).Export("handle", h).Build()
}

// MismatchedCapability imports set_uri with the wrong signature.
func MismatchedCapability() []byte {
	b := New()
	b.Import("crossroads", "set_uri", 1, 1)
	b.Memory(1)
	abi := b.Func(0, 1, 0, I32Const(ABIVersion))
	h := b.Func(0, 1, 0, I32Const(forwardAddr))
	return b.ExportMemory("memory").Export("abi_version", abi).Export("handle", h).Build()
}
