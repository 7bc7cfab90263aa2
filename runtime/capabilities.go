package runtime

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// capabilityFuncs are the host implementations behind capabilitySignatures.
var capabilityFuncs = map[string]api.GoModuleFunc{
	ImportHeaders:   hostHeaders,
	ImportSetHeader: hostSetHeader,
	ImportURI:       hostURI,
	ImportSetURI:    hostSetURI,
	ImportLastError: hostLastError,
}

// capabilityOrder fixes the export order of the host module.
var capabilityOrder = []string{
	ImportHeaders,
	ImportSetHeader,
	ImportURI,
	ImportSetURI,
	ImportLastError,
}

// bindCapabilities instantiates the host module once per wazero runtime.
// Every extension instance links against it; per-invocation state reaches
// the functions through the call context, never through the module.
func bindCapabilities(ctx context.Context, rt wazero.Runtime) error {
	builder := rt.NewHostModuleBuilder(HostModuleName)
	for _, name := range capabilityOrder {
		sig := capabilitySignatures[name]
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(capabilityFuncs[name], sig.params, sig.results).
			WithName(name).
			Export(name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// headers(buf, cap) -> len
func hostHeaders(ctx context.Context, mod api.Module, stack []uint64) {
	req, code := currentRequest(ctx)
	if req == nil {
		stack[0] = api.EncodeI32(code)
		return
	}
	stack[0] = api.EncodeI32(writeBuffer(mod, uint32(stack[0]), uint32(stack[1]), encodeHeaders(req.Headers())))
}

// set_header(name, name_len, value, value_len) -> status
func hostSetHeader(ctx context.Context, mod api.Module, stack []uint64) {
	ec := executionContextFrom(ctx)
	req, code := currentRequest(ctx)
	if req == nil {
		stack[0] = api.EncodeI32(code)
		return
	}
	name, ok := readString(mod, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = api.EncodeI32(ABIErrorOutOfBounds)
		return
	}
	value, ok := readString(mod, uint32(stack[2]), uint32(stack[3]))
	if !ok {
		stack[0] = api.EncodeI32(ABIErrorOutOfBounds)
		return
	}
	stack[0] = api.EncodeI32(capabilityStatus(ec, req.SetHeader(name, value)))
}

// uri(buf, cap) -> len
func hostURI(ctx context.Context, mod api.Module, stack []uint64) {
	req, code := currentRequest(ctx)
	if req == nil {
		stack[0] = api.EncodeI32(code)
		return
	}
	stack[0] = api.EncodeI32(writeBuffer(mod, uint32(stack[0]), uint32(stack[1]), []byte(req.URI())))
}

// set_uri(ptr, len) -> status
func hostSetURI(ctx context.Context, mod api.Module, stack []uint64) {
	ec := executionContextFrom(ctx)
	req, code := currentRequest(ctx)
	if req == nil {
		stack[0] = api.EncodeI32(code)
		return
	}
	uri, ok := readString(mod, uint32(stack[0]), uint32(stack[1]))
	if !ok {
		stack[0] = api.EncodeI32(ABIErrorOutOfBounds)
		return
	}
	stack[0] = api.EncodeI32(capabilityStatus(ec, req.SetURI(uri)))
}

// last_error(buf, cap) -> len
func hostLastError(ctx context.Context, mod api.Module, stack []uint64) {
	ec := executionContextFrom(ctx)
	if ec == nil {
		stack[0] = api.EncodeI32(ABIErrorNoRequest)
		return
	}
	stack[0] = api.EncodeI32(writeBuffer(mod, uint32(stack[0]), uint32(stack[1]), []byte(ec.LastError())))
}

func currentRequest(ctx context.Context) (*Request, int32) {
	ec := executionContextFrom(ctx)
	if ec == nil {
		return nil, ABIErrorNoRequest
	}
	req, err := ec.Current()
	if err != nil {
		return nil, ABIErrorNoRequest
	}
	return req, ABISuccess
}

func capabilityStatus(ec *ExecutionContext, err error) int32 {
	if err == nil {
		return ABISuccess
	}
	ec.setLastError(err)
	if ce, ok := err.(*CapabilityError); ok {
		return ce.Code
	}
	return ABIErrorNoRequest
}

// readString copies length bytes at ptr out of guest memory.
func readString(mod api.Module, ptr, length uint32) (string, bool) {
	mem := mod.Memory()
	if mem == nil {
		return "", false
	}
	b, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(b), true
}

// writeBuffer copies data into the guest buffer at ptr when it fits in
// capacity and returns len(data) either way, so a guest can retry with a
// larger buffer.
func writeBuffer(mod api.Module, ptr, capacity uint32, data []byte) int32 {
	if len(data) > math.MaxInt32 {
		return ABIErrorOutOfBounds
	}
	if uint64(len(data)) > uint64(capacity) {
		return int32(len(data))
	}
	mem := mod.Memory()
	if mem == nil || !mem.Write(ptr, data) {
		return ABIErrorOutOfBounds
	}
	return int32(len(data))
}

// encodeHeaders serialises headers as u32 count followed by
// (u32 name_len, name, u32 value_len, value) per entry, little-endian.
func encodeHeaders(headers []Header) []byte {
	size := 4
	for _, h := range headers {
		size += 8 + len(h.Name) + len(h.Value)
	}
	out := make([]byte, 0, size)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(headers)))
	for _, h := range headers {
		out = binary.LittleEndian.AppendUint32(out, uint32(len(h.Name)))
		out = append(out, h.Name...)
		out = binary.LittleEndian.AppendUint32(out, uint32(len(h.Value)))
		out = append(out, h.Value...)
	}
	return out
}

// DecodeHeaders parses the headers() wire format. Exposed for tooling and
// tests that inspect guest-visible header snapshots.
func DecodeHeaders(b []byte) ([]Header, bool) {
	if len(b) < 4 {
		return nil, false
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	out := make([]Header, 0, n)
	for i := uint32(0); i < n; i++ {
		name, rest, ok := readField(b)
		if !ok {
			return nil, false
		}
		value, rest, ok := readField(rest)
		if !ok {
			return nil, false
		}
		out = append(out, Header{Name: name, Value: value})
		b = rest
	}
	return out, len(b) == 0
}

func readField(b []byte) (string, []byte, bool) {
	if len(b) < 4 {
		return "", nil, false
	}
	n := binary.LittleEndian.Uint32(b)
	b = b[4:]
	if uint64(len(b)) < uint64(n) {
		return "", nil, false
	}
	return string(b[:n]), b[n:], true
}
