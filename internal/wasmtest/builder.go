// Package wasmtest assembles small WebAssembly modules in memory so tests can
// exercise the runtime without a guest toolchain. Every value type is i32.
package wasmtest

// Section ids, in the order they must appear.
const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11
)

const (
	valueI32   = 0x7f
	kindFunc   = 0x00
	kindMemory = 0x02
)

type funcType struct {
	params, results int
}

type importEntry struct {
	module, name string
	typeIndex    uint32
}

type function struct {
	typeIndex uint32
	locals    int
	body      []byte
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder accumulates the sections of one module. Imports must be declared
// before any function is added, since they share one index space.
type Builder struct {
	types   []funcType
	imports []importEntry
	funcs   []function
	exports []export
	data    []segment

	memoryPages uint32
	hasMemory   bool
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

func (b *Builder) typeIndex(params, results int) uint32 {
	t := funcType{params: params, results: results}
	for i, existing := range b.types {
		if existing == t {
			return uint32(i)
		}
	}
	b.types = append(b.types, t)
	return uint32(len(b.types) - 1)
}

// Import declares a function import and returns its function index.
func (b *Builder) Import(module, name string, params, results int) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must be declared before functions")
	}
	b.imports = append(b.imports, importEntry{module: module, name: name, typeIndex: b.typeIndex(params, results)})
	return uint32(len(b.imports) - 1)
}

// Func adds a function and returns its index. body is the instruction
// sequence without the trailing end opcode.
func (b *Builder) Func(params, results, locals int, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, function{
		typeIndex: b.typeIndex(params, results),
		locals:    locals,
		body:      Code(body...),
	})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Export exports function index under name.
func (b *Builder) Export(name string, index uint32) *Builder {
	b.exports = append(b.exports, export{name: name, kind: kindFunc, index: index})
	return b
}

// Memory defines the module memory with the given minimum pages.
func (b *Builder) Memory(pages uint32) *Builder {
	b.memoryPages = pages
	b.hasMemory = true
	return b
}

// ExportMemory exports memory 0 under name.
func (b *Builder) ExportMemory(name string) *Builder {
	b.exports = append(b.exports, export{name: name, kind: kindMemory, index: 0})
	return b
}

// Data places bytes at offset in memory 0.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, segment{offset: offset, data: data})
	return b
}

// Build encodes the module.
func (b *Builder) Build() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		content := uleb(uint32(len(b.types)))
		for _, t := range b.types {
			content = append(content, 0x60)
			content = append(content, valueTypes(t.params)...)
			content = append(content, valueTypes(t.results)...)
		}
		out = appendSection(out, sectionType, content)
	}

	if len(b.imports) > 0 {
		content := uleb(uint32(len(b.imports)))
		for _, imp := range b.imports {
			content = append(content, name(imp.module)...)
			content = append(content, name(imp.name)...)
			content = append(content, kindFunc)
			content = append(content, uleb(imp.typeIndex)...)
		}
		out = appendSection(out, sectionImport, content)
	}

	if len(b.funcs) > 0 {
		content := uleb(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			content = append(content, uleb(f.typeIndex)...)
		}
		out = appendSection(out, sectionFunction, content)
	}

	if b.hasMemory {
		content := []byte{0x01, 0x00}
		content = append(content, uleb(b.memoryPages)...)
		out = appendSection(out, sectionMemory, content)
	}

	if len(b.exports) > 0 {
		content := uleb(uint32(len(b.exports)))
		for _, e := range b.exports {
			content = append(content, name(e.name)...)
			content = append(content, e.kind)
			content = append(content, uleb(e.index)...)
		}
		out = appendSection(out, sectionExport, content)
	}

	if len(b.funcs) > 0 {
		content := uleb(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			var body []byte
			if f.locals > 0 {
				body = append(body, 0x01)
				body = append(body, uleb(uint32(f.locals))...)
				body = append(body, valueI32)
			} else {
				body = append(body, 0x00)
			}
			body = append(body, f.body...)
			body = append(body, opEnd)
			content = append(content, uleb(uint32(len(body)))...)
			content = append(content, body...)
		}
		out = appendSection(out, sectionCode, content)
	}

	if len(b.data) > 0 {
		content := uleb(uint32(len(b.data)))
		for _, s := range b.data {
			content = append(content, 0x00)
			content = append(content, I32Const(int32(s.offset))...)
			content = append(content, opEnd)
			content = append(content, uleb(uint32(len(s.data)))...)
			content = append(content, s.data...)
		}
		out = appendSection(out, sectionData, content)
	}

	return out
}

func appendSection(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint32(len(content)))...)
	return append(out, content...)
}

func valueTypes(n int) []byte {
	out := uleb(uint32(n))
	for i := 0; i < n; i++ {
		out = append(out, valueI32)
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, c|0x80)
			continue
		}
		return append(out, c)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}

// Opcodes used by the guests in this package.
const (
	opUnreachable = 0x00
	opIf          = 0x04
	opEnd         = 0x0b
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opLocalSet    = 0x21
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI32Sub      = 0x6b
	blockVoid     = 0x40
)

// Code concatenates instruction sequences.
func Code(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func I32Const(v int32) []byte   { return append([]byte{opI32Const}, sleb(v)...) }
func LocalGet(i uint32) []byte  { return append([]byte{opLocalGet}, uleb(i)...) }
func LocalSet(i uint32) []byte  { return append([]byte{opLocalSet}, uleb(i)...) }
func Call(index uint32) []byte  { return append([]byte{opCall}, uleb(index)...) }
func Drop() []byte              { return []byte{opDrop} }
func Return() []byte            { return []byte{opReturn} }
func Unreachable() []byte       { return []byte{opUnreachable} }
func I32Sub() []byte            { return []byte{opI32Sub} }
func If(body ...[]byte) []byte  { return Code([]byte{opIf, blockVoid}, Code(body...), []byte{opEnd}) }
func I32Load(off uint32) []byte { return append([]byte{opI32Load, 0x02}, uleb(off)...) }

// I32Store stores the top of stack at address+off (address below it).
func I32Store(off uint32) []byte { return append([]byte{opI32Store, 0x02}, uleb(off)...) }

// StoreConst writes value at the absolute address addr.
func StoreConst(addr uint32, value int32) []byte {
	return Code(I32Const(int32(addr)), I32Const(value), I32Store(0))
}
