package runtime

// defaultExtension answers every request with 404 and no body. It is
// assembled by hand so the runtime is usable before any extension has been
// uploaded:
//
//	(module
//	  (memory (export "memory") 1)
//	  (func (export "abi_version") (result i32) i32.const 10000)
//	  (func (export "handle") (result i32) i32.const 0)
//	  (data (i32.const 0) "\01\00\00\00\94\01\00\00" ...12 zero bytes))
var defaultExtension = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// type: () -> i32
	0x01, 0x05, 0x01, 0x60, 0x00, 0x01, 0x7f,
	// function: two functions of type 0
	0x03, 0x03, 0x02, 0x00, 0x00,
	// memory: one page, no maximum
	0x05, 0x03, 0x01, 0x00, 0x01,
	// export
	0x07, 0x21, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x0b, 'a', 'b', 'i', '_', 'v', 'e', 'r', 's', 'i', 'o', 'n', 0x00, 0x00,
	0x06, 'h', 'a', 'n', 'd', 'l', 'e', 0x00, 0x01,
	// code
	0x0a, 0x0d, 0x02,
	0x06, 0x00, 0x41, 0x90, 0xce, 0x00, 0x0b,
	0x04, 0x00, 0x41, 0x00, 0x0b,
	// data: resolution record at offset 0
	0x0b, 0x1a, 0x01, 0x00, 0x41, 0x00, 0x0b, 0x14,
	0x01, 0x00, 0x00, 0x00, // kind = respond
	0x94, 0x01, 0x00, 0x00, // status = 404
	0x00, 0x00, 0x00, 0x00, // has_body = 0
	0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// DefaultExtension returns a copy of the built-in no-op extension binary.
func DefaultExtension() []byte {
	return append([]byte(nil), defaultExtension...)
}
