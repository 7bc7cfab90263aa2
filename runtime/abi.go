package runtime

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Guest ABI version implemented by this host. An extension reports the
// version it was built against from its abi_version export, encoded as
// major*10000 + minor*100 + patch. Only the major version must match.
const (
	ABIVersionMajor = 1
	ABIVersionMinor = 0
	ABIVersionPatch = 0
)

// HostModuleName is the import module every capability is exported from.
const HostModuleName = "crossroads"

// Exports an extension module must provide.
const (
	ExportMemory     = "memory"
	ExportABIVersion = "abi_version"
	ExportHandle     = "handle"
)

// Capabilities the host exports to the guest.
const (
	ImportHeaders   = "headers"
	ImportSetHeader = "set_header"
	ImportURI       = "uri"
	ImportSetURI    = "set_uri"
	ImportLastError = "last_error"
)

// ABI status codes returned by capability functions. Non-negative values
// are successes (0, or a byte length for the buffer-filling calls).
const (
	ABISuccess                 = 0
	ABIErrorInvalidHeaderName  = -1 // name does not match the token grammar
	ABIErrorInvalidHeaderValue = -2 // value contains forbidden bytes
	ABIErrorInvalidURI         = -3 // URI could not be parsed, left untouched
	ABIErrorOutOfBounds        = -4 // guest pointer/length outside linear memory
	ABIErrorNoRequest          = -5 // no request bound to the calling context
)

// Resolution record written by the guest and returned from handle() as a
// pointer into its linear memory. All fields are little-endian u32.
//
//	offset 0   kind      (ResolutionForward | ResolutionRespond)
//	offset 4   status    (Respond only, must fit in 16 bits)
//	offset 8   has_body  (0 or 1)
//	offset 12  body_ptr
//	offset 16  body_len
const (
	ResolutionForward uint32 = 0
	ResolutionRespond uint32 = 1

	ResolutionRecordSize = 20
)

// ABIVersion is a decoded abi_version value.
type ABIVersion struct {
	Major, Minor, Patch int
}

// DecodeABIVersion splits the encoded value returned by abi_version.
func DecodeABIVersion(v int32) ABIVersion {
	return ABIVersion{
		Major: int(v / 10000),
		Minor: int((v % 10000) / 100),
		Patch: int(v % 100),
	}
}

// Encode is the inverse of DecodeABIVersion.
func (v ABIVersion) Encode() int32 {
	return int32(v.Major*10000 + v.Minor*100 + v.Patch)
}

func (v ABIVersion) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether an extension built against v can be linked
// against this host.
func (v ABIVersion) Compatible() bool {
	return v.Major == ABIVersionMajor
}

// HostABIVersion is the version of the capability surface in this build.
func HostABIVersion() ABIVersion {
	return ABIVersion{Major: ABIVersionMajor, Minor: ABIVersionMinor, Patch: ABIVersionPatch}
}

// signature of a host capability, used both to build the host module and to
// check the imports of a candidate extension.
type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

func (s signature) matches(def api.FunctionDefinition) bool {
	return sameTypes(s.params, def.ParamTypes()) && sameTypes(s.results, def.ResultTypes())
}

func (s signature) String() string {
	return fmt.Sprintf("%s -> %s", typeList(s.params), typeList(s.results))
}

func sameTypes(a, b []api.ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func typeList(types []api.ValueType) string {
	s := "("
	for i, t := range types {
		if i > 0 {
			s += ", "
		}
		s += api.ValueTypeName(t)
	}
	return s + ")"
}

var (
	i32 = api.ValueTypeI32

	// buffer-filling calls: (buf_ptr, buf_cap) -> len | error
	bufferSignature = signature{params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}}

	capabilitySignatures = map[string]signature{
		ImportHeaders:   bufferSignature,
		ImportSetHeader: {params: []api.ValueType{i32, i32, i32, i32}, results: []api.ValueType{i32}},
		ImportURI:       bufferSignature,
		ImportSetURI:    {params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}},
		ImportLastError: bufferSignature,
	}

	// exported functions an extension must provide
	entrySignatures = map[string]signature{
		ExportABIVersion: {results: []api.ValueType{i32}},
		ExportHandle:     {results: []api.ValueType{i32}},
	}
)

// abiErrorString converts ABI status codes to human-readable strings.
func abiErrorString(code int32) string {
	switch code {
	case ABISuccess:
		return "success"
	case ABIErrorInvalidHeaderName:
		return "ABI_ERROR_INVALID_HEADER_NAME"
	case ABIErrorInvalidHeaderValue:
		return "ABI_ERROR_INVALID_HEADER_VALUE"
	case ABIErrorInvalidURI:
		return "ABI_ERROR_INVALID_URI"
	case ABIErrorOutOfBounds:
		return "ABI_ERROR_OUT_OF_BOUNDS"
	case ABIErrorNoRequest:
		return "ABI_ERROR_NO_REQUEST"
	default:
		return fmt.Sprintf("unknown error code %d", code)
	}
}
