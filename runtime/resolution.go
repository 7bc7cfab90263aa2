package runtime

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
)

// Kind is the outcome an extension chose for a request.
type Kind int

const (
	// Forward sends the (possibly mutated) request upstream.
	Forward Kind = iota
	// Respond answers the client directly.
	Respond
)

func (k Kind) String() string {
	switch k {
	case Forward:
		return "forward"
	case Respond:
		return "respond"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Resolution is the result of one successful invocation.
//
// For Forward, Request is the request after every mutation the extension
// made. For Respond, StatusCode and Body describe the reply; HasBody
// distinguishes "no body" from an empty one.
type Resolution struct {
	Kind       Kind
	Request    *Request
	StatusCode uint16
	Body       []byte
	HasBody    bool
}

// record is the raw resolution record as laid out in guest memory.
type record struct {
	kind    uint32
	status  uint32
	hasBody uint32
	bodyPtr uint32
	bodyLen uint32
}

// readRecord decodes the resolution record at ptr. Every field is checked
// before anything is trusted; the body is copied out of guest memory so the
// result outlives the instance.
func readRecord(mem api.Memory, ptr uint32) (record, []byte, error) {
	if mem == nil {
		return record{}, nil, fmt.Errorf("extension exports no memory")
	}
	raw, ok := mem.Read(ptr, ResolutionRecordSize)
	if !ok {
		return record{}, nil, fmt.Errorf("resolution record at 0x%x is out of bounds", ptr)
	}
	r := record{
		kind:    binary.LittleEndian.Uint32(raw[0:]),
		status:  binary.LittleEndian.Uint32(raw[4:]),
		hasBody: binary.LittleEndian.Uint32(raw[8:]),
		bodyPtr: binary.LittleEndian.Uint32(raw[12:]),
		bodyLen: binary.LittleEndian.Uint32(raw[16:]),
	}

	switch r.kind {
	case ResolutionForward:
		return r, nil, nil
	case ResolutionRespond:
	default:
		return r, nil, fmt.Errorf("unknown resolution kind %d", r.kind)
	}

	if r.status > math.MaxUint16 {
		return r, nil, fmt.Errorf("status code %d does not fit in 16 bits", r.status)
	}

	switch r.hasBody {
	case 0:
		return r, nil, nil
	case 1:
	default:
		return r, nil, fmt.Errorf("invalid has_body flag %d", r.hasBody)
	}

	body, ok := mem.Read(r.bodyPtr, r.bodyLen)
	if !ok {
		return r, nil, fmt.Errorf("response body at 0x%x (+%d) is out of bounds", r.bodyPtr, r.bodyLen)
	}
	return r, append(make([]byte, 0, len(body)), body...), nil
}
