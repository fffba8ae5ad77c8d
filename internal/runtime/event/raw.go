package event

// Kind tells which transport shape a Raw payload arrived in.
type Kind int

const (
	KindEmpty Kind = iota
	KindMap
	KindString
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	default:
		return "empty"
	}
}

// Raw is an inbound payload before decoding. Exactly one representation is set.
type Raw struct {
	kind  Kind
	m     map[string]any
	s     string
	bytes []byte
}

// FromMap wraps an already structured payload.
func FromMap(m map[string]any) Raw {
	if m == nil {
		return Raw{}
	}
	return Raw{kind: KindMap, m: m}
}

// FromString wraps a payload that still needs parsing.
func FromString(s string) Raw {
	return Raw{kind: KindString, s: s}
}

// FromBytes wraps an opaque buffer.
func FromBytes(b []byte) Raw {
	if b == nil {
		return Raw{}
	}
	return Raw{kind: KindBytes, bytes: b}
}

func (r Raw) Kind() Kind { return r.kind }

func (r Raw) Map() (map[string]any, bool) { return r.m, r.kind == KindMap }

func (r Raw) Text() (string, bool) { return r.s, r.kind == KindString }

func (r Raw) Bytes() ([]byte, bool) { return r.bytes, r.kind == KindBytes }
