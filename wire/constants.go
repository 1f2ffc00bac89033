package wire

import "strconv"

// Type is the kind of a sample. Ordinals are part of the wire contract and
// never change; new types are only ever appended.
type Type uint8

const (
	TypeCounter   Type = 0 // monotonically increasing count
	TypeGauge     Type = 1 // point-in-time value
	TypeDelta     Type = 2 // difference from the previous value
	TypeIncrement Type = 3 // accumulated increments since last flush
	TypeInterval  Type = 4 // value aggregated over a reporting interval
	TypeString    Type = 5
	TypeBlob      Type = 6
	TypeError     Type = 7 // error message text

	typeCount = 8
)

var typeNames = [typeCount]string{
	TypeCounter:   "COUNTER",
	TypeGauge:     "GAUGE",
	TypeDelta:     "DELTA",
	TypeIncrement: "INCREMENT",
	TypeInterval:  "INTERVAL",
	TypeString:    "STRING",
	TypeBlob:      "BLOB",
	TypeError:     "ERROR",
}

// IsNumeric reports whether samples of this type carry an 8-byte value.
func (t Type) IsNumeric() bool {
	return t <= TypeInterval
}

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	return t < typeCount
}

func (t Type) String() string {
	if t.Valid() {
		return typeNames[t]
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// ParseType returns the type with the given name, as printed by String.
func ParseType(name string) (Type, bool) {
	for i, n := range typeNames {
		if n == name {
			return Type(i), true
		}
	}
	return 0, false
}

// Record layout markers.
const (
	orderLittleEndian byte = 0
	orderBigEndian    byte = 1

	modeIdentity byte = 0
	modeToken    byte = 1
)

// Record field sizes.
const (
	sizeOrder     = 1
	sizeMode      = 1
	sizeToken     = 8
	sizeType      = 1
	sizeFQNLen    = 4
	sizeTimestamp = 8
	sizeNumeric   = 8
	sizeRawLen    = 1

	// MinRecordSize is the smallest possible encoded record: a token record
	// with an empty non-numeric value.
	MinRecordSize = sizeOrder + sizeMode + sizeToken + sizeTimestamp + sizeRawLen
)

const (
	// NoToken marks a sample that has not been assigned a token.
	NoToken int64 = -1

	// MaxRawValueSize is the largest non-numeric value a record can carry.
	MaxRawValueSize = 255

	// MaxIdentityLength bounds the FQN blob on encode and decode.
	MaxIdentityLength = 65535
)

// FQN delimiters.
const (
	namespaceDelim = '/'
	nameDelim      = ':'
	mappedDelim    = '='
)
