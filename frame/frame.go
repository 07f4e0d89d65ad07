// Package frame implements the RESP wire format: a byte-oriented,
// human-readable protocol for exchanging typed values over a stream
// transport.
package frame

import "bytes"

// Kind tags the variant held by a Frame.
type Kind byte

const (
	Simple Kind = iota
	Error
	Integer
	Bulk
	Null
	Array
)

// Frame is a single RESP value. Only the fields matching Kind are
// meaningful; the zero Frame is an empty Simple string, not Null (use
// NullFrame for that).
type Frame struct {
	Kind  Kind
	Str   string  // Simple, Error
	Int   uint64  // Integer
	Bulk  []byte  // Bulk; nil slice and empty slice both encode as $0\r\n\r\n
	Array []Frame // Array
}

func SimpleString(s string) Frame { return Frame{Kind: Simple, Str: s} }
func ErrorString(s string) Frame  { return Frame{Kind: Error, Str: s} }
func Int(n uint64) Frame          { return Frame{Kind: Integer, Int: n} }
func BulkBytes(b []byte) Frame    { return Frame{Kind: Bulk, Bulk: b} }
func BulkString(s string) Frame   { return Frame{Kind: Bulk, Bulk: []byte(s)} }
func NullFrame() Frame            { return Frame{Kind: Null} }
func Arr(items ...Frame) Frame    { return Frame{Kind: Array, Array: items} }

// Equal reports whether a and b are the same RESP value. It is the
// comparison used by the decode(encode(frame)) == frame round-trip law.
func Equal(a, b Frame) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case Simple, Error:
		return a.Str == b.Str
	case Integer:
		return a.Int == b.Int
	case Bulk:
		return bytes.Equal(a.Bulk, b.Bulk)
	case Null:
		return true
	case Array:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if !Equal(a.Array[i], b.Array[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
