package redis

import (
	"fmt"

	"github.com/parkcheolu/mini-redis/frame"
)

// decodeOK reads one reply and confirms it is a "+OK" simple string.
func decodeOK(fc *frame.Conn) error {
	f, err := fc.ReadFrame()
	if err != nil {
		return err
	}
	switch f.Kind {
	case frame.Simple:
		if f.Str == "OK" {
			return nil
		}
		return fmt.Errorf("%w: unexpected simple reply %q", errProtocol, f.Str)
	case frame.Error:
		return ServerError(f.Str)
	default:
		return fmt.Errorf("%w: unexpected reply kind for OK", errProtocol)
	}
}

// decodeInteger reads one reply and expects a RESP Integer.
func decodeInteger(fc *frame.Conn) (int64, error) {
	f, err := fc.ReadFrame()
	if err != nil {
		return 0, err
	}
	switch f.Kind {
	case frame.Integer:
		return int64(f.Int), nil
	case frame.Error:
		return 0, ServerError(f.Str)
	default:
		return 0, fmt.Errorf("%w: unexpected reply kind for integer", errProtocol)
	}
}

// decodeBulk reads one reply and expects a bulk string or null. errNull
// signals the null case; callers typically translate that to (nil, nil).
func decodeBulk(fc *frame.Conn) ([]byte, error) {
	f, err := fc.ReadFrame()
	if err != nil {
		return nil, err
	}
	switch f.Kind {
	case frame.Bulk:
		return f.Bulk, nil
	case frame.Null:
		return nil, errNull
	case frame.Error:
		return nil, ServerError(f.Str)
	default:
		return nil, fmt.Errorf("%w: unexpected reply kind for bulk string", errProtocol)
	}
}

// push is one asynchronous pub/sub reply: a 3-element array of
// (kind, channel, payload-or-count).
type push struct {
	kind    string
	channel string
	payload []byte
	count   int64
}

// decodePush reads one reply and expects the subscribe/unsubscribe/
// message array shape used in subscriber mode.
func decodePush(fc *frame.Conn) (push, error) {
	f, err := fc.ReadFrame()
	if err != nil {
		return push{}, err
	}
	if f.Kind == frame.Error {
		return push{}, ServerError(f.Str)
	}
	if f.Kind != frame.Array || len(f.Array) != 3 {
		return push{}, fmt.Errorf("%w: expected a 3-element push array", errProtocol)
	}
	kind := f.Array[0]
	channel := f.Array[1]
	if kind.Kind != frame.Bulk || channel.Kind != frame.Bulk {
		return push{}, fmt.Errorf("%w: push kind/channel must be bulk strings", errProtocol)
	}

	p := push{kind: string(kind.Bulk), channel: string(channel.Bulk)}
	switch f.Array[2].Kind {
	case frame.Bulk:
		p.payload = f.Array[2].Bulk
	case frame.Integer:
		p.count = int64(f.Array[2].Int)
	default:
		return push{}, fmt.Errorf("%w: unexpected push payload kind", errProtocol)
	}
	return p, nil
}
