// Package command is the typed model for the handful of RESP commands
// this server understands, and the frame <-> Command conversion for
// both directions of the wire.
package command

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/parkcheolu/mini-redis/frame"
)

type Kind int

const (
	Get Kind = iota
	Set
	Publish
	Subscribe
	Unsubscribe
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Get:
		return "GET"
	case Set:
		return "SET"
	case Publish:
		return "PUBLISH"
	case Subscribe:
		return "SUBSCRIBE"
	case Unsubscribe:
		return "UNSUBSCRIBE"
	default:
		return "UNKNOWN"
	}
}

// Command is the parsed form of one client request.
type Command struct {
	Kind Kind

	Key   string // Get, Set
	Value []byte // Set
	TTL   *time.Duration // Set; nil means no expiry, 0 means expire immediately

	Channel string // Publish
	Message []byte // Publish

	Channels []string // Subscribe, Unsubscribe

	Name string // Unknown: the unrecognized command name, verbatim
}

// ErrProtocol marks a request shape that is a terminal protocol error:
// the caller should reply with an Error frame, if one fits, then close
// the connection.
var ErrProtocol = errors.New("command: protocol error")

// Parse converts a frame read off the wire into a Command. The frame
// must be an Array whose first element is a text Bulk naming the
// command; everything else is command-specific.
func Parse(f frame.Frame) (Command, error) {
	if f.Kind != frame.Array || len(f.Array) == 0 {
		return Command{}, fmt.Errorf("%w: expected a non-empty array", ErrProtocol)
	}
	name, err := text(f.Array[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: command name must be text: %s", ErrProtocol, err)
	}
	args := f.Array[1:]

	switch strings.ToUpper(name) {
	case "GET":
		return parseGet(args)
	case "SET":
		return parseSet(args)
	case "PUBLISH":
		return parsePublish(args)
	case "SUBSCRIBE":
		return parseSubscribe(args)
	case "UNSUBSCRIBE":
		return parseUnsubscribe(args)
	default:
		return Command{Kind: Unknown, Name: name}, nil
	}
}

func parseGet(args []frame.Frame) (Command, error) {
	if len(args) != 1 {
		return Command{}, fmt.Errorf("%w: GET takes exactly one key", ErrProtocol)
	}
	key, err := text(args[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: GET key must be text: %s", ErrProtocol, err)
	}
	return Command{Kind: Get, Key: key}, nil
}

func parseSet(args []frame.Frame) (Command, error) {
	if len(args) != 2 && len(args) != 4 {
		return Command{}, fmt.Errorf("%w: SET takes key, value and an optional EX/PX", ErrProtocol)
	}
	key, err := text(args[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: SET key must be text: %s", ErrProtocol, err)
	}
	value, err := bulk(args[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: SET value must be a bulk string: %s", ErrProtocol, err)
	}
	cmd := Command{Kind: Set, Key: key, Value: value}
	if len(args) == 4 {
		unit, err := text(args[2])
		if err != nil {
			return Command{}, fmt.Errorf("%w: SET expiry unit must be text: %s", ErrProtocol, err)
		}
		if args[3].Kind != frame.Integer {
			return Command{}, fmt.Errorf("%w: SET expiry amount must be an integer", ErrProtocol)
		}
		var ttl time.Duration
		switch strings.ToUpper(unit) {
		case "EX":
			ttl = time.Duration(args[3].Int) * time.Second
		case "PX":
			ttl = time.Duration(args[3].Int) * time.Millisecond
		default:
			return Command{}, fmt.Errorf("%w: unrecognized expiry unit %q", ErrProtocol, unit)
		}
		cmd.TTL = &ttl
	}
	return cmd, nil
}

func parsePublish(args []frame.Frame) (Command, error) {
	if len(args) != 2 {
		return Command{}, fmt.Errorf("%w: PUBLISH takes a channel and a message", ErrProtocol)
	}
	channel, err := text(args[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: PUBLISH channel must be text: %s", ErrProtocol, err)
	}
	message, err := bulk(args[1])
	if err != nil {
		return Command{}, fmt.Errorf("%w: PUBLISH message must be a bulk string: %s", ErrProtocol, err)
	}
	return Command{Kind: Publish, Channel: channel, Message: message}, nil
}

func parseSubscribe(args []frame.Frame) (Command, error) {
	if len(args) == 0 {
		return Command{}, fmt.Errorf("%w: SUBSCRIBE takes at least one channel", ErrProtocol)
	}
	channels, err := textList(args)
	if err != nil {
		return Command{}, fmt.Errorf("%w: SUBSCRIBE channel must be text: %s", ErrProtocol, err)
	}
	return Command{Kind: Subscribe, Channels: channels}, nil
}

func parseUnsubscribe(args []frame.Frame) (Command, error) {
	channels, err := textList(args)
	if err != nil {
		return Command{}, fmt.Errorf("%w: UNSUBSCRIBE channel must be text: %s", ErrProtocol, err)
	}
	return Command{Kind: Unsubscribe, Channels: channels}, nil
}

func textList(elems []frame.Frame) ([]string, error) {
	if len(elems) == 0 {
		return nil, nil
	}
	out := make([]string, len(elems))
	for i, el := range elems {
		s, err := text(el)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func text(f frame.Frame) (string, error) {
	if f.Kind != frame.Bulk {
		return "", fmt.Errorf("expected a bulk string, got kind %d", f.Kind)
	}
	if !utf8.Valid(f.Bulk) {
		return "", errors.New("bulk string is not valid UTF-8")
	}
	return string(f.Bulk), nil
}

func bulk(f frame.Frame) ([]byte, error) {
	if f.Kind != frame.Bulk {
		return nil, fmt.Errorf("expected a bulk string, got kind %d", f.Kind)
	}
	return f.Bulk, nil
}

// Frame encodes cmd back to its wire form. The server always encodes
// expirations as PX for millisecond precision, regardless of how the
// TTL was originally expressed.
func (c Command) Frame() frame.Frame {
	switch c.Kind {
	case Get:
		return frame.Arr(frame.BulkString("GET"), frame.BulkString(c.Key))
	case Set:
		items := []frame.Frame{frame.BulkString("SET"), frame.BulkString(c.Key), frame.BulkBytes(c.Value)}
		if c.TTL != nil {
			ms := uint64(*c.TTL / time.Millisecond)
			items = append(items, frame.BulkString("PX"), frame.Int(ms))
		}
		return frame.Arr(items...)
	case Publish:
		return frame.Arr(frame.BulkString("PUBLISH"), frame.BulkString(c.Channel), frame.BulkBytes(c.Message))
	case Subscribe:
		items := make([]frame.Frame, 0, len(c.Channels)+1)
		items = append(items, frame.BulkString("SUBSCRIBE"))
		for _, ch := range c.Channels {
			items = append(items, frame.BulkString(ch))
		}
		return frame.Arr(items...)
	case Unsubscribe:
		items := make([]frame.Frame, 0, len(c.Channels)+1)
		items = append(items, frame.BulkString("UNSUBSCRIBE"))
		for _, ch := range c.Channels {
			items = append(items, frame.BulkString(ch))
		}
		return frame.Arr(items...)
	default:
		return frame.Arr(frame.BulkString(c.Name))
	}
}
