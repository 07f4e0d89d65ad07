package server

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/parkcheolu/mini-redis/command"
	"github.com/parkcheolu/mini-redis/db"
	"github.com/parkcheolu/mini-redis/frame"
	"github.com/parkcheolu/mini-redis/metrics"
	"github.com/parkcheolu/mini-redis/pubsub"
	"github.com/rs/zerolog"
)

// Handler runs the per-connection command loop and, after the first
// SUBSCRIBE, the subscriber sub-loop. One Handler per accepted
// connection; it never outlives its connection.
type Handler struct {
	conn     *frame.Conn
	db       *db.Database
	shutdown shutdownSignal
	log      zerolog.Logger
	metrics  *metrics.Metrics
	release  func()
}

func newHandler(c *frame.Conn, d *db.Database, sd shutdownSignal, log zerolog.Logger, m *metrics.Metrics, release func()) *Handler {
	return &Handler{conn: c, db: d, shutdown: sd, log: log, metrics: m, release: release}
}

// Serve runs the handler to completion. It always returns; the permit
// it was constructed with is released exactly once, even on panic.
func (h *Handler) Serve() {
	defer h.release()
	defer h.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Interface("panic", r).Str("remote", h.remoteAddr()).Msg("handler panic recovered")
		}
	}()

	resultCh := make(chan frameResult, 1)
	go h.readFrame(resultCh)

	for {
		select {
		case <-h.shutdown.C():
			return
		case res := <-resultCh:
			if res.err != nil {
				h.logReadErr(res.err)
				return
			}
			cont := h.handleFrame(res.frame)
			if !cont {
				return
			}
			resultCh = make(chan frameResult, 1)
			go h.readFrame(resultCh)
		}
	}
}

type frameResult struct {
	frame frame.Frame
	err   error
}

func (h *Handler) readFrame(out chan<- frameResult) {
	f, err := h.conn.ReadFrame()
	out <- frameResult{f, err}
}

func (h *Handler) remoteAddr() string {
	if a := h.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "?"
}

func (h *Handler) logReadErr(err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	h.log.Debug().Err(err).Str("remote", h.remoteAddr()).Msg("connection closed")
}

// handleFrame parses and applies one command-mode frame, returning
// whether the handler should keep reading.
func (h *Handler) handleFrame(f frame.Frame) bool {
	cmd, err := command.Parse(f)
	if err != nil {
		h.conn.WriteFrame(frame.ErrorString("ERR " + err.Error()))
		return false
	}

	switch cmd.Kind {
	case command.Subscribe:
		h.runSubscriber(cmd.Channels)
		return false
	case command.Unsubscribe:
		h.conn.WriteFrame(frame.ErrorString("ERR UNSUBSCRIBE without SUBSCRIBE"))
		return false
	default:
		h.apply(cmd)
		return true
	}
}

func (h *Handler) apply(cmd command.Command) {
	if h.metrics != nil {
		h.metrics.CommandsTotal.WithLabelValues(cmd.Kind.String()).Inc()
	}
	switch cmd.Kind {
	case command.Get:
		v, ok := h.db.Get(cmd.Key)
		if !ok {
			h.conn.WriteFrame(frame.NullFrame())
			return
		}
		h.conn.WriteFrame(frame.BulkBytes(v))
	case command.Set:
		h.db.Set(cmd.Key, cmd.Value, cmd.TTL)
		h.conn.WriteFrame(frame.SimpleString("OK"))
	case command.Publish:
		n := h.db.Publish(cmd.Channel, cmd.Message)
		h.conn.WriteFrame(frame.Int(uint64(n)))
	default: // Unknown
		h.conn.WriteFrame(frame.ErrorString(fmt.Sprintf("ERR unknown command '%s'", cmd.Name)))
	}
}

type subEntry struct {
	sub  *pubsub.Subscription
	done chan struct{}
}

type subEvent struct {
	channel  string
	delivery pubsub.Delivery
}

// runSubscriber is the subscriber sub-loop: once entered the connection
// never returns to command mode.
func (h *Handler) runSubscriber(initial []string) {
	subs := make(map[string]subEntry)
	fanIn := make(chan subEvent, 64)
	globalDone := make(chan struct{})
	defer func() {
		close(globalDone)
		for ch, e := range subs {
			close(e.done)
			h.db.Unsubscribe(ch, e.sub)
		}
	}()

	add := func(channels []string) {
		for _, ch := range channels {
			if _, ok := subs[ch]; ok {
				continue
			}
			sub := h.db.Subscribe(ch)
			entry := subEntry{sub: sub, done: make(chan struct{})}
			subs[ch] = entry
			h.forward(ch, entry, fanIn, globalDone)
			h.conn.WriteFrame(frame.Arr(
				frame.BulkString("subscribe"),
				frame.BulkString(ch),
				frame.Int(uint64(len(subs))),
			))
		}
	}
	add(initial)

	resultCh := make(chan frameResult, 1)
	go h.readFrame(resultCh)

	for {
		select {
		case <-h.shutdown.C():
			return

		case ev := <-fanIn:
			if ev.delivery.Lagged {
				continue
			}
			if h.metrics != nil {
				h.metrics.CommandsTotal.WithLabelValues("message").Inc()
			}
			h.conn.WriteFrame(frame.Arr(
				frame.BulkString("message"),
				frame.BulkString(ev.channel),
				frame.BulkBytes(ev.delivery.Payload),
			))

		case res := <-resultCh:
			if res.err != nil {
				h.logReadErr(res.err)
				return
			}
			cmd, err := command.Parse(res.frame)
			if err != nil {
				h.conn.WriteFrame(frame.ErrorString("ERR " + err.Error()))
				return
			}

			switch cmd.Kind {
			case command.Subscribe:
				add(cmd.Channels)
			case command.Unsubscribe:
				h.unsubscribe(subs, cmd.Channels)
			default:
				h.conn.WriteFrame(frame.ErrorString("ERR unknown command in subscriber mode"))
			}

			resultCh = make(chan frameResult, 1)
			go h.readFrame(resultCh)
		}
	}
}

func (h *Handler) unsubscribe(subs map[string]subEntry, requested []string) {
	targets := requested
	if len(targets) == 0 {
		targets = make([]string, 0, len(subs))
		for ch := range subs {
			targets = append(targets, ch)
		}
		sort.Strings(targets)
	}
	for _, ch := range targets {
		e, ok := subs[ch]
		if !ok {
			continue
		}
		close(e.done)
		h.db.Unsubscribe(ch, e.sub)
		delete(subs, ch)
		h.conn.WriteFrame(frame.Arr(
			frame.BulkString("unsubscribe"),
			frame.BulkString(ch),
			frame.Int(uint64(len(subs))),
		))
	}
}

// forward pumps one subscription's deliveries into the handler's shared
// fan-in channel, so a dynamic set of subscriptions can still be raced
// against frame reads and shutdown with a single select.
func (h *Handler) forward(channel string, e subEntry, fanIn chan<- subEvent, globalDone <-chan struct{}) {
	go func() {
		for {
			select {
			case d := <-e.sub.C():
				select {
				case fanIn <- subEvent{channel, d}:
				case <-e.done:
					return
				case <-globalDone:
					return
				}
			case <-e.done:
				return
			case <-globalDone:
				return
			}
		}
	}()
}
