package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parkcheolu/mini-redis/command"
	"github.com/parkcheolu/mini-redis/frame"
)

type subscription struct {
	messages    chan []byte
	unsubscribe func()
}

// Listener is a registry for <https://redis.io/topics/pubsub>. The Errs
// channel MUST be read continuously until closed. Broken connection
// states cause automated reconnects and resubscription.
//
// Multiple goroutines may invoke methods on a Listener simultaneously.
type Listener struct {
	// Errs reports connection loss; closed on Close.
	Errs <-chan error
	errs chan error

	closed chan struct{}
	ctx    context.Context
	cancel func()

	addr        string
	dialTimeout time.Duration

	mutex sync.Mutex
	fc    *frame.Conn
	// requested subscription state
	subs   map[string]subscription
	unsubs map[string]struct{}
	// actual subscription state; touched only from the read routine
	channels map[string]chan []byte
}

// NewListener launches a managed connection dedicated to pub/sub. It
// does not share a connection with c's own GET/SET/PUBLISH pipeline,
// since SUBSCRIBE is a one-way transition on the wire.
func (c *Client) NewListener() *Listener {
	errs := make(chan error)
	l := &Listener{
		Errs:        errs,
		errs:        errs,
		closed:      make(chan struct{}),
		addr:        c.Addr,
		dialTimeout: c.dialTimeout,
		subs:        make(map[string]subscription),
		unsubs:      make(map[string]struct{}),
		channels:    make(map[string]chan []byte),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())

	go l.connectLoop()

	return l
}

// Close terminates connection establishment. All subscription/message
// channels are closed, and so is Listener.Errs.
func (l *Listener) Close() error {
	l.mutex.Lock()
	l.cancel()
	fc := l.fc
	l.mutex.Unlock()

	var err error
	if fc != nil {
		err = fc.Close()
	}

	<-l.closed
	return err
}

func (l *Listener) connectLoop() {
	defer func() {
		close(l.errs)
		for _, sub := range l.subs {
			close(sub.messages)
		}
		close(l.closed)
	}()

	var reconnectDelay time.Duration
	for {
		fc, err := dial(l.addr, l.dialTimeout)
		if err != nil {
			if l.ctx.Err() != nil {
				return // terminated by Close
			}

			retry := time.NewTimer(reconnectDelay)
			l.errs <- fmt.Errorf("redis: listener offline due %w", err)

			reconnectDelay = 2*reconnectDelay + time.Millisecond
			if reconnectDelay > DialDelayMax {
				reconnectDelay = DialDelayMax
			}
			<-retry.C
			continue
		}
		reconnectDelay = 0

		l.mutex.Lock()
		if l.ctx.Err() != nil {
			l.mutex.Unlock()
			fc.Close()
			return
		}
		l.fc = fc

		for name := range l.unsubs {
			delete(l.unsubs, name)
			if sub, ok := l.subs[name]; ok {
				delete(l.subs, name)
				close(sub.messages)
			}
		}
		l.mutex.Unlock()

		if len(l.subs) != 0 {
			channels := make([]string, 0, len(l.subs))
			for name := range l.subs {
				channels = append(channels, name)
			}
			l.submit(fc, command.Command{Kind: command.Subscribe, Channels: channels})
		}

		err = l.receiveLoop(fc)
		l.mutex.Lock()
		l.fc = nil
		l.mutex.Unlock()
		if l.ctx.Err() == nil {
			l.errs <- err
		}
		fc.Close()

		for name := range l.channels {
			delete(l.channels, name)
		}
	}
}

func (l *Listener) receiveLoop(fc *frame.Conn) error {
	for {
		p, err := decodePush(fc)
		if err != nil {
			return err
		}

		switch p.kind {
		case "message":
			if ch, ok := l.channels[p.channel]; ok {
				ch <- p.payload
			}

		case "subscribe":
			if _, ok := l.channels[p.channel]; !ok {
				l.mutex.Lock()
				if sub, ok := l.subs[p.channel]; ok {
					l.channels[p.channel] = sub.messages
				}
				l.mutex.Unlock()
			}

		case "unsubscribe":
			delete(l.channels, p.channel)

			l.mutex.Lock()
			sub, ok := l.subs[p.channel]
			delete(l.subs, p.channel)
			delete(l.unsubs, p.channel)
			l.mutex.Unlock()

			if ok {
				close(sub.messages)
			}
		}
	}
}

// submit either sends cmd, or causes a reconnect.
func (l *Listener) submit(fc *frame.Conn, cmd command.Command) {
	if err := fc.WriteFrame(cmd.Frame()); err != nil {
		if l.ctx.Err() == nil {
			l.errs <- err
			fc.Close()
		}
	}
}

// SUBSCRIBE executes <https://redis.io/commands/subscribe>. The
// Listener automatically resubscribes (until UNSUBSCRIBE) on
// reconnect.
//
// Publications to channel are sent to messages in submission order.
// Blocking sends on messages hold up the connection.
func (l *Listener) SUBSCRIBE(channel string) (messages <-chan []byte, unsubscribe func()) {
	sub := subscription{
		messages: make(chan []byte),
		unsubscribe: func() {
			l.mutex.Lock()
			l.unsubs[channel] = struct{}{}
			fc := l.fc
			l.mutex.Unlock()

			if fc != nil {
				l.submit(fc, command.Command{Kind: command.Unsubscribe, Channels: []string{channel}})
			}
		},
	}

	l.mutex.Lock()
	if current, ok := l.subs[channel]; ok {
		sub = current
	} else {
		l.subs[channel] = sub
	}
	fc := l.fc
	l.mutex.Unlock()

	if fc != nil {
		l.submit(fc, command.Command{Kind: command.Subscribe, Channels: []string{channel}})
	}

	return sub.messages, sub.unsubscribe
}
