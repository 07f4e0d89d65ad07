package redis

import (
	"fmt"
	"net"
	"time"

	"github.com/parkcheolu/mini-redis/command"
	"github.com/parkcheolu/mini-redis/frame"
)

// DialDelayMax is the idle limit for automated reconnect attempts.
// Sequential failure with connection establishment increases the retry
// delay in steps from zero to 500ms.
const DialDelayMax = time.Second / 2

// queueSize bounds the number of pending requests awaiting their turn
// to read a reply.
const queueSize = 128

// Client manages a connection to a mini-redis server until Close. Broken
// connection states cause automated reconnects.
//
// Multiple goroutines may invoke methods on a Client simultaneously.
// Command invocation pipelines on concurrency.
type Client struct {
	// Addr is the normalized server address in use. Read-only.
	Addr string

	noCopy noCopy

	commandTimeout time.Duration
	dialTimeout    time.Duration

	// connSem is used as a write lock: whoever holds the single token
	// may write the next request and decide who reads the next reply.
	connSem chan *redisConn

	// readQueue hands the connection's *frame.Conn to pending requests
	// in pipeline order. A nil receive means connection loss.
	readQueue chan chan<- *frame.Conn
}

// NewClient launches a managed connection to a server address. The host
// defaults to localhost, and the port defaults to 6379; the empty
// string defaults to "localhost:6379".
//
// A nonzero commandTimeout limits execution duration per command; expiry
// causes a reconnect and a net.Error with Timeout() true. dialTimeout
// limits connection establishment and defaults to one second when zero.
func NewClient(addr string, commandTimeout, dialTimeout time.Duration) *Client {
	addr = normalizeAddr(addr)
	if dialTimeout == 0 {
		dialTimeout = time.Second
	}

	c := &Client{
		Addr:           addr,
		commandTimeout: commandTimeout,
		dialTimeout:    dialTimeout,
		connSem:        make(chan *redisConn, 1),
		readQueue:      make(chan chan<- *frame.Conn, queueSize),
	}

	go c.connectOrClosed()

	return c
}

// redisConn is the token passed through connSem: the write lock and the
// connection's current state in one value.
type redisConn struct {
	fc      *frame.Conn // nil when offline
	offline error       // reason for connection absence
	idle    bool        // true: no read routine owns fc right now
}

// Close terminates connection establishment. Command submission after
// Close returns ErrClosed. Calling Close more than once has no effect.
func (c *Client) Close() error {
	conn := <-c.connSem // lock write
	if conn.offline == ErrClosed {
		c.connSem <- conn // restore; redundant invocation
		return nil
	}

	c.connSem <- &redisConn{offline: ErrClosed} // stop submission, unlocks write
	c.cancelQueueWithWriteLocked()

	if conn.fc != nil {
		return conn.fc.Close()
	}
	return nil
}

// connectOrClosed populates the connection semaphore.
func (c *Client) connectOrClosed() {
	var retryDelay time.Duration
	for {
		fc, err := dial(c.Addr, c.dialTimeout)
		if err != nil {
			retry := time.NewTimer(retryDelay)

			if retryDelay != 0 {
				current := <-c.connSem
				if current.offline == ErrClosed {
					c.connSem <- current
					retry.Stop()
					return
				}
			}
			c.connSem <- &redisConn{offline: fmt.Errorf("redis: offline due %w", err)}

			retryDelay = 2*retryDelay + time.Millisecond
			if retryDelay > DialDelayMax {
				retryDelay = DialDelayMax
			}
			<-retry.C
			continue
		}

		if retryDelay != 0 {
			current := <-c.connSem
			if current.offline == ErrClosed {
				c.connSem <- current
				fc.Close()
				return
			}
		}

		c.connSem <- &redisConn{fc: fc, idle: true}
		return
	}
}

func dial(addr string, dialTimeout time.Duration) (*frame.Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetLinger(0)
	}
	return frame.NewConn(nc), nil
}

func (c *Client) cancelQueueWithWriteLocked() {
	for n := len(c.readQueue); n > 0; n-- {
		(<-c.readQueue) <- nil
	}
}

// exchange sends cmd and then awaits its turn, in pipeline order, to
// read the reply.
func (c *Client) exchange(cmd command.Command) (*frame.Conn, error) {
	conn := <-c.connSem // lock write

	if err := conn.offline; err != nil {
		c.connSem <- conn
		return nil, err
	}

	var deadline time.Time
	if c.commandTimeout != 0 {
		deadline = time.Now().Add(c.commandTimeout)
		conn.fc.SetWriteDeadline(deadline)
	}

	if err := conn.fc.WriteFrame(cmd.Frame()); err != nil {
		go func(conn *redisConn) {
			c.cancelQueueWithWriteLocked()
			conn.fc.Close()
			c.connectOrClosed()
		}(conn)
		return nil, err
	}

	idle := conn.idle
	conn.idle = false
	var recv chan *frame.Conn
	if !idle {
		recv = make(chan *frame.Conn, 1)
		c.readQueue <- recv
	}

	c.connSem <- conn // unlock write

	fc := conn.fc
	if !idle {
		fc = <-recv
		if fc == nil {
			return nil, errConnLost
		}
	}

	if !deadline.IsZero() {
		fc.SetReadDeadline(deadline)
	}
	return fc, nil
}

func (c *Client) commandOK(cmd command.Command) error {
	fc, err := c.exchange(cmd)
	if err != nil {
		return err
	}
	err = decodeOK(fc)
	c.passRead(fc, err)
	return err
}

func (c *Client) commandInteger(cmd command.Command) (int64, error) {
	fc, err := c.exchange(cmd)
	if err != nil {
		return 0, err
	}
	n, err := decodeInteger(fc)
	c.passRead(fc, err)
	return n, err
}

func (c *Client) commandBulk(cmd command.Command) ([]byte, error) {
	fc, err := c.exchange(cmd)
	if err != nil {
		return nil, err
	}
	b, err := decodeBulk(fc)
	c.passRead(fc, err)
	if err == errNull {
		return nil, nil
	}
	return b, err
}

// passRead hands fc to the next queued request, or marks it idle when
// nothing is waiting.
func (c *Client) passRead(fc *frame.Conn, err error) {
	switch err {
	case nil, errNull:
	default:
		if _, ok := err.(ServerError); !ok {
			c.dropConnFromRead(fc)
			return
		}
	}

	select {
	case next := <-c.readQueue:
		next <- fc
		return
	default:
	}

	select {
	case next := <-c.readQueue:
		next <- fc

	case conn := <-c.connSem:
		select {
		case next := <-c.readQueue:
			next <- fc
		default:
			conn.idle = true
		}
		c.connSem <- conn
	}
}

// dropConnFromRead tears down the connection after an I/O error on read
// and starts reconnecting.
func (c *Client) dropConnFromRead(fc *frame.Conn) {
	for {
		select {
		case next := <-c.readQueue:
			next <- nil

		case conn := <-c.connSem:
			if conn.offline != nil {
				c.connSem <- conn // already offline or closed
				return
			}
			go func() {
				c.cancelQueueWithWriteLocked()
				fc.Close()
				c.connectOrClosed()
			}()
			return
		}
	}
}

// noCopy may be embedded into structs which must not be copied after
// first use. See https://golang.org/issues/8005#issuecomment-190753527.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
