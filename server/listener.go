package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/parkcheolu/mini-redis/db"
	"github.com/parkcheolu/mini-redis/frame"
	"github.com/parkcheolu/mini-redis/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxConnections bounds the number of simultaneously accepted
// connections.
const MaxConnections = 250

// Listener owns the accept socket, the admission permit, and the
// graceful-shutdown orchestration for every handler it spawns.
type Listener struct {
	ln      net.Listener
	db      *db.Database
	sem     *semaphore.Weighted
	group   *errgroup.Group
	log     zerolog.Logger
	metrics *metrics.Metrics

	shutdown shutdownSignal
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, database *db.Database, log zerolog.Logger, m *metrics.Metrics) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mini-redis: listen %s: %w", addr, err)
	}
	return &Listener{
		ln:       ln,
		db:       database,
		sem:      semaphore.NewWeighted(MaxConnections),
		group:    &errgroup.Group{},
		log:      log,
		metrics:  m,
		shutdown: newShutdownSignal(),
	}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Serve runs the accept loop until ctx is canceled, then orchestrates
// graceful shutdown: every handler's shutdown signal fires, and Serve
// does not return until every handler has returned.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.shutdown.fire()
		l.ln.Close()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 64 * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	atMax := false

	for {
		if err := l.sem.Acquire(context.Background(), 1); err != nil {
			return err
		}

		conn, err := l.ln.Accept()
		if err != nil {
			l.sem.Release(1)

			select {
			case <-l.shutdown.C():
				return l.group.Wait()
			default:
			}

			if atMax {
				return fmt.Errorf("mini-redis: accept failed after max back-off: %w", err)
			}
			wait := b.NextBackOff()
			if wait >= b.MaxInterval {
				atMax = true
			}
			l.log.Error().Err(err).Dur("retry_in", wait).Msg("transient accept error")
			time.Sleep(wait)
			continue
		}
		atMax = false
		b.Reset()

		l.metrics.ConnectionsActive.Inc()
		fc := frame.NewConn(conn)
		released := false
		releaseOnce := func() {
			if released {
				return
			}
			released = true
			l.sem.Release(1)
			l.metrics.ConnectionsActive.Dec()
		}
		h := newHandler(fc, l.db, l.shutdown, l.log, l.metrics, releaseOnce)
		l.group.Go(func() error {
			h.Serve()
			return nil
		})
	}
}

// Shutdown fires the shutdown signal and closes the accept socket
// without waiting for handlers to drain; callers that want to block
// until drain is complete should cancel the context passed to Serve
// instead and let it return.
func (l *Listener) Shutdown() {
	l.shutdown.fire()
	l.ln.Close()
}
