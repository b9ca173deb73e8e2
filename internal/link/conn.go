package link

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/valyala/bytebufferpool"
	"github.com/vk/servicesd/internal/metrics"
	"github.com/vk/servicesd/internal/protocol"
)

const (
	maxLineBytes = 16 * 1024
	writeBatch   = 32
	inboundDepth = 256
)

// ErrClosed is returned when sending on a connection that has gone away.
var ErrClosed = errors.New("link closed")

// Conn is one live uplink connection.
type Conn struct {
	nc      net.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics
	out     *queue.Queue
	pending atomic.Int64
	in      chan protocol.Message
	done    chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newConn(nc net.Conn, logger *slog.Logger, m *metrics.Metrics) *Conn {
	c := &Conn{
		nc:      nc,
		logger:  logger,
		metrics: m,
		out:     queue.New(64),
		in:      make(chan protocol.Message, inboundDepth),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

// Send queues msgs for writing, in order.
func (c *Conn) Send(msgs ...protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	items := make([]interface{}, len(msgs))
	for i, m := range msgs {
		items[i] = m
	}
	c.pending.Add(int64(len(items)))
	if err := c.out.Put(items...); err != nil {
		c.pending.Add(-int64(len(items)))
		return ErrClosed
	}
	return nil
}

// Inbound delivers parsed lines. It is never closed; select on Done.
func (c *Conn) Inbound() <-chan protocol.Message {
	return c.in
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended. It is nil while the connection is
// up and after a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// RemoteAddr returns the uplink address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close drops the connection without flushing.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

// Shutdown waits until queued lines are written, then closes. The wait
// ends early when ctx expires.
func (c *Conn) Shutdown(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.pending.Load() > 0 {
		select {
		case <-c.done:
			return c.Err()
		case <-ctx.Done():
			c.fail(nil)
			return ctx.Err()
		case <-ticker.C:
		}
	}
	c.fail(nil)
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.out.Dispose()
		_ = c.nc.Close()
		if err != nil {
			c.logger.Warn("Link connection lost.", "remote", c.nc.RemoteAddr().String(), "error", err)
		} else {
			c.logger.Debug("Link connection closed.", "remote", c.nc.RemoteAddr().String())
		}
	})
}

func (c *Conn) readLoop() {
	sc := bufio.NewScanner(c.nc)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		msg := protocol.Parse(sc.Text())
		if msg.Command == "" {
			continue
		}
		c.metrics.LinkLine("in", 1)
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	c.fail(err)
}

func (c *Conn) writeLoop() {
	for {
		items, err := c.out.Get(writeBatch)
		if err != nil {
			return
		}
		buf := bytebufferpool.Get()
		for _, it := range items {
			buf.B = it.(protocol.Message).AppendLine(buf.B)
		}
		_, werr := c.nc.Write(buf.B)
		bytebufferpool.Put(buf)
		c.pending.Add(-int64(len(items)))
		if werr != nil {
			if errors.Is(werr, net.ErrClosed) {
				werr = nil
			}
			c.fail(werr)
			return
		}
		c.metrics.LinkLine("out", len(items))
	}
}
