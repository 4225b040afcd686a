package server

import (
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/broker"
	"github.com/jeklemann/csci4211-network-project/internal/wire"
)

// sendQueueLength bounds the number of frames buffered for a slow
// subscriber; once the queue is full, Send drops further frames
// instead of blocking the sender.
const sendQueueLength = 64

// conn is one accepted TCP connection: a reader goroutine that
// decodes frames and dispatches them to the broker, and a writer
// goroutine that serialises all outbound frames onto the socket. This
// split mirrors the teacher's IncomingConn reader()/writer() pair so
// that concurrent Send calls from fan-out never race on conn.
type conn struct {
	id     uuid.UUID
	nc     net.Conn
	log    *zap.Logger
	broker *broker.Broker
	bc     *broker.Conn

	out chan string
}

func newConn(nc net.Conn, b *broker.Broker, log *zap.Logger) *conn {
	id := uuid.New()
	c := &conn{
		id:     id,
		nc:     nc,
		log:    log.With(zap.String("conn_id", id.String())),
		broker: b,
		out:    make(chan string, sendQueueLength),
	}
	c.bc = &broker.Conn{Sender: c}
	return c
}

// Send implements broker.Sender. It is called from this connection's
// own reader goroutine (replies, replay) and from other connections'
// handler invocations (fan-out); either way it only ever enqueues.
func (c *conn) Send(frame string) {
	select {
	case c.out <- frame:
	default:
		// Outbound queue full: the client is not draining fast enough.
		// Drop this frame rather than blocking the sender
		// indefinitely (spec §5: send is "best-effort
		// non-blocking-friendly").
		c.log.Warn("outbound queue full, dropping frame")
	}
}

// run drives this connection to completion: it starts the writer,
// reads and dispatches frames until the socket closes, then tears
// down state regardless of why the loop ended.
func (c *conn) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop()

	// Disconnect first, while onlineMu still serializes us against any
	// in-flight fan-out: once it returns, the broker holds no reference
	// to c.bc under that name and will never call Send again, so it is
	// safe to close the outbound queue out from under the writer.
	c.broker.Disconnect(c.bc)

	close(c.out)
	<-writerDone

	c.nc.Close()
	c.log.Info("connection closed", zap.String("name", c.bc.Name))
}

func (c *conn) readLoop() {
	scanner := wire.NewScanner(c.nc)
	for {
		fields, err := scanner.Next()
		if err != nil {
			if errors.Is(err, wire.ErrOversize) {
				c.log.Warn("dropped oversize frame")
				continue
			}
			if errors.Is(err, io.EOF) {
				c.log.Info("peer closed connection")
			} else if isResetOrClosed(err) {
				c.log.Info("connection reset", zap.Error(err))
			} else {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		if c.dispatch(fields) {
			return
		}
	}
}

func (c *conn) writeLoop() {
	for frame := range c.out {
		if _, err := io.WriteString(c.nc, frame); err != nil {
			c.log.Warn("write error", zap.Error(err))
			return
		}
	}
}

// dispatch routes a decoded frame by its command token: first field
// for DISC, second field for CONN/SUB/PUB (spec §4.4). It returns true
// when the connection should stop reading, which is the case only for
// DISC: the worker then closes the socket and runs offline migration.
func (c *conn) dispatch(fields []string) bool {
	if len(fields) == 0 {
		return false
	}
	if fields[0] == "DISC" {
		c.broker.HandleDisc(c.bc)
		return true
	}
	if len(fields) < 2 {
		return false
	}
	switch fields[1] {
	case "CONN":
		c.broker.HandleConn(c.bc, fields)
	case "SUB":
		c.broker.HandleSub(c.bc, fields)
	case "PUB":
		c.broker.HandlePub(c.bc, fields)
	default:
		c.log.Debug("unknown command, dropping frame", zap.Strings("fields", fields))
	}
	return false
}

func isResetOrClosed(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
