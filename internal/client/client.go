// Package client implements the client-side correlator described in
// spec §4.5: a registry of pending waiters keyed by expected ACK
// token, a receive worker that dispatches incoming frames to the
// matching waiter or prints unsolicited PUB frames, and a reaper that
// expires stale waiters. It multiplexes the REPL's synchronous CONN
// and SUB calls over the one asynchronous socket.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/wire"
)

// ErrTimeout is returned by Call when no matching reply arrived within
// the waiter's TTL; the caller (REPL) treats this as the specific
// operation having failed, per spec §4.5 step 6 / §7 taxonomy item 5.
var ErrTimeout = errors.New("client: timed out waiting for reply")

// Conn is a connection to the broker plus its correlator.
type Conn struct {
	nc  net.Conn
	log *zap.Logger

	waiters *waiterList

	// Stdout/Stderr receive unsolicited frames (PUB fan-out and
	// server-reported errors, spec §4.5 step 4). Tests substitute
	// buffers; cmd/mqttc wires real os.Stdout/os.Stderr.
	Stdout io.Writer
	Stderr io.Writer

	done chan struct{}
}

// Dial connects to the broker at addr and starts the receive worker.
func Dial(log *zap.Logger, addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := New(log, nc)
	return c, nil
}

// New wraps an already-established connection. It starts the receive
// worker immediately.
func New(log *zap.Logger, nc net.Conn) *Conn {
	c := &Conn{
		nc:      nc,
		log:     log,
		waiters: newWaiterList(),
		Stdout:  io.Discard,
		Stderr:  io.Discard,
		done:    make(chan struct{}),
	}
	go c.recvLoop()
	return c
}

// Close shuts down the underlying socket; the receive worker exits on
// the resulting read error.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// Done is closed once the receive worker has exited (peer closed the
// connection or a transport error occurred).
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Call sends a request frame and blocks for the matching reply,
// identified by expectedToken at argument position 0 (spec §4.5 steps
// 1-4). It returns ErrTimeout if the waiter expires first.
func (c *Conn) Call(expectedToken string, fields ...string) ([]string, error) {
	w := c.waiters.add(expectedToken)

	if _, err := io.WriteString(c.nc, wire.Encode(fields...)); err != nil {
		c.waiters.cancel(w)
		return nil, err
	}

	result := <-w.result
	if result == nil {
		return nil, ErrTimeout
	}
	return result, nil
}

// Send writes a request frame without registering a waiter. PUB is
// fire-and-forget from the REPL's perspective (spec §4.5 lists PUB
// among the REPL's sends but only CONN and SUB rendezvous on a
// waiter); the publisher's own echo arrives back as an ordinary
// unsolicited PUB frame and is printed like any other.
func (c *Conn) Send(fields ...string) error {
	_, err := io.WriteString(c.nc, wire.Encode(fields...))
	return err
}

// Publish sends a PUB frame for name/topic/payload.
func (c *Conn) Publish(name, topic, payload string) error {
	return c.Send(name, "PUB", topic, payload)
}

// recvLoop decodes frames from the socket and either resolves a
// waiting Call or prints the frame as unsolicited output. The reaper
// is folded into this loop's wake-up logic (spec §9): the socket read
// deadline tracks the earliest waiter's expiry, defaulting to 5s when
// there are none, so the loop wakes up in time to reap even when the
// peer is silent.
func (c *Conn) recvLoop() {
	defer close(c.done)
	scanner := wire.NewScanner(c.nc)

	for {
		c.armDeadline()

		fields, err := scanner.Next()
		if err != nil {
			if errors.Is(err, wire.ErrOversize) {
				fmt.Fprintln(c.Stderr, "server error: oversize frame dropped")
				continue
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				c.reapExpired()
				continue
			}
			if errors.Is(err, io.EOF) {
				c.reapAll()
				return
			}
			fmt.Fprintln(c.Stderr, "server error:", err)
			c.reapAll()
			return
		}

		c.reapExpired()

		if w := c.waiters.dispatch(fields); w != nil {
			w.result <- fields
			continue
		}

		c.printUnsolicited(fields)
	}
}

func (c *Conn) armDeadline() {
	deadline, ok := c.waiters.nextDeadline()
	if !ok {
		deadline = time.Now().Add(defaultTimeout)
	}
	c.nc.SetReadDeadline(deadline)
}

func (c *Conn) reapExpired() {
	for _, w := range c.waiters.reap(time.Now()) {
		w.result <- nil
	}
}

func (c *Conn) reapAll() {
	for _, w := range c.waiters.reap(time.Now().Add(24 * time.Hour)) {
		w.result <- nil
	}
}

// printUnsolicited implements spec §4.5 step 4's fallback: a 4-field
// PUB frame is printed as "[sender] [topic]: payload"; anything else
// unmatched is a single-token server error printed to stderr.
func (c *Conn) printUnsolicited(fields []string) {
	if len(fields) == 4 && fields[1] == "PUB" {
		fmt.Fprintf(c.Stdout, "[%s] [%s]: %s\n", fields[0], fields[2], fields[3])
		return
	}
	fmt.Fprintln(c.Stderr, strings.Join(fields, ", "))
}
