// Package repl implements the client-side command loop described in
// spec §4.5 step 1-3 and §6: read a user command, issue the matching
// correlated request, and print the outcome. Terminal I/O and prompt
// formatting are out of scope collaborators (spec §1); this package
// only parses already-read lines and drives internal/client.
package repl

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/client"
)

// ErrContainsComma is returned when a user-entered command contains a
// literal ',' which would break frame field separation (spec §6).
var ErrContainsComma = errors.New("repl: command cannot contain ','")

// REPL drives one client session: connecting under a name, then
// looping on SUB/PUB/DISC commands until DISC or EOF.
type REPL struct {
	conn   *client.Conn
	log    *zap.Logger
	out    io.Writer
	errOut io.Writer
}

// New wires a REPL on top of an already-dialed correlator connection.
func New(log *zap.Logger, conn *client.Conn, out, errOut io.Writer) *REPL {
	return &REPL{conn: conn, log: log, out: out, errOut: errOut}
}

// Connect issues CONN for name and reports whether it was accepted.
// On timeout it returns false with no error so the caller can
// re-prompt for a different name (spec §8 S6).
func (r *REPL) Connect(name string) (bool, error) {
	if strings.Contains(name, ",") {
		return false, ErrContainsComma
	}
	_, err := r.conn.Call("CONN_ACK", name, "CONN")
	if errors.Is(err, client.ErrTimeout) {
		fmt.Fprintln(r.out, "This name cannot be used. Pick another")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Dispatch parses one REPL line and executes it. ok is false once the
// session should end (a successful DISC, or an unrecoverable error).
func (r *REPL) Dispatch(name, line string) (ok bool, err error) {
	if strings.Contains(line, ",") {
		fmt.Fprintln(r.errOut, ErrContainsComma)
		return true, nil
	}

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true, nil
	}

	switch strings.ToUpper(fields[0]) {
	case "SUB":
		return r.dispatchSub(name, fields)
	case "PUB":
		return r.dispatchPub(name, fields)
	case "DISC":
		return r.dispatchDisc()
	default:
		fmt.Fprintf(r.errOut, "unknown command: %s\n", fields[0])
		return true, nil
	}
}

func (r *REPL) dispatchSub(name string, fields []string) (bool, error) {
	if len(fields) < 2 {
		fmt.Fprintln(r.errOut, "usage: SUB <topic>")
		return true, nil
	}
	topic := fields[1]
	_, err := r.conn.Call("SUB_ACK", name, "SUB", topic)
	switch {
	case errors.Is(err, client.ErrTimeout):
		fmt.Fprintln(r.out, "subscribe timed out")
	case err != nil:
		return false, err
	default:
		fmt.Fprintf(r.out, "subscribed to %s\n", topic)
	}
	return true, nil
}

func (r *REPL) dispatchPub(name string, fields []string) (bool, error) {
	if len(fields) < 3 {
		fmt.Fprintln(r.errOut, "usage: PUB <topic> <message...>")
		return true, nil
	}
	topic := fields[1]
	payload := strings.Join(fields[2:], " ")

	if err := r.conn.Publish(name, topic, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (r *REPL) dispatchDisc() (bool, error) {
	if err := r.conn.Send("DISC"); err != nil {
		return false, err
	}
	fmt.Fprintln(r.out, "disconnected")
	return false, nil
}
