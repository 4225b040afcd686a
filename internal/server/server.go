// Package server implements the connection worker described in spec
// §4.4: an accept loop that spawns one worker per TCP connection, each
// owning its socket, parsing frames, and dispatching to the broker.
package server

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"

	"github.com/jeklemann/csci4211-network-project/internal/broker"
)

// Server owns the listening socket and the broker it dispatches to.
type Server struct {
	log    *zap.Logger
	broker *broker.Broker
}

// New creates a Server bound to an already-constructed broker.
func New(log *zap.Logger, b *broker.Broker) *Server {
	return &Server{log: log, broker: b}
}

// Serve runs the accept loop until ctx is cancelled or the listener
// fails for a reason other than that cancellation. It does not return
// an error on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		c := newConn(nc, s.broker, s.log)
		c.log.Info("accepted connection", zap.String("remote", nc.RemoteAddr().String()))
		go c.run()
	}
}
