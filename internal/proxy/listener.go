package proxy

import (
	"context"
	"fmt"
	"net"

	"ai-anonymizing-proxy/internal/logger"
)

// Listener binds the proxy's plaintext listening socket (component G) and
// spawns one handler goroutine per accepted connection. It never blocks on
// any single connection.
type Listener struct {
	handler *Handler
	log     *logger.Logger
	ln      net.Listener
}

// NewListener wires a Listener around an already-built Handler.
func NewListener(handler *Handler, log *logger.Logger) *Listener {
	return &Listener{handler: handler, log: log}
}

// Start binds host:port and accepts connections until ctx is cancelled or
// Stop is called. It blocks until the accept loop exits.
func (l *Listener) Start(ctx context.Context, host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	l.ln = ln
	l.log.Infof("listen", "listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			l.log.Warnf("accept", "accept error: %v", err)
			return err
		}
		go l.handler.Handle(conn)
	}
}

// Stop closes the listening socket, unblocking Start's accept loop.
func (l *Listener) Stop() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
