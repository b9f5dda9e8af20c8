package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"paxcom/pkg/site"
	"paxcom/pkg/wire"
)

// Negotiate runs the client side of the version handshake on a fresh
// connection.
func Negotiate(c *Conn, myMax site.ProtoVersion) (site.ProtoVersion, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wire.Handshake(&bufioReadWriter{c}, myMax)
}

// ConnHandler serves one accepted connection. It owns the connection
// and must close it.
type ConnHandler interface {
	ServeConn(ctx context.Context, c *Conn)
}

// Server accepts inbound connections, answers the version handshake and
// hands each negotiated connection to the handler.
type Server struct {
	Addr    string
	MyMax   site.ProtoVersion
	MyMin   site.ProtoVersion
	Handler ConnHandler

	ln net.Listener
	wg sync.WaitGroup
}

// Start begins listening. Returns the bound address, useful when Addr
// asked for an ephemeral port.
func (s *Server) Start(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return "", fmt.Errorf("listen %s: %w", s.Addr, err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop(ctx)
	slog.Info("transport listening", "addr", ln.Addr().String())
	return ln.Addr().String(), nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("accept failed", "err", err)
			return
		}
		if tc, ok := nc.(*net.TCPConn); ok {
			_ = tc.SetNoDelay(true)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveOne(ctx, nc)
		}()
	}
}

func (s *Server) serveOne(ctx context.Context, nc net.Conn) {
	c := newConn(nc, s.MyMax)
	common, err := wire.Accept(&bufioReadWriter{c}, s.MyMax, s.MyMin)
	if err != nil {
		_ = nc.Close()
		return
	}
	c.proto = common
	s.Handler.ServeConn(ctx, c)
}

// Stop closes the listener and waits for connection handlers started by
// the accept loop to return.
func (s *Server) Stop() {
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.wg.Wait()
}

// bufioReadWriter adapts Conn's buffered streams to io.ReadWriter for
// the handshake, flushing after every write.
type bufioReadWriter struct{ c *Conn }

func (b *bufioReadWriter) Read(p []byte) (int, error) { return b.c.r.Read(p) }

func (b *bufioReadWriter) Write(p []byte) (int, error) {
	n, err := b.c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, b.c.w.Flush()
}
