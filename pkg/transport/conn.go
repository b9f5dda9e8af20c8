// Package transport moves framed engine messages over persistent TCP
// connections: one inbound stream per peer served by the engine's
// acceptor, and one outbound handle per site member.
package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/wire"
)

// Conn wraps a negotiated connection. Reads are owned by a single
// reader; writes are serialized by a mutex so replies from different
// tasks interleave at frame granularity.
type Conn struct {
	nc    net.Conn
	r     *bufio.Reader
	w     *bufio.Writer
	proto site.ProtoVersion

	wmu    sync.Mutex
	closed bool
}

// Dial connects and negotiates, for clients that talk to the engine
// from outside the group.
func Dial(addr string, myMax site.ProtoVersion, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	c := newConn(nc, myMax)
	common, err := Negotiate(c, myMax)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.proto = common
	return c, nil
}

func newConn(nc net.Conn, proto site.ProtoVersion) *Conn {
	return &Conn{
		nc:    nc,
		r:     bufio.NewReaderSize(nc, 64<<10),
		w:     bufio.NewWriterSize(nc, 64<<10),
		proto: proto,
	}
}

// Proto is the negotiated protocol version.
func (c *Conn) Proto() site.ProtoVersion { return c.proto }

// RemoteAddr is the peer's address.
func (c *Conn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

// Read blocks for the next message on the stream.
func (c *Conn) Read() (*paxos.Msg, error) {
	for {
		_, m, err := wire.ReadMsg(c.r)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue // non-normal frame mid-stream, skip
		}
		return m, nil
	}
}

// Write frames and sends one message, flushing immediately.
func (c *Conn) Write(m *paxos.Msg) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wire.WriteMsg(c.w, c.proto, m); err != nil {
		return err
	}
	return c.w.Flush()
}

// Close shuts the connection down.
func (c *Conn) Close() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.nc.Close()
}
