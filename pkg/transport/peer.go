package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"paxcom/pkg/paxos"
	"paxcom/pkg/site"
	"paxcom/pkg/synode"
	"paxcom/pkg/wire"
)

const (
	initialConnectWait  = 100 * time.Millisecond
	connectWaitIncrease = 200 * time.Millisecond
	maxConnectWait      = 3 * time.Second

	sendQueueLen = 1024
)

// ReplyHandler receives messages arriving on an outbound connection:
// acks, learns and need_boot requests from the peer.
type ReplyHandler interface {
	HandleReply(p *Peer, m *paxos.Msg)
}

// Peer is the outbound handle to one site member. It owns a send queue
// and reconnects forever with increasing backoff; transient transport
// errors never surface to the engine.
type Peer struct {
	NodeNo synode.NodeNo
	Addr   string

	mu          sync.Mutex
	conn        *Conn
	unreachable bool

	// FastSkipAllowedForKill is set when the peer's connection died
	// hard, letting the executor take the fast no-op path for the
	// peer's slots.
	fastSkipAllowedForKill bool

	// Ping bookkeeping for pre_process_incoming_ping.
	LastPingReceived time.Time
	PingsReceived    int

	out     chan *paxos.Msg
	proto   site.ProtoVersion
	handler ReplyHandler

	lastProtoWarn time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeer creates a handle and starts its sender and reply reader.
func NewPeer(n synode.NodeNo, addr string, myMax site.ProtoVersion, handler ReplyHandler) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		NodeNo:  n,
		Addr:    addr,
		out:     make(chan *paxos.Msg, sendQueueLen),
		proto:   myMax,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Send enqueues a message. A full queue drops the message: the protocol
// recovers lost messages through retries and reads.
func (p *Peer) Send(m *paxos.Msg) {
	select {
	case p.out <- m:
	default:
		slog.Debug("peer send queue full, dropping", "to", p.Addr, "op", m.Op)
	}
}

// Unreachable reports whether the last connection attempt failed.
func (p *Peer) Unreachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreachable
}

// FastSkipAllowed reports a hard-dead peer.
func (p *Peer) FastSkipAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fastSkipAllowedForKill
}

// Invalidate drops the connection of a peer excluded by a forced
// configuration. Nothing else is marked; the run loop reconnects.
func (p *Peer) Invalidate() {
	p.ShutdownConn()
}

// ShutdownConn drops the current connection; the run loop reconnects.
func (p *Peer) ShutdownConn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
	p.unreachable = true
}

// Close stops the peer for good.
func (p *Peer) Close() {
	p.cancel()
	p.ShutdownConn()
	p.wg.Wait()
}

func (p *Peer) run() {
	defer p.wg.Done()
	wait := initialConnectWait
	for p.ctx.Err() == nil {
		conn, err := p.dial()
		if err != nil {
			if errors.Is(err, wire.ErrUnknownProto) {
				// Warn at most once every ten minutes per peer.
				if time.Since(p.lastProtoWarn) > 10*time.Minute {
					slog.Warn("protocol mismatch with peer", "to", p.Addr)
					p.lastProtoWarn = time.Now()
				}
			}
			p.mu.Lock()
			p.unreachable = true
			p.fastSkipAllowedForKill = true
			p.mu.Unlock()
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(wait):
			}
			wait += connectWaitIncrease
			if wait > maxConnectWait {
				wait = maxConnectWait
			}
			continue
		}
		wait = initialConnectWait
		p.mu.Lock()
		p.conn = conn
		p.unreachable = false
		p.fastSkipAllowedForKill = false
		p.mu.Unlock()
		slog.Debug("peer connected", "to", p.Addr)

		p.serve(conn)

		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		_ = conn.Close()
	}
}

func (p *Peer) dial() (*Conn, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	nc, err := d.DialContext(p.ctx, "tcp", p.Addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	c := newConn(nc, p.proto)
	// Negotiate before anything else crosses the wire.
	common, err := Negotiate(c, p.proto)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.proto = common
	return c, nil
}

// serve pumps the send queue and reads replies until the connection
// dies.
func (p *Peer) serve(conn *Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			m, err := conn.Read()
			if err != nil {
				p.mu.Lock()
				p.fastSkipAllowedForKill = true
				p.mu.Unlock()
				return
			}
			if p.handler != nil {
				p.handler.HandleReply(p, m)
			}
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			_ = conn.Close()
			<-done
			return
		case <-done:
			return
		case m := <-p.out:
			if err := conn.Write(m); err != nil {
				slog.Debug("peer write failed", "to", p.Addr, "err", err)
				_ = conn.Close()
				<-done
				return
			}
		}
	}
}
