// Package endpoint implements the Endpoint collaborator contract
// (spec.md §6: "send([candidate], [bytes]) -> bool, get_address() ->
// (host, port), total_up / total_down") and a UDP socket
// implementation of it built around a single receive loop.
package endpoint

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/triblerteam/dispersy/candidate"
	"github.com/triblerteam/dispersy/logging"
)

// Endpoint is the transport collaborator a node sends through and
// receives from; swappable for tests (spec.md §1's "every external
// system as a collaborator").
type Endpoint interface {
	// Send writes packet to every candidate in cands, returning false
	// if none of the writes succeeded.
	Send(cands []*candidate.Address, packet []byte) bool
	// GetAddress reports this endpoint's own bound (host, port).
	GetAddress() (string, int)
	TotalUp() int64
	TotalDown() int64
}

// Handler processes one received packet from addr.
type Handler func(from candidate.Address, packet []byte)

// UDPEndpoint is a net.UDPConn-backed Endpoint, the default transport
// a node runs against in production (cmd/dispersynode).
type UDPEndpoint struct {
	conn *net.UDPConn
	log  logging.Logger

	totalUp   int64
	totalDown int64

	handler Handler
}

// Open binds a UDP socket at bindAddr (e.g. ":7759"). The socket isn't
// read from until Listen is called.
func Open(bindAddr string, log logging.Logger) (*UDPEndpoint, error) {
	if log == nil {
		log = logging.NoOp()
	}
	addr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	return &UDPEndpoint{conn: conn, log: log}, nil
}

// Listen runs the receive loop until ctx is cancelled, invoking
// handler for every datagram read. maxPacketSize bounds the read
// buffer; oversized datagrams are silently truncated by the kernel
// same as the original's raw socket recv.
func (e *UDPEndpoint) Listen(ctx context.Context, maxPacketSize int, handler Handler) error {
	e.handler = handler
	buf := make([]byte, maxPacketSize)
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = e.conn.Close()
		close(done)
	}()
	for {
		n, raddr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
				e.log.Warn("endpoint: read failed", "error", err)
				continue
			}
		}
		atomic.AddInt64(&e.totalDown, int64(n))
		packet := make([]byte, n)
		copy(packet, buf[:n])
		if e.handler != nil {
			e.handler(candidate.Address{Host: raddr.IP.String(), Port: raddr.Port}, packet)
		}
	}
}

// Send implements Endpoint.
func (e *UDPEndpoint) Send(cands []*candidate.Address, packet []byte) bool {
	sent := false
	for _, c := range cands {
		if c == nil || !c.IsValid() {
			continue
		}
		addr := &net.UDPAddr{IP: net.ParseIP(c.Host), Port: c.Port}
		n, err := e.conn.WriteToUDP(packet, addr)
		if err != nil {
			e.log.Warn("endpoint: write failed", "candidate", c.String(), "error", err)
			continue
		}
		atomic.AddInt64(&e.totalUp, int64(n))
		sent = true
	}
	return sent
}

// GetAddress implements Endpoint.
func (e *UDPEndpoint) GetAddress() (string, int) {
	addr := e.conn.LocalAddr().(*net.UDPAddr)
	return addr.IP.String(), addr.Port
}

func (e *UDPEndpoint) TotalUp() int64   { return atomic.LoadInt64(&e.totalUp) }
func (e *UDPEndpoint) TotalDown() int64 { return atomic.LoadInt64(&e.totalDown) }

// Close releases the underlying socket.
func (e *UDPEndpoint) Close() error { return e.conn.Close() }
