package registry

import (
	"errors"
	"sync"

	"github.com/sava-anti-ddos/sav-d/internal/protocol"
)

// ErrQueueFull is returned when a peer's send queue cannot take another envelope.
var ErrQueueFull = errors.New("registry: peer queue full")

// ErrPeerClosed is returned when enqueueing to a peer whose writer has shut down.
var ErrPeerClosed = errors.New("registry: peer closed")

// Peer is the send handle for one device connection. The connection's writer
// goroutine drains Out; all producers enqueue through Send so the framed
// length prefix and body are never interleaved on the stream.
type Peer struct {
	Addr      string
	Out       chan protocol.Envelope
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewPeer allocates a send handle with the given queue depth.
func NewPeer(addr string, depth int) *Peer {
	if depth <= 0 {
		depth = 64
	}
	return &Peer{
		Addr:   addr,
		Out:    make(chan protocol.Envelope, depth),
		Closed: make(chan struct{}),
	}
}

// Send enqueues an envelope without blocking. A full queue drops the envelope.
func (p *Peer) Send(e protocol.Envelope) error {
	if p.Closing() {
		return ErrPeerClosed
	}
	select {
	case p.Out <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close signals the peer's writer to exit (idempotent).
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.Closed)
	})
}

// Closing reports whether Close has been called.
func (p *Peer) Closing() bool {
	select {
	case <-p.Closed:
		return true
	default:
		return false
	}
}
