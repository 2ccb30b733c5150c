package network

import (
	"sync"

	"github.com/gitzhang10/subchain/config"
)

// SimHub connects in-process SimTransports for tests: one per simulated
// node, addressed by ip.
type SimHub struct {
	mu         sync.Mutex
	transports map[string]*SimTransport

	// DropFrame, when set, is consulted per frame; returning true drops it.
	DropFrame func(fromIP, toIP string) bool
}

func NewSimHub() *SimHub {
	return &SimHub{transports: make(map[string]*SimTransport)}
}

// SetPacketLoss installs a drop hook losing the given percentage of frames.
// Drops are spread deterministically: of every 100 frames, the first
// `percent` are lost.
func (h *SimHub) SetPacketLoss(percent int) {
	if percent <= 0 {
		h.mu.Lock()
		h.DropFrame = nil
		h.mu.Unlock()
		return
	}
	var counter int
	h.mu.Lock()
	h.DropFrame = func(fromIP, toIP string) bool {
		drop := counter%100 < percent
		counter++
		return drop
	}
	h.mu.Unlock()
}

// Join creates the transport for one simulated node.
func (h *SimHub) Join(ip string) *SimTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &SimTransport{
		hub:        h,
		ip:         ip,
		inboundCh:  make(chan Inbound, 4096),
		shutdownCh: make(chan struct{}),
	}
	h.transports[ip] = t
	return t
}

func (h *SimHub) deliver(fromIP, toIP string, frame []byte) error {
	h.mu.Lock()
	target := h.transports[toIP]
	drop := h.DropFrame != nil && h.DropFrame(fromIP, toIP)
	h.mu.Unlock()

	if target == nil {
		return ErrTransportClosed
	}
	if drop {
		return nil
	}

	copied := make([]byte, len(frame))
	copy(copied, frame)
	select {
	case target.inboundCh <- Inbound{Frame: copied, FromIP: fromIP}:
		return nil
	case <-target.shutdownCh:
		return ErrTransportClosed
	}
}

// SimTransport is the in-process Transport of one simulated node.
type SimTransport struct {
	hub        *SimHub
	ip         string
	inboundCh  chan Inbound
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

func (t *SimTransport) Send(peer *config.NodeInfo, frame []byte) error {
	select {
	case <-t.shutdownCh:
		return ErrTransportClosed
	default:
	}
	return t.hub.deliver(t.ip, peer.IP, frame)
}

func (t *SimTransport) Receive() <-chan Inbound {
	return t.inboundCh
}

func (t *SimTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.shutdownCh)
		t.hub.mu.Lock()
		delete(t.hub.transports, t.ip)
		t.hub.mu.Unlock()
	})
	return nil
}
