// Package network implements the Peer Transport: it accepts TCP
// connections, frames traffic through the Packet Stream codec, and
// publishes decoded packets and connect/disconnect transitions onto the
// Event Bus.
package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/buildat-io/buildat"
	"github.com/buildat-io/buildat/internal/packet"
)

// ModuleName is the name this module registers under.
const ModuleName = "network"

// PeerID identifies one connected peer for the lifetime of the
// connection.
type PeerID int64

// PacketReceived is the payload of network:packet_received/<name>.
type PacketReceived struct {
	Sender PeerID
	Name   string
	Bytes  []byte
}

// ClientConnected is the payload of network:client_connected.
type ClientConnected struct{ Peer PeerID }

// ClientDisconnected is the payload of network:client_disconnected.
type ClientDisconnected struct{ Peer PeerID }

// Sender is the interface other modules use to address a connected peer.
// Obtained via Host.AccessModule(ctx, network.ModuleName, ...) and a type
// assertion, or via the Host's InterfaceProvider path.
type Sender interface {
	Send(peerID PeerID, name string, payload []byte) error
	Broadcast(name string, payload []byte)
	Peers() []PeerID
}

type peer struct {
	id   PeerID
	conn net.Conn

	writeMu sync.Mutex
	out     *packet.Outgoing

	decoder *packet.Decoder
}

// Module is the network module. It is registered with the Host via
// RegisterFactory(ModuleName, Meta(), network.New(listenAddr)).
type Module struct {
	listenAddr string

	host *buildat.Host

	mu       sync.Mutex
	listener net.Listener
	peers    map[PeerID]*peer
	nextID   int64

	stopped atomic.Bool
}

// New returns a Factory usable with Host.RegisterFactory; listenAddr is
// the TCP address to accept connections on (e.g. ":4000").
func New(listenAddr string) buildat.Factory {
	return func() buildat.Module {
		return &Module{
			listenAddr: listenAddr,
			peers:      make(map[PeerID]*peer),
		}
	}
}

// Meta describes the network module's dependencies: none — it is a leaf
// the rest of the system depends on.
func Meta() buildat.ModuleMeta { return buildat.ModuleMeta{} }

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(ctx context.Context, host *buildat.Host) error {
	m.host = host

	if adopted, peers, ok := adoptReloadedListener(host); ok {
		m.listener = adopted
		for _, p := range peers {
			m.peers[p.id] = p
			if int64(p.id) > m.nextID {
				m.nextID = int64(p.id)
			}
			go m.readLoop(p)
		}
	} else {
		ln, err := net.Listen("tcp", m.listenAddr)
		if err != nil {
			return fmt.Errorf("network: listen %s: %w", m.listenAddr, err)
		}
		m.listener = ln
	}

	go m.acceptLoop(m.listener)
	return nil
}

func (m *Module) Event(ctx context.Context, evt buildat.Event) error {
	switch m.host.Bus().Name(evt.Type) {
	case "core:unload":
		unload, _ := evt.Payload.(buildat.UnloadPayload)
		m.handleUnload(unload.WillReload)
	}
	return nil
}

func (m *Module) GetInterface() any { return Sender(m) }

func (m *Module) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.stopped.Load() {
				return
			}
			m.host.Logger().Warn("network: accept failed", "error", err)
			return
		}
		m.addPeer(conn)
	}
}

func (m *Module) addPeer(conn net.Conn) {
	id := PeerID(atomic.AddInt64(&m.nextID, 1))
	incoming := packet.NewIncoming()
	p := &peer{
		id:      id,
		conn:    conn,
		out:     packet.NewOutgoing(),
		decoder: packet.NewDecoder(incoming),
	}

	m.mu.Lock()
	m.peers[id] = p
	m.mu.Unlock()

	m.host.Logger().Info("network: client connected", "peer", id, "remote", conn.RemoteAddr())
	m.host.EmitNamed("network:client_connected", ClientConnected{Peer: id})
	m.host.NotifyCloudEvent(context.Background(), buildat.EventTypeClientConnected, map[string]any{"peer": int64(id)})

	go m.readLoop(p)
}

func (m *Module) readLoop(p *peer) {
	buf := make([]byte, 64*1024)
	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.decoder.Feed(buf[:n])
			for {
				decoded, derr := p.decoder.Next()
				if derr != nil {
					m.host.Logger().Warn("network: unknown packet type", "peer", p.id, "error", derr)
					continue
				}
				if decoded == nil {
					break
				}
				m.host.EmitNamed("network:packet_received/"+decoded.Name, PacketReceived{
					Sender: p.id,
					Name:   decoded.Name,
					Bytes:  decoded.Payload,
				})
			}
		}
		if err != nil {
			if m.stopped.Load() {
				// handleUnload already closed this connection (and, if
				// willReload, dup'd its fd for the successor); this is
				// the expected unblock, not a real disconnect.
				return
			}
			if err != io.EOF {
				m.host.Logger().Warn("network: read error", "peer", p.id, "error", err)
			}
			m.dropPeer(p.id, true)
			return
		}
	}
}

func (m *Module) dropPeer(id PeerID, closeConn bool) {
	m.mu.Lock()
	p, ok := m.peers[id]
	if ok {
		delete(m.peers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if closeConn {
		_ = p.conn.Close()
	}
	m.host.Logger().Info("network: client disconnected", "peer", id)
	m.host.EmitNamed("network:client_disconnected", ClientDisconnected{Peer: id})
	m.host.NotifyCloudEvent(context.Background(), buildat.EventTypeClientGone, map[string]any{"peer": int64(id)})
}

// Send encodes payload under name through peerID's outgoing packet stream
// and writes the resulting frames. A write failure drops the peer.
func (m *Module) Send(peerID PeerID, name string, payload []byte) error {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: peer %d", buildat.ErrPeerNotFound, peerID)
	}

	p.writeMu.Lock()
	frames := p.out.Encode(name, payload)
	_, err := p.conn.Write(frames)
	p.writeMu.Unlock()

	if err != nil {
		m.dropPeer(peerID, true)
		return fmt.Errorf("network: write to peer %d: %w", peerID, err)
	}
	return nil
}

// Broadcast sends name/payload to every currently connected peer,
// skipping (and logging) any individual write failure rather than
// aborting the whole broadcast.
func (m *Module) Broadcast(name string, payload []byte) {
	m.mu.Lock()
	ids := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Send(id, name, payload); err != nil {
			m.host.Logger().Warn("network: broadcast send failed", "peer", id, "error", err)
		}
	}
}

// Peers returns the ids of every currently connected peer, in no
// particular order.
func (m *Module) Peers() []PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	return ids
}

// handleUnload always stops this instance's accept/read loops — mirroring
// the original's unconditional m_thread->request_stop()+join() ahead of
// its conditional fd handling — and only conditionally hands the live
// sockets off to a successor. When willReload is true (ReloadModule), every
// socket's fd is dup'd via File() first (releaseReloadState, which never
// closes the original) so the successor can adopt it; the original
// net.Listener/net.Conn objects are then closed either way, which is what
// actually unblocks any goroutine parked in Accept or Read. When willReload
// is false (a standalone UnloadModule), nothing is dup'd, so the Close
// below is the only thing that happens to these sockets.
func (m *Module) handleUnload(willReload bool) {
	m.stopped.Store(true)

	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	listener := m.listener
	m.peers = make(map[PeerID]*peer)
	m.listener = nil
	m.mu.Unlock()

	if willReload {
		releaseReloadState(m.host, listener, peers)
	}

	if listener != nil {
		_ = listener.Close()
	}
	for _, p := range peers {
		_ = p.conn.Close()
	}
}
