//go:build unix

package network

import (
	"encoding/binary"
	"net"
	"os"

	"github.com/buildat-io/buildat"
	"github.com/buildat-io/buildat/internal/packet"
)

// reloadStateKey is the Transient Store key the network module stores its
// released file descriptors under across a hot reload.
const reloadStateKey = "network:fds"

// fdEntry pairs a peer id (or -1 for the listening socket) with a raw file
// descriptor released from this instance for the successor to adopt.
type fdEntry struct {
	peerID int64
	fd     uint64
}

// releaseReloadState dup's every live socket's fd via File() — which does
// not close the original — then discards the duplicated *os.File values
// without closing them either, so the underlying descriptors keep
// running independent of both this instance and its sockets. The raw fd
// numbers are handed to the successor through the Transient Store.
func releaseReloadState(host *buildat.Host, listener net.Listener, peers []*peer) {
	var entries []fdEntry

	if tcpListener, ok := listener.(*net.TCPListener); ok {
		if f, err := tcpListener.File(); err == nil {
			entries = append(entries, fdEntry{peerID: -1, fd: uint64(f.Fd())})
		} else {
			host.Logger().Warn("network: could not release listener fd for reload", "error", err)
		}
	}

	for _, p := range peers {
		tcpConn, ok := p.conn.(*net.TCPConn)
		if !ok {
			continue
		}
		f, err := tcpConn.File()
		if err != nil {
			host.Logger().Warn("network: could not release peer fd for reload", "peer", p.id, "error", err)
			continue
		}
		entries = append(entries, fdEntry{peerID: int64(p.id), fd: uint64(f.Fd())})
	}

	host.TmpStoreData(reloadStateKey, encodeFDEntries(entries))
}

// adoptReloadedListener reconstructs the listener and peer set from a
// predecessor instance's released descriptors, if any were stored.
func adoptReloadedListener(host *buildat.Host) (net.Listener, []*peer, bool) {
	data := host.TmpRestoreData(reloadStateKey)
	if len(data) == 0 {
		return nil, nil, false
	}
	entries, err := decodeFDEntries(data)
	if err != nil {
		host.Logger().Warn("network: discarding malformed reload state", "error", err)
		return nil, nil, false
	}

	var listener net.Listener
	var peers []*peer
	for _, e := range entries {
		f := os.NewFile(uintptr(e.fd), "buildat-network-fd")
		if e.peerID < 0 {
			ln, err := net.FileListener(f)
			_ = f.Close()
			if err != nil {
				host.Logger().Warn("network: failed to adopt listener fd", "error", err)
				continue
			}
			listener = ln
			continue
		}
		conn, err := net.FileConn(f)
		_ = f.Close()
		if err != nil {
			host.Logger().Warn("network: failed to adopt peer fd", "peer", e.peerID, "error", err)
			continue
		}
		peers = append(peers, &peer{
			id:      PeerID(e.peerID),
			conn:    conn,
			out:     packet.NewOutgoing(),
			decoder: packet.NewDecoder(packet.NewIncoming()),
		})
	}
	if listener == nil {
		return nil, nil, false
	}
	return listener, peers, true
}

// encodeFDEntries frames each entry through the Packet Stream's generic
// frame encoder (type id unused, always 0) purely as a compact
// length-prefixed container — reusing the wire codec rather than adding a
// second serialization format just for reload state.
func encodeFDEntries(entries []fdEntry) []byte {
	var out []byte
	for _, e := range entries {
		payload := make([]byte, 16)
		binary.LittleEndian.PutUint64(payload[0:8], uint64(e.peerID))
		binary.LittleEndian.PutUint64(payload[8:16], e.fd)
		out = append(out, packet.Encode(0, payload)...)
	}
	return out
}

func decodeFDEntries(data []byte) ([]fdEntry, error) {
	var entries []fdEntry
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, packet.ErrMalformed
		}
		length := binary.LittleEndian.Uint32(data[2:6])
		total := 6 + int(length)
		if len(data) < total || length != 16 {
			return nil, packet.ErrMalformed
		}
		payload := data[6:total]
		entries = append(entries, fdEntry{
			peerID: int64(binary.LittleEndian.Uint64(payload[0:8])),
			fd:     binary.LittleEndian.Uint64(payload[8:16]),
		})
		data = data[total:]
	}
	return entries, nil
}
