//go:build !unix

package network

import (
	"net"

	"github.com/buildat-io/buildat"
)

// releaseReloadState is a no-op on platforms without fd dup/hand-off
// support (net.TCPConn/.TCPListener.File() requires it): it stores nothing
// for a successor to adopt, so handleUnload's unconditional Close of every
// socket after calling this really does drop existing connections on a hot
// reload, instead of migrating them the way reload_unix.go does.
func releaseReloadState(host *buildat.Host, listener net.Listener, peers []*peer) {
	if len(peers) > 0 || listener != nil {
		host.Logger().Warn("network: fd hand-off across reload is not supported on this platform; existing connections will be dropped")
	}
}

func adoptReloadedListener(host *buildat.Host) (net.Listener, []*peer, bool) {
	return nil, nil, false
}
