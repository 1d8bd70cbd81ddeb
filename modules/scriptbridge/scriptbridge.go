// Package scriptbridge implements the core:run_script passthrough: the
// core forwards this packet without interpreting it, re-publishing it as
// an internal event for whatever module embeds an actual script engine.
package scriptbridge

import (
	"context"

	"github.com/buildat-io/buildat"
	"github.com/buildat-io/buildat/modules/network"
)

// ModuleName is the name this module registers under.
const ModuleName = "scriptbridge_stub"

// Module relays network:packet_received/core:run_script onto
// core:run_script without looking at the payload.
type Module struct {
	host *buildat.Host
}

// New returns a Factory usable with Host.RegisterFactory.
func New() buildat.Factory {
	return func() buildat.Module { return &Module{} }
}

// Meta declares the dependency on network: there is nothing to relay
// without it.
func Meta() buildat.ModuleMeta {
	return buildat.ModuleMeta{
		Dependencies: []buildat.DependencyMeta{{Module: network.ModuleName}},
	}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(ctx context.Context, host *buildat.Host) error {
	m.host = host
	host.SubEvent(ModuleName, host.Bus().Type("network:packet_received/core:run_script"))
	return nil
}

func (m *Module) Event(ctx context.Context, evt buildat.Event) error {
	if m.host.Bus().Name(evt.Type) != "network:packet_received/core:run_script" {
		return nil
	}
	p, ok := evt.Payload.(network.PacketReceived)
	if !ok {
		return nil
	}
	m.host.Logger().Debug("scriptbridge_stub: relaying core:run_script unevaluated", "peer", p.Sender, "bytes", len(p.Bytes))
	m.host.EmitNamed("core:run_script", p)
	return nil
}
