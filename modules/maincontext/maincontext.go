// Package maincontext implements the minimal bootstrap module: once every
// other required module has been loaded by the loader, it fires
// core:start so other modules can begin their normal-operation behavior.
package maincontext

import (
	"context"

	"github.com/buildat-io/buildat"
)

// ModuleName is the name this module registers under.
const ModuleName = "main_context"

// Module has no state of its own; it exists purely to mark "everything is
// loaded, begin" with a single event.
type Module struct {
	host *buildat.Host
}

// New returns a Factory usable with Host.RegisterFactory.
func New() buildat.Factory {
	return func() buildat.Module { return &Module{} }
}

// Meta declares no dependencies: the loader is expected to place
// main_context last in its required set so core:start fires once
// everything else has had a chance to subscribe.
func Meta() buildat.ModuleMeta { return buildat.ModuleMeta{} }

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(ctx context.Context, host *buildat.Host) error {
	m.host = host
	host.EmitNamed("core:start", nil)
	return nil
}

func (m *Module) Event(ctx context.Context, evt buildat.Event) error { return nil }
