// Package loader resolves and loads the server's required module set at
// startup: it reads meta.yaml/meta.json from the builtin and user module
// roots, feeds the merged metadata to the dependency resolver, and calls
// Host.LoadModule for each name in the resulting order.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildat-io/buildat"
)

// ModuleName is the name this module registers under.
const ModuleName = "loader"

// Module drives the initial load sequence. It does not itself run
// anything after Init: its entire job is the one-time resolve-and-load
// pass.
type Module struct {
	host     *buildat.Host
	required []string
}

// New returns a Factory usable with Host.RegisterFactory. required is the
// full set of module names the server needs loaded at startup, in
// whatever order the caller finds natural — the resolver determines the
// actual load order.
func New(required []string) buildat.Factory {
	return func() buildat.Module { return &Module{required: required} }
}

// Meta declares no dependencies: the loader itself must be loadable
// before anything it is responsible for loading.
func Meta() buildat.ModuleMeta { return buildat.ModuleMeta{} }

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(ctx context.Context, host *buildat.Host) error {
	m.host = host
	m.loadMetaFiles(host)

	order, err := host.Resolve(m.required)
	if err != nil {
		host.Logger().Error("loader: dependency resolution failed", "error", err)
		host.Shutdown(1, err.Error())
		return nil
	}

	for _, name := range order {
		path := m.pathFor(host, name)
		if err := host.LoadModule(ctx, name, path); err != nil {
			host.Logger().Error("loader: failed to load module", "module", name, "path", path, "error", err)
			host.Shutdown(1, fmt.Sprintf("failed to load module %s: %v", name, err))
			return nil
		}
	}
	return nil
}

func (m *Module) Event(ctx context.Context, evt buildat.Event) error { return nil }

// loadMetaFiles reads meta.yaml/meta.json for every directory under the
// builtin and user module roots and installs it on the Host, so Resolve
// sees dependency declarations for modules that were registered with
// RegisterFactory using only a zero-value ModuleMeta (or not registered
// via code at all, for names that exist on disk but have no statically
// linked factory — those still fail later at LoadModule with
// ErrFactoryNotFound, logged and fatal, since this build links modules
// statically rather than compiling them on demand).
func (m *Module) loadMetaFiles(host *buildat.Host) {
	for _, root := range []string{host.BuiltinModulesPath(), host.ModulesPath()} {
		if root == "" {
			continue
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			meta, err := buildat.LoadFileMeta(dir)
			if err != nil {
				continue
			}
			host.SetModuleMeta(entry.Name(), meta)
		}
	}
}

func (m *Module) pathFor(host *buildat.Host, name string) string {
	if host.BuiltinModulesPath() != "" {
		candidate := filepath.Join(host.BuiltinModulesPath(), name)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return filepath.Join(host.ModulesPath(), name)
}
