// Package buildat implements the module host: the runtime that loads
// extension modules, wires them together through a publish/subscribe event
// bus, and exposes a thread-safe access discipline to their interfaces.
//
// A module is the basic building block of a buildat server. It encapsulates
// a piece of functionality — networking, content distribution, world state —
// and interacts with the rest of the server only through the Host: by
// subscribing to events, emitting events, and exposing an interface that
// other modules reach through AccessModule.
package buildat

import "context"

// Module is the interface every loaded extension implements.
//
// Init is called once, immediately after construction, while the module's
// container mutex is held. It should subscribe to events and otherwise
// prepare the module for operation; it must not block.
//
// Event delivers a single event to the module. It runs with the module's
// container mutex held, so the module's own state needs no additional
// locking. A non-nil error is logged by the caller and does not stop
// delivery to other subscribers.
type Module interface {
	Name() string
	Init(ctx context.Context, host *Host) error
	Event(ctx context.Context, evt Event) error
}

// InterfaceProvider is implemented by modules that expose a typed interface
// for other modules to consume through AccessModule. GetInterface returns
// that interface value, or nil if the module has none to offer.
type InterfaceProvider interface {
	GetInterface() any
}

// DependencyAware is implemented by modules whose ModuleMeta is computed in
// code rather than read from a meta.yaml/meta.json file on disk. The Host
// does not look for this interface: the builtin modules that ship with the
// host hand their ModuleMeta to RegisterFactory through a package-level
// Meta function, and modules on disk are described by the metadata file
// alongside them (see LoadFileMeta).
type DependencyAware interface {
	ModuleMeta() ModuleMeta
}

// Factory constructs a fresh Module instance. Because this implementation
// links all modules statically (see DESIGN.md, "Dynamic module plugins"),
// a Host learns how to build a named module by registering a Factory for it
// rather than loading a shared object from disk.
type Factory func() Module
