package buildat

import (
	"context"
	"fmt"
	"sync"
)

// moduleRecord is what the Host keeps per registered (not necessarily
// loaded) module name: how to build it and what it depends on.
type moduleRecord struct {
	factory Factory
	meta    ModuleMeta
}

// Host is the Module Host (spec.md §4.2): it owns the set of loaded
// modules, serializes access to each one through its Container, and runs
// the Event Bus's drain loop. Reload preserves event subscriptions across
// the dying↔new instance boundary by routing state through a
// TransientStore rather than through the host itself.
type Host struct {
	logger Logger
	bus    *EventBus

	modulesPath       string
	builtinModulesPath string

	mu        sync.RWMutex
	records   map[string]*moduleRecord  // registered factories, by name
	modules   map[string]*Container     // currently loaded, by name
	pending   map[string]struct{}       // unload requests awaiting the next drain boundary

	transient *TransientStore
	observers *CloudEventSubject

	shutdownMu sync.Mutex
	shutdown   *ShutdownSignal
}

// HostOption configures a Host at construction time.
type HostOption func(*Host)

// WithModulesPath sets the on-disk root for user-supplied modules
// (spec.md §6.3).
func WithModulesPath(path string) HostOption {
	return func(h *Host) { h.modulesPath = path }
}

// WithBuiltinModulesPath sets the on-disk root for builtin module
// metadata/client_data.
func WithBuiltinModulesPath(path string) HostOption {
	return func(h *Host) { h.builtinModulesPath = path }
}

// NewHost constructs an empty Host. logger may be nil (defaults to a
// no-op logger); every Host owns its own TypeRegistry and EventBus rather
// than sharing process-wide singletons, so that independent Hosts (as in
// tests) never interfere with one another.
func NewHost(logger Logger, opts ...HostOption) *Host {
	if logger == nil {
		logger = NopLogger{}
	}
	h := &Host{
		logger:    logger,
		bus:       NewEventBus(NewTypeRegistry(), logger),
		records:   make(map[string]*moduleRecord),
		modules:   make(map[string]*Container),
		pending:   make(map[string]struct{}),
		transient: NewTransientStore(),
		observers: NewCloudEventSubject(),
	}
	return h
}

// Logger returns the Host's logger, for builtin modules that want to log
// consistently with the host.
func (h *Host) Logger() Logger { return h.logger }

// Bus returns the Host's EventBus, for callers that need the raw Type/Name
// lookups without going through a module.
func (h *Host) Bus() *EventBus { return h.bus }

// ModulesPath returns the configured user-modules root.
func (h *Host) ModulesPath() string { return h.modulesPath }

// BuiltinModulesPath returns the configured builtin-modules root.
func (h *Host) BuiltinModulesPath() string { return h.builtinModulesPath }

// Observers returns the Host's CloudEvents Subject, so diagnostic tooling
// can register an Observer without the Event Bus itself depending on
// CloudEvents (observer.go, observer_cloudevents.go).
func (h *Host) Observers() *CloudEventSubject { return h.observers }

// NotifyCloudEvent mirrors a single lifecycle moment onto the Host's
// CloudEvents Subject. It is best-effort: Observer errors are dropped (see
// CloudEventSubject.NotifyObservers) and never affect the primary Event
// Bus. Builtin modules use this for events an external dashboard might
// care about but that don't otherwise need a CloudEvents-shaped payload on
// the Event Bus itself, e.g. network:client_connected.
func (h *Host) NotifyCloudEvent(ctx context.Context, eventType string, data map[string]any) {
	_ = h.observers.NotifyObservers(ctx, NewLifecycleCloudEvent("buildat://host", eventType, data))
}

// RegisterFactory associates name with a Factory and its ModuleMeta, so
// that Resolve and LoadModule can find it later. This replaces the
// original's "build a .cpp file with an embedded compiler" step: modules
// here are linked statically and merely need to be known to the host
// before LoadModule("name", ...) is called (DESIGN.md, "Dynamic module
// plugins").
func (h *Host) RegisterFactory(name string, meta ModuleMeta, factory Factory) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[name] = &moduleRecord{factory: factory, meta: meta}
}

// SetModuleMeta overrides the ModuleMeta recorded for name, e.g. after
// reading meta.yaml for a module discovered on disk by the loader module.
func (h *Host) SetModuleMeta(name string, meta ModuleMeta) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[name]
	if !ok {
		h.records[name] = &moduleRecord{meta: meta}
		return
	}
	rec.meta = meta
}

// Resolve computes a load order for required using the ModuleMeta recorded
// via RegisterFactory/SetModuleMeta (spec.md §4.3).
func (h *Host) Resolve(required []string) ([]string, error) {
	h.mu.RLock()
	metas := make(map[string]ModuleMeta, len(h.records))
	for name, rec := range h.records {
		metas[name] = rec.meta
	}
	h.mu.RUnlock()
	return NewResolver(h.logger).Resolve(required, metas)
}

// LoadModule constructs the module registered under name (via its Factory),
// registers it, calls Init, and emits core:module_loaded. It fails if name
// is already loaded or was never registered with RegisterFactory.
func (h *Host) LoadModule(ctx context.Context, name, path string) error {
	h.mu.Lock()
	if _, loaded := h.modules[name]; loaded {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModuleAlreadyLoaded, name)
	}
	rec, ok := h.records[name]
	if !ok || rec.factory == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrFactoryNotFound, name)
	}
	if len(rec.meta.CxxFlags) > 0 || len(rec.meta.LDFlags) > 0 {
		h.logger.Warn("module declares native build flags, ignored by statically-linked host",
			"module", name)
	}
	mod := rec.factory()
	container := newContainer(mod, path)
	h.modules[name] = container
	h.mu.Unlock()

	h.logger.Info("loading module", "module", name, "path", path)

	err := container.withLock(ctx, func(ctx context.Context) error {
		return mod.Init(ctx, h)
	})
	if err != nil {
		h.mu.Lock()
		delete(h.modules, name)
		h.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrModuleInitFailed, name, err)
	}

	h.bus.Emit(Event{Type: h.bus.Type("core:module_loaded"), Payload: ModuleLoadedPayload{Name: name}})
	h.NotifyCloudEvent(ctx, EventTypeModuleLoaded, map[string]any{"name": name})
	return nil
}

// ModuleLoadedPayload is the payload of core:module_loaded.
type ModuleLoadedPayload struct{ Name string }

// ModuleUnloadedPayload is the payload of core:module_unloaded.
type ModuleUnloadedPayload struct{ Name string }

// UnloadPayload is the payload of core:unload. WillReload tells the dying
// instance whether a fresh instance is about to be loaded in its place
// (ReloadModule) as opposed to a standalone UnloadModule with nothing
// queued to replace it — the same distinction the original server tracked
// per-module as m_will_restore_after_unload. A module should only use
// release-without-close handoff tricks (e.g. dup'ing a socket fd for the
// next instance to adopt) when WillReload is true; otherwise it should
// close what it owns outright.
type UnloadPayload struct{ WillReload bool }

// UnloadModule defers the actual unload to the next drain-pass boundary in
// HandleEvents, to avoid invalidating iterators mid-dispatch (spec.md
// §4.2). If name isn't loaded this logs a warning and does nothing.
func (h *Host) UnloadModule(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, loaded := h.modules[name]; !loaded {
		h.logger.Warn("unload_module: not loaded", "module", name)
		return
	}
	h.pending[name] = struct{}{}
}

// unloadDirect runs the unload protocol immediately: deliver core:unload
// directly (bypassing the queue), remove all subscriptions, drop the
// container, and emit core:module_unloaded. willReload tells the module,
// via UnloadPayload, whether this unload is the first half of a reload
// (ReloadModule) or a standalone unload with no successor coming. Must not
// be called while holding h.mu.
func (h *Host) unloadDirect(ctx context.Context, name string, willReload bool) {
	h.mu.Lock()
	container, ok := h.modules[name]
	if !ok {
		h.mu.Unlock()
		h.logger.Warn("unload: module not found", "module", name)
		return
	}
	delete(h.modules, name)
	delete(h.pending, name)
	h.mu.Unlock()

	h.logger.Info("unloading module", "module", name, "will_reload", willReload)

	h.deliverDirect(ctx, container, Event{Type: h.bus.Type("core:unload"), Payload: UnloadPayload{WillReload: willReload}})
	h.bus.unsubscribeAll(container)

	h.bus.Emit(Event{Type: h.bus.Type("core:module_unloaded"), Payload: ModuleUnloadedPayload{Name: name}})
	h.NotifyCloudEvent(ctx, EventTypeModuleUnloaded, map[string]any{"name": name})
}

// ReloadModule unloads name immediately, loads it fresh from path, and then
// delivers a single core:continue directly to the new instance — never
// through the queue, and never core:start (spec.md §4.2, testable property
// 4). The dying instance is expected to have packaged its state into the
// TransientStore during core:unload; the fresh instance restores it on
// core:continue.
func (h *Host) ReloadModule(ctx context.Context, name, path string) error {
	h.mu.RLock()
	_, loaded := h.modules[name]
	h.mu.RUnlock()
	if loaded {
		h.unloadDirect(ctx, name, true)
	}

	if err := h.LoadModule(ctx, name, path); err != nil {
		return err
	}

	h.mu.RLock()
	container := h.modules[name]
	h.mu.RUnlock()
	h.deliverDirect(ctx, container, Event{Type: h.bus.Type("core:continue")})
	return nil
}

// deliverDirect calls a single container's Event handler outside the Event
// Bus queue, recovering from panics the way handle_events tolerates a
// handler exception: it terminates that one delivery and is logged, but
// never aborts the caller.
func (h *Host) deliverDirect(ctx context.Context, c *Container, evt Event) {
	_ = c.withLock(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("module handler panicked", "module", c.module.Name(), "recovered", r)
			}
		}()
		if err := c.module.Event(ctx, evt); err != nil {
			h.logger.Error("module handler failed", "module", c.module.Name(), "error", err)
		}
		return nil
	})
}

// AccessModule acquires name's container mutex (or joins a re-entrant call
// already holding it) and invokes cb with the module. It returns false if
// name isn't loaded.
func (h *Host) AccessModule(ctx context.Context, name string, cb func(Module) error) (bool, error) {
	h.mu.RLock()
	container, ok := h.modules[name]
	h.mu.RUnlock()
	if !ok {
		return false, nil
	}
	err := container.withLock(ctx, func(ctx context.Context) error {
		return cb(container.module)
	})
	return true, err
}

// HasModule reports whether name is currently loaded.
func (h *Host) HasModule(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.modules[name]
	return ok
}

// GetLoadedModules returns the names of all currently loaded modules, in
// no particular order.
func (h *Host) GetLoadedModules() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.modules))
	for name := range h.modules {
		names = append(names, name)
	}
	return names
}

// GetModulePath returns the path a loaded module was loaded from.
func (h *Host) GetModulePath(name string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	container, ok := h.modules[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return container.path, nil
}

// SubEvent subscribes the named module to events of type t. Unknown module
// names are logged and otherwise ignored (spec.md §4.1).
func (h *Host) SubEvent(name string, t EventType) {
	h.mu.RLock()
	container, ok := h.modules[name]
	h.mu.RUnlock()
	if !ok {
		h.logger.Warn("sub_event: unknown module", "module", name)
		return
	}
	h.bus.subscribe(container, t, name)
}

// EmitEvent pushes evt onto the bus's FIFO queue.
func (h *Host) EmitEvent(evt Event) { h.bus.Emit(evt) }

// EmitNamed is a convenience wrapper that resolves name to its EventType
// before emitting.
func (h *Host) EmitNamed(name string, payload any) {
	h.bus.Emit(Event{Type: h.bus.Type(name), Payload: payload})
}

// TmpStoreData stashes data under key in the TransientStore, for a dying
// module to hand state to its successor across reload.
func (h *Host) TmpStoreData(key string, data []byte) { h.transient.Store(key, data) }

// TmpRestoreData retrieves and clears data stored under key.
func (h *Host) TmpRestoreData(key string) []byte { return h.transient.Restore(key) }

// HandleEvents drains the event queue until empty. Each pass snapshots the
// subscriber list per event type before dispatching, so a handler that
// unsubscribes or destroys another module mid-dispatch is safe; events
// emitted by handlers during a pass are picked up by the next pass of this
// same call, which is what lets re-entrant emits be "dispatched in the same
// handle_events() call" (spec.md §4.1, testable property / boundary
// behavior). Deferred unloads (UnloadModule) are applied between passes —
// and at least once per call even when the queue started out empty, so a
// pending unload issued outside of any dispatch (e.g. directly from the
// main loop in cmd/buildatd)
// doesn't wait indefinitely for an unrelated event to show up.
func (h *Host) HandleEvents(ctx context.Context) {
	for {
		batch := h.bus.drainOnce()
		if len(batch) > 0 {
			h.bus.dispatchPass(ctx, batch, h.deliverDirect)
		}

		pending := h.takePending()
		for _, name := range pending {
			h.unloadDirect(ctx, name, false)
		}

		if len(batch) == 0 && len(pending) == 0 {
			return
		}
	}
}

// takePending drains and returns the set of names awaiting unload.
func (h *Host) takePending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.pending) == 0 {
		return nil
	}
	names := make([]string, 0, len(h.pending))
	for name := range h.pending {
		names = append(names, name)
	}
	return names
}

// Shutdown records an internal request to terminate the main loop cleanly
// with the given exit status and reason (spec.md §7). The main loop in
// cmd/buildatd observes this through ShutdownRequested after the current
// HandleEvents call returns.
func (h *Host) Shutdown(exitStatus int, reason string) {
	h.shutdownMu.Lock()
	defer h.shutdownMu.Unlock()
	if h.shutdown == nil {
		h.shutdown = &ShutdownSignal{ExitStatus: exitStatus, Reason: reason}
	}
}

// ShutdownRequested returns the pending shutdown signal, or nil if none was
// requested.
func (h *Host) ShutdownRequested() *ShutdownSignal {
	h.shutdownMu.Lock()
	defer h.shutdownMu.Unlock()
	return h.shutdown
}
