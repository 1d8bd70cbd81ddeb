// Package clientfile implements the Content Catalog: a set of named files
// addressed by their SHA-1 hash, announced to every connected peer and
// served on request, kept live by a filesystem watch on any file added by
// path.
package clientfile

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/buildat-io/buildat"
	"github.com/buildat-io/buildat/internal/filewatch"
	"github.com/buildat-io/buildat/internal/packet"
	"github.com/buildat-io/buildat/internal/threadpool"
	"github.com/buildat-io/buildat/modules/network"
)

// rehashWorkers bounds how many watched-file re-reads/re-hashes can run
// concurrently; file change bursts (e.g. a save-then-reformat) shouldn't
// spawn unbounded goroutines doing disk IO and sha1.Sum.
const rehashWorkers = 4

// ModuleName is the name this module registers under.
const ModuleName = "client_file"

const reloadStateKey = "client_file:entries"

// FileEntry is one named, hashed file in the catalog.
type FileEntry struct {
	Name       string `json:"name"`
	Hash       string `json:"hash"`
	Bytes      []byte `json:"bytes"`
	SourcePath string `json:"source_path,omitempty"`
}

// FilesTransmitted is the payload of the internal client_file:files_transmitted
// event, raised once a peer acknowledges it has every announced hash.
type FilesTransmitted struct{ Peer network.PeerID }

type announceFilePayload struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type requestFilePayload struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

type fileContentPayload struct {
	Name  string `json:"name"`
	Hash  string `json:"hash"`
	Bytes []byte `json:"bytes"`
}

// Module is the Content Catalog module.
type Module struct {
	host    *buildat.Host
	watcher *filewatch.Watcher
	pool    *threadpool.Pool

	mu    sync.Mutex
	files map[string]*FileEntry
}

// New returns a Factory usable with Host.RegisterFactory.
func New() buildat.Factory {
	return func() buildat.Module {
		return &Module{files: make(map[string]*FileEntry)}
	}
}

// Meta declares the dependency on the network module: the catalog has
// nothing to announce anything over without it.
func Meta() buildat.ModuleMeta {
	return buildat.ModuleMeta{
		Dependencies: []buildat.DependencyMeta{{Module: network.ModuleName}},
	}
}

func (m *Module) Name() string { return ModuleName }

func (m *Module) Init(ctx context.Context, host *buildat.Host) error {
	m.host = host

	w, err := filewatch.New(host.Logger())
	if err != nil {
		return fmt.Errorf("client_file: starting filesystem watch: %w", err)
	}
	m.watcher = w
	m.pool = threadpool.New(ctx, rehashWorkers)

	m.restoreTransient()

	bus := host.Bus()
	host.SubEvent(ModuleName, bus.Type("network:client_connected"))
	host.SubEvent(ModuleName, bus.Type("network:packet_received/core:request_file"))
	host.SubEvent(ModuleName, bus.Type("network:packet_received/core:all_files_transferred"))
	return nil
}

func (m *Module) Event(ctx context.Context, evt buildat.Event) error {
	switch m.host.Bus().Name(evt.Type) {
	case "network:client_connected":
		if p, ok := evt.Payload.(network.ClientConnected); ok {
			m.announceAllTo(p.Peer)
		}
	case "network:packet_received/core:request_file":
		if p, ok := evt.Payload.(network.PacketReceived); ok {
			m.handleRequestFile(p)
		}
	case "network:packet_received/core:all_files_transferred":
		if p, ok := evt.Payload.(network.PacketReceived); ok {
			m.host.EmitNamed("client_file:files_transmitted", FilesTransmitted{Peer: p.Sender})
		}
	case "core:unload":
		m.handleUnload()
	case "core:continue":
		m.reannounceAll()
	}
	return nil
}

func (m *Module) sender() (network.Sender, bool) {
	var sender network.Sender
	found, _ := m.host.AccessModule(context.Background(), network.ModuleName, func(mod buildat.Module) error {
		provider, ok := mod.(buildat.InterfaceProvider)
		if !ok {
			return fmt.Errorf("network module does not implement InterfaceProvider")
		}
		s, ok := provider.GetInterface().(network.Sender)
		if !ok {
			return fmt.Errorf("network module interface is not a Sender")
		}
		sender = s
		return nil
	})
	return sender, found && sender != nil
}

func (m *Module) announceAllTo(peer network.PeerID) {
	sender, ok := m.sender()
	if !ok {
		return
	}

	m.mu.Lock()
	entries := make([]*FileEntry, 0, len(m.files))
	for _, f := range m.files {
		entries = append(entries, f)
	}
	m.mu.Unlock()

	for _, f := range entries {
		body, err := json.Marshal(announceFilePayload{Name: f.Name, Hash: f.Hash})
		if err != nil {
			continue
		}
		if err := sender.Send(peer, "core:announce_file", body); err != nil {
			m.host.Logger().Warn("client_file: announce_file send failed", "peer", peer, "name", f.Name, "error", err)
		}
	}
	if err := sender.Send(peer, "core:tell_after_all_files_transferred", nil); err != nil {
		m.host.Logger().Warn("client_file: tell_after_all_files_transferred send failed", "peer", peer, "error", err)
	}
}

// reannounceAll re-sends the full catalog to every currently connected
// peer, used after a hot reload where the catalog's own instance changed
// but the network module's connections did not.
func (m *Module) reannounceAll() {
	sender, ok := m.sender()
	if !ok {
		return
	}
	for _, peer := range sender.Peers() {
		m.announceAllTo(peer)
	}
}

func (m *Module) handleRequestFile(pr network.PacketReceived) {
	var req requestFilePayload
	if err := json.Unmarshal(pr.Bytes, &req); err != nil {
		m.host.Logger().Warn("client_file: malformed request_file payload", "peer", pr.Sender, "error", err)
		return
	}

	entry, err := m.lookupFile(req.Name, req.Hash)
	if err != nil {
		m.host.Logger().Warn("client_file: dropping request_file",
			"peer", pr.Sender, "name", req.Name, "error", err, "stale", errors.Is(err, buildat.ErrFileHashStale))
		return
	}

	sender, ok := m.sender()
	if !ok {
		return
	}
	body, err := json.Marshal(fileContentPayload{Name: entry.Name, Hash: entry.Hash, Bytes: entry.Bytes})
	if err != nil {
		m.host.Logger().Error("client_file: encoding file_content", "error", err)
		return
	}
	if err := sender.Send(pr.Sender, "core:file_content", body); err != nil {
		m.host.Logger().Warn("client_file: file_content send failed", "peer", pr.Sender, "name", req.Name, "error", err)
	}
}

// AddFileContent hashes bytes and upserts name into the catalog,
// broadcasting an announce_file to every connected peer if the hash
// changed.
func (m *Module) AddFileContent(name string, bytes []byte) error {
	hash := m.hashAsync(bytes)
	if m.upsert(name, hash, bytes, "") {
		m.broadcastAnnounce(name, hash)
	}
	return nil
}

// AddFilePath reads path, upserts name with its hash, and installs a
// filesystem watch so later modifications to path re-upsert and
// re-announce automatically.
func (m *Module) AddFilePath(name, path string) error {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("client_file: reading %s: %w", path, err)
	}
	hash := m.hashAsync(bytes)
	changed := m.upsert(name, hash, bytes, path)
	m.watchPath(name, path)
	if changed {
		m.broadcastAnnounce(name, hash)
	}
	return nil
}

func (m *Module) watchPath(name, path string) {
	if m.watcher == nil {
		return
	}
	dir := filepath.Dir(path)
	cleanPath := filepath.Clean(path)
	err := m.watcher.Add(dir, func(changedPath string) {
		if filepath.Clean(changedPath) != cleanPath {
			return
		}
		m.reloadFromPath(name, path)
	})
	if err != nil {
		m.host.Logger().Warn("client_file: failed to watch file", "path", path, "error", err)
	}
}

func (m *Module) reloadFromPath(name, path string) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		m.host.Logger().Warn("client_file: re-reading watched file failed", "path", path, "error", err)
		return
	}
	if len(bytes) == 0 {
		m.host.Logger().Debug("client_file: ignoring empty read of watched file", "path", path)
		return
	}
	hash := m.hashAsync(bytes)
	if m.upsert(name, hash, bytes, path) {
		m.broadcastAnnounce(name, hash)
	}
}

// lookupFile returns the catalog entry for name if it still carries hash,
// distinguishing an unknown name (ErrFileNotFound) from a request racing a
// newer announce (ErrFileHashStale) the way spec.md §4.6 asks dropped
// requests to be diagnosable.
func (m *Module) lookupFile(name, hash string) (*FileEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", buildat.ErrFileNotFound, name)
	}
	if entry.Hash != hash {
		return nil, fmt.Errorf("%w: %s", buildat.ErrFileHashStale, name)
	}
	return entry, nil
}

func (m *Module) upsert(name, hash string, bytes []byte, sourcePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.files[name]; ok && existing.Hash == hash {
		return false
	}
	m.files[name] = &FileEntry{Name: name, Hash: hash, Bytes: bytes, SourcePath: sourcePath}
	return true
}

func (m *Module) broadcastAnnounce(name, hash string) {
	sender, ok := m.sender()
	if !ok {
		return
	}
	body, err := json.Marshal(announceFilePayload{Name: name, Hash: hash})
	if err != nil {
		return
	}
	sender.Broadcast("core:announce_file", body)
}

func hashOf(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

// hashAsync runs hashOf on the threadpool instead of inline on the calling
// goroutine, so concurrent AddFileContent/AddFilePath/filewatch-triggered
// rehashes are bounded by rehashWorkers rather than spawning a goroutine
// per hash. It blocks for the Thread stage to finish before returning
// (Wait), then runs the Post stage immediately (Drain), so every call site
// keeps its existing synchronous return-value contract.
func (m *Module) hashAsync(bytes []byte) string {
	var hash string
	m.pool.Submit(threadpool.Task{
		Pre:    func() any { return bytes },
		Thread: func(in any) (any, error) { return hashOf(in.([]byte)), nil },
		Post:   func(result any, _ error) { hash = result.(string) },
	})
	_ = m.pool.Wait()
	m.pool.Drain()
	return hash
}

// handleUnload serializes the current catalog into the Transient Store so
// the successor instance can restore it on core:continue.
func (m *Module) handleUnload() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
	m.mu.Lock()
	entries := make([]*FileEntry, 0, len(m.files))
	for _, f := range m.files {
		entries = append(entries, f)
	}
	m.mu.Unlock()
	m.host.TmpStoreData(reloadStateKey, encodeEntries(entries))
}

func (m *Module) restoreTransient() {
	data := m.host.TmpRestoreData(reloadStateKey)
	if len(data) == 0 {
		return
	}
	entries, err := decodeEntries(data)
	if err != nil {
		m.host.Logger().Warn("client_file: discarding malformed reload state", "error", err)
		return
	}
	m.mu.Lock()
	for _, e := range entries {
		m.files[e.Name] = e
	}
	m.mu.Unlock()
	for _, e := range entries {
		if e.SourcePath != "" {
			m.watchPath(e.Name, e.SourcePath)
		}
	}
}

// encodeEntries frames each entry's JSON encoding through the Packet
// Stream's generic frame encoder, reusing the wire codec as a compact
// length-prefixed container instead of introducing a second format.
func encodeEntries(entries []*FileEntry) []byte {
	var out []byte
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			continue
		}
		out = append(out, packet.Encode(0, body)...)
	}
	return out
}

func decodeEntries(data []byte) ([]*FileEntry, error) {
	var entries []*FileEntry
	for len(data) > 0 {
		if len(data) < 6 {
			return nil, packet.ErrMalformed
		}
		length := binary.LittleEndian.Uint32(data[2:6])
		total := 6 + int(length)
		if len(data) < total {
			return nil, packet.ErrMalformed
		}
		var e FileEntry
		if err := json.Unmarshal(data[6:total], &e); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
		data = data[total:]
	}
	return entries, nil
}
