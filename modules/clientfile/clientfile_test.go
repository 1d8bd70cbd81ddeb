package clientfile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildat-io/buildat"
	"github.com/buildat-io/buildat/modules/network"
)

type sentCall struct {
	peer    network.PeerID
	name    string
	payload []byte
}

// fakeNetwork stands in for the real network module: it satisfies
// buildat.InterfaceProvider and network.Sender directly, so clientfile's
// sender() lookup works without a real TCP listener.
type fakeNetwork struct {
	mu    sync.Mutex
	sent  []sentCall
	peers []network.PeerID
}

func (f *fakeNetwork) Name() string                                       { return network.ModuleName }
func (f *fakeNetwork) Init(ctx context.Context, host *buildat.Host) error { return nil }
func (f *fakeNetwork) Event(ctx context.Context, evt buildat.Event) error { return nil }
func (f *fakeNetwork) GetInterface() any                                 { return network.Sender(f) }

func (f *fakeNetwork) Send(peerID network.PeerID, name string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentCall{peer: peerID, name: name, payload: payload})
	return nil
}

func (f *fakeNetwork) Broadcast(name string, payload []byte) {
	for _, p := range f.Peers() {
		_ = f.Send(p, name, payload)
	}
}

func (f *fakeNetwork) Peers() []network.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]network.PeerID(nil), f.peers...)
}

func (f *fakeNetwork) calls() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.sent...)
}

func newTestHost(t *testing.T) (*buildat.Host, *Module, *fakeNetwork) {
	t.Helper()
	host := buildat.NewHost(buildat.NopLogger{})

	fakeNet := &fakeNetwork{}
	host.RegisterFactory(network.ModuleName, buildat.ModuleMeta{}, func() buildat.Module { return fakeNet })
	require.NoError(t, host.LoadModule(context.Background(), network.ModuleName, ""))

	var mod *Module
	host.RegisterFactory(ModuleName, Meta(), func() buildat.Module {
		mod = &Module{files: make(map[string]*FileEntry)}
		return mod
	})
	require.NoError(t, host.LoadModule(context.Background(), ModuleName, ""))

	return host, mod, fakeNet
}

func TestAddFileContentBroadcastsAnnounceOnlyWhenHashChanges(t *testing.T) {
	_, mod, fakeNet := newTestHost(t)
	fakeNet.peers = []network.PeerID{1}

	require.NoError(t, mod.AddFileContent("greeting.txt", []byte("hi")))
	calls := fakeNet.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "core:announce_file", calls[0].name)

	var announced announceFilePayload
	require.NoError(t, json.Unmarshal(calls[0].payload, &announced))
	assert.Equal(t, "greeting.txt", announced.Name)
	assert.Equal(t, hashOf([]byte("hi")), announced.Hash)

	// re-adding identical content must not re-announce.
	require.NoError(t, mod.AddFileContent("greeting.txt", []byte("hi")))
	assert.Len(t, fakeNet.calls(), 1)

	require.NoError(t, mod.AddFileContent("greeting.txt", []byte("bye")))
	assert.Len(t, fakeNet.calls(), 2)
}

func TestAnnounceAllToSendsEveryFileThenTellAfterAllTransferred(t *testing.T) {
	_, mod, fakeNet := newTestHost(t)

	require.NoError(t, mod.AddFileContent("a.txt", []byte("a")))
	require.NoError(t, mod.AddFileContent("b.txt", []byte("b")))
	require.Empty(t, fakeNet.calls(), "no peers were connected yet, so AddFileContent's broadcast is a no-op")

	require.NoError(t, mod.Event(context.Background(), buildat.Event{
		Type:    mod.host.Bus().Type("network:client_connected"),
		Payload: network.ClientConnected{Peer: 7},
	}))

	calls := fakeNet.calls()
	require.Len(t, calls, 3)
	names := map[string]bool{}
	for _, c := range calls[:2] {
		assert.Equal(t, "core:announce_file", c.name)
		assert.Equal(t, network.PeerID(7), c.peer)
		var a announceFilePayload
		require.NoError(t, json.Unmarshal(c.payload, &a))
		names[a.Name] = true
	}
	assert.Equal(t, map[string]bool{"a.txt": true, "b.txt": true}, names)
	assert.Equal(t, "core:tell_after_all_files_transferred", calls[2].name)
}

func TestHandleRequestFileSendsContentForMatchingHash(t *testing.T) {
	_, mod, fakeNet := newTestHost(t)
	require.NoError(t, mod.AddFileContent("data.bin", []byte("payload")))

	req, err := json.Marshal(requestFilePayload{Name: "data.bin", Hash: hashOf([]byte("payload"))})
	require.NoError(t, err)

	require.NoError(t, mod.Event(context.Background(), buildat.Event{
		Type: mod.host.Bus().Type("network:packet_received/core:request_file"),
		Payload: network.PacketReceived{
			Sender: 3,
			Name:   "core:request_file",
			Bytes:  req,
		},
	}))

	calls := fakeNet.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "core:file_content", calls[0].name)
	var content fileContentPayload
	require.NoError(t, json.Unmarshal(calls[0].payload, &content))
	assert.Equal(t, "data.bin", content.Name)
	assert.Equal(t, []byte("payload"), content.Bytes)
}

func TestHandleRequestFileDropsRequestWithStaleHash(t *testing.T) {
	_, mod, fakeNet := newTestHost(t)
	require.NoError(t, mod.AddFileContent("data.bin", []byte("payload")))

	req, err := json.Marshal(requestFilePayload{Name: "data.bin", Hash: "stale-hash"})
	require.NoError(t, err)

	require.NoError(t, mod.Event(context.Background(), buildat.Event{
		Type: mod.host.Bus().Type("network:packet_received/core:request_file"),
		Payload: network.PacketReceived{
			Sender: 3,
			Name:   "core:request_file",
			Bytes:  req,
		},
	}))

	assert.Empty(t, fakeNet.calls())
}

// snapshot returns a defensive copy of the module's current catalog,
// suitable for a structural diff against another instance's.
func (m *Module) snapshot() map[string]FileEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]FileEntry, len(m.files))
	for name, entry := range m.files {
		out[name] = *entry
	}
	return out
}

func TestReloadCarriesCatalogAcrossInstancesViaTransientStore(t *testing.T) {
	host, mod, _ := newTestHost(t)
	require.NoError(t, mod.AddFileContent("carried.txt", []byte("state")))
	require.NoError(t, mod.AddFileContent("other.txt", []byte("more state")))
	before := mod.snapshot()

	var second *Module
	host.RegisterFactory(ModuleName, Meta(), func() buildat.Module {
		second = &Module{files: make(map[string]*FileEntry)}
		return second
	})

	require.NoError(t, host.ReloadModule(context.Background(), ModuleName, ""))

	require.NotNil(t, second)
	entry, ok := second.snapshot()["carried.txt"]
	require.True(t, ok)
	assert.Equal(t, []byte("state"), entry.Bytes)

	// The whole catalog — every field of every entry, not just the one
	// checked above — must survive the instance boundary byte for byte.
	if diff := cmp.Diff(before, second.snapshot()); diff != "" {
		t.Errorf("catalog snapshot changed across reload (-before +after):\n%s", diff)
	}
}

func TestAddFilePathWatchesForChangesAndReannouncesOnWrite(t *testing.T) {
	_, mod, fakeNet := newTestHost(t)
	fakeNet.peers = []network.PeerID{1}

	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	require.NoError(t, mod.AddFilePath("watched.txt", path))
	require.Len(t, fakeNet.calls(), 1)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for len(fakeNet.calls()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the filesystem watch to re-announce the changed file")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mod.mu.Lock()
	entry := mod.files["watched.txt"]
	mod.mu.Unlock()
	assert.Equal(t, []byte("v2"), entry.Bytes)
}
