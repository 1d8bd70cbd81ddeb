package maincontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildat-io/buildat"
)

type recordingModule struct {
	host     *buildat.Host
	received []string
}

func (m *recordingModule) Name() string { return "recorder" }
func (m *recordingModule) Init(ctx context.Context, host *buildat.Host) error {
	m.host = host
	return nil
}
func (m *recordingModule) Event(ctx context.Context, evt buildat.Event) error {
	m.received = append(m.received, m.host.Bus().Name(evt.Type))
	return nil
}

func TestInitEmitsCoreStart(t *testing.T) {
	host := buildat.NewHost(buildat.NopLogger{})

	recorder := &recordingModule{}
	host.RegisterFactory("recorder", buildat.ModuleMeta{}, func() buildat.Module { return recorder })
	require.NoError(t, host.LoadModule(context.Background(), "recorder", ""))
	host.SubEvent("recorder", host.Bus().Type("core:start"))

	host.RegisterFactory(ModuleName, Meta(), New())
	require.NoError(t, host.LoadModule(context.Background(), ModuleName, ""))

	host.HandleEvents(context.Background())

	require.Equal(t, []string{"core:start"}, recorder.received)
}
