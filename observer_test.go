package buildat

import (
	"context"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureModule struct{}

func (captureModule) Name() string                                    { return "captured" }
func (captureModule) Init(ctx context.Context, host *Host) error      { return nil }
func (captureModule) Event(ctx context.Context, evt Event) error      { return nil }

func TestHostMirrorsModuleLifecycleToCloudEventObservers(t *testing.T) {
	host := NewHost(NopLogger{})

	var seen []string
	obs := NewFunctionalObserver("test", func(ctx context.Context, event cloudevents.Event) error {
		seen = append(seen, event.Type())
		return nil
	})
	require.NoError(t, host.Observers().RegisterObserver(obs))

	host.RegisterFactory("captured", ModuleMeta{}, func() Module { return captureModule{} })
	require.NoError(t, host.LoadModule(context.Background(), "captured", ""))
	host.UnloadModule("captured")
	host.HandleEvents(context.Background())

	assert.Equal(t, []string{EventTypeModuleLoaded, EventTypeModuleUnloaded}, seen)
}

func TestCloudEventSubjectFiltersByRegisteredEventTypes(t *testing.T) {
	subject := NewCloudEventSubject()

	var onlyLoaded []string
	loadedOnly := NewFunctionalObserver("loaded-only", func(ctx context.Context, event cloudevents.Event) error {
		onlyLoaded = append(onlyLoaded, event.Type())
		return nil
	})
	require.NoError(t, subject.RegisterObserver(loadedOnly, EventTypeModuleLoaded))

	require.NoError(t, subject.NotifyObservers(context.Background(), NewLifecycleCloudEvent("test", EventTypeModuleLoaded, nil)))
	require.NoError(t, subject.NotifyObservers(context.Background(), NewLifecycleCloudEvent("test", EventTypeModuleUnloaded, nil)))

	assert.Equal(t, []string{EventTypeModuleLoaded}, onlyLoaded)
}

func TestCloudEventSubjectUnregisterStopsDelivery(t *testing.T) {
	subject := NewCloudEventSubject()
	calls := 0
	obs := NewFunctionalObserver("once", func(ctx context.Context, event cloudevents.Event) error {
		calls++
		return nil
	})
	require.NoError(t, subject.RegisterObserver(obs))
	require.NoError(t, subject.NotifyObservers(context.Background(), NewLifecycleCloudEvent("test", EventTypeModuleLoaded, nil)))
	require.NoError(t, subject.UnregisterObserver(obs))
	require.NoError(t, subject.NotifyObservers(context.Background(), NewLifecycleCloudEvent("test", EventTypeModuleLoaded, nil)))

	assert.Equal(t, 1, calls)
}
