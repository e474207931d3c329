package transport

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock config for testing
type mockConfig struct {
	transport string
}

func (m *mockConfig) GetTransport() string             { return m.transport }
func (m *mockConfig) GetQueue() string                 { return "test" }
func (m *mockConfig) GetDeadLetterQueue() string       { return "" }
func (m *mockConfig) GetDeferDelay() time.Duration     { return 0 }
func (m *mockConfig) GetChannelBufferSize() int        { return 0 }
func (m *mockConfig) GetSQSQueueURL() string           { return "" }
func (m *mockConfig) GetSQSDeadLetterQueueURL() string { return "" }
func (m *mockConfig) GetAWSRegion() string             { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string        { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string    { return "" }
func (m *mockConfig) GetAWSEndpoint() string           { return "" }
func (m *mockConfig) GetNATSURL() string               { return "" }
func (m *mockConfig) GetNATSStream() string            { return "" }

type registryStubTransport struct{}

func (registryStubTransport) Receive(ctx context.Context) (<-chan Delivery, error) {
	ch := make(chan Delivery)
	close(ch)
	return ch, nil
}

func (registryStubTransport) Close(ctx context.Context) error { return nil }

func stubBuilder(ctx context.Context, cfg Config, logger *slog.Logger) (Transport, error) {
	return registryStubTransport{}, nil
}

func TestRegistryBuildUsesRegisteredBuilder(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", stubBuilder)

	tr, err := reg.Build(context.Background(), &mockConfig{transport: "stub"}, slog.Default())
	require.NoError(t, err)
	assert.NotNil(t, tr)
}

func TestRegistryBuildUnknownTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("stub", stubBuilder)

	_, err := reg.Build(context.Background(), &mockConfig{transport: "nope"}, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
	assert.Contains(t, err.Error(), "stub")
}

func TestRegistryBuildNilConfig(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Build(context.Background(), nil, slog.Default())
	assert.Error(t, err)
}

func TestRegistryBuildPropagatesBuilderError(t *testing.T) {
	boom := errors.New("connection refused")
	reg := NewRegistry()
	reg.Register("failing", func(ctx context.Context, cfg Config, logger *slog.Logger) (Transport, error) {
		return nil, boom
	})

	_, err := reg.Build(context.Background(), &mockConfig{transport: "failing"}, slog.Default())
	assert.ErrorIs(t, err, boom)
}

func TestRegistryHasAndNames(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Has("stub"))
	assert.Empty(t, reg.Names())

	reg.Register("stub", stubBuilder)
	assert.True(t, reg.Has("stub"))
	assert.Equal(t, []string{"stub"}, reg.Names())
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("stub", stubBuilder, Capabilities{
		Name:            "stub",
		SupportsRequeue: true,
	})

	caps := reg.GetCapabilities("stub")
	assert.True(t, caps.SupportsRequeue)

	// Unknown transports get a zero capability set carrying the name.
	unknown := reg.GetCapabilities("nope")
	assert.Equal(t, "nope", unknown.Name)
	assert.False(t, unknown.SupportsRequeue)
}

func TestDefaultRegistryHelpers(t *testing.T) {
	name := "registry-helper-test"
	Register(name, stubBuilder)
	assert.True(t, DefaultRegistry.Has(name))
	assert.Equal(t, name, GetCapabilities(name).Name)
}
