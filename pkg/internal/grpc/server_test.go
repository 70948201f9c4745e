package grpc

import (
	"context"
	"testing"

	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/services"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	health "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthCheck(t *testing.T) {
	server := NewGrpc()

	services.Calls, services.Signals = nil, nil
	resp, err := server.Check(context.Background(), &health.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, health.HealthCheckResponse_NOT_SERVING, resp.Status)

	transports, err := negotiation.NewPionFactory(negotiation.PionConfig{})
	require.NoError(t, err)
	services.SetupCalling(signal.NewMemoryStore(), transports, &media.SampleDevice{})
	defer services.Calls.Close(context.Background())

	resp, err = server.Check(context.Background(), &health.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, health.HealthCheckResponse_SERVING, resp.Status)
}
