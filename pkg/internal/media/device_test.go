package media

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleDeviceDenied(t *testing.T) {
	_, err := (&SampleDevice{Denied: true}).AcquireLocalAudio(context.Background(), DefaultConstraints)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestSampleStreamMuteAndStop(t *testing.T) {
	stream, err := (&SampleDevice{}).AcquireLocalAudio(context.Background(), DefaultConstraints)
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 1)
	assert.Equal(t, "audio", stream.Tracks()[0].ID())

	assert.True(t, stream.Enabled())
	stream.SetEnabled(false)
	assert.False(t, stream.Enabled())
	stream.SetEnabled(true)
	assert.True(t, stream.Enabled())

	stream.Stop()
	stream.Stop()
	assert.False(t, stream.Enabled())
	stream.SetEnabled(true)
	assert.False(t, stream.Enabled())
}
