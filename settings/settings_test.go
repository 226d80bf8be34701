package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// check settings object is initialised with the documented defaults
func TestInitialiseSettings(t *testing.T) {
	tSettings := NewSettings()

	require.NotNil(t, tSettings.Directory.StoreURL)
	require.NotNil(t, tSettings.Node.RPCURL)

	assert.Equal(t, 10*time.Second, tSettings.Indexer.PollInterval)
	assert.Equal(t, 5*time.Second, tSettings.Monitor.Cooldown)
	assert.Equal(t, 3, tSettings.Monitor.Attempts)
	assert.Equal(t, time.Second, tSettings.Monitor.Backoff)
	assert.Equal(t, 4*time.Second, tSettings.Monitor.SweepInterval)
	assert.Equal(t, 10, tSettings.Directory.MailboxSize)
	assert.Equal(t, 1024*1024, tSettings.Tracker.MaxFrameSize)
}

func TestGetDurationFallback(t *testing.T) {
	assert.Equal(t, 3*time.Second, getDuration("tracker_test_missing_duration", 3*time.Second))
	assert.InDelta(t, 1.5, getFloat64("tracker_test_missing_float", 1.5), 0.0001)
}
