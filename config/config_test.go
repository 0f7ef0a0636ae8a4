package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := Default()
	require.Equal(t, 1000, c.MaxSkippedKeysPerChain)
	require.Equal(t, 128, c.PendingOuterPerSenderKey)
	require.Equal(t, 5, c.SendMessageFanoutRetentionSeconds)
	require.False(t, c.AllowInsecureSharedChannelSenderKeys)
	require.Equal(t, 64, c.InactiveSessionRetention)
}

func TestNewAppliesOptionsOverDefaults(t *testing.T) {
	c := New(
		WithMaxSkip(10),
		WithPendingCap(4),
		WithFanoutRetentionSeconds(1),
		WithInsecureSharedChannelSenderKeys(true),
		WithInactiveSessionRetention(2),
	)
	require.Equal(t, Config{
		MaxSkippedKeysPerChain:               10,
		PendingOuterPerSenderKey:             4,
		SendMessageFanoutRetentionSeconds:    1,
		AllowInsecureSharedChannelSenderKeys: true,
		InactiveSessionRetention:             2,
	}, c)
}

func TestNewWithNoOptionsMatchesDefault(t *testing.T) {
	require.Equal(t, Default(), New())
}
