package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	c := NewConfig(WithoutLogFile())
	require.Equal(".", c.RootDir)
	require.Equal(int64(48*60*60*1000), c.PendingModifierTTLMs)
	require.Equal(10000, c.PendingModifierMaxEntries)
	require.True(c.NotifyOnReactions)
	require.Nil(c.writer)
}

func TestOptionsOverrideDefaults(t *testing.T) {
	require := require.New(t)

	c := NewConfig(
		WithoutLogFile(),
		WithDebug(true),
		WithLoggingPrefix("p1"),
		WithPendingModifierTTLMs(10),
		WithPendingModifierMaxEntries(3),
		WithQuoteRecheckDelayMs(0),
		WithIdentityIndexSize(5),
		WithNotifyOnReactions(false),
	)
	require.True(c.Debug)
	require.Equal("p1", c.LoggingPrefix)
	require.Equal(int64(10), c.PendingModifierTTLMs)
	require.Equal(3, c.PendingModifierMaxEntries)
	require.Equal(int64(0), c.QuoteRecheckDelayMs)
	require.Equal(5, c.IdentityIndexSize)
	require.False(c.NotifyOnReactions)
	require.NotNil(c.Logger("test"))
}

func TestLogFileUnderRootDir(t *testing.T) {
	require := require.New(t)

	c := NewConfig(WithRootDir(t.TempDir()))
	require.NotNil(c.writer)
}
