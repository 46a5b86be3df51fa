package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaultsThenOptions(t *testing.T) {
	c := New(WithOutputDir("/tmp/out"), WithFormat("mkv"))

	assert.Equal(t, "/tmp/out", c.OutputDir)
	assert.Equal(t, "mkv", c.Format)
	assert.Equal(t, DefaultMaxConnectionsPerItem, c.MaxConnectionsPerItem)
	assert.Equal(t, DefaultMaxConcurrentDownloads, c.MaxConcurrentDownloads)
	assert.Equal(t, "ffmpeg", c.TranscoderPath)
	assert.Equal(t, "info", c.Logging.Level)
}

func TestValidateRequiresOutputDir(t *testing.T) {
	c := New()
	err := c.Validate()
	require.ErrorIs(t, err, ErrMissingOutputDir)
}

func TestValidateClampsConnectionAndConcurrencySettings(t *testing.T) {
	c := New(WithOutputDir("/tmp/out"))
	c.MaxConnectionsPerItem = 0
	c.MaxConcurrentDownloads = -3

	require.NoError(t, c.Validate())
	assert.Equal(t, 1, c.MaxConnectionsPerItem)
	assert.Equal(t, 1, c.MaxConcurrentDownloads)
}

func TestValidateDefaultsNilHeadersAndEmptyTranscoderPath(t *testing.T) {
	c := New(WithOutputDir("/tmp/out"))
	c.Headers = nil
	c.TranscoderPath = ""

	require.NoError(t, c.Validate())
	assert.NotNil(t, c.Headers)
	assert.Equal(t, "ffmpeg", c.TranscoderPath)
}

func TestWithHeaderInitializesMapWhenNil(t *testing.T) {
	c := New(WithOutputDir("/tmp/out"), WithHeader("X-Test", "1"), WithHeader("X-Other", "2"))

	assert.Equal(t, "1", c.Headers["X-Test"])
	assert.Equal(t, "2", c.Headers["X-Other"])
}

func TestWithProxyStoresPointerCopy(t *testing.T) {
	c := New(WithProxy(Proxy{URL: "socks5://127.0.0.1:1080", ResolveHostname: true}))

	require.NotNil(t, c.Proxy)
	assert.Equal(t, "socks5://127.0.0.1:1080", c.Proxy.URL)
	assert.True(t, c.Proxy.ResolveHostname)
}

func TestWithBasicAuthSetsBothFields(t *testing.T) {
	c := New(WithBasicAuth("alice", "hunter2"))

	assert.Equal(t, "alice", c.BasicAuthUser)
	assert.Equal(t, "hunter2", c.BasicAuthPass)
}
