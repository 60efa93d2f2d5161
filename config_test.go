package tunproxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ServerHost: "127.0.0.1", ServerPort: 1080}.withDefaults()

	assert.Equal(t, defaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, defaultUDPIdleTimeout, cfg.UDPIdleTimeout)
	assert.Equal(t, defaultLinger, cfg.Linger)
	assert.Equal(t, defaultQueueCapacity, cfg.QueueCapacity)
	assert.Equal(t, defaultHandshakeTimeout, cfg.HandshakeTimeout)
	assert.NotNil(t, cfg.Logger)
}

func TestConfigDefaultsKeepExplicit(t *testing.T) {
	cfg := Config{
		ServerHost:     "127.0.0.1",
		ServerPort:     1080,
		MaxConnections: 7,
		Linger:         time.Minute,
	}.withDefaults()

	assert.Equal(t, 7, cfg.MaxConnections)
	assert.Equal(t, time.Minute, cfg.Linger)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{ServerHost: "127.0.0.1", ServerPort: 1080}.validate())

	assert.Error(t, Config{ServerPort: 1080}.validate())
	assert.Error(t, Config{ServerHost: "127.0.0.1"}.validate())
	assert.Error(t, Config{ServerHost: "127.0.0.1", ServerPort: 1080, MaxConnections: -1}.validate())
}

func TestConfigAuth(t *testing.T) {
	assert.False(t, Config{}.auth())
	assert.True(t, Config{Username: "u", Password: "p"}.auth())
}
