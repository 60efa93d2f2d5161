package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
serverHost: 10.0.0.1
serverPort: 1080
username: robin
password: secret
maxConnections: 50
udpIdleTimeout: 30s
linger: 1500ms
handshakeTimeout: 5s
ipv6Enabled: true
dnsServers:
  - 8.8.8.8
  - 1.1.1.1
enableDnsCache: true
ruleFile: /etc/tunproxy/rules.conf
`), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", cfg.ServerHost)
	assert.Equal(t, uint16(1080), cfg.ServerPort)
	assert.Equal(t, "robin", cfg.Username)
	assert.Equal(t, 50, cfg.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.UDPIdleTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Linger)
	assert.Equal(t, 5*time.Second, cfg.HandshakeTimeout)
	assert.True(t, cfg.IPv6Enabled)
	assert.Equal(t, []string{"8.8.8.8", "1.1.1.1"}, cfg.DNSServers)
	assert.True(t, cfg.EnableDNSCache)
	assert.Equal(t, "/etc/tunproxy/rules.conf", cfg.RuleFile)
}

func TestLoadConfigOmittedDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunproxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("serverHost: 10.0.0.1\nserverPort: 1080\n"), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.UDPIdleTimeout)
	assert.Zero(t, cfg.Linger)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("linger: {nested: map}\n"), 0o644))
	_, err = loadConfig(bad)
	assert.Error(t, err)

	badDur := filepath.Join(t.TempDir(), "dur.yaml")
	require.NoError(t, os.WriteFile(badDur, []byte("linger: tomorrow\n"), 0o644))
	_, err = loadConfig(badDur)
	assert.Error(t, err)
}
