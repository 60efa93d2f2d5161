package tunproxy

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlGetVersion(t *testing.T) {
	assert.Equal(t, EngineVersion, HandleControlMessage("getVersion"))
	assert.Equal(t, EngineVersion, HandleControlMessage("  getVersion\n"))
}

func TestControlGetStats(t *testing.T) {
	mustInit(t, testConfig())

	out := HandleControlMessage("getStats")
	var snap StatsSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, StatsSnapshot{}, snap)
}

func TestControlGetStatsNotInitialized(t *testing.T) {
	out := HandleControlMessage("getStats")
	assert.Contains(t, out, "error:")
	assert.Contains(t, out, ErrNotInitialized.Error())
}

func TestControlUnknownCommand(t *testing.T) {
	out := HandleControlMessage("selfDestruct")
	assert.Contains(t, out, "error: unknown command")
}

func TestControlRoute(t *testing.T) {
	mustInit(t, testConfig())

	_, err := LoadRules(`
DOMAIN-SUFFIX,example.com,PROXY
IP-CIDR,10.0.0.0/8,DIRECT
DST-PORT,25,REJECT
FINAL,DIRECT
`)
	require.NoError(t, err)

	assert.Equal(t, "PROXY", HandleControlMessage("route:www.example.com"))
	assert.Equal(t, "DIRECT", HandleControlMessage("route:10.1.2.3"))
	assert.Equal(t, "REJECT", HandleControlMessage("route:8.8.8.8:25"))
	assert.Equal(t, "DIRECT", HandleControlMessage("route:unmatched.net:443"))
}

func TestControlRouteNotInitialized(t *testing.T) {
	out := HandleControlMessage("route:example.com")
	assert.Contains(t, out, "error:")
}

func TestServeControl(t *testing.T) {
	mustInit(t, testConfig())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go ServeControl(l)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// pipelined commands come back one line each, in order
	_, err = conn.Write([]byte("getVersion\nroute:10.1.2.3\nbogus\n"))
	require.NoError(t, err)

	sc := bufio.NewScanner(conn)
	require.True(t, sc.Scan())
	assert.Equal(t, EngineVersion, sc.Text())
	require.True(t, sc.Scan())
	assert.Equal(t, "DIRECT", sc.Text())
	require.True(t, sc.Scan())
	assert.Contains(t, sc.Text(), "error: unknown command")
}

func TestControlReloadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.conf")
	require.NoError(t, os.WriteFile(path, []byte("DOMAIN,example.com,PROXY\nFINAL,DIRECT\n"), 0o644))

	cfg := testConfig()
	cfg.RuleFile = path
	mustInit(t, cfg)

	assert.Equal(t, "loaded 2 rules", HandleControlMessage("reloadRules"))
	assert.Equal(t, "PROXY", HandleControlMessage("route:example.com"))

	// the reload picks up edits to the file
	require.NoError(t, os.WriteFile(path, []byte("FINAL,REJECT\n"), 0o644))
	assert.Equal(t, "loaded 1 rules", HandleControlMessage("reloadRules"))
	assert.Equal(t, "REJECT", HandleControlMessage("route:example.com"))
}

func TestControlReloadRulesUnconfigured(t *testing.T) {
	mustInit(t, testConfig())
	out := HandleControlMessage("reloadRules")
	assert.Equal(t, "error: no rule file configured", out)
}

func TestControlReloadRulesMissingFile(t *testing.T) {
	cfg := testConfig()
	cfg.RuleFile = filepath.Join(t.TempDir(), "missing.conf")
	mustInit(t, cfg)

	out := HandleControlMessage("reloadRules")
	assert.Contains(t, out, "error:")
}
