package tunproxy

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robin/tunproxy/rule"
)

func newTestProxyManager(t *testing.T, rules string) (*ProxyManager, *Stats) {
	t.Helper()
	stats := &Stats{}
	pm := newProxyManager(Config{}, stats)
	if rules != "" {
		_, warnings := pm.LoadRules(rules)
		require.Empty(t, warnings)
	}
	return pm, stats
}

func TestProxyManagerEvaluate(t *testing.T) {
	pm, stats := newTestProxyManager(t, `
DOMAIN-SUFFIX,example.com,PROXY
IP-CIDR,10.0.0.0/8,DIRECT
DST-PORT,25,REJECT
FINAL,DIRECT
`)

	d := pm.EvaluateRoute("www.example.com", net.ParseIP("93.184.216.34"), 443)
	assert.Equal(t, rule.Proxy, d.Action)
	assert.Equal(t, "DOMAIN-SUFFIX", d.MatchedRule)
	assert.Equal(t, "example.com", d.Pattern)

	d = pm.EvaluateRoute("", net.ParseIP("10.1.2.3"), 443)
	assert.Equal(t, rule.Direct, d.Action)
	assert.Equal(t, "IP-CIDR", d.MatchedRule)
	assert.Equal(t, "10.0.0.0/8", d.Pattern)

	d = pm.EvaluateRoute("", net.ParseIP("8.8.8.8"), 25)
	assert.Equal(t, rule.Reject, d.Action)
	assert.Equal(t, "DST-PORT", d.MatchedRule)

	d = pm.EvaluateRoute("other.net", net.ParseIP("8.8.8.8"), 443)
	assert.Equal(t, rule.Direct, d.Action)
	assert.Equal(t, "FINAL", d.MatchedRule)
	assert.Empty(t, d.Pattern)

	assert.Equal(t, int64(2), stats.Direct.Load())
	assert.Equal(t, int64(1), stats.Proxied.Load())
	assert.Equal(t, int64(1), stats.Rejected.Load())
}

func TestProxyManagerDisableForcesDirect(t *testing.T) {
	pm, stats := newTestProxyManager(t, "FINAL,PROXY\n")

	assert.True(t, pm.IsEnabled())
	d := pm.EvaluateRoute("example.com", nil, 443)
	assert.Equal(t, rule.Proxy, d.Action)

	pm.Disable()
	assert.False(t, pm.IsEnabled())
	d = pm.EvaluateRoute("example.com", nil, 443)
	assert.Equal(t, rule.Direct, d.Action)
	// the matched rule is still reported even when the action is overridden
	assert.Equal(t, "FINAL", d.MatchedRule)

	pm.Enable()
	d = pm.EvaluateRoute("example.com", nil, 443)
	assert.Equal(t, rule.Proxy, d.Action)

	assert.Equal(t, int64(2), stats.Proxied.Load())
	assert.Equal(t, int64(1), stats.Direct.Load())
}

func TestProxyManagerRuleWarningsCounted(t *testing.T) {
	stats := &Stats{}
	pm := newProxyManager(Config{}, stats)

	count, warnings := pm.LoadRules("BOGUS,value,PROXY\nFINAL,DIRECT\n")
	assert.Equal(t, 1, count)
	assert.Len(t, warnings, 1)
	assert.Equal(t, int64(1), stats.RuleWarnings.Load())
	assert.Equal(t, 1, pm.RuleCount())
}
