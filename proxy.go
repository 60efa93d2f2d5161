package tunproxy

import (
	"net"
	"sync/atomic"

	"github.com/robin/tunproxy/rule"
)

// RoutingDecision is the cached outcome of classifying one flow.
type RoutingDecision struct {
	Action      rule.Action
	MatchedRule string
	Pattern     string
}

// ProxyManager owns the enabled flag, the proxy config, the rule engine and
// the per-action counters. Disabled forces Direct for every new flow; rules
// are still consulted so the matched pattern shows up in logs.
type ProxyManager struct {
	enabled atomic.Bool
	cfg     Config
	rules   *rule.Engine
	stats   *Stats
}

func newProxyManager(cfg Config, stats *Stats) *ProxyManager {
	pm := &ProxyManager{
		cfg:   cfg,
		rules: rule.NewEngine(),
		stats: stats,
	}
	pm.enabled.Store(true)
	return pm
}

func (pm *ProxyManager) Enable()         { pm.enabled.Store(true) }
func (pm *ProxyManager) Disable()        { pm.enabled.Store(false) }
func (pm *ProxyManager) IsEnabled() bool { return pm.enabled.Load() }

// LoadRules replaces the rule table. Returns the accepted rule count.
func (pm *ProxyManager) LoadRules(text string) (int, []rule.ParseWarning) {
	count, warnings := pm.rules.Load(text)
	pm.stats.RuleWarnings.Add(int64(len(warnings)))
	return count, warnings
}

// EvaluateRoute classifies a flow and bumps the matching counter. When the
// proxy is disabled the decision is forced to Direct.
func (pm *ProxyManager) EvaluateRoute(domain string, ip net.IP, port uint16) *RoutingDecision {
	matched := pm.rules.Evaluate(domain, ip, port)
	action := matched.Action
	if !pm.enabled.Load() {
		action = rule.Direct
	}

	switch action {
	case rule.Direct:
		pm.stats.Direct.Add(1)
	case rule.Proxy:
		pm.stats.Proxied.Add(1)
	case rule.Reject:
		pm.stats.Rejected.Add(1)
	}

	pattern := ""
	switch matched.Kind {
	case rule.Domain, rule.DomainSuffix, rule.DomainKeyword:
		pattern = matched.Domain
	case rule.IPCIDR:
		pattern = matched.Net.String()
	case rule.GeoIP:
		pattern = matched.Country
	}

	return &RoutingDecision{
		Action:      action,
		MatchedRule: matched.Kind.String(),
		Pattern:     pattern,
	}
}

// SetGeoResolver injects the GEOIP database into the rule engine.
func (pm *ProxyManager) SetGeoResolver(geo rule.GeoResolver) {
	pm.rules.SetGeoResolver(geo)
}

// RuleCount reports the size of the current table.
func (pm *ProxyManager) RuleCount() int {
	return pm.rules.Len()
}
