package tunproxy

import (
	"sync"
	"time"

	"github.com/robin/tunproxy/rule"
)

// The process hosts at most one engine. Every boundary call below
// serializes on coreMu; the lock is never held across upstream I/O, which
// runs in the flow goroutines.
var (
	coreMu sync.Mutex
	core   *Engine
)

// InitCore starts the singleton engine. Fails with AlreadyInitialized when
// a live instance exists.
func InitCore(cfg Config) error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core != nil {
		return ErrAlreadyInitialized
	}
	eng, err := NewEngine(cfg)
	if err != nil {
		return err
	}
	core = eng
	return nil
}

// Init is the minimal form of InitCore for hosts that only carry proxy
// endpoint and credentials. Everything else takes defaults.
func Init(host string, port uint16, username, password string) error {
	return InitCore(Config{
		ServerHost: host,
		ServerPort: port,
		Username:   username,
		Password:   password,
	})
}

// ShutdownCore drops all flows, empties the queues, resets stats and
// releases the singleton slot.
func ShutdownCore() error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return ErrNotInitialized
	}
	core.Shutdown()
	core = nil
	return nil
}

// IsInitialized reports whether a live engine exists.
func IsInitialized() bool {
	coreMu.Lock()
	defer coreMu.Unlock()
	return core != nil
}

// CoreVersion returns the engine semver.
func CoreVersion() string {
	return EngineVersion
}

// ProcessInboundPacket funnels one platform datagram into the engine and
// returns whatever response packets are immediately emittable. Later
// responses show up through GetOutboundPackets.
func ProcessInboundPacket(data []byte) ([][]byte, error) {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return nil, ErrNotInitialized
	}
	err := core.InjectPacket(data)
	return core.OutboundPackets(0), err
}

// ProcessOutboundPacket is the funnel for the platform's write side. The
// engine treats both directions as raw datagram injection.
func ProcessOutboundPacket(data []byte) ([][]byte, error) {
	return ProcessInboundPacket(data)
}

// PollCore runs one housekeeping tick on the caller's clock.
func PollCore() error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return ErrNotInitialized
	}
	core.Poll(time.Now())
	return nil
}

// GetOutboundPackets drains packets synthesized for the platform.
func GetOutboundPackets() ([][]byte, error) {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return nil, ErrNotInitialized
	}
	return core.OutboundPackets(0), nil
}

// LoadRules replaces the rule table from text; returns the accepted count.
func LoadRules(text string) (int, error) {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return 0, ErrNotInitialized
	}
	count, warnings := core.proxy.LoadRules(text)
	for _, w := range warnings {
		core.log.Warn("rule rejected", "line", w.Line, "detail", w.Detail)
	}
	return count, nil
}

// EvaluateRoute classifies a prospective flow without creating one. The
// proto argument is accepted for symmetry; no rule predicate consumes it.
func EvaluateRoute(domain string, ip string, port uint16, proto string) (rule.Action, error) {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return rule.Direct, ErrNotInitialized
	}
	_ = proto
	decision := core.proxy.EvaluateRoute(domain, parseIPOrNil(ip), port)
	return decision.Action, nil
}

// GetStats returns a point-in-time copy of the counters.
func GetStats() (StatsSnapshot, error) {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return StatsSnapshot{}, ErrNotInitialized
	}
	return core.Stats(), nil
}

// EnableProxy re-enables rule-driven proxying for new flows.
func EnableProxy() error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return ErrNotInitialized
	}
	core.proxy.Enable()
	return nil
}

// DisableProxy forces Direct for every new flow; in-flight flows keep their
// decision.
func DisableProxy() error {
	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		return ErrNotInitialized
	}
	core.proxy.Disable()
	return nil
}
