package tunproxy

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robin/tunproxy/internal/packet"
)

// FlowState is the lifecycle state of a tracked flow.
type FlowState byte

const (
	FlowNew FlowState = iota
	FlowConnecting
	FlowEstablished
	FlowClosing
	FlowClosed
)

func (s FlowState) String() string {
	switch s {
	case FlowNew:
		return "new"
	case FlowConnecting:
		return "connecting"
	case FlowEstablished:
		return "established"
	case FlowClosing:
		return "closing"
	case FlowClosed:
		return "closed"
	}
	return "unknown"
}

// natKey identifies a flow by its 5-tuple.
type natKey struct {
	srcIP   string
	srcPort uint16
	dstIP   string
	dstPort uint16
	proto   packet.IPProtocol
}

func (k natKey) String() string {
	return strings.Join([]string{
		k.srcIP,
		fmt.Sprintf("%d", k.srcPort),
		k.dstIP,
		fmt.Sprintf("%d", k.dstPort),
	}, "|")
}

func tcpNatKey(ip *packet.IPv4, tcp *packet.TCP) natKey {
	return natKey{
		srcIP:   ip.SrcIP.String(),
		srcPort: tcp.SrcPort,
		dstIP:   ip.DstIP.String(),
		dstPort: tcp.DstPort,
		proto:   packet.IPProtocolTCP,
	}
}

func udpNatKey(ip *packet.IPv4, udp *packet.UDP) natKey {
	return natKey{
		srcIP:   ip.SrcIP.String(),
		srcPort: udp.SrcPort,
		dstIP:   ip.DstIP.String(),
		dstPort: udp.DstPort,
		proto:   packet.IPProtocolUDP,
	}
}

// natEntry tracks one flow. Bytes counters and state are mutated by the
// flow's conntrack goroutine; the table lock only guards the maps.
type natEntry struct {
	key       natKey
	localPort uint16
	trace     string

	mu       sync.Mutex
	state    FlowState
	closedAt time.Time

	bytesIn  int64
	bytesOut int64

	createdAt    time.Time
	lastActivity time.Time

	// hostname observed for the destination, from passive DNS or sniffing.
	hostname string

	// routing decision, immutable once set.
	decision *RoutingDecision
}

func (e *natEntry) setState(s FlowState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == FlowClosed {
		return
	}
	e.state = s
	if s == FlowClosed {
		e.closedAt = time.Now()
	}
}

func (e *natEntry) getState() FlowState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *natEntry) addBytesIn(n int) {
	e.mu.Lock()
	e.bytesIn += int64(n)
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *natEntry) addBytesOut(n int) {
	e.mu.Lock()
	e.bytesOut += int64(n)
	e.lastActivity = time.Now()
	e.mu.Unlock()
}

func (e *natEntry) setHostname(h string) {
	e.mu.Lock()
	if e.hostname == "" {
		e.hostname = h
	}
	e.mu.Unlock()
}

func (e *natEntry) getHostname() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostname
}

func (e *natEntry) setDecision(d *RoutingDecision) {
	e.mu.Lock()
	if e.decision == nil {
		e.decision = d
	}
	e.mu.Unlock()
}

func (e *natEntry) getDecision() *RoutingDecision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.decision
}

const (
	natPortMin = 10000
	natPortMax = 65535
)

// natTable maps flow keys to entries and owns local-port allocation. Two
// maps, by key and by local port, kept consistent under one lock.
type natTable struct {
	mu      sync.RWMutex
	byKey   map[natKey]*natEntry
	byPort  map[uint16]*natEntry
	cursor  uint16
	maxConn int
	linger  time.Duration
}

func newNatTable(maxConn int, linger time.Duration) *natTable {
	return &natTable{
		byKey:   make(map[natKey]*natEntry),
		byPort:  make(map[uint16]*natEntry),
		cursor:  natPortMin,
		maxConn: maxConn,
		linger:  linger,
	}
}

func (t *natTable) lookup(key natKey) *natEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byKey[key]
}

func (t *natTable) lookupPort(port uint16) *natEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPort[port]
}

// create allocates an entry and a local port for key. A key still present in
// Closed-linger is reclaimed and replaced. Returns ErrNatTableFull when the
// live-flow ceiling is hit or no port is free.
func (t *natTable) create(key natKey) (*natEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byKey[key]; ok {
		if old.getState() != FlowClosed {
			return old, nil
		}
		delete(t.byKey, old.key)
		delete(t.byPort, old.localPort)
	}

	if t.maxConn > 0 && len(t.byKey) >= t.maxConn {
		return nil, ErrNatTableFull
	}

	port, ok := t.allocPortLocked()
	if !ok {
		return nil, ErrNatTableFull
	}

	now := time.Now()
	entry := &natEntry{
		key:          key,
		localPort:    port,
		trace:        uuid.NewString(),
		state:        FlowNew,
		createdAt:    now,
		lastActivity: now,
	}
	t.byKey[key] = entry
	t.byPort[port] = entry
	return entry, nil
}

// allocPortLocked advances a rolling cursor through [natPortMin, natPortMax]
// until it finds a free port, wrapping once.
func (t *natTable) allocPortLocked() (uint16, bool) {
	span := int(natPortMax-natPortMin) + 1
	for i := 0; i < span; i++ {
		port := t.cursor
		if t.cursor == natPortMax {
			t.cursor = natPortMin
		} else {
			t.cursor++
		}
		if _, used := t.byPort[port]; !used {
			return port, true
		}
	}
	return 0, false
}

func (t *natTable) remove(key natKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.byKey[key]; ok {
		delete(t.byKey, key)
		delete(t.byPort, entry.localPort)
	}
}

// sweep reclaims entries that have sat in Closed for at least linger.
func (t *natTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	reclaimed := 0
	for key, entry := range t.byKey {
		entry.mu.Lock()
		expired := entry.state == FlowClosed && now.Sub(entry.closedAt) >= t.linger
		entry.mu.Unlock()
		if expired {
			delete(t.byKey, key)
			delete(t.byPort, entry.localPort)
			reclaimed++
		}
	}
	return reclaimed
}

func (t *natTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey)
}

// entries returns a snapshot of all live entries.
func (t *natTable) entries() []*natEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*natEntry, 0, len(t.byKey))
	for _, e := range t.byKey {
		out = append(out, e)
	}
	return out
}

// stateCounts tallies entries by flow state. Returns nil for an empty table.
func (t *natTable) stateCounts() map[string]int64 {
	t.mu.RLock()
	entries := make([]*natEntry, 0, len(t.byKey))
	for _, e := range t.byKey {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	if len(entries) == 0 {
		return nil
	}
	counts := make(map[string]int64, 5)
	for _, e := range entries {
		counts[e.getState().String()]++
	}
	return counts
}

// clear drops every entry, returning what was live.
func (t *natTable) clear() []*natEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*natEntry, 0, len(t.byKey))
	for _, e := range t.byKey {
		out = append(out, e)
	}
	t.byKey = make(map[natKey]*natEntry)
	t.byPort = make(map[uint16]*natEntry)
	return out
}

// parseIPOrNil is a small helper for boundary calls that take optional IPs.
func parseIPOrNil(s string) net.IP {
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}
