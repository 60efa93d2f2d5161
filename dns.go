package tunproxy

import (
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// dnsCacheEntry stores one DNS response and its expiry.
type dnsCacheEntry struct {
	msg *dns.Msg
	exp time.Time
}

// dnsCache answers repeat queries for cached names without an upstream
// round trip.
type dnsCache struct {
	mutex   sync.Mutex
	storage map[string]*dnsCacheEntry
}

func newDNSCache() *dnsCache {
	return &dnsCache{storage: make(map[string]*dnsCacheEntry)}
}

func packUint16BE(i uint16) []byte { return []byte{byte(i >> 8), byte(i)} }

// cacheKey is question name + qtype.
func cacheKey(q dns.Question) string {
	return string(append([]byte(q.Name), packUint16BE(q.Qtype)...))
}

// query parses a request payload and returns a cached answer when one is
// still fresh, with the transaction id rewritten to match the request.
func (c *dnsCache) query(payload []byte) *dns.Msg {
	request := new(dns.Msg)
	if request.Unpack(payload) != nil {
		return nil
	}
	if len(request.Question) == 0 {
		return nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	key := cacheKey(request.Question[0])
	entry := c.storage[key]
	if entry == nil {
		return nil
	}
	if time.Now().After(entry.exp) {
		delete(c.storage, key)
		return nil
	}
	entry.msg.Id = request.Id
	return entry.msg
}

// store caches a successful response; the TTL follows the first answer
// record.
func (c *dnsCache) store(payload []byte) {
	resp := new(dns.Msg)
	if resp.Unpack(payload) != nil {
		return
	}
	if resp.Rcode != dns.RcodeSuccess {
		return
	}
	if len(resp.Question) == 0 || len(resp.Answer) == 0 {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	key := cacheKey(resp.Question[0])
	c.storage[key] = &dnsCacheEntry{
		msg: resp,
		exp: time.Now().Add(time.Duration(resp.Answer[0].Header().Ttl) * time.Second),
	}
}

// hostStore maps destination IPs to hostnames observed on the wire, from
// passive DNS answers and from sniffed SNI / Host headers. DOMAIN-* rules
// classify IP-level flows through this map.
type hostStore struct {
	mu    sync.RWMutex
	byIP  map[string]hostObservation
	ttl   time.Duration
	limit int
}

type hostObservation struct {
	host string
	seen time.Time
}

const (
	defaultHostTTL   = 30 * time.Minute
	defaultHostLimit = 4096
)

func newHostStore() *hostStore {
	return &hostStore{
		byIP:  make(map[string]hostObservation),
		ttl:   defaultHostTTL,
		limit: defaultHostLimit,
	}
}

// observe records host as the name behind ip.
func (h *hostStore) observe(ip string, host string) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" || ip == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.byIP) >= h.limit {
		// reclaim expired observations before giving up on the insert
		now := time.Now()
		for k, o := range h.byIP {
			if now.Sub(o.seen) > h.ttl {
				delete(h.byIP, k)
			}
		}
		if len(h.byIP) >= h.limit {
			return
		}
	}
	h.byIP[ip] = hostObservation{host: host, seen: time.Now()}
}

// lookup returns the hostname last observed for ip, or "".
func (h *hostStore) lookup(ip string) string {
	h.mu.RLock()
	o, ok := h.byIP[ip]
	h.mu.RUnlock()
	if !ok {
		return ""
	}
	if time.Since(o.seen) > h.ttl {
		h.mu.Lock()
		delete(h.byIP, ip)
		h.mu.Unlock()
		return ""
	}
	return o.host
}

// observeDNS extracts A/AAAA answers from a response payload and records
// each address under the queried name.
func (h *hostStore) observeDNS(payload []byte) {
	resp := new(dns.Msg)
	if resp.Unpack(payload) != nil {
		return
	}
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) == 0 {
		return
	}
	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			h.observe(a.A.String(), rr.Header().Name)
		case *dns.AAAA:
			h.observe(a.AAAA.String(), rr.Header().Name)
		}
	}
}
