package main

import (
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/songgao/water"
	"gopkg.in/yaml.v3"

	"github.com/robin/tunproxy"
)

// fileConfig is the on-disk YAML shape; durations are human strings.
type fileConfig struct {
	ServerHost string `yaml:"serverHost"`
	ServerPort uint16 `yaml:"serverPort"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`

	MaxConnections int    `yaml:"maxConnections"`
	UDPIdleTimeout string `yaml:"udpIdleTimeout"`
	Linger         string `yaml:"linger"`
	QueueCapacity  int    `yaml:"queueCapacity"`

	HandshakeTimeout string `yaml:"handshakeTimeout"`
	IPv6Enabled      bool   `yaml:"ipv6Enabled"`

	DNSServers     []string `yaml:"dnsServers"`
	EnableDNSCache bool     `yaml:"enableDnsCache"`

	GeoIPDatabase string `yaml:"geoipDatabase"`
	RuleFile      string `yaml:"ruleFile"`
}

func loadConfig(path string) (tunproxy.Config, error) {
	var fc fileConfig
	var cfg tunproxy.Config

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return cfg, err
	}

	cfg = tunproxy.Config{
		ServerHost:     fc.ServerHost,
		ServerPort:     fc.ServerPort,
		Username:       fc.Username,
		Password:       fc.Password,
		MaxConnections: fc.MaxConnections,
		QueueCapacity:  fc.QueueCapacity,
		IPv6Enabled:    fc.IPv6Enabled,
		DNSServers:     fc.DNSServers,
		EnableDNSCache: fc.EnableDNSCache,
		GeoIPDatabase:  fc.GeoIPDatabase,
		RuleFile:       fc.RuleFile,
	}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{fc.UDPIdleTimeout, &cfg.UDPIdleTimeout},
		{fc.Linger, &cfg.Linger},
		{fc.HandshakeTimeout, &cfg.HandshakeTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, err
		}
		*d.dst = v
	}
	return cfg, nil
}

func main() {
	var (
		configPath = flag.String("config", "tunproxy.yaml", "engine configuration file")
		tunName    = flag.String("tun", "tun0", "TUN interface name")
		adminAddr  = flag.String("admin", "127.0.0.1:9090", "admin/metrics listen address")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("config load failed", "path", *configPath, "error", err)
		os.Exit(1)
	}
	cfg.Logger = log

	if err := tunproxy.InitCore(cfg); err != nil {
		log.Error("engine init failed", "error", err)
		os.Exit(1)
	}
	defer tunproxy.ShutdownCore()

	if cfg.RuleFile != "" {
		text, err := os.ReadFile(cfg.RuleFile)
		if err != nil {
			log.Error("rule file read failed", "path", cfg.RuleFile, "error", err)
			os.Exit(1)
		}
		count, err := tunproxy.LoadRules(string(text))
		if err != nil {
			log.Error("rule load failed", "error", err)
			os.Exit(1)
		}
		log.Info("rules loaded", "path", cfg.RuleFile, "count", count)
	}

	iface, err := water.New(water.Config{
		DeviceType:             water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{Name: *tunName},
	})
	if err != nil {
		log.Error("TUN create failed", "error", err)
		os.Exit(1)
	}
	defer iface.Close()
	log.Info("TUN interface up", "name", iface.Name())

	go adminServer(*adminAddr, log)
	go pollLoop(iface, log)
	go readLoop(iface, log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", "signal", s.String())
}

// readLoop funnels TUN datagrams into the engine and writes back whatever
// is immediately emittable.
func readLoop(iface *water.Interface, log *slog.Logger) {
	buf := make([]byte, tunproxy.MTU)
	for {
		n, err := iface.Read(buf)
		if err != nil {
			log.Error("TUN read failed", "error", err)
			return
		}
		resp, err := tunproxy.ProcessInboundPacket(buf[:n])
		if err != nil {
			log.Debug("packet rejected", "error", err)
		}
		for _, pkt := range resp {
			if _, err := iface.Write(pkt); err != nil {
				log.Error("TUN write failed", "error", err)
				return
			}
		}
	}
}

// pollLoop drives the engine clock at 20 Hz and drains synthesized packets.
func pollLoop(iface *water.Interface, log *slog.Logger) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if err := tunproxy.PollCore(); err != nil {
			return
		}
		pkts, err := tunproxy.GetOutboundPackets()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			if _, err := iface.Write(pkt); err != nil {
				log.Error("TUN write failed", "error", err)
				return
			}
		}
	}
}

// adminServer exposes prometheus metrics, a stats snapshot and the text
// control channel over HTTP.
func adminServer(addr string, log *slog.Logger) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(newStatsCollector())

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, tunproxy.HandleControlMessage("getStats"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/control", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, 4096))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		io.WriteString(w, tunproxy.HandleControlMessage(string(body)))
	}).Methods(http.MethodPost)

	log.Info("admin listening", "addr", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Error("admin server failed", "error", err)
	}
}
