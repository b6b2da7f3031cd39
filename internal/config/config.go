// Package config loads the node configuration from a YAML file and lets a
// few environment variables override it.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"kadnode/internal/crypto"
	"kadnode/internal/kad"
)

var ErrInvalid = errors.New("invalid configuration")

const (
	DefaultUDPPort          = 4672
	DefaultTCPPort          = 4662
	DefaultAdminAddr        = "127.0.0.1:4670"
	DefaultSnapshotInterval = time.Minute
	DefaultRatePerSecond    = 50
	DefaultRateBurst        = 100
)

// Duration accepts "15s"-style strings or plain seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Local     LocalConfig      `yaml:"local"`
	Engines   []EngineConfig   `yaml:"engines"`
	Blacklist []BlacklistEntry `yaml:"blacklist,omitempty"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Probe     ProbeConfig      `yaml:"firewall_probe"`
	Admin     AdminConfig      `yaml:"admin"`
	Diag      DiagConfig       `yaml:"diag"`
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
}

type LocalConfig struct {
	// ID is hashed with MD4 unless it starts with '#'. Empty means random.
	ID      string `yaml:"id"`
	IP      string `yaml:"ip"`
	Bind    string `yaml:"bind"`
	UDPPort uint16 `yaml:"udp_port"`
	TCPPort uint16 `yaml:"tcp_port"`
}

type EngineConfig struct {
	Flavour          string   `yaml:"flavour"`
	BucketSize       int      `yaml:"bucket_size,omitempty"`
	MaxSessions      int      `yaml:"max_sessions,omitempty"`
	QueueSize        int      `yaml:"queue_size,omitempty"`
	MaxContacts      int      `yaml:"max_contacts,omitempty"`
	IdleTimeout      Duration `yaml:"idle_timeout,omitempty"`
	MaintainInterval Duration `yaml:"maintain_interval,omitempty"`
	Contacts         []string `yaml:"contacts,omitempty"`
	NodesDat         string   `yaml:"nodes_dat,omitempty"`
}

type BlacklistEntry struct {
	Addr string   `yaml:"addr"`
	For  Duration `yaml:"for"`
}

type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
	MaxIPs    int     `yaml:"max_ips,omitempty"`
}

type ProbeConfig struct {
	Enabled bool     `yaml:"enabled"`
	Window  Duration `yaml:"window,omitempty"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type DiagConfig struct {
	Addr string `yaml:"addr"`
}

type SnapshotConfig struct {
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval,omitempty"`
}

func Default() *Config {
	return &Config{
		Local: LocalConfig{
			UDPPort: DefaultUDPPort,
			TCPPort: DefaultTCPPort,
		},
		Engines: []EngineConfig{{Flavour: kad.EMule.String()}},
		RateLimit: RateLimitConfig{
			PerSecond: DefaultRatePerSecond,
			Burst:     DefaultRateBurst,
		},
		Probe:    ProbeConfig{Enabled: true},
		Admin:    AdminConfig{Addr: DefaultAdminAddr},
		Snapshot: SnapshotConfig{Interval: Duration(DefaultSnapshotInterval)},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Parse(data []byte, cfg *Config) error {
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv("KADNODE_ID")); v != "" {
		c.Local.ID = v
	}
	if v := strings.TrimSpace(os.Getenv("KADNODE_LOCAL_IP")); v != "" {
		c.Local.IP = v
	}
	if v := strings.TrimSpace(os.Getenv("KADNODE_BIND")); v != "" {
		c.Local.Bind = v
	}
	if err := envPort("KADNODE_UDP_PORT", &c.Local.UDPPort); err != nil {
		return err
	}
	if err := envPort("KADNODE_TCP_PORT", &c.Local.TCPPort); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("KADNODE_ADMIN_ADDR"); ok {
		c.Admin.Addr = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("KADNODE_DIAG_ADDR"); ok {
		c.Diag.Addr = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv("KADNODE_SNAPSHOT_PATH"); ok {
		c.Snapshot.Path = strings.TrimSpace(v)
	}
	if raw := strings.TrimSpace(os.Getenv("KADNODE_MAX_SESSIONS")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: KADNODE_MAX_SESSIONS=%q", ErrInvalid, raw)
		}
		for i := range c.Engines {
			c.Engines[i].MaxSessions = n
		}
	}
	if raw := strings.TrimSpace(os.Getenv("KADNODE_FIREWALL_PROBE")); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%w: KADNODE_FIREWALL_PROBE=%q", ErrInvalid, raw)
		}
		c.Probe.Enabled = on
	}
	return nil
}

func envPort(key string, dst *uint16) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || v == 0 {
		return fmt.Errorf("%w: %s=%q", ErrInvalid, key, raw)
	}
	*dst = uint16(v)
	return nil
}

func (c *Config) Validate() error {
	if c.Local.UDPPort == 0 {
		return fmt.Errorf("%w: local.udp_port is required", ErrInvalid)
	}
	if c.Local.TCPPort == 0 {
		return fmt.Errorf("%w: local.tcp_port is required", ErrInvalid)
	}
	if c.Local.IP != "" {
		if _, err := netip.ParseAddr(c.Local.IP); err != nil {
			return fmt.Errorf("%w: local.ip: %v", ErrInvalid, err)
		}
	}
	if strings.HasPrefix(c.Local.ID, "#") {
		if _, err := kad.ParseID(c.Local.ID); err != nil {
			return fmt.Errorf("%w: local.id: %v", ErrInvalid, err)
		}
	}
	if len(c.Engines) == 0 {
		return fmt.Errorf("%w: at least one engine is required", ErrInvalid)
	}
	seen := make(map[kad.Flavour]bool)
	for i, ec := range c.Engines {
		f, err := kad.ParseFlavour(ec.Flavour)
		if err != nil {
			return fmt.Errorf("%w: engines[%d]: %v", ErrInvalid, i, err)
		}
		if seen[f] {
			return fmt.Errorf("%w: engines[%d]: duplicate flavour %s", ErrInvalid, i, f)
		}
		seen[f] = true
		if ec.BucketSize < 0 || ec.MaxSessions < 0 || ec.QueueSize < 0 || ec.MaxContacts < 0 {
			return fmt.Errorf("%w: engines[%d]: negative limit", ErrInvalid, i)
		}
		if _, err := ec.ContactPeers(); err != nil {
			return fmt.Errorf("%w: engines[%d]: %v", ErrInvalid, i, err)
		}
	}
	for i, b := range c.Blacklist {
		if _, err := netip.ParseAddrPort(b.Addr); err != nil {
			return fmt.Errorf("%w: blacklist[%d]: %v", ErrInvalid, i, err)
		}
		if b.For <= 0 {
			return fmt.Errorf("%w: blacklist[%d]: duration must be positive", ErrInvalid, i)
		}
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("%w: rate_limit must not be negative", ErrInvalid)
	}
	return nil
}

func (l LocalConfig) Node() (kad.Peer, error) {
	var id kad.ID
	if l.ID != "" {
		var err error
		if id, err = crypto.HashID(l.ID); err != nil {
			return kad.Peer{}, err
		}
	}
	id, err := crypto.LocalID(id)
	if err != nil {
		return kad.Peer{}, err
	}
	p := kad.Peer{ID: id, UDPPort: l.UDPPort, TCPPort: l.TCPPort}
	if l.IP != "" {
		if p.IP, err = netip.ParseAddr(l.IP); err != nil {
			return kad.Peer{}, err
		}
	}
	return p, nil
}

func (l LocalConfig) UDPAddr() string {
	return netip.AddrPortFrom(l.bindAddr(), l.UDPPort).String()
}

func (l LocalConfig) TCPAddr() string {
	return netip.AddrPortFrom(l.bindAddr(), l.TCPPort).String()
}

func (l LocalConfig) bindAddr() netip.Addr {
	if a, err := netip.ParseAddr(l.Bind); err == nil {
		return a
	}
	return netip.IPv4Unspecified()
}

func (e EngineConfig) ParsedFlavour() kad.Flavour {
	f, _ := kad.ParseFlavour(e.Flavour)
	return f
}

func (e EngineConfig) ContactPeers() ([]kad.Peer, error) {
	out := make([]kad.Peer, 0, len(e.Contacts))
	for _, raw := range e.Contacts {
		ap, err := netip.ParseAddrPort(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("contact %q: %w", raw, err)
		}
		out = append(out, kad.Peer{IP: ap.Addr().Unmap(), UDPPort: ap.Port()})
	}
	return out, nil
}
