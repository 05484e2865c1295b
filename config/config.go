// Package config loads the gateway configuration from TOML.
package config

import (
	"edge-rpc/idgen"
	"edge-rpc/logging"
	"edge-rpc/registry"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the resolved gateway configuration.
type Config struct {
	Name      string
	Listen    string
	Advertise string // address announced in discovery; defaults to Listen

	IDStrategy   string
	MatchMode    registry.MatchMode
	CallbackWarn time.Duration

	Heartbeat         time.Duration
	MaxProtocolErrors int // 0 never closes a connection for protocol errors
	HandlerTimeout    time.Duration
	MaxDevices        int // devices registered over all translators; 0 means no limit

	RateLimit RateLimit
	Etcd      Etcd
	Admin     Admin
	Log       Log
}

type RateLimit struct {
	RPS   float64 // 0 disables the limiter
	Burst int
}

type Etcd struct {
	Endpoints   []string // empty disables etcd announcement
	TTL         int64    // seconds
	DialTimeout time.Duration
}

type Admin struct {
	Listen string // empty disables the admin server
}

type Log struct {
	Level string
	JSON  bool
}

func Default() Config {
	return Config{
		Name:              "edge-gateway",
		Listen:            "127.0.0.1:7300",
		IDStrategy:        idgen.StrategySequential,
		MatchMode:         registry.MatchExact,
		CallbackWarn:      500 * time.Millisecond,
		Heartbeat:         30 * time.Second,
		MaxProtocolErrors: 10,
		HandlerTimeout:    5 * time.Second,
		MaxDevices:        10000,
		RateLimit:         RateLimit{RPS: 0, Burst: 50},
		Etcd:              Etcd{TTL: 10, DialTimeout: 5 * time.Second},
		Admin:             Admin{Listen: "127.0.0.1:7310"},
		Log:               Log{Level: "info"},
	}
}

type fileConfig struct {
	Name              string `toml:"name"`
	Listen            string `toml:"listen"`
	Advertise         string `toml:"advertise"`
	IDStrategy        string `toml:"id_strategy"`
	MatchMode         string `toml:"match_mode"`
	CallbackWarn      string `toml:"callback_warn"`
	Heartbeat         string `toml:"heartbeat"`
	MaxProtocolErrors int    `toml:"max_protocol_errors"`
	HandlerTimeout    string `toml:"handler_timeout"`
	MaxDevices        int    `toml:"max_devices"`
	RateLimit         struct {
		RPS   float64 `toml:"rps"`
		Burst int     `toml:"burst"`
	} `toml:"rate_limit"`
	Etcd struct {
		Endpoints   []string `toml:"endpoints"`
		TTL         int64    `toml:"ttl"`
		DialTimeout string   `toml:"dial_timeout"`
	} `toml:"etcd"`
	Admin struct {
		Listen string `toml:"listen"`
	} `toml:"admin"`
	Log struct {
		Level string `toml:"level"`
		JSON  bool   `toml:"json"`
	} `toml:"log"`
}

// Load reads path and overlays the keys it defines onto Default. The result is validated.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load gateway config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for configuration held in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse gateway config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	cfg := Default()
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("advertise") {
		cfg.Advertise = strings.TrimSpace(raw.Advertise)
	}
	if meta.IsDefined("id_strategy") {
		cfg.IDStrategy = strings.ToLower(strings.TrimSpace(raw.IDStrategy))
	}
	if meta.IsDefined("match_mode") {
		m, err := registry.ParseMatchMode(raw.MatchMode)
		if err != nil {
			return Config{}, err
		}
		cfg.MatchMode = m
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"callback_warn", raw.CallbackWarn, &cfg.CallbackWarn},
		{"heartbeat", raw.Heartbeat, &cfg.Heartbeat},
		{"handler_timeout", raw.HandlerTimeout, &cfg.HandlerTimeout},
		{"etcd.dial_timeout", raw.Etcd.DialTimeout, &cfg.Etcd.DialTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_protocol_errors") {
		cfg.MaxProtocolErrors = raw.MaxProtocolErrors
	}
	if meta.IsDefined("max_devices") {
		cfg.MaxDevices = raw.MaxDevices
	}
	if meta.IsDefined("rate_limit", "rps") {
		cfg.RateLimit.RPS = raw.RateLimit.RPS
	}
	if meta.IsDefined("rate_limit", "burst") {
		cfg.RateLimit.Burst = raw.RateLimit.Burst
	}
	if meta.IsDefined("etcd", "endpoints") {
		cfg.Etcd.Endpoints = normalizeList(raw.Etcd.Endpoints)
	}
	if meta.IsDefined("etcd", "ttl") {
		cfg.Etcd.TTL = raw.Etcd.TTL
	}
	if meta.IsDefined("admin", "listen") {
		cfg.Admin.Listen = strings.TrimSpace(raw.Admin.Listen)
	}
	if meta.IsDefined("log", "level") {
		cfg.Log.Level = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "json") {
		cfg.Log.JSON = raw.Log.JSON
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if _, err := idgen.Parse(c.IDStrategy); err != nil {
		errs = append(errs, err)
	}
	if c.CallbackWarn <= 0 {
		errs = append(errs, errors.New("callback_warn must be positive"))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, errors.New("heartbeat must not be negative"))
	}
	if c.MaxProtocolErrors < 0 {
		errs = append(errs, errors.New("max_protocol_errors must not be negative"))
	}
	if c.MaxDevices < 0 {
		errs = append(errs, errors.New("max_devices must not be negative"))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, errors.New("handler_timeout must not be negative"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		errs = append(errs, errors.New("rate_limit.burst must be positive when rps is set"))
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.TTL <= 0 {
		errs = append(errs, errors.New("etcd.ttl must be positive"))
	}
	if c.Log.Level != "" {
		if _, ok := logging.ParseLevel(c.Log.Level); !ok {
			errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
		}
	}
	return errors.Join(errs...)
}

// AdvertiseAddr is the address announced to discovery.
func (c Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}

// LogSettings applies the [log] section to the logger settings.
func (c Config) LogSettings(s *logging.Settings) {
	if lvl, ok := logging.ParseLevel(c.Log.Level); ok {
		s.Level = lvl
	}
	s.JSON = c.Log.JSON
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
