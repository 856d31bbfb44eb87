// Package config implements the ambient configuration surface (component
// I): a flag set with environment-variable fallbacks, following the
// reference pack's own cobra/pflag-based CLI config convention.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const (
	defaultUUID    = "5783af93-0420-4a51-ad38-40cbdc3ee039"
	defaultPort    = 3241
	defaultLogLvl  = "info"
	defaultDialTmo = 10 * time.Second
)

// Config holds every value the CLI entrypoint needs to construct the
// listener, dispatcher, logger and metrics registry.
type Config struct {
	UUID          uuid.UUID
	Port          int
	WSPath        string
	ListenAddr    string
	LogLevel      string
	MetricsAddr   string
	ProxyProtocol bool
	DialTimeout   time.Duration
	UplinkCap     int
	DownlinkCap   int

	// rawUUID/rawWSPath hold the flag-bound strings until Finish parses and
	// derives the struct's final fields; pflag only fills these pointers
	// once fs.Parse has run, so they can't be resolved inside BindFlags.
	rawUUID   *string
	rawWSPath *string
}

// BindFlags registers this config's fields on fs, seeded from environment
// variables where set. Call Finish after fs.Parse(os.Args[1:]) to derive
// fields (like WSPath) that depend on other flags.
func BindFlags(fs *pflag.FlagSet, env func(string) string) *Config {
	c := &Config{}

	c.rawUUID = fs.String("uuid", envOr(env, "UUID", defaultUUID), "shared tunnel identifier")
	fs.IntVar(&c.Port, "port", envInt(env, "PORT", defaultPort), "TCP listen port")
	c.rawWSPath = fs.String("wspath", envOr(env, "WSPATH", ""), "URL path segment prefixing XHTTP endpoints (default: first 8 chars of uuid)")
	fs.StringVar(&c.ListenAddr, "listen-addr", envOr(env, "LISTEN_ADDR", ""), "listen address (host), empty binds all interfaces")
	fs.StringVar(&c.LogLevel, "log-level", envOr(env, "LOG_LEVEL", defaultLogLvl), "debug, info, warn, or error")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", envOr(env, "METRICS_ADDR", ""), "any non-empty value mounts /metrics on the main listener; the value is not used as a listen address; empty disables it")
	fs.BoolVar(&c.ProxyProtocol, "proxy-protocol", envBool(env, "PROXY_PROTOCOL", false), "accept PROXY protocol v1/v2 on the listener")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", envDuration(env, "DIAL_TIMEOUT", defaultDialTmo), "per-dial timeout")
	fs.IntVar(&c.UplinkCap, "uplink-cap", envInt(env, "UPLINK_CAP", 1<<20), "pending_uplink byte ceiling; 0 disables the cap")
	fs.IntVar(&c.DownlinkCap, "downlink-cap", envInt(env, "DOWNLINK_CAP", 1<<20), "pending_downlink byte ceiling; 0 disables the cap")

	return c
}

// Finish parses the raw flag strings captured by BindFlags into their
// final typed fields. Call once after fs.Parse has run.
func (c *Config) Finish() error {
	id, err := uuid.Parse(*c.rawUUID)
	if err != nil {
		return fmt.Errorf("config: invalid uuid: %w", err)
	}
	c.UUID = id

	if *c.rawWSPath != "" {
		c.WSPath = *c.rawWSPath
	} else {
		c.WSPath = strings.ReplaceAll(c.UUID.String(), "-", "")[:8]
	}
	return nil
}

func envOr(env func(string) string, key, fallback string) string {
	if v := env(key); v != "" {
		return v
	}
	return fallback
}

func envInt(env func(string) string, key string, fallback int) int {
	v := env(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return fallback
	}
	return n
}

func envBool(env func(string) string, key string, fallback bool) bool {
	switch env(key) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}

func envDuration(env func(string) string, key string, fallback time.Duration) time.Duration {
	v := env(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
