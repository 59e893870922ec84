package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matst80/sshfwd/internal/forward"
	"github.com/matst80/sshfwd/internal/netutil"
	"github.com/matst80/sshfwd/internal/session"
	"github.com/matst80/sshfwd/internal/transport/sshx"
)

// Config holds all runtime configuration: defaults, then an optional YAML
// file, then flags, each layer overriding the previous one.
type Config struct {
	SSHAddress        string        `yaml:"sshaddress"`
	SSHUser           string        `yaml:"sshuser"`
	RemoteSrv         string        `yaml:"remote_srv"`
	RemotePort        uint          `yaml:"remote_port"`
	LocalSrvAddress   string        `yaml:"local_srv_address"`
	Identity          string        `yaml:"identity"`
	HostKeyPolicy     string        `yaml:"hostkey"`
	KnownHosts        string        `yaml:"known_hosts"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	OpenTimeout       time.Duration `yaml:"open_timeout"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBase         time.Duration `yaml:"retry_base"`
	RetryMax          time.Duration `yaml:"retry_max"`
	Window            int64         `yaml:"window"`
	GracePeriod       time.Duration `yaml:"grace_period"`
	MaxConnRate       int           `yaml:"max_conn_rate"`
	MaxSourceRate     int           `yaml:"max_source_rate"`
	ConnBurst         int           `yaml:"conn_burst"`
	MetricsAddr       string        `yaml:"metrics"`
	Debug             bool          `yaml:"debug"`
}

func defaultConfig() Config {
	return Config{
		SSHUser:           "invalid_user",
		RemoteSrv:         "localhost",
		RemotePort:        8080,
		LocalSrvAddress:   "127.0.0.1:8080",
		HostKeyPolicy:     string(sshx.PolicyTOFU),
		ConnectTimeout:    10 * time.Second,
		OpenTimeout:       session.DefaultOpenTimeout,
		KeepaliveInterval: session.DefaultKeepaliveInterval,
		KeepaliveTimeout:  session.DefaultKeepaliveTimeout,
		MaxRetries:        session.DefaultMaxAttempts,
		RetryBase:         session.DefaultRetryBase,
		RetryMax:          session.DefaultRetryMax,
		Window:            session.DefaultWindow,
		GracePeriod:       forward.DefaultGracePeriod,
		ConnBurst:         10,
	}
}

var cfg Config

// init loads the optional config file before registering flags, so the
// file's values become the defaults the flags override.
func init() {
	cfg = defaultConfig()
	if path := configFileArg(os.Args[1:]); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(exitConfig)
		}
	}
	flag.String("config", "", "YAML config file; flags override its values")
	flag.StringVar(&cfg.SSHAddress, "sshaddress", cfg.SSHAddress, "remote SSH endpoint, host or host:port (required)")
	flag.StringVar(&cfg.SSHUser, "sshuser", cfg.SSHUser, "SSH user name")
	flag.StringVar(&cfg.RemoteSrv, "remote-srv", cfg.RemoteSrv, "destination host, resolved from the remote peer's side")
	flag.UintVar(&cfg.RemotePort, "remote-port", cfg.RemotePort, "destination port")
	flag.StringVar(&cfg.LocalSrvAddress, "local-srv-address", cfg.LocalSrvAddress, "local listen address")
	flag.StringVar(&cfg.Identity, "identity", cfg.Identity, "private key file for public key authentication")
	flag.StringVar(&cfg.HostKeyPolicy, "hostkey", cfg.HostKeyPolicy, "host key policy: tofu, known-hosts or insecure")
	flag.StringVar(&cfg.KnownHosts, "known-hosts", cfg.KnownHosts, "known_hosts file (default ~/.ssh/known_hosts)")
	flag.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "time limit for dial plus handshake (0 = none)")
	flag.DurationVar(&cfg.OpenTimeout, "open-timeout", cfg.OpenTimeout, "time limit for the peer to accept a channel open")
	flag.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", cfg.KeepaliveInterval, "interval between liveness probes")
	flag.DurationVar(&cfg.KeepaliveTimeout, "keepalive-timeout", cfg.KeepaliveTimeout, "time limit for a liveness probe reply")
	flag.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "connect attempts before giving up")
	flag.DurationVar(&cfg.RetryBase, "retry-base", cfg.RetryBase, "initial reconnect backoff")
	flag.DurationVar(&cfg.RetryMax, "retry-max", cfg.RetryMax, "reconnect backoff ceiling")
	flag.Int64Var(&cfg.Window, "window", cfg.Window, "per-channel flow control window in bytes")
	flag.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "time to wait for active relays to drain after shutdown signal")
	flag.IntVar(&cfg.MaxConnRate, "max-conn-rate", cfg.MaxConnRate, "accepted connections per second overall (0 = unlimited)")
	flag.IntVar(&cfg.MaxSourceRate, "max-source-rate", cfg.MaxSourceRate, "accepted connections per second per source host (0 = unlimited)")
	flag.IntVar(&cfg.ConnBurst, "conn-burst", cfg.ConnBurst, "rate limiter burst size")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "metrics and health listen address (empty = disabled)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logs")
	flag.Parse()
}

// configFileArg pulls -config out of args ahead of flag.Parse.
func configFileArg(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name, val, hasVal := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if name != "config" {
			continue
		}
		if hasVal {
			return val
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func loadConfigFile(path string, c *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// validate normalizes cfg in place and reports the first problem.
func validate(c *Config) error {
	if c.SSHAddress == "" {
		return errors.New("sshaddress is required")
	}
	c.SSHAddress = netutil.EnsureDefaultPort(c.SSHAddress, "22")
	if err := netutil.ValidateBind(c.LocalSrvAddress); err != nil {
		return err
	}
	if c.RemotePort < 1 || c.RemotePort > 65535 {
		return fmt.Errorf("remote-port %d out of range", c.RemotePort)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %d", c.Window)
	}
	switch sshx.HostKeyPolicy(c.HostKeyPolicy) {
	case sshx.PolicyTOFU, sshx.PolicyKnownHosts, sshx.PolicyInsecure:
	default:
		return fmt.Errorf("unknown hostkey policy %q", c.HostKeyPolicy)
	}
	return nil
}
