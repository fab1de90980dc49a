package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"tarun-kavipurapu/swarmlink/pkg/fileindex"
)

const EnvPrefix = "SWARMLINK"

type Discovery struct {
	Enabled        bool          `mapstructure:"enabled"`
	Port           int           `mapstructure:"port"`
	BroadcastAddr  string        `mapstructure:"broadcast_addr"`
	MulticastGroup string        `mapstructure:"multicast_group"`
	Interface      string        `mapstructure:"interface"`
	Interval       time.Duration `mapstructure:"interval"`
	MDNS           bool          `mapstructure:"mdns"`
}

type Swarm struct {
	Workers          int           `mapstructure:"workers"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

type Log struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Config is the node configuration after defaults, config file, environment
// and flags have been merged, in increasing order of precedence.
type Config struct {
	Name string `mapstructure:"name"`
	// Listen is the transfer server address. When empty the node listens on
	// all interfaces at TCPPort.
	Listen      string        `mapstructure:"listen"`
	TCPPort     int           `mapstructure:"tcp_port"`
	DownloadDir string        `mapstructure:"download_dir"`
	PieceSize   int64         `mapstructure:"piece_size"`
	Seed        bool          `mapstructure:"seed"`
	Share       []string      `mapstructure:"share"`
	API         string        `mapstructure:"api"`
	PeerTTL     time.Duration `mapstructure:"peer_ttl"`
	// MetricsInterval is the period of the runtime stats log line, 0 disables it.
	MetricsInterval time.Duration `mapstructure:"metrics_interval"`

	Discovery Discovery `mapstructure:"discovery"`
	Swarm     Swarm     `mapstructure:"swarm"`
	Log       Log       `mapstructure:"log"`
}

// ListenAddr returns the address the transfer server binds.
func (c Config) ListenAddr() string {
	if c.Listen != "" {
		return c.Listen
	}
	return ":" + strconv.Itoa(c.TCPPort)
}

// Default registers every key with its default value on v.
func Default(v *viper.Viper) {
	v.SetDefault("name", "")
	v.SetDefault("listen", "")
	v.SetDefault("tcp_port", 6001)
	v.SetDefault("download_dir", "downloads")
	v.SetDefault("piece_size", 256*1024)
	v.SetDefault("seed", true)
	v.SetDefault("share", []string{})
	v.SetDefault("api", "")
	v.SetDefault("peer_ttl", 15*time.Second)
	v.SetDefault("metrics_interval", time.Duration(0))

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.port", 37020)
	v.SetDefault("discovery.broadcast_addr", "255.255.255.255")
	v.SetDefault("discovery.multicast_group", "")
	v.SetDefault("discovery.interface", "")
	v.SetDefault("discovery.interval", 3*time.Second)
	v.SetDefault("discovery.mdns", false)

	v.SetDefault("swarm.workers", 8)
	v.SetDefault("swarm.max_attempts", 5)
	v.SetDefault("swarm.request_timeout", 8*time.Second)
	v.SetDefault("swarm.failure_threshold", 3)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// New returns a viper instance with defaults and SWARMLINK_* environment
// lookups, e.g. SWARMLINK_DISCOVERY_PORT for discovery.port.
func New() *viper.Viper {
	v := viper.New()
	Default(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"name":           "name",
	"listen":         "listen",
	"tcp-port":       "tcp_port",
	"download-dir":   "download_dir",
	"piece-size":     "piece_size",
	"seed":           "seed",
	"share":          "share",
	"api":            "api",
	"discovery-port": "discovery.port",
	"broadcast":      "discovery.broadcast_addr",
	"multicast":      "discovery.multicast_group",
	"mdns":           "discovery.mdns",
	"workers":        "swarm.workers",
	"log-level":      "log.level",
	"log-file":       "log.file",
}

// BindFlags binds the flags of flags that have a configuration key.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	for name, key := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			err = multierr.Append(err, v.BindPFlag(key, f))
		}
	}
	return err
}

// Load reads file when given, then decodes and validates the merged settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if !validPort(c.TCPPort) {
		err = multierr.Append(err, fmt.Errorf("tcp_port %d out of range", c.TCPPort))
	}
	if c.Listen != "" {
		if _, _, e := net.SplitHostPort(c.Listen); e != nil {
			err = multierr.Append(err, fmt.Errorf("listen %q: %w", c.Listen, e))
		}
	}
	if c.PieceSize <= 0 || c.PieceSize > fileindex.MaxPieceSize {
		err = multierr.Append(err, fmt.Errorf("piece_size must be in (0, %d], got %d", fileindex.MaxPieceSize, c.PieceSize))
	}
	if c.DownloadDir == "" {
		err = multierr.Append(err, errors.New("download_dir is required"))
	}
	if c.PeerTTL <= 0 {
		err = multierr.Append(err, fmt.Errorf("peer_ttl must be positive, got %s", c.PeerTTL))
	}
	if c.MetricsInterval < 0 {
		err = multierr.Append(err, fmt.Errorf("metrics_interval must not be negative"))
	}

	if !validPort(c.Discovery.Port) {
		err = multierr.Append(err, fmt.Errorf("discovery.port %d out of range", c.Discovery.Port))
	}
	if c.Discovery.Interval <= 0 {
		err = multierr.Append(err, fmt.Errorf("discovery.interval must be positive, got %s", c.Discovery.Interval))
	}
	if ip := net.ParseIP(c.Discovery.BroadcastAddr); c.Discovery.BroadcastAddr != "" && ip == nil {
		err = multierr.Append(err, fmt.Errorf("discovery.broadcast_addr %q is not an IP", c.Discovery.BroadcastAddr))
	}
	if g := c.Discovery.MulticastGroup; g != "" {
		if ip := net.ParseIP(g); ip == nil || !ip.IsMulticast() {
			err = multierr.Append(err, fmt.Errorf("discovery.multicast_group %q is not a multicast address", g))
		}
	}

	if c.Swarm.Workers <= 0 {
		err = multierr.Append(err, fmt.Errorf("swarm.workers must be positive, got %d", c.Swarm.Workers))
	}
	if c.Swarm.MaxAttempts <= 0 {
		err = multierr.Append(err, fmt.Errorf("swarm.max_attempts must be positive, got %d", c.Swarm.MaxAttempts))
	}
	if c.Swarm.RequestTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("swarm.request_timeout must be positive, got %s", c.Swarm.RequestTimeout))
	}
	if c.Swarm.FailureThreshold <= 0 {
		err = multierr.Append(err, fmt.Errorf("swarm.failure_threshold must be positive, got %d", c.Swarm.FailureThreshold))
	}

	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}
