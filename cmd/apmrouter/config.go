package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/pior/apmrouter/router"
	"github.com/pior/apmrouter/sniffer"
)

// Config is the router process configuration. Flags override the YAML file.
type Config struct {
	// Listen is the TCP address shared by every protocol, /metrics included.
	Listen string `yaml:"listen"`

	// ListenUDP is the UDP address for datagrams. Empty disables UDP.
	ListenUDP string `yaml:"listen_udp"`

	LookaheadTimeout    time.Duration `yaml:"lookahead_timeout"`
	MaxTextFrame        int           `yaml:"max_text_frame"`
	MaxInflatedDatagram int           `yaml:"max_inflated_datagram"`
	MaxCatalogSize      int           `yaml:"max_catalog_size"` // negative for no bound

	// Metrics serves Prometheus metrics over HTTP on the TCP address.
	Metrics bool `yaml:"metrics"`

	// LogSamples logs every received sample at debug level.
	LogSamples bool `yaml:"log_samples"`

	// Instrument logs every pipeline stage at debug level.
	Instrument bool `yaml:"instrument"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json

	configFile string
}

func defaultConfig() Config {
	return Config{
		Listen:           ":9120",
		ListenUDP:        ":9120",
		LookaheadTimeout: sniffer.DefaultLookaheadTimeout,
		MaxTextFrame:     router.DefaultMaxTextFrame,
		MaxCatalogSize:   router.DefaultMaxCatalogSize,
		Metrics:          true,
		LogLevel:         "info",
		LogFormat:        "text",
	}
}

func newFlagSet(config *Config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("apmrouter", pflag.ContinueOnError)
	fs.StringVarP(&config.configFile, "config", "c", "", "YAML configuration file")
	fs.StringVarP(&config.Listen, "listen", "l", config.Listen, "TCP listen address")
	fs.StringVarP(&config.ListenUDP, "listen-udp", "u", config.ListenUDP, "UDP listen address (empty to disable)")
	fs.DurationVar(&config.LookaheadTimeout, "lookahead-timeout", config.LookaheadTimeout, "max wait for the protocol detection bytes")
	fs.IntVar(&config.MaxTextFrame, "max-text-frame", config.MaxTextFrame, "max size of a raw text frame")
	fs.IntVar(&config.MaxInflatedDatagram, "max-inflated-datagram", config.MaxInflatedDatagram, "max size of an inflated gzip datagram")
	fs.IntVar(&config.MaxCatalogSize, "max-catalog-size", config.MaxCatalogSize, "max identities assigned a token (negative for no bound)")
	fs.BoolVar(&config.Metrics, "metrics", config.Metrics, "serve /metrics on the TCP address")
	fs.BoolVar(&config.LogSamples, "log-samples", config.LogSamples, "log every sample at debug level")
	fs.BoolVar(&config.Instrument, "instrument", config.Instrument, "log every pipeline stage at debug level")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "debug, info, warn or error")
	fs.StringVar(&config.LogFormat, "log-format", config.LogFormat, "text or json")
	return fs
}

// loadConfig parses args, then the YAML file named by --config if any, and
// parses args again over the file so that flags win.
func loadConfig(args []string) (Config, error) {
	config := defaultConfig()
	if err := newFlagSet(&config).Parse(args); err != nil {
		return Config{}, err
	}
	if config.configFile == "" {
		return config, config.validate()
	}

	data, err := os.ReadFile(config.configFile)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	fileConfig := defaultConfig()
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := newFlagSet(&fileConfig).Parse(args); err != nil {
		return Config{}, err
	}
	return fileConfig, fileConfig.validate()
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func (c *Config) newLogger(w *os.File) *slog.Logger {
	level, _ := c.level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
