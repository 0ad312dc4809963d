package app

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/grafana/bpwatch/bpwatchdb"
	"github.com/grafana/bpwatch/modules/aggregator"
	"github.com/grafana/bpwatch/modules/server"
	"github.com/grafana/bpwatch/modules/tailer"
	"github.com/grafana/bpwatch/pkg/chain"
)

// Config is the root config for App.
type Config struct {
	Sync     bool   `yaml:"sync"`
	LogLevel string `yaml:"log_level"`

	Node       chain.Config      `yaml:"node,omitempty"`
	Database   bpwatchdb.Config  `yaml:"database,omitempty"`
	Tailer     tailer.Config     `yaml:"tailer,omitempty"`
	Aggregator aggregator.Config `yaml:"aggregator,omitempty"`
	Server     server.Config     `yaml:"server,omitempty"`
}

func NewDefaultConfig() *Config {
	defaultConfig := &Config{}
	defaultFS := flag.NewFlagSet("", flag.PanicOnError)
	defaultConfig.RegisterFlagsAndApplyDefaults("", defaultFS)
	return defaultConfig
}

// RegisterFlagsAndApplyDefaults registers flags.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Sync = true
	f.BoolVar(&c.Sync, "sync", true, "Set to false to serve queries without ingesting new blocks.")
	f.StringVar(&c.LogLevel, "log.level", "info", "Log level: debug, info, warn, error.")

	c.Node.RegisterFlagsAndApplyDefaults("node", f)
	c.Database.RegisterFlagsAndApplyDefaults("database", f)
	c.Tailer.RegisterFlagsAndApplyDefaults("tailer", f)
	c.Aggregator.RegisterFlagsAndApplyDefaults("aggregator", f)
	c.Server.RegisterFlagsAndApplyDefaults("server", f)
}

// CheckConfig rejects configs the process cannot start with.
func (c *Config) CheckConfig() error {
	if c.Node.Endpoint == "" && c.Sync {
		return errors.New("node.endpoint is required when sync is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}
