package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"gopkg.in/yaml.v2"

	"github.com/grafana/bpwatch/cmd/bpwatch/app"
	"github.com/grafana/bpwatch/pkg/util/log"
)

func main() {
	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	log.InitLogger(config.LogLevel)

	if err := config.CheckConfig(); err != nil {
		level.Error(log.Logger).Log("msg", "invalid config", "err", err)
		os.Exit(1)
	}

	a, err := app.New(*config, log.Logger)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising bpwatch", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log("msg", "starting bpwatch")

	if err := a.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running bpwatch", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	// try to parse the config file option, ignoring any other flags for now
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// register the full flag set with defaults applied, then layer the
	// config file over the defaults, then reparse so flags win
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buf))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars in config: %w", err)
			}
			buf = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buf, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}
