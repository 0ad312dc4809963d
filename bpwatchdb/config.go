package bpwatchdb

import "flag"

type Config struct {
	Path string `yaml:"path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+".path", "./bpwatch-db", "Path to the snapshot database file.")
}
