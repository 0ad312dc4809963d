package server

import (
	"flag"
	"time"
)

type Config struct {
	BindHost string        `yaml:"bind_host"`
	BindPort int           `yaml:"bind_port"`
	TLSCert  string        `yaml:"tls_cert"`
	TLSKey   string        `yaml:"tls_key"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	CacheMax int           `yaml:"cache_max_entries"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.BindHost, prefix+".bind-host", "0.0.0.0", "Host to bind the read api to.")
	f.IntVar(&cfg.BindPort, prefix+".bind-port", 8953, "Port to bind the read api to.")
	f.StringVar(&cfg.TLSCert, prefix+".tls-cert", "", "TLS certificate path. TLS is enabled when both cert and key are set.")
	f.StringVar(&cfg.TLSKey, prefix+".tls-key", "", "TLS private key path.")
	f.DurationVar(&cfg.CacheTTL, prefix+".cache-ttl", 1260*time.Second, "How long responses stay cached. One snapshot interval by default.")
	f.IntVar(&cfg.CacheMax, prefix+".cache-max-entries", 256, "Maximum number of cached responses.")
}
