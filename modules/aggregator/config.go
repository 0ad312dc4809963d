package aggregator

import "flag"

// ClassifierRule maps an action class to a display category. A rule with a
// match table only applies when every named field of the action data equals
// the given string.
type ClassifierRule struct {
	Account  string            `yaml:"account"`
	Name     string            `yaml:"name"`
	Category string            `yaml:"category"`
	Match    map[string]string `yaml:"match,omitempty"`
}

type Config struct {
	Classifiers []ClassifierRule `yaml:"classifiers"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	// classifiers are config-file only
}
