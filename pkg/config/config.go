package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

// HealthCheckConfig overrides the built-in health gate defaults. Durations
// are Go duration strings. The type doubles as the wire form of per-request
// overrides in the rollover API, hence the JSON tags.
type HealthCheckConfig struct {
	Timeout          string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Interval         string `yaml:"interval,omitempty" json:"interval,omitempty"`
	SuccessThreshold int    `yaml:"success-threshold,omitempty" json:"successThreshold,omitempty"`
}

type Config struct {
	HealthCheck HealthCheckConfig `yaml:"health-check,omitempty"`
	// RouteGroupHosts maps an application to the hostnames its route group
	// serves.
	RouteGroupHosts map[string][]string `yaml:"route-group-hosts,omitempty"`
}

func ReadConfig(filename string) (*Config, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	res := &Config{}
	err = yaml.Unmarshal(buf, res)
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Policy merges the configured health check settings over the given
// defaults.
func (c *Config) Policy(defaults core.HealthCheckPolicy) (core.HealthCheckPolicy, error) {
	return c.HealthCheck.Policy(defaults)
}

// Policy merges the overrides over the given defaults. Empty fields keep the
// default.
func (c HealthCheckConfig) Policy(defaults core.HealthCheckPolicy) (core.HealthCheckPolicy, error) {
	policy := defaults
	if c.Timeout != "" {
		timeout, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return policy, fmt.Errorf("invalid health check timeout: %v", err)
		}
		policy.Timeout = timeout
	}
	if c.Interval != "" {
		interval, err := time.ParseDuration(c.Interval)
		if err != nil {
			return policy, fmt.Errorf("invalid health check interval: %v", err)
		}
		policy.Interval = interval
	}
	if c.SuccessThreshold > 0 {
		policy.SuccessThreshold = c.SuccessThreshold
	}
	return policy, nil
}
