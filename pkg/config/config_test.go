package config

import (
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/zalando-incubator/rollover-controller/pkg/core"
)

func TestReadConfig(t *testing.T) {
	for _, tc := range []struct {
		configFile string
		expected   *Config
	}{
		{
			configFile: `
health-check:
  timeout: 2m
  interval: 5s
  success-threshold: 3
route-group-hosts:
  shop:
    - "shop.example.org"
    - "www.shop.example.org"
`,
			expected: &Config{
				HealthCheck: HealthCheckConfig{
					Timeout:          "2m",
					Interval:         "5s",
					SuccessThreshold: 3,
				},
				RouteGroupHosts: map[string][]string{
					"shop": {
						"shop.example.org",
						"www.shop.example.org",
					},
				},
			},
		},
		{
			configFile: `route-group-hosts: {}`,
			expected: &Config{
				RouteGroupHosts: map[string][]string{},
			},
		},
		{
			configFile: `another-field: []`,
			expected:   &Config{},
		},
	} {
		configFile, err := generateTempConfig(tc.configFile)
		if err != nil {
			t.Errorf("Error generating temp config file: %v", err)
			continue
		}
		defer os.Remove(configFile)

		config, err := ReadConfig(configFile)
		if err != nil {
			t.Errorf("Error reading configuration: %v", err)
			continue
		}

		if !reflect.DeepEqual(config, tc.expected) {
			t.Errorf("Expected config to be %v, got %v", tc.expected, config)
		}
	}
}

func TestPolicyMergesOverDefaults(t *testing.T) {
	defaults := core.HealthCheckPolicy{
		Timeout:          5 * time.Minute,
		Interval:         3 * time.Second,
		SuccessThreshold: 2,
	}

	config := &Config{
		HealthCheck: HealthCheckConfig{
			Timeout:          "90s",
			SuccessThreshold: 5,
		},
	}

	policy, err := config.Policy(defaults)
	if err != nil {
		t.Fatalf("Error merging policy: %v", err)
	}

	expected := core.HealthCheckPolicy{
		Timeout:          90 * time.Second,
		Interval:         3 * time.Second,
		SuccessThreshold: 5,
	}
	if !reflect.DeepEqual(policy, expected) {
		t.Errorf("Expected policy to be %v, got %v", expected, policy)
	}
}

func TestPolicyRejectsBadDuration(t *testing.T) {
	config := &Config{
		HealthCheck: HealthCheckConfig{
			Interval: "every other day",
		},
	}

	if _, err := config.Policy(core.HealthCheckPolicy{}); err == nil {
		t.Error("Expected error for unparseable interval")
	}
}

func generateTempConfig(contents string) (string, error) {
	f, err := os.CreateTemp("", "testconfig.yaml")
	if err != nil {
		return "", err
	}

	_, err = f.Write([]byte(contents))
	if err != nil {
		return "", err
	}

	return f.Name(), nil
}
