package courier

import (
	"os"

	"gopkg.in/yaml.v2"
)

type ServerConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`

	Redis struct {
		Host     string `yaml:"host"`
		Port     string `yaml:"port"`
		Password string `yaml:"password"`
	} `yaml:"redis"`

	PubSub struct {
		Addr string `yaml:"addr"`
		// DialTimeoutSec is in seconds.
		DialTimeoutSec int `yaml:"dial_timeout_sec"`
	} `yaml:"pubsub"`

	Fallback struct {
		// DelaySec and SweepIntervalSec are in seconds.
		DelaySec         int `yaml:"delay_sec"`
		SweepIntervalSec int `yaml:"sweep_interval_sec"`
		SlotsPerTick     int `yaml:"slots_per_tick"`
		MaxRetries       int `yaml:"max_retries"`
	} `yaml:"fallback"`
}

func SetConfig(f string) (*ServerConfig, error) {
	config := &ServerConfig{}
	file, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	err = GetYaml(file, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

func GetYaml(f []byte, s interface{}) error {
	y := yaml.Unmarshal(f, s)
	return y
}
