// Package providerconfig loads the push-provider registry: which of
// apns/fcm/tnpg are enabled and their credentials/retry knobs. Kept as a
// separate YAML file from internal/config's JSONC main config, following
// aceteam-ai-citadel-cli's idiom of an operator-edited config that changes
// independently of the main server config.
package providerconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// APNSConfig configures the single long-lived HTTP/2 client.
type APNSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BundleID string `yaml:"bundleId"`
	Sandbox  bool   `yaml:"sandbox"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

// FCMConfig configures the Firebase Admin SDK client.
type FCMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsFile string `yaml:"credentialsFile"`
	ProjectID       string `yaml:"projectId"`
}

// TNPGConfig configures the third-party Android push client.
type TNPGConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	OrgName   string `yaml:"org"`
	AppSecret string `yaml:"appSecret"`
}

// RetryConfig is parsed from the registry file; push.Service does not read
// it and always uses the built-in retry/backoff constants of push/retry.go.
type RetryConfig struct {
	InitialDelayMillis int32 `yaml:"initialDelayMillis"`
	Multiplier         float64 `yaml:"multiplier"`
	MaxDelayMillis     int32 `yaml:"maxDelayMillis"`
	MaxRetries         int32 `yaml:"maxRetries"`
	JitterRangeMillis  int32 `yaml:"jitterRangeMillis"`
}

// QoSConfig overrides the VoIP resend policy.
type QoSConfig struct {
	MaxResendCount        int `yaml:"maxResendCount"`
	ResendDelayMilliSecs  int `yaml:"resendDelayMilliSecs"`
}

// PoolConfig is parsed from the registry file; push.NewService does not
// read it and sizes every provider pool with DefaultPoolConcurrency and no
// throughput cap.
type PoolConfig struct {
	Concurrency   int     `yaml:"concurrency"`
	RatePerSecond float64 `yaml:"ratePerSecond"`
}

// Config is the top-level provider registry document.
type Config struct {
	APNS  APNSConfig  `yaml:"apns"`
	FCM   FCMConfig   `yaml:"fcm"`
	TNPG  TNPGConfig  `yaml:"tnpg"`
	Retry RetryConfig `yaml:"retry"`
	QoS   QoSConfig   `yaml:"qos"`
	Pool  PoolConfig  `yaml:"pool"`
}

// Load reads and parses a provider registry YAML file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("providerconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("providerconfig: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.QoS.MaxResendCount == 0 {
		c.QoS.MaxResendCount = 5
	}
	if c.QoS.ResendDelayMilliSecs == 0 {
		c.QoS.ResendDelayMilliSecs = 2000
	}
	if c.Pool.Concurrency == 0 {
		c.Pool.Concurrency = 5
	}
}
