// Package config loads the main server configuration. Like the teacher's
// tinode.conf, the file is JSON-with-comments so operators can annotate
// production configs; github.com/tinode/jsonco strips the comments before
// the stdlib JSON decoder sees the bytes.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	jsonco "github.com/tinode/jsonco"
)

// RedisReplica is one Redis endpoint inside a partition.
type RedisReplica struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// RedisPartition is a named shard with an ordered list of replicas; replica
// 0 is authoritative until the liveness probe says otherwise (spec.md §4.1).
type RedisPartition struct {
	Name     string         `json:"name"`
	Replicas []RedisReplica `json:"replicas"`
}

// RedisConfig configures the partitioned Redis router.
type RedisConfig struct {
	Partitions        []RedisPartition `json:"partitions"`
	VirtualNodes      int              `json:"virtual_nodes"` // default 200
	ProbeInterval     Duration         `json:"probe_interval"`     // default 5s
	SentinelTTL       Duration         `json:"sentinel_ttl"`       // default 15s
	ConnectTimeout    Duration         `json:"connect_timeout"`    // default 1.5s
}

// OfflineConfig configures the offline orchestrator.
type OfflineConfig struct {
	LeaseKey        string   `json:"lease_key"`        // default "offline_lease"
	LeaseTTL        Duration `json:"lease_ttl"`         // default 30s, must be < max tolerated delay
	ScanInterval    Duration `json:"scan_interval"`     // default 5s
	BatchSize       int      `json:"batch_size"`        // default 300
	DelayTime       Duration `json:"delay_time"`        // default 5s (OFFLINE_GROUP_MESSAGE_DELAY_TIME)
	ExpireTime      Duration `json:"expire_time"`       // default 30m (OFFLINE_GROUP_MESSAGE_EXPIRE_TIME)
	HScanPageSize   int      `json:"hscan_page_size"`   // default 100
}

// DispatchConfig configures the dispatch manager.
type DispatchConfig struct {
	KeepaliveInterval  Duration `json:"keepalive_interval"`  // default 180s
	PendingPromiseCap  int      `json:"pending_promise_cap"` // default 100000
	ReconnectBackoff   Duration `json:"reconnect_backoff"`   // default 3s
}

// GroupConfig configures group message state.
type GroupConfig struct {
	MaxMessageBytes int  `json:"max_message_bytes"`
	PlainUidSupport bool `json:"plain_uid_support"`
	FetchPageLimit  int  `json:"fetch_page_limit"` // default 50
}

// MetricsConfig configures the internal metrics collector (spec.md §4.6).
type MetricsConfig struct {
	ReportIntervalMillis int    `json:"report_interval_ms"` // default 3000
	QueueCapacity        int    `json:"queue_capacity"`
	OutputDir            string `json:"output_dir"`
	ClientID             string `json:"client_id"` // 5-char id baked into rolled file names
	MaxFileSizeBytes     int64  `json:"max_file_size_bytes"`
	MaxFileCount         int    `json:"max_file_count"`
	WriteThresholdBytes  int64  `json:"write_threshold_bytes"` // replenished every 60s
}

// AuthConfig configures token issuance and PoW challenges.
type AuthConfig struct {
	TokenTTL      Duration `json:"token_ttl"`
	ChallengeTTL  Duration `json:"challenge_ttl"`
	PowDifficulty uint32   `json:"pow_difficulty"`
	// HMACKeyHex signs the reconnect bearer tokens internal/authtoken mints;
	// hex so operators can paste a random 32+ byte value into JSONC.
	HMACKeyHex string `json:"hmac_key_hex"`
	// TokenSerial lets an operator invalidate every outstanding reconnect
	// token at once by bumping it.
	TokenSerial uint16 `json:"token_serial"`
}

// SQLConfig configures the MySQL-backed account/group/message store.
type SQLConfig struct {
	DSN string `json:"dsn"`
}

// Config is the root server configuration.
type Config struct {
	Listen            string          `json:"listen"`
	InternalListen    string          `json:"internal_listen"` // the inter-node offline mux (spec.md §11)
	SQL               SQLConfig       `json:"sql"`
	Redis             RedisConfig     `json:"redis"`
	Offline           OfflineConfig   `json:"offline"`
	Dispatch          DispatchConfig  `json:"dispatch"`
	Group             GroupConfig     `json:"group"`
	Metrics           MetricsConfig   `json:"metrics"`
	Auth              AuthConfig      `json:"auth"`
	PushProviderFile  string          `json:"push_provider_file"`
	LogLevel          string          `json:"log_level"`
	LogJSON           bool            `json:"log_json"`
}

// Duration unmarshals JSON strings like "5s" into a time.Duration, matching
// how the teacher's config files spell out intervals.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// Load reads and decodes a JSONC config file, then fills in defaults for any
// zero-valued field that has a sensible one.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := json.NewDecoder(jsonco.New(f))
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Redis.VirtualNodes == 0 {
		cfg.Redis.VirtualNodes = 200
	}
	if cfg.Redis.ProbeInterval.Duration == 0 {
		cfg.Redis.ProbeInterval.Duration = 5 * time.Second
	}
	if cfg.Redis.SentinelTTL.Duration == 0 {
		cfg.Redis.SentinelTTL.Duration = 15 * time.Second
	}
	if cfg.Redis.ConnectTimeout.Duration == 0 {
		cfg.Redis.ConnectTimeout.Duration = 1500 * time.Millisecond
	}
	if cfg.Offline.LeaseKey == "" {
		cfg.Offline.LeaseKey = "offline_lease"
	}
	if cfg.Offline.LeaseTTL.Duration == 0 {
		cfg.Offline.LeaseTTL.Duration = 30 * time.Second
	}
	if cfg.Offline.ScanInterval.Duration == 0 {
		cfg.Offline.ScanInterval.Duration = 5 * time.Second
	}
	if cfg.Offline.BatchSize == 0 {
		cfg.Offline.BatchSize = 300
	}
	if cfg.Offline.DelayTime.Duration == 0 {
		cfg.Offline.DelayTime.Duration = 5 * time.Second
	}
	if cfg.Offline.ExpireTime.Duration == 0 {
		cfg.Offline.ExpireTime.Duration = 30 * time.Minute
	}
	if cfg.Offline.HScanPageSize == 0 {
		cfg.Offline.HScanPageSize = 100
	}
	if cfg.Dispatch.KeepaliveInterval.Duration == 0 {
		cfg.Dispatch.KeepaliveInterval.Duration = 180 * time.Second
	}
	if cfg.Dispatch.PendingPromiseCap == 0 {
		cfg.Dispatch.PendingPromiseCap = 100000
	}
	if cfg.Dispatch.ReconnectBackoff.Duration == 0 {
		cfg.Dispatch.ReconnectBackoff.Duration = 3 * time.Second
	}
	if cfg.Group.FetchPageLimit == 0 {
		cfg.Group.FetchPageLimit = 50
	}
	if cfg.Metrics.ReportIntervalMillis == 0 {
		cfg.Metrics.ReportIntervalMillis = 3000
	}
	if cfg.Metrics.ClientID == "" {
		cfg.Metrics.ClientID = "bcmsv"
	}
	if cfg.Auth.TokenTTL.Duration == 0 {
		cfg.Auth.TokenTTL.Duration = 30 * 24 * time.Hour
	}
	if cfg.Auth.ChallengeTTL.Duration == 0 {
		cfg.Auth.ChallengeTTL.Duration = 5 * time.Minute
	}
	if cfg.Auth.PowDifficulty == 0 {
		cfg.Auth.PowDifficulty = 16
	}
	if cfg.Listen == "" {
		cfg.Listen = ":6060"
	}
	if cfg.InternalListen == "" {
		cfg.InternalListen = ":6061"
	}
}
