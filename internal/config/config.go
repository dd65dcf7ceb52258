package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Failure policies applied when the state store cannot answer a check.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Config captures runtime configuration sourced from environment variables
// (prefix GUARD_) and an optional YAML file named by GUARD_CONFIG_FILE.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	LogDir       string
	Debug        bool
	Redis        RedisConfig
	Kafka        KafkaConfig
	Guard        GuardConfig
	Challenge    ChallengeConfig
	Admin        AdminConfig
	Notify       NotifyConfig
	Audit        AuditConfig
	// TrustedProxies lists proxy IPs/CIDRs whose X-Forwarded-For is honoured.
	// Empty trusts none: the client is the TCP peer.
	TrustedProxies []string
}

// RedisConfig selects the shared state store. An empty Addr selects the
// in-process store, which is only suitable for a single instance.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// KafkaConfig configures the signal bus consumer and the event publisher.
// An empty broker list disables both.
type KafkaConfig struct {
	Brokers     []string
	SignalTopic string
	GroupID     string
	EventsTopic string
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// GuardConfig tunes the decision pipeline.
type GuardConfig struct {
	RateLimitThreshold int64
	RateLimitWindow    time.Duration
	BlockDecisionTTL   time.Duration
	StoreTimeout       time.Duration
	// Per-check failure policy: FailOpen or FailClosed.
	BlockCheckPolicy  string
	ThreatCheckPolicy string
	RateLimitPolicy   string
	IdempotencyTTL    time.Duration
}

// ChallengeConfig tunes proof-of-work challenges.
type ChallengeConfig struct {
	Difficulty      int
	TTL             time.Duration
	ScopeDifficulty map[string]int
}

// AdminConfig protects the operator API. An empty secret disables it.
type AdminConfig struct {
	JWTSecret string
}

// NotifyConfig lists shoutrrr service URLs notified on block/unblock.
type NotifyConfig struct {
	URLs []string
}

// AuditConfig controls retention of persisted decisions.
type AuditConfig struct {
	Retention     time.Duration
	PruneSchedule string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("http_port", "8080")
	v.SetDefault("db_path", filepath.Join("data", "guard.db"))
	v.SetDefault("log_dir", filepath.Join("data", "logs"))
	v.SetDefault("debug", false)
	v.SetDefault("trusted_proxies", "")

	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_signal_topic", "guard.signals")
	v.SetDefault("kafka_group_id", "guard-threat-escalation")
	v.SetDefault("kafka_events_topic", "guard.events")

	v.SetDefault("rate_limit_threshold", 50)
	v.SetDefault("rate_limit_window", "10s")
	v.SetDefault("block_decision_ttl", "300s")
	v.SetDefault("store_timeout", "250ms")
	v.SetDefault("failure_policy_block", FailClosed)
	v.SetDefault("failure_policy_threat", FailClosed)
	v.SetDefault("failure_policy_rate_limit", FailOpen)
	v.SetDefault("idempotency_ttl", "168h")

	v.SetDefault("pow_difficulty", 16)
	v.SetDefault("pow_ttl", "2m")
	v.SetDefault("pow_scope_difficulty", "")

	v.SetDefault("admin_jwt_secret", "")
	v.SetDefault("notify_urls", "")

	v.SetDefault("audit_retention", "720h")
	v.SetDefault("audit_prune_schedule", "@hourly")
}

// Load reads env vars and the optional config file, falling back to defaults
// so the server can boot with zero configuration.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GUARD")
	v.AutomaticEnv()
	setDefaults(v)

	if file := os.Getenv("GUARD_CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg, err := fromViper(v)
	if err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

func fromViper(v *viper.Viper) (Config, error) {
	scopes, err := parseScopeDifficulty(v.GetString("pow_scope_difficulty"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Environment:    v.GetString("env"),
		HTTPPort:       v.GetString("http_port"),
		DatabasePath:   v.GetString("db_path"),
		LogDir:         v.GetString("log_dir"),
		Debug:          v.GetBool("debug"),
		TrustedProxies: getList(v, "trusted_proxies"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis_addr"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		Kafka: KafkaConfig{
			Brokers:     getList(v, "kafka_brokers"),
			SignalTopic: v.GetString("kafka_signal_topic"),
			GroupID:     v.GetString("kafka_group_id"),
			EventsTopic: v.GetString("kafka_events_topic"),
		},
		Guard: GuardConfig{
			RateLimitThreshold: v.GetInt64("rate_limit_threshold"),
			RateLimitWindow:    v.GetDuration("rate_limit_window"),
			BlockDecisionTTL:   v.GetDuration("block_decision_ttl"),
			StoreTimeout:       v.GetDuration("store_timeout"),
			BlockCheckPolicy:   strings.ToLower(v.GetString("failure_policy_block")),
			ThreatCheckPolicy:  strings.ToLower(v.GetString("failure_policy_threat")),
			RateLimitPolicy:    strings.ToLower(v.GetString("failure_policy_rate_limit")),
			IdempotencyTTL:     v.GetDuration("idempotency_ttl"),
		},
		Challenge: ChallengeConfig{
			Difficulty:      v.GetInt("pow_difficulty"),
			TTL:             v.GetDuration("pow_ttl"),
			ScopeDifficulty: scopes,
		},
		Admin:  AdminConfig{JWTSecret: v.GetString("admin_jwt_secret")},
		Notify: NotifyConfig{URLs: getList(v, "notify_urls")},
		Audit: AuditConfig{
			Retention:     v.GetDuration("audit_retention"),
			PruneSchedule: v.GetString("audit_prune_schedule"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	g := c.Guard
	if g.RateLimitThreshold <= 0 {
		return fmt.Errorf("rate limit threshold must be positive, got %d", g.RateLimitThreshold)
	}
	if g.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window must be positive, got %s", g.RateLimitWindow)
	}
	for name, p := range map[string]string{
		"failure_policy_block":      g.BlockCheckPolicy,
		"failure_policy_threat":     g.ThreatCheckPolicy,
		"failure_policy_rate_limit": g.RateLimitPolicy,
	} {
		if p != FailOpen && p != FailClosed {
			return fmt.Errorf("%s must be %q or %q, got %q", name, FailOpen, FailClosed, p)
		}
	}
	for _, p := range c.TrustedProxies {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("trusted proxy %q is neither an IP nor a CIDR", p)
			}
		}
	}
	if c.Challenge.Difficulty < 1 || c.Challenge.Difficulty > 64 {
		return fmt.Errorf("pow difficulty must be between 1 and 64, got %d", c.Challenge.Difficulty)
	}
	if c.Challenge.TTL <= 0 {
		return fmt.Errorf("pow ttl must be positive, got %s", c.Challenge.TTL)
	}
	return nil
}

// parseScopeDifficulty parses "scope=bits,scope=bits".
func parseScopeDifficulty(raw string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range splitList(raw) {
		name, val, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid pow scope difficulty %q", part)
		}
		bits, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil || bits < 1 || bits > 64 {
			return nil, fmt.Errorf("invalid pow difficulty for scope %q", name)
		}
		out[strings.TrimSpace(name)] = bits
	}
	return out, nil
}

// getList reads key as a YAML list or a comma-separated env value.
func getList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		out = append(out, splitList(item)...)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
