// Package config handles environment-based configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
// Everything an operator can change at runtime lives in the shared config
// store instead.
type EnvConfig struct {
	// Directories
	LogDir string

	// Network
	ListenAddress    string
	Port             int
	AdvertiseAddress string

	// API
	APIMaxBodyBytes int
	Debug           bool

	// Auth
	AdminToken      string
	ClusterToken    string
	FormTokenSecret string

	// Shared store
	RedisURL string

	// Config sync
	ConfigSyncInterval time.Duration
	ConfigSyncJitter   time.Duration

	// Cluster
	InstanceID        string
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	DutyInterval      time.Duration

	// Counters
	CounterGrace             time.Duration
	ReplicationQueueSize     int
	ReplicationFlushBatch    int
	ReplicationFlushInterval time.Duration

	// Audit log
	AuditQueueSize      int
	AuditFlushBatchSize int
	AuditFlushInterval  time.Duration
	AuditDBMaxMB        int
	AuditDBRetainCount  int

	// GeoIP
	GeoIPCountryDB      string
	GeoIPASNDB          string
	GeoIPReloadSchedule string
	GeoBlockedCountries []string

	// Captcha provider
	CaptchaVerifyURL string
	CaptchaSecret    string
	CaptchaTimeout   time.Duration

	// IP reputation provider
	ReputationURL       string
	ReputationAPIKey    string
	ReputationTimeout   time.Duration
	ReputationBlocklist []netip.Prefix

	// Webhooks
	WebhookTimeout      time.Duration
	WebhookAllowHosts   []string
	WebhookBlockedHosts []string

	// Detectors
	ExtraDisposableDomains []string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.LogDir = envStr("FORMGATE_LOG_DIR", "/var/log/formgate")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("FORMGATE_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.Port = envInt("FORMGATE_PORT", 8410, &errs)
	cfg.AdvertiseAddress = strings.TrimSpace(envStr("FORMGATE_ADVERTISE_ADDRESS", ""))

	// --- API ---
	cfg.APIMaxBodyBytes = envInt("FORMGATE_API_MAX_BODY_BYTES", 1<<20, &errs)
	cfg.Debug = envBool("FORMGATE_DEBUG", false, &errs)

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("FORMGATE_ADMIN_TOKEN")
	cfg.AdminToken = adminToken
	cfg.ClusterToken = envStr("FORMGATE_CLUSTER_TOKEN", "")
	cfg.FormTokenSecret = envStr("FORMGATE_FORM_TOKEN_SECRET", "")

	// --- Shared store ---
	cfg.RedisURL = envStr("FORMGATE_REDIS_URL", "")

	// --- Config sync ---
	cfg.ConfigSyncInterval = envDuration("FORMGATE_CONFIG_SYNC_INTERVAL", 15*time.Second, &errs)
	cfg.ConfigSyncJitter = envDuration("FORMGATE_CONFIG_SYNC_JITTER", 5*time.Second, &errs)

	// --- Cluster ---
	cfg.InstanceID = envStr("FORMGATE_INSTANCE_ID", "")
	cfg.HeartbeatInterval = envDuration("FORMGATE_HEARTBEAT_INTERVAL", 10*time.Second, &errs)
	cfg.LeaseTTL = envDuration("FORMGATE_LEASE_TTL", 30*time.Second, &errs)
	cfg.DutyInterval = envDuration("FORMGATE_DUTY_INTERVAL", time.Minute, &errs)

	// --- Counters ---
	cfg.CounterGrace = envDuration("FORMGATE_COUNTER_GRACE", 2*time.Minute, &errs)
	cfg.ReplicationQueueSize = envInt("FORMGATE_REPLICATION_QUEUE_SIZE", 8192, &errs)
	cfg.ReplicationFlushBatch = envInt("FORMGATE_REPLICATION_FLUSH_BATCH_SIZE", 512, &errs)
	cfg.ReplicationFlushInterval = envDuration("FORMGATE_REPLICATION_FLUSH_INTERVAL", time.Second, &errs)

	// --- Audit log ---
	cfg.AuditQueueSize = envInt("FORMGATE_AUDIT_QUEUE_SIZE", 8192, &errs)
	cfg.AuditFlushBatchSize = envInt("FORMGATE_AUDIT_FLUSH_BATCH_SIZE", 2048, &errs)
	cfg.AuditFlushInterval = envDuration("FORMGATE_AUDIT_FLUSH_INTERVAL", time.Minute, &errs)
	cfg.AuditDBMaxMB = envInt("FORMGATE_AUDIT_DB_MAX_MB", 256, &errs)
	cfg.AuditDBRetainCount = envInt("FORMGATE_AUDIT_DB_RETAIN_COUNT", 5, &errs)

	// --- GeoIP ---
	cfg.GeoIPCountryDB = envStr("FORMGATE_GEOIP_COUNTRY_DB", "")
	cfg.GeoIPASNDB = envStr("FORMGATE_GEOIP_ASN_DB", "")
	cfg.GeoIPReloadSchedule = envStr("FORMGATE_GEOIP_RELOAD_SCHEDULE", "30 4 * * *")
	cfg.GeoBlockedCountries = envStringSlice("FORMGATE_GEO_BLOCKED_COUNTRIES", []string{}, &errs)

	// --- Captcha ---
	cfg.CaptchaVerifyURL = envStr("FORMGATE_CAPTCHA_VERIFY_URL", "")
	cfg.CaptchaSecret = envStr("FORMGATE_CAPTCHA_SECRET", "")
	cfg.CaptchaTimeout = envDuration("FORMGATE_CAPTCHA_TIMEOUT", 3*time.Second, &errs)

	// --- Reputation ---
	cfg.ReputationURL = envStr("FORMGATE_REPUTATION_URL", "")
	cfg.ReputationAPIKey = envStr("FORMGATE_REPUTATION_API_KEY", "")
	cfg.ReputationTimeout = envDuration("FORMGATE_REPUTATION_TIMEOUT", 2*time.Second, &errs)
	reputationBlocklist := envStringSlice("FORMGATE_REPUTATION_BLOCKLIST", []string{}, &errs)

	// --- Webhooks ---
	cfg.WebhookTimeout = envDuration("FORMGATE_WEBHOOK_TIMEOUT", 5*time.Second, &errs)
	cfg.WebhookAllowHosts = envStringSlice("FORMGATE_WEBHOOK_ALLOW_HOSTS", []string{}, &errs)
	cfg.WebhookBlockedHosts = envStringSlice("FORMGATE_WEBHOOK_BLOCKED_HOSTS", []string{}, &errs)

	// --- Detectors ---
	cfg.ExtraDisposableDomains = envStringSlice("FORMGATE_EXTRA_DISPOSABLE_DOMAINS", []string{}, &errs)

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "FORMGATE_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.FormTokenSecret == "" {
		errs = append(errs, "FORMGATE_FORM_TOKEN_SECRET must not be empty")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "FORMGATE_LISTEN_ADDRESS must not be empty")
	}
	if cfg.RedisURL != "" {
		if u, err := url.Parse(cfg.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Sprintf("FORMGATE_REDIS_URL: must be a redis:// or rediss:// URL, got %q", cfg.RedisURL))
		}
	}

	validatePort("FORMGATE_PORT", cfg.Port, &errs)
	validatePositive("FORMGATE_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	validateDurationPositive("FORMGATE_CONFIG_SYNC_INTERVAL", cfg.ConfigSyncInterval, &errs)
	validateDurationPositive("FORMGATE_CONFIG_SYNC_JITTER", cfg.ConfigSyncJitter, &errs)
	validateDurationPositive("FORMGATE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval, &errs)
	validateDurationPositive("FORMGATE_LEASE_TTL", cfg.LeaseTTL, &errs)
	validateDurationPositive("FORMGATE_DUTY_INTERVAL", cfg.DutyInterval, &errs)
	if cfg.LeaseTTL <= cfg.HeartbeatInterval {
		errs = append(errs, "FORMGATE_LEASE_TTL must be greater than FORMGATE_HEARTBEAT_INTERVAL")
	}

	validateDurationPositive("FORMGATE_COUNTER_GRACE", cfg.CounterGrace, &errs)
	validatePositive("FORMGATE_REPLICATION_QUEUE_SIZE", cfg.ReplicationQueueSize, &errs)
	validatePositive("FORMGATE_REPLICATION_FLUSH_BATCH_SIZE", cfg.ReplicationFlushBatch, &errs)
	validateDurationPositive("FORMGATE_REPLICATION_FLUSH_INTERVAL", cfg.ReplicationFlushInterval, &errs)

	validatePositive("FORMGATE_AUDIT_QUEUE_SIZE", cfg.AuditQueueSize, &errs)
	validatePositive("FORMGATE_AUDIT_FLUSH_BATCH_SIZE", cfg.AuditFlushBatchSize, &errs)
	validateDurationPositive("FORMGATE_AUDIT_FLUSH_INTERVAL", cfg.AuditFlushInterval, &errs)
	validatePositive("FORMGATE_AUDIT_DB_MAX_MB", cfg.AuditDBMaxMB, &errs)
	validatePositive("FORMGATE_AUDIT_DB_RETAIN_COUNT", cfg.AuditDBRetainCount, &errs)

	// Queue size must be >= 2x batch size so one in-flight flush cannot
	// starve the enqueue path.
	if cfg.AuditQueueSize < 2*cfg.AuditFlushBatchSize {
		errs = append(errs, "FORMGATE_AUDIT_QUEUE_SIZE must be at least 2x FORMGATE_AUDIT_FLUSH_BATCH_SIZE")
	}

	if _, err := cron.ParseStandard(cfg.GeoIPReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("FORMGATE_GEOIP_RELOAD_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPReloadSchedule, err))
	}
	for _, country := range cfg.GeoBlockedCountries {
		if !isAlpha2(country) {
			errs = append(errs, fmt.Sprintf("FORMGATE_GEO_BLOCKED_COUNTRIES: invalid country %q (must be ISO 3166-1 alpha-2)", country))
		}
	}

	if cfg.CaptchaVerifyURL != "" && cfg.CaptchaSecret == "" {
		errs = append(errs, "FORMGATE_CAPTCHA_SECRET: required when FORMGATE_CAPTCHA_VERIFY_URL is set")
	}
	validateDurationPositive("FORMGATE_CAPTCHA_TIMEOUT", cfg.CaptchaTimeout, &errs)
	validateDurationPositive("FORMGATE_REPUTATION_TIMEOUT", cfg.ReputationTimeout, &errs)
	for _, entry := range reputationBlocklist {
		p, err := parseAddrOrPrefix(entry)
		if err != nil {
			errs = append(errs, fmt.Sprintf("FORMGATE_REPUTATION_BLOCKLIST: %q is not an IP address or CIDR prefix", entry))
			continue
		}
		cfg.ReputationBlocklist = append(cfg.ReputationBlocklist, p)
	}
	validateDurationPositive("FORMGATE_WEBHOOK_TIMEOUT", cfg.WebhookTimeout, &errs)

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envStringSlice(key string, defaultVal []string, errs *[]string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid JSON string array %q", key, v))
		return defaultVal
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validateDurationPositive(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}

// parseAddrOrPrefix accepts a bare address or a CIDR prefix; bare addresses
// become single-address prefixes.
func parseAddrOrPrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func isAlpha2(s string) bool {
	if len(s) != 2 {
		return false
	}
	for _, c := range s {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
