// Package model defines domain structs shared across the config store,
// resolver, and persistence layers.
package model

// Thresholds holds the score cut-offs applied to a submission. Values are
// pointers in override positions so "not set" is distinguishable from zero.
type Thresholds struct {
	SpamScoreBlock   float64 `json:"spam_score_block"`
	SpamScoreFlag    float64 `json:"spam_score_flag"`
	CaptchaAtFlag    bool    `json:"captcha_at_flag"`
	StrictMargin     float64 `json:"strict_margin"`
	DuplicateLimit   int64   `json:"duplicate_limit"`
	IPRateLimit      int64   `json:"ip_rate_limit"`
	IPRateWindowSecs int64   `json:"ip_rate_window_secs"`
	MinFillSecs      int64   `json:"min_fill_secs"`
	MaxTokenAgeSecs  int64   `json:"max_token_age_secs"`
}

// ThresholdOverrides is a sparse version of Thresholds used by vhost and
// endpoint documents. Nil fields inherit from the level below.
type ThresholdOverrides struct {
	SpamScoreBlock   *float64 `json:"spam_score_block,omitempty"`
	SpamScoreFlag    *float64 `json:"spam_score_flag,omitempty"`
	CaptchaAtFlag    *bool    `json:"captcha_at_flag,omitempty"`
	StrictMargin     *float64 `json:"strict_margin,omitempty"`
	DuplicateLimit   *int64   `json:"duplicate_limit,omitempty"`
	IPRateLimit      *int64   `json:"ip_rate_limit,omitempty"`
	IPRateWindowSecs *int64   `json:"ip_rate_window_secs,omitempty"`
	MinFillSecs      *int64   `json:"min_fill_secs,omitempty"`
	MaxTokenAgeSecs  *int64   `json:"max_token_age_secs,omitempty"`
}

// KeywordOverrides adjusts an inherited keyword list. Additions and
// exclusions are applied as set union/difference; InheritGlobal=false
// replaces the inherited list with AdditionalBlocked/AdditionalFlagged only.
type KeywordOverrides struct {
	InheritGlobal     *bool    `json:"inherit_global,omitempty"`
	AdditionalBlocked []string `json:"additional_blocked,omitempty"`
	AdditionalFlagged []string `json:"additional_flagged,omitempty"`
	Exclusions        []string `json:"exclusions,omitempty"`
}

// VirtualHost is a tenant boundary selected by request hostname.
type VirtualHost struct {
	ID               string             `json:"id"`
	HostPatterns     []string           `json:"host_patterns"` // exact names and "*.suffix" wildcards
	Priority         int                `json:"priority"`
	Enabled          bool               `json:"enabled"`
	Default          bool               `json:"default"`
	RoutingTarget    string             `json:"routing_target,omitempty"`
	Thresholds       ThresholdOverrides `json:"thresholds,omitempty"`
	Keywords         KeywordOverrides   `json:"keywords,omitempty"`
	WebhookURL       string             `json:"webhook_url,omitempty"`
	UpdatedAtNs      int64              `json:"updated_at_ns"`
}

// PathMatchKind discriminates endpoint path matchers.
type PathMatchKind string

const (
	PathMatchExact  PathMatchKind = "exact"
	PathMatchPrefix PathMatchKind = "prefix"
	PathMatchRegex  PathMatchKind = "regex"
)

// PathMatcher is one path rule on an endpoint.
type PathMatcher struct {
	Kind     PathMatchKind `json:"kind"`
	Pattern  string        `json:"pattern"`
	Priority int           `json:"priority"`
}

// EndpointMode controls enforcement behavior without changing scoring.
type EndpointMode string

const (
	ModeBlocking    EndpointMode = "blocking"
	ModeMonitoring  EndpointMode = "monitoring"
	ModePassthrough EndpointMode = "passthrough"
	ModeStrict      EndpointMode = "strict"
)

// IsValid reports whether m is a known endpoint mode.
func (m EndpointMode) IsValid() bool {
	switch m {
	case ModeBlocking, ModeMonitoring, ModePassthrough, ModeStrict:
		return true
	}
	return false
}

// FieldRules describes per-endpoint form field policy.
type FieldRules struct {
	Required       []string       `json:"required,omitempty"`
	MaxLength      map[string]int `json:"max_length,omitempty"`
	Expected       []string       `json:"expected,omitempty"`
	HoneypotFields []string       `json:"honeypot_fields,omitempty"`
	HoneypotBlocks bool           `json:"honeypot_blocks,omitempty"`
}

// Endpoint is a route-scoped policy. VHostID is empty for global endpoints.
type Endpoint struct {
	ID          string             `json:"id"`
	VHostID     string             `json:"vhost_id,omitempty"`
	Matchers    []PathMatcher      `json:"matchers"`
	Methods     []string           `json:"methods,omitempty"` // empty = any
	Mode        EndpointMode       `json:"mode"`
	Enabled     bool               `json:"enabled"`
	Thresholds  ThresholdOverrides `json:"thresholds,omitempty"`
	Keywords    KeywordOverrides   `json:"keywords,omitempty"`
	Fields      FieldRules         `json:"fields,omitempty"`
	UpdatedAtNs int64              `json:"updated_at_ns"`
}

// InstanceStatus is the advisory liveness state of a cluster instance.
type InstanceStatus string

const (
	InstanceActive  InstanceStatus = "active"
	InstanceDrifted InstanceStatus = "drifted"
	InstanceDown    InstanceStatus = "down"
)

// InstanceRecord is one fleet member's registry entry.
type InstanceRecord struct {
	ID              string         `json:"id"`
	Address         string         `json:"address"` // host:port for peer replication
	Workers         int            `json:"workers"`
	StartedAtNs     int64          `json:"started_at_ns"`
	LastHeartbeatNs int64          `json:"last_heartbeat_ns"`
	Status          InstanceStatus `json:"status"`
}

// LeaseRecord is the leader lease stored in the shared KV store.
type LeaseRecord struct {
	Holder       string `json:"holder"`
	AcquiredAtNs int64  `json:"acquired_at_ns"`
	TTLNs        int64  `json:"ttl_ns"`
}

// CounterKind discriminates counter key namespaces.
type CounterKind string

const (
	CounterIP          CounterKind = "ip"
	CounterContentHash CounterKind = "hash"
	CounterFingerprint CounterKind = "fp"
)

// Increment is one replicated counter delta. (Key, WindowStartNs, Origin, Seq)
// is the idempotency key: re-delivery of the same tuple is a no-op.
type Increment struct {
	Kind          CounterKind `json:"kind"`
	Value         string      `json:"value"`
	WindowStartNs int64       `json:"window_start_ns"`
	WindowNs      int64       `json:"window_ns"`
	Origin        string      `json:"origin"`
	Seq           uint64      `json:"seq"`
	Delta         int64       `json:"delta"`
}
