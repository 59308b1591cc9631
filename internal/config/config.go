// Package config provides configuration loading for healingd.
//
// Configuration is assembled from defaults, an optional YAML file and
// HEALINGD_* environment variables. Integration toggles (monitoring,
// durable deployment, event fan-out) are plain fields here and are passed
// to constructors explicitly; nothing reads them from ambient state.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete healingd configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Healing   HealingConfig   `koanf:"healing"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Deploy    DeployConfig    `koanf:"deploy"`
	Verify    VerifyConfig    `koanf:"verify"`
	GitHub    GitHubConfig    `koanf:"github"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Reasoner  ReasonerConfig  `koanf:"reasoner"`
	Memory    MemoryConfig    `koanf:"memory"`
	Store     StoreConfig     `koanf:"store"`
	Events    EventsConfig    `koanf:"events"`
	Temporal  TemporalConfig  `koanf:"temporal"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// ServerConfig holds HTTP ingress configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// WebhookRate is the sustained per-IP request rate for webhook routes.
	WebhookRate  float64 `koanf:"webhook_rate"`
	WebhookBurst int     `koanf:"webhook_burst"`
	MaxBodyBytes int64   `koanf:"max_body_bytes"`
}

// HealingConfig holds the safety envelope around every healing session.
type HealingConfig struct {
	MaxAttempts      int           `koanf:"max_attempts"`
	Cooldown         time.Duration `koanf:"cooldown"`
	SessionBudget    time.Duration `koanf:"session_budget"`
	ReasoningTimeout time.Duration `koanf:"reasoning_timeout"`
	BlockedPatterns  []string      `koanf:"blocked_patterns"`
	MaxLiveSessions  int           `koanf:"max_live_sessions"`
	// TickInterval is how often the scheduler rescans cooled-down sessions.
	TickInterval time.Duration `koanf:"tick_interval"`
}

// SandboxConfig holds sandbox isolation and capacity settings.
type SandboxConfig struct {
	Image         string            `koanf:"image"`
	Images        map[string]string `koanf:"images"`
	MaxConcurrent int               `koanf:"max_concurrent"`
	JobTimeout    time.Duration     `koanf:"job_timeout"`
	MaxQueueWait  time.Duration     `koanf:"max_queue_wait"`
	MemoryBytes   int64             `koanf:"memory_bytes"`
	NanoCPUs      int64             `koanf:"nano_cpus"`
	PidsLimit     int64             `koanf:"pids_limit"`
	LogLimitBytes int               `koanf:"log_limit_bytes"`
	// Heavy fix types get doubled limits, capped by these.
	MaxMemoryBytes int64 `koanf:"max_memory_bytes"`
	MaxNanoCPUs    int64 `koanf:"max_nano_cpus"`
	// CloneRepository mounts a shallow clone of the origin repository at /workspace.
	CloneRepository bool   `koanf:"clone_repository"`
	WorkDir         string `koanf:"work_dir"`
	// AllowlistPath points at a .gitleaks.toml used when redacting sandbox logs.
	AllowlistPath string `koanf:"allowlist_path"`
}

// DeployConfig holds change-submission settings.
type DeployConfig struct {
	// Repository (owner/name) receives fixes for problems whose signals do
	// not name one, such as monitor alerts.
	Repository      string        `koanf:"repository"`
	TargetBranch    string        `koanf:"target_branch"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	PipelineTimeout time.Duration `koanf:"pipeline_timeout"`
	MergeMethod     string        `koanf:"merge_method"`
	ManifestDir     string        `koanf:"manifest_dir"`
}

// VerifyConfig holds post-deployment verification settings.
type VerifyConfig struct {
	Window    time.Duration `koanf:"window"`
	Threshold float64       `koanf:"threshold"`
	Step      time.Duration `koanf:"step"`
	// Query is the default metric expression. {origin} and {subject} are substituted.
	Query string `koanf:"query"`
}

// GitHubConfig holds code-host credentials.
type GitHubConfig struct {
	Token         Secret `koanf:"token"`
	WebhookSecret Secret `koanf:"webhook_secret"`
	BaseURL       string `koanf:"base_url"`
}

// MonitorConfig holds the monitoring collaborator settings. Monitoring is
// available only when PrometheusURL is set.
type MonitorConfig struct {
	PrometheusURL string `koanf:"prometheus_url"`
	WebhookToken  Secret `koanf:"webhook_token"`
}

// Enabled reports whether post-deploy verification can run.
func (m MonitorConfig) Enabled() bool {
	return m.PrometheusURL != ""
}

// ReasonerConfig holds fix-generation collaborator settings.
type ReasonerConfig struct {
	Provider          string  `koanf:"provider"`
	APIKey            Secret  `koanf:"api_key"`
	Model             string  `koanf:"model"`
	BaseURL           string  `koanf:"base_url"`
	MinConfidence     float64 `koanf:"min_confidence"`
	MaxProposals      int     `koanf:"max_proposals"`
	Temperature       float64 `koanf:"temperature"`
	RequestsPerMinute int     `koanf:"requests_per_minute"`
}

// MemoryConfig controls recall of past remediations as reasoning hints.
type MemoryConfig struct {
	Enabled        bool   `koanf:"enabled"`
	Path           string `koanf:"path"`
	Collection     string `koanf:"collection"`
	MaxHints       int    `koanf:"max_hints"`
	EmbeddingModel string `koanf:"embedding_model"`
}

// StoreConfig holds the embedded session store settings.
type StoreConfig struct {
	Path       string `koanf:"path"`
	InMemory   bool   `koanf:"in_memory"`
	SyncWrites bool   `koanf:"sync_writes"`
}

// EventsConfig holds NATS fan-out settings. Empty URL disables publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// TemporalConfig enables durable deployment workflows.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Host      string `koanf:"host"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// LoggingConfig is the subset of logging settings exposed through the file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of telemetry settings exposed through the file.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"`
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
	Prometheus  bool   `koanf:"prometheus"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	if c.Healing.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("healing.max_attempts must be >= 1, got %d", c.Healing.MaxAttempts))
	}
	if c.Healing.SessionBudget <= 0 {
		errs = append(errs, errors.New("healing.session_budget must be positive"))
	} else if c.Healing.MaxAttempts > 1 &&
		time.Duration(c.Healing.MaxAttempts-1)*c.Healing.Cooldown >= c.Healing.SessionBudget {
		errs = append(errs, fmt.Errorf("healing.session_budget %s is too short for %d attempts with cooldown %s",
			c.Healing.SessionBudget, c.Healing.MaxAttempts, c.Healing.Cooldown))
	}
	if c.Healing.ReasoningTimeout <= 0 {
		errs = append(errs, errors.New("healing.reasoning_timeout must be positive"))
	}

	if c.Sandbox.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("sandbox.max_concurrent must be >= 1, got %d", c.Sandbox.MaxConcurrent))
	}
	if c.Sandbox.JobTimeout <= 0 {
		errs = append(errs, errors.New("sandbox.job_timeout must be positive"))
	}
	if c.Sandbox.Image == "" {
		errs = append(errs, errors.New("sandbox.image is required"))
	}

	switch c.Deploy.MergeMethod {
	case "merge", "squash", "rebase":
	default:
		errs = append(errs, fmt.Errorf("deploy.merge_method must be merge, squash or rebase, got %q", c.Deploy.MergeMethod))
	}
	if c.Deploy.PollInterval <= 0 || c.Deploy.PipelineTimeout <= 0 {
		errs = append(errs, errors.New("deploy.poll_interval and deploy.pipeline_timeout must be positive"))
	}

	if c.Verify.Window <= 0 {
		errs = append(errs, errors.New("verify.window must be positive"))
	}
	if c.Verify.Threshold < 0 {
		errs = append(errs, fmt.Errorf("verify.threshold must be >= 0, got %v", c.Verify.Threshold))
	}

	switch strings.ToLower(c.Reasoner.Provider) {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("reasoner.provider must be openai or ollama, got %q", c.Reasoner.Provider))
	}
	if c.Reasoner.MinConfidence < 0 || c.Reasoner.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("reasoner.min_confidence must be in [0,1], got %v", c.Reasoner.MinConfidence))
	}

	if !c.Store.InMemory && c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required unless store.in_memory is set"))
	}

	if c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
		errs = append(errs, errors.New("temporal.task_queue is required when temporal is enabled"))
	}

	return errors.Join(errs...)
}
