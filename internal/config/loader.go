package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "HEALINGD_"
)

// DefaultPath returns ~/.config/healingd/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "healingd", "config.yaml"), nil
}

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. HEALINGD_* environment variables
//  2. YAML config file
//  3. Defaults
//
// The file must live under ~/.config/healingd/ or /etc/healingd/, be at most
// 1MB and carry 0600 or 0400 permissions. A missing file is not an error.
//
// Environment variables map on the first underscore after the prefix:
//
//	HEALINGD_SANDBOX_MAX_CONCURRENT -> sandbox.max_concurrent
//	HEALINGD_GITHUB_WEBHOOK_SECRET  -> github.webhook_secret
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	content, err := readConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if content != nil {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// envKey maps HEALINGD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate through the open descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// EnsureConfigDir creates ~/.config/healingd with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "healingd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks that path is inside an allowed directory.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "healingd"),
		"/etc/healingd",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/healingd/ or /etc/healingd/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.WebhookRate == 0 {
		cfg.Server.WebhookRate = 10
	}
	if cfg.Server.WebhookBurst == 0 {
		cfg.Server.WebhookBurst = 20
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	// Healing envelope
	if cfg.Healing.MaxAttempts == 0 {
		cfg.Healing.MaxAttempts = 3
	}
	if cfg.Healing.Cooldown == 0 {
		cfg.Healing.Cooldown = 5 * time.Minute
	}
	if cfg.Healing.SessionBudget == 0 {
		cfg.Healing.SessionBudget = time.Hour
	}
	if cfg.Healing.ReasoningTimeout == 0 {
		cfg.Healing.ReasoningTimeout = 2 * time.Minute
	}
	if cfg.Healing.BlockedPatterns == nil {
		cfg.Healing.BlockedPatterns = []string{"database_down", "network_outage"}
	}
	if cfg.Healing.MaxLiveSessions == 0 {
		cfg.Healing.MaxLiveSessions = 100
	}
	if cfg.Healing.TickInterval == 0 {
		cfg.Healing.TickInterval = 15 * time.Second
	}

	// Sandbox
	if cfg.Sandbox.Image == "" {
		cfg.Sandbox.Image = "ubuntu:24.04"
	}
	if cfg.Sandbox.MaxConcurrent == 0 {
		cfg.Sandbox.MaxConcurrent = 5
	}
	if cfg.Sandbox.JobTimeout == 0 {
		cfg.Sandbox.JobTimeout = 10 * time.Minute
	}
	if cfg.Sandbox.MaxQueueWait == 0 {
		cfg.Sandbox.MaxQueueWait = 5 * time.Minute
	}
	if cfg.Sandbox.MemoryBytes == 0 {
		cfg.Sandbox.MemoryBytes = 4 << 30
	}
	if cfg.Sandbox.NanoCPUs == 0 {
		cfg.Sandbox.NanoCPUs = 2_000_000_000
	}
	if cfg.Sandbox.PidsLimit == 0 {
		cfg.Sandbox.PidsLimit = 512
	}
	if cfg.Sandbox.LogLimitBytes == 0 {
		cfg.Sandbox.LogLimitBytes = 64 << 10
	}
	if cfg.Sandbox.MaxMemoryBytes == 0 {
		cfg.Sandbox.MaxMemoryBytes = 8 << 30
	}
	if cfg.Sandbox.MaxNanoCPUs == 0 {
		cfg.Sandbox.MaxNanoCPUs = 4_000_000_000
	}

	// Deploy
	if cfg.Deploy.TargetBranch == "" {
		cfg.Deploy.TargetBranch = "main"
	}
	if cfg.Deploy.PollInterval == 0 {
		cfg.Deploy.PollInterval = 30 * time.Second
	}
	if cfg.Deploy.PipelineTimeout == 0 {
		cfg.Deploy.PipelineTimeout = 30 * time.Minute
	}
	if cfg.Deploy.MergeMethod == "" {
		cfg.Deploy.MergeMethod = "squash"
	}
	if cfg.Deploy.ManifestDir == "" {
		cfg.Deploy.ManifestDir = ".healing"
	}

	// Verify
	if cfg.Verify.Window == 0 {
		cfg.Verify.Window = 10 * time.Minute
	}
	if cfg.Verify.Step == 0 {
		cfg.Verify.Step = 30 * time.Second
	}
	if cfg.Verify.Query == "" {
		cfg.Verify.Query = `sum(rate(http_requests_total{service="{origin}",code=~"5.."}[5m]))`
	}

	// Reasoner
	if cfg.Reasoner.Provider == "" {
		cfg.Reasoner.Provider = "openai"
	}
	if cfg.Reasoner.Model == "" {
		cfg.Reasoner.Model = "gpt-4o-mini"
	}
	if cfg.Reasoner.MinConfidence == 0 {
		cfg.Reasoner.MinConfidence = 0.7
	}
	if cfg.Reasoner.MaxProposals == 0 {
		cfg.Reasoner.MaxProposals = 3
	}
	if cfg.Reasoner.RequestsPerMinute == 0 {
		cfg.Reasoner.RequestsPerMinute = 20
	}

	// Memory
	if cfg.Memory.Collection == "" {
		cfg.Memory.Collection = "healing_reports"
	}
	if cfg.Memory.MaxHints == 0 {
		cfg.Memory.MaxHints = 3
	}
	if cfg.Memory.EmbeddingModel == "" {
		cfg.Memory.EmbeddingModel = "text-embedding-3-small"
	}

	// Store
	if cfg.Store.Path == "" && !cfg.Store.InMemory {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Store.Path = filepath.Join(home, ".config", "healingd", "data")
		}
	}

	// Events
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "healing"
	}

	// Temporal
	if cfg.Temporal.Host == "" {
		cfg.Temporal.Host = "localhost:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "healing-deploy-queue"
	}

	// Logging and telemetry
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "healingd"
	}
}
