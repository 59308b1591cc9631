package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/healingd/internal/config"
	"github.com/fyrsmithlabs/healingd/internal/remediation"
)

var (
	// ErrJobInFlight is returned when the session already has a running job.
	ErrJobInFlight = errors.New("sandbox job already in flight for session")

	// ErrSandboxUnavailable means no environment could be provisioned or the
	// runtime failed underneath a job. It says nothing about the fix itself.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")

	// ErrInvalidJob is returned for a JobSpec with nothing to run.
	ErrInvalidJob = errors.New("invalid sandbox job")
)

// Limits bounds the resources of one environment.
type Limits struct {
	MemoryBytes int64 `json:"memory_bytes"`
	NanoCPUs    int64 `json:"nano_cpus"`
	PidsLimit   int64 `json:"pids_limit"`
}

// Repository identifies source code to mount at /workspace.
type Repository struct {
	URL string `json:"url"`
	// Ref is a branch name. Empty means the remote default branch.
	Ref string `json:"ref,omitempty"`
}

// JobSpec is one validation job.
type JobSpec struct {
	SessionKey  string
	Attempt     int
	FixType     remediation.FixType
	Steps       []string
	Validations []string
	Image       string
	Limits      Limits
	// Budget is the wall-clock limit for the job, excluding queue time.
	Budget     time.Duration
	Repository *Repository
}

func (s JobSpec) validate() error {
	var problems []string
	if s.SessionKey == "" {
		problems = append(problems, "session key is required")
	}
	if len(s.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	if len(s.Validations) == 0 {
		problems = append(problems, "at least one validation is required")
	}
	if s.Image == "" {
		problems = append(problems, "image is required")
	}
	if s.Budget <= 0 {
		problems = append(problems, "budget must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidJob, strings.Join(problems, "; "))
	}
	return nil
}

// Usage reports the resources a job was given and, when the runtime can
// tell, what it used.
type Usage struct {
	MemoryLimit int64 `json:"memory_limit"`
	NanoCPUs    int64 `json:"nano_cpus"`
	OOMKilled   bool  `json:"oom_killed,omitempty"`
	// PeakMemoryBytes is 0 when the runtime did not report usage.
	PeakMemoryBytes int64 `json:"peak_memory_bytes,omitempty"`
}

// Result is the outcome of a job. A failing fix is a Result with Pass false,
// not an error.
type Result struct {
	Pass          bool          `json:"pass"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	QueueTimedOut bool          `json:"queue_timed_out,omitempty"`
	ExitCode      int           `json:"exit_code"`
	FailedStep    string        `json:"failed_step,omitempty"`
	Logs          string        `json:"logs,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
	QueueWait     time.Duration `json:"queue_wait"`
	Usage         Usage         `json:"usage"`
}

// Summary is a one-line description for attempt history.
func (r Result) Summary() string {
	switch {
	case r.Pass:
		return fmt.Sprintf("passed in %s", r.Elapsed.Round(time.Second))
	case r.QueueTimedOut:
		return fmt.Sprintf("no sandbox slot within %s", r.QueueWait.Round(time.Second))
	case r.TimedOut:
		return fmt.Sprintf("timed out after %s", r.Elapsed.Round(time.Second))
	case r.Usage.OOMKilled:
		return fmt.Sprintf("killed for exceeding %d bytes of memory at %s", r.Usage.MemoryLimit, r.FailedStep)
	case r.FailedStep != "":
		return fmt.Sprintf("%s exited %d", r.FailedStep, r.ExitCode)
	default:
		return fmt.Sprintf("exited %d", r.ExitCode)
	}
}

// Profile picks image, limits and budget for a fix type.
type Profile struct {
	DefaultImage string
	Images       map[remediation.FixType]string
	Base         Limits
	Max          Limits
	Budget       time.Duration
}

// ProfileFromConfig builds a Profile from sandbox settings. Image overrides
// are keyed by fix type name.
func ProfileFromConfig(cfg config.SandboxConfig) Profile {
	images := make(map[remediation.FixType]string, len(cfg.Images))
	for k, v := range cfg.Images {
		images[remediation.FixType(k)] = v
	}
	return Profile{
		DefaultImage: cfg.Image,
		Images:       images,
		Base: Limits{
			MemoryBytes: cfg.MemoryBytes,
			NanoCPUs:    cfg.NanoCPUs,
			PidsLimit:   cfg.PidsLimit,
		},
		Max: Limits{
			MemoryBytes: cfg.MaxMemoryBytes,
			NanoCPUs:    cfg.MaxNanoCPUs,
			PidsLimit:   cfg.PidsLimit,
		},
		Budget: cfg.JobTimeout,
	}
}

// Job builds the JobSpec for a proposal. Heavy fix types get twice the base
// memory and CPU, never more than Max.
func (p Profile) Job(sessionKey string, attempt int, prop remediation.Proposal) JobSpec {
	image := p.DefaultImage
	if img, ok := p.Images[prop.FixType]; ok && img != "" {
		image = img
	}

	limits := p.Base
	if prop.FixType.Heavy() {
		limits.MemoryBytes = capAt(2*limits.MemoryBytes, p.Max.MemoryBytes)
		limits.NanoCPUs = capAt(2*limits.NanoCPUs, p.Max.NanoCPUs)
	}

	return JobSpec{
		SessionKey:  sessionKey,
		Attempt:     attempt,
		FixType:     prop.FixType,
		Steps:       append([]string(nil), prop.Steps...),
		Validations: append([]string(nil), prop.Validations...),
		Image:       image,
		Limits:      limits,
		Budget:      p.Budget,
	}
}

func capAt(v, max int64) int64 {
	if max > 0 && v > max {
		return max
	}
	return v
}
