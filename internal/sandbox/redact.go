package sandbox

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	gitleaksconfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksregexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// ErrInvalidAllowlist is returned for an unreadable or malformed allowlist.
var ErrInvalidAllowlist = errors.New("invalid allowlist")

// Allowlist holds content patterns that are never treated as secrets.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads the [allowlist] table of a .gitleaks.toml file. A
// missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAllowlist, path, err)
	}
	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: pattern %q in %s: %v", ErrInvalidAllowlist, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}

// Redactor replaces detected secrets in sandbox output.
type Redactor struct {
	allowlist *Allowlist
}

// NewRedactor returns a Redactor honouring allowlist, which may be nil.
func NewRedactor(allowlist *Allowlist) *Redactor {
	if allowlist == nil {
		allowlist = &Allowlist{}
	}
	return &Redactor{allowlist: allowlist}
}

// Redact returns content with every finding replaced by
// [REDACTED:<rule>] and the number of secrets removed.
//
// A fresh detector is built per call since gitleaks detectors accumulate
// findings across scans.
func (r *Redactor) Redact(content string) (string, int, error) {
	if content == "" {
		return content, 0, nil
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return "", 0, fmt.Errorf("creating secret detector: %w", err)
	}
	r.apply(&detector.Config)

	findings := detector.DetectString(content)
	if len(findings) == 0 {
		return content, 0, nil
	}

	pairs := make([]string, 0, 2*len(findings))
	seen := make(map[string]struct{}, len(findings))
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		if _, ok := seen[f.Secret]; ok {
			continue
		}
		seen[f.Secret] = struct{}{}
		pairs = append(pairs, f.Secret, "[REDACTED:"+f.RuleID+"]")
	}
	return strings.NewReplacer(pairs...).Replace(content), len(seen), nil
}

func (r *Redactor) apply(cfg *gitleaksconfig.Config) {
	if len(r.allowlist.Regexes) == 0 {
		return
	}
	allow := &gitleaksconfig.Allowlist{Description: "healingd sandbox allowlist"}
	for _, pattern := range r.allowlist.Regexes {
		// Validated in LoadAllowlist.
		re := regexp.MustCompile(pattern)
		allow.Regexes = append(allow.Regexes, (*gitleaksregexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, allow)
}
