package usage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Limits caps a subject's usage within one window. A zero value means
// unlimited for that dimension.
type Limits struct {
	Requests int64 `yaml:"requests,omitempty"`
	Tokens   int64 `yaml:"tokens,omitempty"`
}

// Policy maps window kinds to limits, with optional per-subject overrides.
// Throttling callers read counters from a Store and check them against the
// policy; the store itself never enforces limits.
type Policy struct {
	Default  map[string]Limits            `yaml:"default,omitempty"`
	Subjects map[string]map[string]Limits `yaml:"subjects,omitempty"`
}

// LoadPolicy loads a usage limits policy from a YAML file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	now := time.Now()
	for kind := range p.Default {
		if _, err := WindowStart(kind, now); err != nil {
			return nil, fmt.Errorf("policy default section: %w", err)
		}
	}
	for subject, windows := range p.Subjects {
		for kind := range windows {
			if _, err := WindowStart(kind, now); err != nil {
				return nil, fmt.Errorf("policy subject %s: %w", subject, err)
			}
		}
	}

	return &p, nil
}

// LimitsFor returns the effective limits for a subject and window kind.
// Subject overrides win over the default section; absence means unlimited.
func (p *Policy) LimitsFor(subjectKey, windowKind string) Limits {
	if windows, ok := p.Subjects[subjectKey]; ok {
		if l, ok := windows[windowKind]; ok {
			return l
		}
	}
	if l, ok := p.Default[windowKind]; ok {
		return l
	}
	return Limits{}
}

// Allow reports whether the counter, after adding the deltas, stays within
// the subject's limits. The reason names the exceeded dimension.
func (p *Policy) Allow(c *Counter, requestsDelta, tokensDelta int64) (bool, string) {
	if c == nil {
		return true, ""
	}
	l := p.LimitsFor(c.SubjectKey, c.WindowKind)
	if l.Requests > 0 && c.Requests+requestsDelta > l.Requests {
		return false, fmt.Sprintf("request limit exceeded for %s window (%d > %d)", c.WindowKind, c.Requests+requestsDelta, l.Requests)
	}
	if l.Tokens > 0 && c.Tokens+tokensDelta > l.Tokens {
		return false, fmt.Sprintf("token limit exceeded for %s window (%d > %d)", c.WindowKind, c.Tokens+tokensDelta, l.Tokens)
	}
	return true, ""
}
