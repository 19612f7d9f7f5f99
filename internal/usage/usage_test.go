package usage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWindowStart(t *testing.T) {
	now := time.Date(2026, 3, 17, 14, 42, 31, 500, time.UTC)

	tests := []struct {
		kind string
		want time.Time
	}{
		{WindowMinute, time.Date(2026, 3, 17, 14, 42, 0, 0, time.UTC)},
		{WindowHour, time.Date(2026, 3, 17, 14, 0, 0, 0, time.UTC)},
		{WindowDay, time.Date(2026, 3, 17, 0, 0, 0, 0, time.UTC)},
		{WindowMonth, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := WindowStart(tt.kind, now)
		if err != nil {
			t.Errorf("WindowStart(%s) error: %v", tt.kind, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("WindowStart(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}

	if _, err := WindowStart("fortnight", now); err == nil {
		t.Error("expected error for unknown window kind")
	}
}

func TestValidateDeltas(t *testing.T) {
	if err := ValidateDeltas(1, 100); err != nil {
		t.Errorf("valid deltas rejected: %v", err)
	}
	if err := ValidateDeltas(-1, 0); err == nil {
		t.Error("negative requests delta accepted")
	}
	if err := ValidateDeltas(0, -5); err == nil {
		t.Error("negative tokens delta accepted")
	}
}

func TestPolicyLimits(t *testing.T) {
	policyYAML := `
default:
  hour:
    requests: 100
    tokens: 50000
subjects:
  key-premium:
    hour:
      requests: 1000
`
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte(policyYAML), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy failed: %v", err)
	}

	if l := p.LimitsFor("key-basic", WindowHour); l.Requests != 100 {
		t.Errorf("default hour request limit = %d, want 100", l.Requests)
	}
	if l := p.LimitsFor("key-premium", WindowHour); l.Requests != 1000 {
		t.Errorf("override hour request limit = %d, want 1000", l.Requests)
	}
	// No day limits anywhere: unlimited.
	if l := p.LimitsFor("key-basic", WindowDay); l.Requests != 0 || l.Tokens != 0 {
		t.Errorf("expected unlimited day window, got %+v", l)
	}

	c := &Counter{SubjectKey: "key-basic", WindowKind: WindowHour, Requests: 99, Tokens: 100}
	if ok, _ := p.Allow(c, 1, 10); !ok {
		t.Error("increment at the limit boundary should be allowed")
	}
	if ok, reason := p.Allow(c, 2, 10); ok {
		t.Error("increment past the request limit should be denied")
	} else if reason == "" {
		t.Error("denial must carry a reason")
	}
	c.Tokens = 49999
	if ok, _ := p.Allow(c, 1, 2); ok {
		t.Error("increment past the token limit should be denied")
	}
}

func TestLoadPolicyRejectsUnknownWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte("default:\n  fortnight:\n    requests: 5\n"), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected error for unknown window kind in policy")
	}
}
