package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRulesCheck(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	os.WriteFile(valid, []byte(`rules:
  - id: slow-search
    metric: search_latency_ms
    operator: gt
    threshold: 2000
    duration: 1m
    severity: warning
`), 0o644)

	invalid := filepath.Join(dir, "invalid.yaml")
	os.WriteFile(invalid, []byte(`rules:
  - id: broken
    metric: search_latency_ms
    operator: between
    threshold: 1
    severity: warning
`), 0o644)

	out, err := runCmd(t, "rules", "check", valid)
	if err != nil {
		t.Fatalf("Expected valid rules to pass: %v", err)
	}
	if !strings.Contains(out, "slow-search") {
		t.Errorf("Expected rule listing, got %q", out)
	}

	if _, err := runCmd(t, "rules", "check", invalid); err == nil {
		t.Error("Expected unsupported operator to fail")
	}
}

func TestExportAndCleanup(t *testing.T) {
	t.Setenv("AGENT_DATABASE_PATH", filepath.Join(t.TempDir(), "health.db"))

	out, err := runCmd(t, "export", "--format", "prometheus")
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if !strings.Contains(out, "# TYPE db_query_ms histogram") {
		t.Errorf("Expected exposition output, got %q", out)
	}

	if _, err := runCmd(t, "export", "--format", "csv"); err == nil {
		t.Error("Expected csv export without --metric to fail")
	}
	if _, err := runCmd(t, "export", "--format", "xml"); err == nil {
		t.Error("Expected unsupported format to fail")
	}

	out, err = runCmd(t, "cleanup")
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if !strings.Contains(out, `"pointsDeleted"`) {
		t.Errorf("Expected cleanup report, got %q", out)
	}
}
