package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_URL", "sqlite:"+filepath.Join(dir, "autopilot.db"))
	t.Setenv("POLICY_FILE", "")
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPolicyCmd_PrintsEffectivePolicy(t *testing.T) {
	setTestEnv(t)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("rateLimit:\n  maxAutoResolves: 3\n  window: 30m\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	out, err := runCmd(t, "--policy", path, "policy")
	if err != nil {
		t.Fatalf("policy command failed: %v", err)
	}
	for _, want := range []string{"maxautoresolves: 3", "window: 30m0s", "criticalserviceminimum: 0.95"} {
		if !strings.Contains(strings.ToLower(out), want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPolicyCmd_RejectsInvalidPolicy(t *testing.T) {
	setTestEnv(t)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("scoring:\n  weights:\n    analysis: 0.9\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	if _, err := runCmd(t, "--policy", path, "policy"); err == nil {
		t.Fatal("expected validation error for weights that do not sum to 1")
	}
}

func TestMigrateCmd(t *testing.T) {
	setTestEnv(t)

	out, err := runCmd(t, "migrate")
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if !strings.Contains(out, "migrations applied") {
		t.Errorf("output = %q", out)
	}
}

func TestServeCmd_RequiresAdminPassword(t *testing.T) {
	setTestEnv(t)
	t.Setenv("ADMIN_PASSWORD", "")

	_, err := runCmd(t, "serve")
	if err == nil || !strings.Contains(err.Error(), "ADMIN_PASSWORD") {
		t.Fatalf("err = %v, want ADMIN_PASSWORD error", err)
	}
}
