package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("ATELIER_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid ATELIER_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "ATELIER_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention ATELIER_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("ATELIER_PORT", "abc")
	t.Setenv("ATELIER_ROUTER_MAX_ATTEMPTS", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "ATELIER_PORT") {
		t.Fatalf("error should mention ATELIER_PORT, got: %s", got)
	}
	if !strings.Contains(got, "ATELIER_ROUTER_MAX_ATTEMPTS") {
		t.Fatalf("error should mention ATELIER_ROUTER_MAX_ATTEMPTS, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "often")
	_, err := envFloat("TEST_FLOAT_BAD", 0.1)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="often" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("ATELIER_STORE", "mongo")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "ATELIER_STORE") {
		t.Fatalf("expected ATELIER_STORE error, got: %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.CandidateProbability = 1.5
	cfg.RetirementThreshold = 0
	cfg.DecisionTTL = time.Minute
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"ATELIER_CANDIDATE_PROBABILITY", "ATELIER_RETIREMENT_THRESHOLD", "ATELIER_DECISION_TTL"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %s", want, err)
		}
	}
}

func TestLoadCycleSettings(t *testing.T) {
	t.Setenv("ATELIER_STORE", "sqlite")
	t.Setenv("ATELIER_APPROVAL_TIMEOUT", "5m")
	t.Setenv("ATELIER_CANDIDATE_PROBABILITY", "0.25")
	t.Setenv("ATELIER_EXPERIMENTS_ENABLED", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.ApprovalTimeout != 5*time.Minute || cfg.CandidateProbability != 0.25 || !cfg.ExperimentsEnabled {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
