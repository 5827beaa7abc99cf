package config

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp directory so the path allowlist and
// "~" expansion resolve against a throwaway tree.
func setupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)
	return tmpHome
}

func writeTestConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()

	configDir := filepath.Join(home, ".config", "upgraded")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), perm); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  http_port: 9090
  shutdown_timeout: 5s

session:
  max_rounds: 6
  round_timeout: 20m

modes:
  refiner_bias: 0.1
  guidance:
    dual-tournament: "prefer minimal diffs"
`, 0600)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 5*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 5s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Session.MaxRounds != 6 {
		t.Errorf("Session.MaxRounds = %d, want 6", cfg.Session.MaxRounds)
	}
	if cfg.Session.RoundTimeout.Duration() != 20*time.Minute {
		t.Errorf("Session.RoundTimeout = %v, want 20m", cfg.Session.RoundTimeout.Duration())
	}
	if cfg.Modes.RefinerBias != 0.1 {
		t.Errorf("Modes.RefinerBias = %v, want 0.1", cfg.Modes.RefinerBias)
	}
	if got := cfg.Modes.Guidance["dual-tournament"]; got != "prefer minimal diffs" {
		t.Errorf("Modes.Guidance[dual-tournament] = %q, want 'prefer minimal diffs'", got)
	}

	// Sections absent from the file keep their defaults.
	if cfg.Session.GracePeriod.Duration() != 10*time.Second {
		t.Errorf("Session.GracePeriod = %v, want default 10s", cfg.Session.GracePeriod.Duration())
	}
	if !cfg.Guard.Enabled {
		t.Error("Guard.Enabled = false, want default true")
	}
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  http_port: 9090

session:
  max_rounds: 6
`, 0600)

	t.Setenv("SERVER_HTTP_PORT", "7777")
	t.Setenv("SESSION_MAX_ROUNDS", "8")
	t.Setenv("NATS_TOKEN", "s3cret")
	t.Setenv("AGENT_COMMAND", "/usr/local/bin/upgrade-agent")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (from env override)", cfg.Server.Port)
	}
	if cfg.Session.MaxRounds != 8 {
		t.Errorf("Session.MaxRounds = %d, want 8 (from env override)", cfg.Session.MaxRounds)
	}
	if cfg.NATS.Token.Value() != "s3cret" {
		t.Errorf("NATS.Token = %q, want s3cret", cfg.NATS.Token.Value())
	}
	if cfg.Agent.Command != "/usr/local/bin/upgrade-agent" {
		t.Errorf("Agent.Command = %q, want /usr/local/bin/upgrade-agent", cfg.Agent.Command)
	}
}

func TestLoadWithFile_MissingFile(t *testing.T) {
	home := setupTestHome(t)

	configPath := filepath.Join(home, ".config", "upgraded", "config.yaml")

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should not error on missing file, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("LoadWithFile() returned nil config for missing file")
	}

	// Missing file falls back to defaults.
	if cfg.Server.Port != 8777 {
		t.Errorf("Server.Port = %d, want default 8777", cfg.Server.Port)
	}
	if cfg.Session.MaxRounds != 4 {
		t.Errorf("Session.MaxRounds = %d, want default 4", cfg.Session.MaxRounds)
	}
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  http_port: 9090
  invalid syntax here
`, 0600)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("LoadWithFile() should error on invalid YAML, got nil")
	}
}

func TestLoadWithFile_Validation(t *testing.T) {
	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, `server:
  http_port: 99999
`, 0600)

	if _, err := LoadWithFile(configPath); err == nil {
		t.Error("LoadWithFile() should error on invalid port, got nil")
	}
}

func TestLoadWithFile_PathTraversal(t *testing.T) {
	setupTestHome(t)

	_, err := LoadWithFile("../../../../etc/passwd")
	if err == nil {
		t.Fatal("expected error for path traversal, got nil")
	}
	if !strings.Contains(err.Error(), "must be in ~/.config/upgraded/ or /etc/upgraded/") {
		t.Errorf("expected path validation error, got: %v", err)
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping permission test on Windows")
	}

	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, "server:\n  http_port: 9090\n", 0644)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("expected error for insecure permissions, got nil")
	}
	if !strings.Contains(err.Error(), "insecure") {
		t.Errorf("expected 'insecure permissions' error, got: %v", err)
	}
}

func TestLoadWithFile_SecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("skipping permission test on Windows")
	}

	home := setupTestHome(t)

	configPath := writeTestConfig(t, home, "server:\n  http_port: 9090\n", 0600)

	cfg, err := LoadWithFile(configPath)
	if err != nil {
		t.Fatalf("LoadWithFile() should succeed with 0600 permissions, got: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoadWithFile_FileTooLarge(t *testing.T) {
	home := setupTestHome(t)

	// 2MB of comments exceeds the 1MB cap.
	large := bytes.Repeat([]byte("# filler\n"), 250000)
	configPath := writeTestConfig(t, home, string(large), 0600)

	_, err := LoadWithFile(configPath)
	if err == nil {
		t.Fatal("expected error for oversized file, got nil")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home := setupTestHome(t)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "bare tilde", input: "~", want: home},
		{name: "tilde prefix", input: "~/.local/state/upgraded", want: filepath.Join(home, ".local/state/upgraded")},
		{name: "absolute unchanged", input: "/srv/upgraded", want: "/srv/upgraded"},
		{name: "relative unchanged", input: "workspaces", want: "workspaces"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandPath(tt.input)
			if err != nil {
				t.Fatalf("ExpandPath(%q) error = %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := setupTestHome(t)

	if err := EnsureConfigDir(); err != nil {
		t.Fatalf("EnsureConfigDir() error = %v", err)
	}

	info, err := os.Stat(filepath.Join(home, ".config", "upgraded"))
	if err != nil {
		t.Fatalf("config dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("config path is not a directory")
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0700 {
		t.Errorf("config dir permissions = %v, want 0700", info.Mode().Perm())
	}
}
