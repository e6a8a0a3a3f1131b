package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "arena.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("arena", nil, env(nil), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("Expected defaults, got %+v", cfg)
	}
}

func TestPrecedence(t *testing.T) {
	path := writeFile(t, `{
		"addr": ":7000",
		"patchInterval": "20ms",
		"simulationInterval": 1000000,
		"maxMembers": 4,
		"logFormat": "json"
	}`)

	cfg, err := Load("arena",
		[]string{"-config", path, "-max-members", "8"},
		env(map[string]string{
			"ARENA_ADDR":        ":7100",
			"ARENA_MAX_MEMBERS": "6",
			"LOG_LEVEL":         "debug",
		}),
		io.Discard,
	)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		got, want any
	}{
		{"addr from env", cfg.Addr, ":7100"},
		{"patch interval from file", cfg.PatchInterval, 20 * time.Millisecond},
		{"simulation interval from file", cfg.SimulationInterval, time.Millisecond},
		{"max members from flag", cfg.MaxMembers, 8},
		{"log format from file", cfg.LogFormat, "json"},
		{"log level from env", cfg.LogLevel, "debug"},
		{"auto dispose default", cfg.AutoDispose, true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: Expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	path := writeFile(t, `{"quicAddr": ":9443"}`)

	cfg, err := Load("arena", nil, env(map[string]string{"ARENA_CONFIG": path}), io.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.QUICAddr != ":9443" {
		t.Errorf("Expected quic addr from ARENA_CONFIG, got %q", cfg.QUICAddr)
	}
}

func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  map[string]string
		want string
	}{
		{"bad env duration", nil, map[string]string{"ARENA_SIM_INTERVAL": "soon"}, "ARENA_SIM_INTERVAL"},
		{"bad env int", nil, map[string]string{"ARENA_MAX_MEMBERS": "many"}, "ARENA_MAX_MEMBERS"},
		{"zero patch interval", []string{"-patch-interval", "0s"}, nil, "patch interval"},
		{"negative members", []string{"-max-members", "-1"}, nil, "max members"},
		{"cert without key", []string{"-quic-addr", ":9443", "-cert", "c.pem"}, nil, "cert and key"},
		{"unknown flag", []string{"-nope"}, nil, "nope"},
		{"missing file", []string{"-config", "/does/not/exist.json"}, nil, "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load("arena", tt.args, env(tt.env), io.Discard)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestBadFile(t *testing.T) {
	path := writeFile(t, `{"patchInterval": "fast"}`)
	if _, err := Load("arena", []string{"-config", path}, env(nil), io.Discard); err == nil {
		t.Errorf("Expected an error for an unparsable duration")
	}
}
