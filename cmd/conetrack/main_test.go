package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ayusman/conetrack/internal/capture"
	"github.com/ayusman/conetrack/internal/config"
)

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"width": 320, "height": 240}`), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	opts := &options{configPath: path, width: 800, policy: "fixed-margin"}
	cfg, err := loadConfig(opts, map[string]bool{"width": true, "policy": true})
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}

	if cfg.Width != 800 {
		t.Errorf("Width = %d, want 800 from flag", cfg.Width)
	}
	if cfg.Height != 240 {
		t.Errorf("Height = %d, want 240 from file", cfg.Height)
	}
	if cfg.Policy != "fixed-margin" {
		t.Errorf("Policy = %q, want fixed-margin", cfg.Policy)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	opts := &options{policy: "swerve"}
	_, err := loadConfig(opts, map[string]bool{"policy": true})
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("loadConfig() error = %v, want ErrInvalidConfig", err)
	}
}

func TestOpenSource(t *testing.T) {
	cfg := config.DefaultConfig()

	cam, err := openSource(context.Background(), "0", cfg)
	if err != nil {
		t.Fatalf("openSource() error = %v", err)
	}
	if _, ok := cam.(*capture.RawSource); ok {
		t.Error("device index should not open a raw source")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "frames.raw")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cam, err = openSource(ctx, rawPrefix+path, cfg)
	if err != nil {
		t.Fatalf("openSource(raw) error = %v", err)
	}
	if _, ok := cam.(*capture.RawSource); !ok {
		t.Errorf("openSource(raw) = %T, want *capture.RawSource", cam)
	}

	if _, err := openSource(ctx, rawPrefix+filepath.Join(t.TempDir(), "missing"), cfg); err == nil {
		t.Error("openSource() with missing raw file should fail")
	}
}

func TestOpenPublisher(t *testing.T) {
	p, err := openPublisher(&options{})
	if err != nil {
		t.Fatalf("openPublisher() error = %v", err)
	}
	if err := p.Publish(0.1); err != nil {
		t.Errorf("Publish() error = %v", err)
	}

	if _, err := openPublisher(&options{serialPort: "/dev/null", bridge: "cat"}); err == nil {
		t.Error("openPublisher() with -serial and -bridge should fail")
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080/api/stream"},
		{"0.0.0.0:9000", "http://localhost:9000/api/stream"},
		{"192.168.1.7:8080", "http://192.168.1.7:8080/api/stream"},
		{"[::]:8080", "http://localhost:8080/api/stream"},
	}

	for _, tt := range tests {
		if got := streamURL(tt.addr); got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
