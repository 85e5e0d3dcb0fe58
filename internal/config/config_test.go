package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Avatar.TickMS != 200 {
		t.Fatalf("expected 200ms avatar tick, got %d", cfg.Avatar.TickMS)
	}
	if cfg.TTS.Rate != 150 || cfg.TTS.Volume != 0.9 {
		t.Fatalf("unexpected voice defaults: %+v", cfg.TTS)
	}
	if cfg.LLM.TopK != 64 || cfg.LLM.MaxTokens != 8192 {
		t.Fatalf("unexpected generation defaults: %+v", cfg.LLM)
	}
	if !cfg.Avatar.HasRenderer("tui") {
		t.Fatalf("expected tui renderer by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa.yaml")
	data := `runtime_name: kiosk
stt:
  mode: mock
  mock_script: ["hello", "stop"]
avatar:
  renderers: [web]
  tick_ms: 100
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "kiosk" {
		t.Fatalf("expected runtime name from file, got %s", cfg.RuntimeName)
	}
	if len(cfg.STT.MockScript) != 2 {
		t.Fatalf("expected mock script, got %v", cfg.STT.MockScript)
	}
	if cfg.Avatar.TickMS != 100 || cfg.Avatar.HasRenderer("tui") {
		t.Fatalf("unexpected avatar config %+v", cfg.Avatar)
	}
	if cfg.Avatar.TextWidth != 60 {
		t.Fatalf("expected text width default preserved")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_ENABLED", "true")
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "test-node")
	t.Setenv("LOQA_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("LOQA_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_AVATAR_RENDERERS", "tui, web")
	t.Setenv("LOQA_TTS_RATE", "180")
	t.Setenv("LOQA_TTS_VOLUME", "0.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !cfg.Bus.Enabled {
		t.Fatal("expected bus enabled")
	}
	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" || cfg.Node.HeartbeatInterval != 1500 || cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected node overrides, got %+v", cfg.Node)
	}
	if cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if !cfg.Avatar.HasRenderer("web") || !cfg.Avatar.HasRenderer("tui") {
		t.Fatalf("expected both renderers, got %v", cfg.Avatar.Renderers)
	}
	if cfg.TTS.Rate != 180 || cfg.TTS.Volume != 0.5 {
		t.Fatalf("expected tts overrides, got %+v", cfg.TTS)
	}
}

func TestAPIKeyFromDotenvStyleVariable(t *testing.T) {
	t.Setenv("API_KEY", "abc")
	t.Setenv("LOQA_LLM_MODE", "gemini")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "abc" {
		t.Fatalf("expected api key from API_KEY, got %q", cfg.LLM.APIKey)
	}
}

func TestValidateRejectsGeminiWithoutKey(t *testing.T) {
	cfg := Default()
	cfg.LLM.Mode = "gemini"
	if err := validate(cfg); err == nil {
		t.Fatal("expected error when gemini key is missing")
	}
}

func TestValidateCaptureOnlyForMicrophoneModes(t *testing.T) {
	cfg := Default()
	cfg.Capture.Source = "alsa"
	if err := validate(cfg); err != nil {
		t.Fatalf("console mode should not validate capture: %v", err)
	}
	cfg.STT.Mode = "exec"
	cfg.STT.Command = "whisper"
	if err := validate(cfg); err == nil {
		t.Fatal("expected capture source error for exec mode")
	}
}

func TestValidateUnknownRenderer(t *testing.T) {
	cfg := Default()
	cfg.Avatar.Renderers = []string{"pygame"}
	if err := validate(cfg); err == nil {
		t.Fatal("expected renderer validation error")
	}
}
