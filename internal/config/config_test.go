package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, yaml string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
}

const minimalYAML = `
agent_name: test-agent
broker:
  host: localhost
  port: 5672
  login: guest
  password: guest
pipeline:
  - name: input_service
    tags: [input]
  - name: responder
    tags: [responder]
    previous: [input_service]
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, minimalYAML)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broker.Namespace != "test-agent" {
		t.Fatalf("expected namespace to default to agent name, got %q", cfg.Broker.Namespace)
	}
	if cfg.Broker.VirtualHost != "/" {
		t.Fatalf("expected default virtual host \"/\", got %q", cfg.Broker.VirtualHost)
	}
	if cfg.ResponseTimeoutSeconds != 10 {
		t.Fatalf("expected default response timeout 10s, got %d", cfg.ResponseTimeoutSeconds)
	}
	if len(cfg.Pipeline) != 2 {
		t.Fatalf("expected 2 pipeline services, got %d", len(cfg.Pipeline))
	}
}

func TestLoadRejectsMissingBroker(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "pipeline:\n  - name: input_service\n    tags: [input]\n")

	if _, err := Load(dir); err == nil {
		t.Fatalf("expected schema validation to reject a config with no broker section")
	}
}

func TestLoadRejectsUnknownTag(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
broker: {host: localhost, port: 5672, login: guest, password: guest}
pipeline:
  - name: input_service
    tags: [not_a_real_tag]
`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected schema validation to reject an unrecognized service tag")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected an error when config.yaml does not exist")
	}
}

func TestConnectorDefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
broker: {host: localhost, port: 5672, login: guest, password: guest}
pipeline:
  - name: input_service
    tags: [input]
connectors:
  input_service:
    kind: direct_http
    urls: ["http://localhost:8000"]
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cc := cfg.Connectors["input_service"]
	if cc.BatchSize != 1 {
		t.Fatalf("expected default batch size 1, got %d", cc.BatchSize)
	}
	if cc.PollMillis != 100 {
		t.Fatalf("expected default poll interval 100ms, got %d", cc.PollMillis)
	}
}
