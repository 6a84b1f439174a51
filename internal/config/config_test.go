package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"digiqc/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Remote.Timeout.Duration != 15*time.Second {
		t.Fatalf("expected 15s timeout, got %s", cfg.Remote.Timeout)
	}
	if len(cfg.Checklist.Types) != 5 || cfg.Checklist.Types[0] != "Structural" {
		t.Fatalf("unexpected checklist types: %v", cfg.Checklist.Types)
	}
	if got := cfg.PhoneCodes(); strings.Join(got, ",") != "+1,+44,+91" {
		t.Fatalf("unexpected phone codes: %v", got)
	}
	if cfg.Auth.PhonePolicies["+91"].Pattern != `^[6-9]\d{9}$` {
		t.Fatalf("pattern not preserved: %q", cfg.Auth.PhonePolicies["+91"].Pattern)
	}
}

func TestChecklistTemplate(t *testing.T) {
	qs := Default().ChecklistTemplate()
	if len(qs) != 4 {
		t.Fatalf("expected 4 questions, got %d", len(qs))
	}
	if qs[3].Kind != domain.KindYesNo || qs[3].RequiresProof {
		t.Fatalf("unexpected question 4: %+v", qs[3])
	}
	if qs[0].Options[1] != "No" {
		t.Fatalf("expected No option, got %v", qs[0].Options)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("queue:\n  backend: file\n  file: /tmp/q.json\nremote:\n  timeout: 3s\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Queue.Backend != "file" || cfg.Remote.Timeout.Duration != 3*time.Second {
		t.Fatalf("override not applied: %+v", cfg.Queue)
	}
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("default lost: %q", cfg.Server.BasePath)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"backend":       "queue:\n  backend: sqs\n",
		"redis addr":    "queue:\n  backend: redis\n",
		"gcs bucket":    "images:\n  sink: gcs\n",
		"bad duration":  "remote:\n  timeout: soon\n",
		"phone key":     "auth:\n  phone_policies:\n    \"91\":\n      digits: 10\n",
		"phone pattern": "auth:\n  phone_policies:\n    \"+33\":\n      digits: 9\n      pattern: '[0-9'\n",
		"options":       "checklist:\n  questions:\n    - id: 1\n      text: x\n      kind: select_one\n",
		"dup ids":       "checklist:\n  questions:\n    - id: 1\n      text: a\n      kind: free_text\n    - id: 1\n      text: b\n      kind: yes_no\n",
		"kind":          "checklist:\n  questions:\n    - id: 1\n      text: a\n      kind: rating\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromYAML([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	if err != nil || cfg.Queue.Backend != "sqlite" {
		t.Fatalf("expected defaults, got %v %v", cfg, err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected Load to fail without file")
	}
	if err := os.WriteFile(filepath.Join(dir, "digiqc.yml"), []byte("log:\n  level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Log.Level != "debug" {
		t.Fatalf("load: %v %+v", err, cfg)
	}
}

func TestYAMLRendersDurations(t *testing.T) {
	out, err := Default().YAML()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "timeout: 15s") {
		t.Fatalf("expected duration string, got:\n%s", out)
	}
	if _, err := FromYAML([]byte(out)); err != nil {
		t.Fatalf("rendered config does not parse: %v", err)
	}
}
