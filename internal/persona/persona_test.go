package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault_Prompt(t *testing.T) {
	got := Default().Prompt("ocean sunset")
	if got != "Write a poem about the following prompt: ocean sunset" {
		t.Fatalf("unexpected prompt %q", got)
	}
}

func TestDefault_SystemPrompt(t *testing.T) {
	if !strings.Contains(Default().SystemPrompt, "poetry") {
		t.Fatal("default persona should be a poetry teacher")
	}
}

func writePersona(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writePersona(t, `
name: haiku-master
system_prompt: You write only haiku.
template: "Compose a haiku on: {text}"
model: gpt-4o
max_tokens: 128
`)
	p, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Name != "haiku-master" || p.Model != "gpt-4o" || p.MaxTokens != 128 {
		t.Fatalf("unexpected persona %+v", p)
	}
	if p.Prompt("frost") != "Compose a haiku on: frost" {
		t.Fatalf("unexpected prompt %q", p.Prompt("frost"))
	}
}

func TestLoadFile_PartialKeepsDefaults(t *testing.T) {
	p, err := LoadFile(writePersona(t, "model: llama3.1:8b\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.SystemPrompt != DefaultSystemPrompt || p.Template != DefaultTemplate {
		t.Fatalf("defaults should fill missing fields: %+v", p)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := LoadFile(writePersona(t, "template: [unclosed")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
	if _, err := LoadFile(writePersona(t, "template: no placeholder here")); err == nil {
		t.Fatal("expected error for template without placeholder")
	}
}
