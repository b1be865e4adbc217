// Package persona holds the fixed voice of the bot: the system prompt and the
// template the user's text is wrapped in.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSystemPrompt = `You are a warm, encouraging poetry and arts teacher. ` +
		`When given a subject you write an original poem about it, ` +
		`choosing a form that suits the subject and using vivid, concrete imagery. ` +
		`Reply with the poem only.`

	DefaultTemplate = "Write a poem about the following prompt: {text}"

	placeholder = "{text}"
)

// Persona is the generation setup shared by every reply.
type Persona struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	Template     string `yaml:"template"`
	Model        string `yaml:"model,omitempty"` // overrides the provider's default model
	MaxTokens    int    `yaml:"max_tokens,omitempty"`
}

// Default returns the built-in poetry teacher.
func Default() Persona {
	return Persona{
		Name:         "poetry-teacher",
		SystemPrompt: DefaultSystemPrompt,
		Template:     DefaultTemplate,
	}
}

// LoadFile reads a YAML persona. Missing fields fall back to Default.
func LoadFile(path string) (Persona, error) {
	p := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read persona %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = DefaultSystemPrompt
	}
	if strings.TrimSpace(p.Template) == "" {
		p.Template = DefaultTemplate
	}
	if !strings.Contains(p.Template, placeholder) {
		return p, fmt.Errorf("persona %s: template must contain %s", path, placeholder)
	}
	return p, nil
}

// Prompt fills the template with the user's text.
func (p Persona) Prompt(text string) string {
	return strings.ReplaceAll(p.Template, placeholder, text)
}
