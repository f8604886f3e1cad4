package exec

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateEngine renders command templates with Sprig functions
type TemplateEngine struct {
	templates map[string]*template.Template
}

// NewTemplateEngine parses one command template per program
func NewTemplateEngine(commands map[string]string) (*TemplateEngine, error) {
	funcMap := sprig.TxtFuncMap()

	templates := make(map[string]*template.Template, len(commands))
	for program, content := range commands {
		tmpl, err := template.New(program).Funcs(funcMap).Option("missingkey=error").Parse(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s command template: %w", program, err)
		}
		templates[program] = tmpl
	}

	return &TemplateEngine{templates: templates}, nil
}

// Render renders the command line of program with the given variables
func (t *TemplateEngine) Render(program string, variables map[string]interface{}) (string, error) {
	tmpl, ok := t.templates[program]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCommandRequired, program)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, variables); err != nil {
		return "", fmt.Errorf("failed to execute %s command template: %w", program, err)
	}

	return buf.String(), nil
}

// BuildVariables returns the variables every command sees
func BuildVariables(cfg *Config, paraFile string) map[string]interface{} {
	bin := ""
	if cfg.BinDir != "" {
		bin = cfg.BinDir + "/"
	}

	return map[string]interface{}{
		"bin":  bin,
		"para": paraFile,
		"work": cfg.WorkDir,
	}
}

// BuildEnvironmentVariables returns the engine environment for commands
func BuildEnvironmentVariables(cfg *Config) []string {
	return []string{
		fmt.Sprintf("LEPHAREWORK=%s", cfg.WorkDir),
	}
}
