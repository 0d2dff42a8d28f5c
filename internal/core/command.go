package core

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// commandVars are the values substituted into command templates.
type commandVars struct {
	SourceFile string
	Executable string
	TempDir    string
}

// expandCommand splits a template with shell quoting rules and substitutes
// placeholders in each word. Substituted paths are never re-split.
func expandCommand(template string, vars commandVars) ([]string, error) {
	words, err := shlex.Split(template)
	if err != nil {
		return nil, fmt.Errorf("invalid command template %q: %w", template, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty command template")
	}
	r := strings.NewReplacer(
		"{source_file}", vars.SourceFile,
		"{executable}", vars.Executable,
		"{output_file}", vars.Executable,
		"{temp_dir}", vars.TempDir,
	)
	for i, w := range words {
		words[i] = r.Replace(w)
	}
	return words, nil
}
