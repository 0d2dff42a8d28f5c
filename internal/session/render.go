package session

import (
	"regexp"
	"strings"

	"github.com/Mirai3103/sandbox-runner/internal/models"
	"github.com/Mirai3103/sandbox-runner/internal/output"
)

// ansi matches terminal colour and cursor sequences found in tracebacks.
var ansi = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Render folds the fragments of a reply into one result. Stream, result
// and display text go to Stdout in arrival order; error fragments go to
// Stderr and make the status an error.
func Render(reply *ExecuteReply, limit int) models.ExecutionResult {
	var stdout, stderr strings.Builder
	failed := false
	for _, o := range reply.Outputs {
		switch o.OutputType {
		case "stream":
			stdout.WriteString(string(o.Text))
		case "execute_result", "display_data":
			if text, ok := o.Data["text/plain"]; ok {
				stdout.WriteString(string(text))
				if !strings.HasSuffix(string(text), "\n") {
					stdout.WriteByte('\n')
				}
			}
		case "error":
			failed = true
			if o.EName != "" || o.EValue != "" {
				stderr.WriteString(o.EName + ": " + o.EValue + "\n")
			}
			for _, line := range o.Traceback {
				stderr.WriteString(line)
				stderr.WriteByte('\n')
			}
		}
	}

	res := models.ExecutionResult{
		Status: models.Success,
		Stdout: output.Truncate(ansi.ReplaceAllString(stdout.String(), ""), limit),
		Stderr: output.Truncate(ansi.ReplaceAllString(stderr.String(), ""), limit),
	}
	if failed {
		res.Status = models.Failed
		res.Kind = models.KindRuntime
		res.ExitCode = 1
	}
	return res
}
