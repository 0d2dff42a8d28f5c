package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Mirai3103/sandbox-runner/internal/models"
)

func TestRenderFoldsFragmentsInOrder(t *testing.T) {
	res := Render(&ExecuteReply{Outputs: []Output{
		{OutputType: "stream", Name: "stdout", Text: "hello\n"},
		{OutputType: "stream", Name: "stderr", Text: "warn\n"},
		{OutputType: "display_data", Data: map[string]multiline{"text/plain": "<Figure>"}},
		{OutputType: "execute_result", Data: map[string]multiline{"text/plain": "42\n", "text/html": "<b>42</b>"}},
	}}, 0)

	require.Equal(t, models.Success, res.Status)
	require.Equal(t, "hello\nwarn\n<Figure>\n42\n", res.Stdout)
	require.Empty(t, res.Stderr)
	require.Zero(t, res.ExitCode)
}

func TestRenderErrorFragment(t *testing.T) {
	res := Render(&ExecuteReply{Outputs: []Output{
		{OutputType: "stream", Text: "before\n"},
		{
			OutputType: "error",
			EName:      "ZeroDivisionError",
			EValue:     "division by zero",
			Traceback:  []string{"\x1b[0;31mTraceback\x1b[0m", "  1/0"},
		},
	}}, 0)

	require.Equal(t, models.Failed, res.Status)
	require.Equal(t, models.KindRuntime, res.Kind)
	require.Equal(t, 1, res.ExitCode)
	require.Equal(t, "before\n", res.Stdout)
	require.Equal(t, "ZeroDivisionError: division by zero\nTraceback\n  1/0\n", res.Stderr)
}

func TestRenderEmptyAndTruncated(t *testing.T) {
	res := Render(&ExecuteReply{Outputs: []Output{}}, 10)
	require.Equal(t, models.Success, res.Status)
	require.Empty(t, res.Stdout)

	res = Render(&ExecuteReply{Outputs: []Output{{OutputType: "stream", Text: "0123456789abcdef"}}}, 10)
	require.Equal(t, "0123456789\n... (truncated)", res.Stdout)
}
