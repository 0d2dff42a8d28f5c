package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mirai3103/sandbox-runner/internal/models"
)

var (
	langFlag      string
	stdinFlag     string
	timeLimitFlag time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec FILE",
	Short: "Validate and run one source file",
	Long: `Validate FILE, compile it when the language needs it, run it once and
print the result as JSON.

Examples:
  runner exec --lang python main.py
  runner exec --lang cpp --stdin input.txt --time-limit 2s main.cpp`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&langFlag, "lang", "", "Language of the source file (python, javascript, c, cpp, go)")
	execCmd.Flags().StringVar(&stdinFlag, "stdin", "", "File fed to the program's standard input")
	execCmd.Flags().DurationVar(&timeLimitFlag, "time-limit", 0, "Requested time limit (clamped to the language ceiling)")
	_ = execCmd.MarkFlagRequired("lang")
	rootCmd.AddCommand(execCmd)
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	var stdin []byte
	if stdinFlag != "" {
		if stdin, err = os.ReadFile(stdinFlag); err != nil {
			return fmt.Errorf("reading stdin file: %w", err)
		}
	}

	st, err := loadStack(nil)
	if err != nil {
		return err
	}
	defer func() { _ = st.log.Sync() }()

	res, err := st.ephemeral.Execute(cmd.Context(), models.ExecutionRequest{
		Code:      string(code),
		Language:  models.LanguageID(langFlag),
		Stdin:     string(stdin),
		TimeLimit: timeLimitFlag,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
