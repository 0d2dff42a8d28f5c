package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Mirai3103/sandbox-runner/internal/core"
	"github.com/Mirai3103/sandbox-runner/internal/models"
)

var testsFlag string

var judgeCmd = &cobra.Command{
	Use:   "judge FILE",
	Short: "Score one source file against a YAML test set",
	Long: `Run FILE against every test case in the YAML file and print the scored
submission as JSON. The test file is a list of cases:

  - id: small
    input: "2 3"
    expectOutput: "6"
    isSample: true
    points: 10

Examples:
  runner judge --lang python --tests cases.yaml main.py`,
	Args: cobra.ExactArgs(1),
	RunE: runJudge,
}

func init() {
	judgeCmd.Flags().StringVar(&langFlag, "lang", "", "Language of the source file")
	judgeCmd.Flags().StringVar(&testsFlag, "tests", "", "YAML file with the test cases")
	judgeCmd.Flags().DurationVar(&timeLimitFlag, "time-limit", 0, "Per-case time limit (clamped to the language ceiling)")
	_ = judgeCmd.MarkFlagRequired("lang")
	_ = judgeCmd.MarkFlagRequired("tests")
	rootCmd.AddCommand(judgeCmd)
}

func loadTestCases(path string) ([]models.TestCase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading test cases: %w", err)
	}
	var cases []models.TestCase
	if err := yaml.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parsing test cases: %w", err)
	}
	// file order is only used when no case sets its own
	ordered := false
	for _, c := range cases {
		if c.Order != 0 {
			ordered = true
			break
		}
	}
	for i := range cases {
		if cases[i].ID == "" {
			cases[i].ID = fmt.Sprintf("case-%d", i+1)
		}
		if !ordered {
			cases[i].Order = i + 1
		}
	}
	return cases, nil
}

func runJudge(cmd *cobra.Command, args []string) error {
	code, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading source: %w", err)
	}
	cases, err := loadTestCases(testsFlag)
	if err != nil {
		return err
	}

	st, err := loadStack(nil)
	if err != nil {
		return err
	}
	defer func() { _ = st.log.Sync() }()

	scored, err := core.NewRunner(st.ephemeral, st.metrics, st.log).Judge(cmd.Context(), models.Submission{
		ID:            args[0],
		Language:      models.LanguageID(langFlag),
		Code:          string(code),
		TimeLimitInMs: int(timeLimitFlag.Milliseconds()),
		TestCases:     cases,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, scored)
}
