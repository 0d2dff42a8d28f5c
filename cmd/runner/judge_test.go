package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadTestCases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: small
  input: "2 3"
  expectOutput: "6"
  isSample: true
  points: 10
- input: |
    4 5
  expectOutput: "20"
  isHidden: true
  points: 90
`), 0o644))

	cases, err := loadTestCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 2)
	require.Equal(t, "small", cases[0].ID)
	require.True(t, cases[0].IsSample)
	require.Equal(t, 1, cases[0].Order)
	require.Equal(t, "case-2", cases[1].ID)
	require.Equal(t, "4 5\n", cases[1].Input)
	require.True(t, cases[1].IsHidden)
	require.Equal(t, 90, cases[1].Points)
	require.Equal(t, 2, cases[1].Order)
}

func TestLoadTestCasesKeepsExplicitOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: late
  input: "1"
  expectOutput: "1"
  order: 2
- id: first
  input: "2"
  expectOutput: "2"
  order: 0
- id: unset
  input: "3"
  expectOutput: "3"
`), 0o644))

	cases, err := loadTestCases(path)
	require.NoError(t, err)
	require.Len(t, cases, 3)
	require.Equal(t, 2, cases[0].Order)
	require.Equal(t, 0, cases[1].Order)
	require.Equal(t, 0, cases[2].Order)
}

func TestLoadTestCasesRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: [unclosed"), 0o644))
	_, err := loadTestCases(path)
	require.Error(t, err)
}
