package models

import "time"

// Status is the outcome class of one execution.
type Status string

const (
	Success   Status = "success"
	Failed    Status = "error"
	Timeout   Status = "timeout"
	Forbidden Status = "forbidden"
)

// LanguageID names a language (or kernel-side rule set) known to the runner.
type LanguageID string

const (
	Python     LanguageID = "python"
	JavaScript LanguageID = "javascript"
	C          LanguageID = "c"
	Cpp        LanguageID = "cpp"
	Go         LanguageID = "go"
	SQL        LanguageID = "sql"
)

// LanguageProfile describes how to build and run one language.
// Command templates may use {source_file}, {executable} and {temp_dir}.
type LanguageProfile struct {
	ID                LanguageID `json:"id" mapstructure:"id" yaml:"id"`
	SourceFile        string     `json:"sourceFile" mapstructure:"sourceFile" yaml:"sourceFile"`
	BinaryFile        string     `json:"binaryFile" mapstructure:"binaryFile" yaml:"binaryFile"`
	CompileCommand    string     `json:"compileCommand" mapstructure:"compileCommand" yaml:"compileCommand"`
	RunCommand        string     `json:"runCommand" mapstructure:"runCommand" yaml:"runCommand"`
	TimeoutCeilingSec int        `json:"timeoutCeilingSec" mapstructure:"timeoutCeilingSec" yaml:"timeoutCeilingSec"`
	CompileTimeoutSec int        `json:"compileTimeoutSec" mapstructure:"compileTimeoutSec" yaml:"compileTimeoutSec"`
}

// Compiled reports whether the profile has a compile step.
func (p LanguageProfile) Compiled() bool {
	return p.CompileCommand != ""
}

// TimeoutCeiling is the hard upper bound for a run of this language.
func (p LanguageProfile) TimeoutCeiling() time.Duration {
	return time.Duration(p.TimeoutCeilingSec) * time.Second
}

// ExecutionRequest is one submission to run once.
type ExecutionRequest struct {
	ID            string        `json:"id"`
	Code          string        `json:"code"`
	Language      LanguageID    `json:"language"`
	Stdin         string        `json:"stdin,omitempty"`
	TimeLimit     time.Duration `json:"timeLimit"`
	MemoryLimitMB int           `json:"memoryLimitMb"`
}

// ExecutionResult is produced exactly once per ExecutionRequest.
// MemoryUsedKb is sampled on a best-effort basis and never enforced.
type ExecutionResult struct {
	Status       Status        `json:"status"`
	Kind         ErrorKind     `json:"kind,omitempty"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitCode     int           `json:"exitCode"`
	WallTime     time.Duration `json:"wallTime"`
	MemoryUsedKb int           `json:"memoryUsedKb"`
}

// FailedResult builds an error-status result carrying msg on stderr.
func FailedResult(kind ErrorKind, msg string) ExecutionResult {
	status := Failed
	switch kind {
	case KindTimeout:
		status = Timeout
	case KindForbidden:
		status = Forbidden
	}
	return ExecutionResult{Status: status, Kind: kind, Stderr: msg, ExitCode: -1}
}

// TestCase is one judged input/expected-output pair.
type TestCase struct {
	ID           string `json:"id" yaml:"id"`
	Input        string `json:"input" yaml:"input"`
	ExpectOutput string `json:"expectOutput" yaml:"expectOutput"`
	IsSample     bool   `json:"isSample" yaml:"isSample"`
	IsHidden     bool   `json:"isHidden" yaml:"isHidden"`
	Points       int    `json:"points" yaml:"points"`
	Order        int    `json:"order" yaml:"order"`
}

// Submission is a judged submission as received from the queue.
type Submission struct {
	ID              string     `json:"id"`
	Language        LanguageID `json:"language"`
	Code            string     `json:"code"`
	TimeLimitInMs   int        `json:"timeLimitInMs"`
	MemoryLimitInMb int        `json:"memoryLimitInMb"`
	TestCases       []TestCase `json:"testCases"`
}

// TestCaseResult is the per-case outcome as exposed to callers.
type TestCaseResult struct {
	TestCaseID   string        `json:"testCaseId"`
	Order        int           `json:"order"`
	IsSample     bool          `json:"isSample"`
	IsHidden     bool          `json:"isHidden"`
	Passed       bool          `json:"passed"`
	Status       Status        `json:"status"`
	Points       int           `json:"points"`
	EarnedPoints int           `json:"earnedPoints"`
	Input        string        `json:"input"`
	ExpectOutput string        `json:"expectOutput"`
	Output       string        `json:"output"`
	Error        string        `json:"error"`
	WallTime     time.Duration `json:"wallTime"`
	MemoryUsedKb int           `json:"memoryUsedKb"`
}

// ScoredSubmission is built once from the per-case results and never mutated.
type ScoredSubmission struct {
	SubmissionID string           `json:"submissionId"`
	Status       Status           `json:"status"`
	Kind         ErrorKind        `json:"kind,omitempty"`
	Error        string           `json:"error,omitempty"`
	Results      []TestCaseResult `json:"results"`
	TotalCases   int              `json:"totalCases"`
	PassedCases  int              `json:"passedCases"`
	Score        float64          `json:"score"`
	EarnedPoints int              `json:"earnedPoints"`
	TotalPoints  int              `json:"totalPoints"`
	WallTime     time.Duration    `json:"wallTime"`
	MaxMemoryKb  int              `json:"maxMemoryKb"`
	StoppedEarly bool             `json:"stoppedEarly"`
}

// Session is a pooled interactive execution context.
type Session struct {
	ID          string    `json:"id"`
	KernelType  string    `json:"kernelType"`
	AffinityKey string    `json:"affinityKey,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// InteractiveRequest asks for code to run in a pooled session.
type InteractiveRequest struct {
	Code        string `json:"code"`
	KernelType  string `json:"kernelType"`
	AffinityKey string `json:"affinityKey,omitempty"`
}

// InteractiveReply answers an InteractiveRequest over the wire.
type InteractiveReply struct {
	Result ExecutionResult `json:"result"`
	Error  string          `json:"error,omitempty"`
}

// AuditRecord is handed to external storage; Code is already masked.
type AuditRecord struct {
	SubmissionID string     `json:"submissionId"`
	Language     LanguageID `json:"language"`
	Code         string     `json:"code"`
	Status       Status     `json:"status"`
	Score        float64    `json:"score"`
	CreatedAt    time.Time  `json:"createdAt"`
}
