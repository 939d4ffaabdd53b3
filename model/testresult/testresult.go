package testresult

import (
	"fmt"
	"time"
)

// Status is the outcome of a single test case in one build.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Snapshot is an immutable view of one test case's outcome in one build,
// carrying everything ticket rendering and lifecycle decisions need. It is
// computed fresh each build by the surrounding orchestrator and never
// persisted.
type Snapshot struct {
	// ID is the stable identity of the test within its job, derived from
	// the fully qualified test name. It is the correlation key for the
	// test-to-issue mapping.
	ID string `json:"id"`

	Name        string `json:"name"`
	ClassName   string `json:"class_name"`
	PackageName string `json:"package_name"`

	Status Status `json:"status"`
	// PreviousFailed reports whether the immediately preceding build's
	// result for this test was a failure.
	PreviousFailed bool `json:"previous_failed"`
	// Regression reports whether this result is a new failure after a pass.
	Regression bool `json:"regression"`

	// Age is the number of consecutive builds this test has been failing,
	// starting at 1 for a fresh failure. Zero when passing.
	Age         int `json:"age"`
	FailedSince int `json:"failed_since"`

	PassCount int `json:"pass_count"`
	FailCount int `json:"fail_count"`
	SkipCount int `json:"skip_count"`

	Duration time.Duration `json:"duration"`

	ErrorDetails string `json:"error_details"`
	StackTrace   string `json:"stack_trace"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`

	// BuildResult is the overall result of the build that produced this
	// snapshot, as reported by the CI orchestrator (e.g. "SUCCESS",
	// "UNSTABLE", "FAILURE").
	BuildResult string `json:"build_result"`
}

func (s *Snapshot) Failed() bool  { return s.Status == StatusFailed }
func (s *Snapshot) Passed() bool  { return s.Status == StatusPassed }
func (s *Snapshot) Skipped() bool { return s.Status == StatusSkipped }

// ResolvedPass reports whether this result is a pass that ends a failure
// streak, which is the only situation in which linked tickets are resolved.
func (s *Snapshot) ResolvedPass() bool {
	return s.Passed() && s.PreviousFailed
}

// FullName is the fully qualified display name, class plus method.
func (s *Snapshot) FullName() string {
	if s.ClassName == "" {
		return s.Name
	}
	return fmt.Sprintf("%s.%s", s.ClassName, s.Name)
}
