package testresult

import (
	"regexp"
	"strconv"
	"strings"
)

// Template placeholders look like ${NAME}. Resolution order: environment
// variables first, then the built-in variables below. Unknown names are left
// in the text untouched so that template typos are visible in the rendered
// ticket instead of silently vanishing.
var placeholderRegexp = regexp.MustCompile(`\$\{(\w+)\}`)

// Built-in variable names understood by Expand.
const (
	VarCRLF                       = "CRLF"
	VarTestName                   = "TEST_NAME"
	VarTestFullName               = "TEST_FULL_NAME"
	VarTestPackageName            = "TEST_PACKAGE_NAME"
	VarTestPackageClassMethodName = "TEST_PACKAGE_CLASS_METHOD_NAME"
	VarTestErrorDetails           = "TEST_ERROR_DETAILS"
	VarTestStackTrace             = "TEST_STACK_TRACE"
	VarTestStdout                 = "TEST_STDOUT"
	VarTestStderr                 = "TEST_STDERR"
	VarTestDuration               = "TEST_DURATION"
	VarTestResult                 = "TEST_RESULT"
	VarTestAge                    = "TEST_AGE"
	VarTestPassCount              = "TEST_PASS_COUNT"
	VarTestFailCount              = "TEST_FAIL_COUNT"
	VarTestSkippedCount           = "TEST_SKIPPED_COUNT"
	VarTestFailSince              = "TEST_FAIL_SINCE"
	VarTestIsRegression           = "TEST_IS_REGRESSION"
	VarBuildResult                = "BUILD_RESULT"
	VarDefaultSummary             = "DEFAULT_SUMMARY"
	VarDefaultDescription         = "DEFAULT_DESCRIPTION"
)

// Expander renders ${NAME} templates against one test snapshot and a set of
// environment variables. Expansion is pure: the same inputs always produce
// the same output, and the expander never mutates its snapshot.
type Expander struct {
	test *Snapshot
	env  map[string]string

	defaultSummary     string
	defaultDescription string

	// indirectionDepth guards the DEFAULT_SUMMARY/DEFAULT_DESCRIPTION
	// built-ins: the configured default templates are re-expanded exactly
	// one level deep, so a default template referencing itself renders the
	// placeholder literally instead of recursing.
	indirectionDepth int
}

// NewExpander builds an expander for one test snapshot. The snapshot may be
// nil, in which case built-ins expand to empty strings.
func NewExpander(test *Snapshot, env map[string]string) *Expander {
	return &Expander{test: test, env: env}
}

// WithDefaultTemplates supplies the globally configured default summary and
// description templates backing the DEFAULT_SUMMARY and DEFAULT_DESCRIPTION
// built-ins.
func (e *Expander) WithDefaultTemplates(summary, description string) *Expander {
	e.defaultSummary = summary
	e.defaultDescription = description
	return e
}

// Expand substitutes every resolvable ${NAME} placeholder in template.
func (e *Expander) Expand(template string) string {
	return placeholderRegexp.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := e.env[name]; ok {
			return val
		}
		if val, ok := e.builtin(name); ok {
			return val
		}
		return match
	})
}

func (e *Expander) builtin(name string) (string, bool) {
	if name == VarCRLF {
		return "\n", true
	}

	if name == VarDefaultSummary || name == VarDefaultDescription {
		if e.indirectionDepth > 0 {
			return "", false
		}
		inner := *e
		inner.indirectionDepth++
		if name == VarDefaultSummary {
			return inner.Expand(e.defaultSummary), true
		}
		return inner.Expand(e.defaultDescription), true
	}

	if e.test == nil {
		return "", e.isKnown(name)
	}

	switch name {
	case VarTestName:
		return e.test.Name, true
	case VarTestFullName:
		return e.test.FullName(), true
	case VarTestPackageName:
		return e.test.PackageName, true
	case VarTestPackageClassMethodName:
		return e.test.FullName(), true
	case VarTestErrorDetails:
		return e.test.ErrorDetails, true
	case VarTestStackTrace:
		return e.test.StackTrace, true
	case VarTestStdout:
		return e.test.Stdout, true
	case VarTestStderr:
		return e.test.Stderr, true
	case VarTestDuration:
		return e.test.Duration.String(), true
	case VarTestResult:
		return strings.ToUpper(string(e.test.Status)), true
	case VarTestAge:
		return strconv.Itoa(e.test.Age), true
	case VarTestPassCount:
		return strconv.Itoa(e.test.PassCount), true
	case VarTestFailCount:
		return strconv.Itoa(e.test.FailCount), true
	case VarTestSkippedCount:
		return strconv.Itoa(e.test.SkipCount), true
	case VarTestFailSince:
		return strconv.Itoa(e.test.FailedSince), true
	case VarTestIsRegression:
		return strconv.FormatBool(e.test.Regression), true
	case VarBuildResult:
		return e.test.BuildResult, true
	}
	return "", false
}

func (e *Expander) isKnown(name string) bool {
	switch name {
	case VarTestName, VarTestFullName, VarTestPackageName, VarTestPackageClassMethodName,
		VarTestErrorDetails, VarTestStackTrace, VarTestStdout, VarTestStderr,
		VarTestDuration, VarTestResult, VarTestAge, VarTestPassCount, VarTestFailCount,
		VarTestSkippedCount, VarTestFailSince, VarTestIsRegression, VarBuildResult:
		return true
	}
	return false
}
