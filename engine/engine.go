// Package engine implements the issue lifecycle for test failures: raising
// tickets for failing tests, resolving them when tests recover, and keeping
// the per-job test-to-issue mapping consistent with the tracker.
package engine

import (
	"fmt"
	"io"
	"strings"

	jira "github.com/andygrunwald/go-jira"
	"github.com/evergreen-ci/ticketer"
	"github.com/evergreen-ci/ticketer/model/jobconfig"
	"github.com/evergreen-ci/ticketer/model/mapping"
	"github.com/evergreen-ci/ticketer/model/testresult"
	"github.com/evergreen-ci/ticketer/util"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const maxSearchResults = 50

// searchFields are the only issue fields duplicate detection needs.
var searchFields = []string{"summary", "status", "resolution", "issuetype", "created", "updated", "project"}

// Tracker is the engine's view of the issue tracker. Implemented by
// thirdparty.JiraHandler.
type Tracker interface {
	CreateIssue(fields *jira.IssueFields) (string, error)
	GetIssue(key string) (*jira.Issue, error)
	GetTransitions(key string) ([]jira.Transition, error)
	ExecuteTransition(key, transitionID, comment string) error
	AddAttachment(key, filename string, content io.Reader) error
	SearchJQL(jql string, fields []string, maxResults int) ([]jira.Issue, error)
	DeleteIssue(key string) error
	GetProject(projectKey string) (*jira.Project, error)
	CurrentUser() (*jira.User, error)
}

// Engine coordinates the mapping store, the job configuration store, and the
// tracker. All lifecycle operations for the same test identity are mutually
// exclusive, so concurrent builds of a job cannot double-raise a ticket for
// one test.
type Engine struct {
	mapping  *mapping.Store
	config   *jobconfig.Store
	tracker  Tracker
	settings *ticketer.Settings

	testLock *util.KeyedMutex
}

func New(mappingStore *mapping.Store, configStore *jobconfig.Store, tracker Tracker, settings *ticketer.Settings) *Engine {
	return &Engine{
		mapping:  mappingStore,
		config:   configStore,
		tracker:  tracker,
		settings: settings,
		testLock: util.NewKeyedMutex(),
	}
}

func (e *Engine) expander(test *testresult.Snapshot, env map[string]string) *testresult.Expander {
	return testresult.NewExpander(test, env).
		WithDefaultTemplates(e.settings.SummaryTemplate(), e.settings.DescriptionTemplate())
}

// renderFields builds the creation request for one failing test from the
// job's configured field specs.
func (e *Engine) renderFields(entry *jobconfig.Entry, test *testresult.Snapshot, env map[string]string) *jira.IssueFields {
	fields := &jira.IssueFields{
		Project: jira.Project{Key: entry.ProjectKey},
		Type:    jira.IssueType{ID: entry.IssueType},
	}
	jobconfig.ApplyFields(fields, entry.Fields, e.expander(test, env))
	return fields
}

// Raise ensures the failing test is tracked by a ticket and returns its key.
// A test that already has a link is left alone. Before creating, the tracker
// is searched for an unresolved ticket in the job's project whose summary
// matches the rendered summary exactly; a match is linked instead of
// creating a duplicate. Tracker failures abort the operation; the caller
// should stop the batch and report the configuration for review.
func (e *Engine) Raise(job string, test *testresult.Snapshot, env map[string]string) (string, error) {
	entry, ok := e.config.Get(job)
	if !ok {
		return "", errors.Errorf("job '%s' has no reporting configuration", job)
	}

	e.testLock.Lock(test.ID)
	defer e.testLock.Unlock(test.ID)

	if key, linked := e.mapping.Lookup(job, test.ID); linked {
		grip.Debug(message.Fields{
			"message": "test already linked to an issue, not raising",
			"job":     job,
			"test":    test.ID,
			"issue":   key,
		})
		return key, nil
	}

	fields := e.renderFields(entry, test, env)

	key, err := e.findUnresolvedDuplicate(entry.ProjectKey, fields.Summary)
	if err != nil {
		return "", errors.Wrap(err, "searching for duplicate issues")
	}
	if key != "" {
		grip.Info(message.Fields{
			"message": "found unresolved issue with identical summary, linking instead of creating",
			"job":     job,
			"test":    test.ID,
			"issue":   key,
		})
		e.link(job, test.ID, key)
		return key, nil
	}

	key, err = e.tracker.CreateIssue(fields)
	if err != nil {
		return "", errors.Wrapf(err, "raising issue for test '%s'", test.ID)
	}
	e.link(job, test.ID, key)
	e.attachArtifacts(key, test)

	grip.Info(message.Fields{
		"message": "raised issue for failing test",
		"job":     job,
		"test":    test.ID,
		"issue":   key,
	})
	return key, nil
}

// searchUnresolved runs the open-ticket text search for the rendered summary
// in the job's project.
func (e *Engine) searchUnresolved(projectKey, summary string) ([]jira.Issue, error) {
	jql := fmt.Sprintf(`resolution = "unresolved" and project = "%s" and text ~ "%s"`,
		projectKey, escapeJQL(summary))

	return e.tracker.SearchJQL(jql, searchFields, maxSearchResults)
}

// findUnresolvedDuplicate searches the project for an open ticket whose
// summary is exactly the rendered summary. The text search is fuzzy, so the
// candidates are filtered by exact match afterwards.
func (e *Engine) findUnresolvedDuplicate(projectKey, summary string) (string, error) {
	issues, err := e.searchUnresolved(projectKey, summary)
	if err != nil {
		return "", err
	}
	for _, issue := range issues {
		if issue.Fields != nil && issue.Fields.Summary == summary {
			return issue.Key, nil
		}
	}
	return "", nil
}

// link records the association. Persistence failures are logged, not
// surfaced: the link exists in memory and the ticket exists in the tracker,
// so failing the raise would only cause a duplicate on retry.
func (e *Engine) link(job, testID, issueKey string) {
	grip.Error(message.WrapError(e.mapping.Link(job, testID, issueKey), message.Fields{
		"message": "could not persist test-issue link",
		"job":     job,
		"test":    testID,
		"issue":   issueKey,
	}))
}

// attachArtifacts uploads the test's captured output to the ticket. Each
// attachment is best effort and skipped when blank.
func (e *Engine) attachArtifacts(issueKey string, test *testresult.Snapshot) {
	for _, artifact := range []struct {
		name    string
		content string
	}{
		{name: "stderr.out", content: test.Stderr},
		{name: "stdout.out", content: test.Stdout},
		{name: "stacktrace.out", content: test.StackTrace},
		{name: "details.out", content: test.ErrorDetails},
	} {
		if strings.TrimSpace(artifact.content) == "" {
			continue
		}
		grip.Warning(message.WrapError(
			e.tracker.AddAttachment(issueKey, artifact.name, strings.NewReader(artifact.content)),
			message.Fields{
				"message":    "could not attach test output to issue",
				"issue":      issueKey,
				"attachment": artifact.name,
			}))
	}
}

// Resolve transitions the ticket(s) tracking the test when the test has
// recovered, i.e. it passes now after failing in the previous build. The
// stored link is preferred; without one, candidates are found by summary
// search. A ticket whose workflow offers no resolving transition is logged
// and left open.
func (e *Engine) Resolve(job string, test *testresult.Snapshot, env map[string]string, buildLabel string) error {
	if !test.ResolvedPass() {
		return nil
	}

	entry, ok := e.config.Get(job)
	if !ok {
		return errors.Errorf("job '%s' has no reporting configuration", job)
	}

	e.testLock.Lock(test.ID)
	defer e.testLock.Unlock(test.ID)

	var keys []string
	if key, linked := e.mapping.Lookup(job, test.ID); linked {
		keys = []string{key}
	} else {
		// Without a stored link the search is the only record, so every
		// ticket it returns is resolved, not just the first.
		fields := e.renderFields(entry, test, env)
		issues, err := e.searchUnresolved(entry.ProjectKey, fields.Summary)
		if err != nil {
			return errors.Wrap(err, "searching for issues to resolve")
		}
		for _, issue := range issues {
			keys = append(keys, issue.Key)
		}
	}

	for _, key := range keys {
		if err := e.resolveIssue(job, test.ID, key, buildLabel); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveIssue(job, testID, issueKey, buildLabel string) error {
	transitions, err := e.tracker.GetTransitions(issueKey)
	if err != nil {
		return errors.Wrapf(err, "fetching transitions for issue '%s'", issueKey)
	}

	var transition *jira.Transition
	for i := range transitions {
		if strings.Contains(strings.ToLower(transitions[i].Name), "resolve") {
			transition = &transitions[i]
			break
		}
	}
	if transition == nil {
		grip.Info(message.Fields{
			"message": "no resolving transition available for issue, leaving it open",
			"job":     job,
			"test":    testID,
			"issue":   issueKey,
		})
		return nil
	}

	comment := ""
	if buildLabel != "" {
		comment = fmt.Sprintf("Test is passing again, resolved by build %s.", buildLabel)
	}
	if err := e.tracker.ExecuteTransition(issueKey, transition.ID, comment); err != nil {
		return errors.Wrapf(err, "resolving issue '%s'", issueKey)
	}

	grip.Info(message.Fields{
		"message":    "resolved issue for recovered test",
		"job":        job,
		"test":       testID,
		"issue":      issueKey,
		"transition": transition.Name,
	})
	return nil
}

// UnlinkPassed drops the link of a passing test without touching the ticket,
// and reports whether a link was removed. Used when the job prefers to
// forget tickets rather than resolve them.
func (e *Engine) UnlinkPassed(job string, test *testresult.Snapshot) bool {
	if !test.Passed() {
		return false
	}

	e.testLock.Lock(test.ID)
	defer e.testLock.Unlock(test.ID)

	key, linked := e.mapping.Lookup(job, test.ID)
	if !linked {
		return false
	}

	grip.Error(message.WrapError(e.mapping.Unlink(job, test.ID, key), message.Fields{
		"message": "could not persist test-issue unlink",
		"job":     job,
		"test":    test.ID,
		"issue":   key,
	}))
	grip.Info(message.Fields{
		"message": "unlinked issue from passing test",
		"job":     job,
		"test":    test.ID,
		"issue":   key,
	})
	return true
}

// CleanResolvedLinks drops links from still-failing tests to tickets that
// were resolved in the tracker, so the next raise opens a fresh ticket
// instead of silently pointing at a closed one. All candidate tickets are
// checked in a single batched query. Returns the number of links removed.
func (e *Engine) CleanResolvedLinks(job string, tests []*testresult.Snapshot) (int, error) {
	byIssue := map[string]string{}
	keys := []string{}
	for _, test := range tests {
		if !test.Failed() {
			continue
		}
		if key, linked := e.mapping.Lookup(job, test.ID); linked {
			byIssue[key] = test.ID
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}

	jql := fmt.Sprintf(`key in (%s) and resolution != "unresolved"`, strings.Join(keys, ","))
	issues, err := e.tracker.SearchJQL(jql, []string{"resolution"}, len(keys))
	if err != nil {
		return 0, errors.Wrap(err, "searching for resolved issues")
	}

	removed := 0
	for _, issue := range issues {
		testID, ok := byIssue[issue.Key]
		if !ok {
			continue
		}

		e.testLock.Lock(testID)
		grip.Error(message.WrapError(e.mapping.Unlink(job, testID, issue.Key), message.Fields{
			"message": "could not persist removal of resolved link",
			"job":     job,
			"test":    testID,
			"issue":   issue.Key,
		}))
		e.testLock.Unlock(testID)
		removed++

		grip.Info(message.Fields{
			"message": "dropped link to resolved issue",
			"job":     job,
			"test":    testID,
			"issue":   issue.Key,
		})
	}
	return removed, nil
}

// LinkManually associates an existing ticket with a test on a user's behalf.
// The key must match the job's project and name a ticket the tracker knows.
func (e *Engine) LinkManually(job, testID, issueKey string) error {
	pattern := e.config.IssueKeyPattern(job)
	if pattern == nil {
		return errors.Errorf("job '%s' has no reporting configuration", job)
	}
	if !pattern.MatchString(issueKey) {
		return errors.Errorf("issue key '%s' does not match pattern '%s'", issueKey, pattern.String())
	}
	if _, err := e.tracker.GetIssue(issueKey); err != nil {
		return errors.Wrapf(err, "verifying issue '%s' exists", issueKey)
	}

	e.testLock.Lock(testID)
	defer e.testLock.Unlock(testID)
	return errors.Wrap(e.mapping.Link(job, testID, issueKey), "persisting manual link")
}

// UnlinkManually removes a test's link on a user's behalf, regardless of the
// test's current status. A no-op when the test has no link.
func (e *Engine) UnlinkManually(job, testID string) error {
	e.testLock.Lock(testID)
	defer e.testLock.Unlock(testID)

	key, linked := e.mapping.Lookup(job, testID)
	if !linked {
		return nil
	}
	return errors.Wrap(e.mapping.Unlink(job, testID, key), "persisting manual unlink")
}
