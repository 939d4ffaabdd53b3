package units

import (
	"context"
	"fmt"
	"time"

	"github.com/evergreen-ci/ticketer/engine"
	"github.com/evergreen-ci/ticketer/model/jobconfig"
	"github.com/evergreen-ci/ticketer/model/testresult"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/dependency"
	"github.com/mongodb/amboy/job"
	"github.com/mongodb/amboy/registry"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const testReporterJobName = "test-issue-reporter"

// TSFormat is the timestamp layout used in job ids.
const TSFormat = "2006-01-02.15-04-05"

func init() {
	registry.AddJobType(testReporterJobName, func() amboy.Job {
		return makeTestReporterJob()
	})
}

// testReporterJob processes one build's test results for one job: it cleans
// stale links, raises tickets for failures, resolves tickets for recoveries,
// and unlinks passing tests, each gated by the job's configuration flags.
type testReporterJob struct {
	job.Base `bson:"metadata" json:"metadata" yaml:"metadata"`

	JobName    string                 `bson:"job_name" json:"job_name" yaml:"job_name"`
	BuildLabel string                 `bson:"build_label" json:"build_label" yaml:"build_label"`
	Env        map[string]string      `bson:"env" json:"env" yaml:"env"`
	Tests      []*testresult.Snapshot `bson:"tests" json:"tests" yaml:"tests"`

	engine *engine.Engine
	config *jobconfig.Store
}

func makeTestReporterJob() *testReporterJob {
	j := &testReporterJob{
		Base: job.Base{
			JobType: amboy.JobType{
				Name:    testReporterJobName,
				Version: 0,
			},
		},
	}

	j.SetDependency(dependency.NewAlways())

	return j
}

// NewTestReporterJob builds a reporting job for one completed build.
func NewTestReporterJob(eng *engine.Engine, config *jobconfig.Store, jobName, buildLabel string, env map[string]string, tests []*testresult.Snapshot, ts time.Time) amboy.Job {
	j := makeTestReporterJob()
	j.SetID(fmt.Sprintf("%s.%s.%s", testReporterJobName, jobName, ts.Format(TSFormat)))
	j.engine = eng
	j.config = config
	j.JobName = jobName
	j.BuildLabel = buildLabel
	j.Env = env
	j.Tests = tests
	return j
}

func (j *testReporterJob) Run(ctx context.Context) {
	defer j.MarkComplete()
	startAt := time.Now()

	if j.engine == nil || j.config == nil {
		j.AddError(errors.New("reporting job is missing its engine or configuration store"))
		return
	}

	entry, ok := j.config.Get(j.JobName)
	if !ok {
		grip.Debug(message.Fields{
			"job_type": testReporterJobName,
			"job_id":   j.ID(),
			"message":  "job has no reporting configuration, nothing to do",
			"job":      j.JobName,
		})
		return
	}

	var raised, resolved, unlinked, cleaned int

	// Stale links are removed first so that raising can open fresh tickets
	// for failures whose previous ticket was resolved in the tracker.
	if entry.OverrideResolved {
		n, err := j.engine.CleanResolvedLinks(j.JobName, j.Tests)
		if err != nil {
			j.abort(err)
			return
		}
		cleaned = n
	}

	for _, test := range j.Tests {
		if ctx.Err() != nil {
			j.AddError(errors.Wrap(ctx.Err(), "reporting aborted"))
			break
		}

		// The flag gates are independent: a recovered test is both a
		// resolution candidate and a pass, so with auto-resolve and
		// auto-unlink enabled it gets its ticket resolved and its link
		// removed in the same run.
		if test.Failed() && entry.AutoRaise {
			if _, err := j.engine.Raise(j.JobName, test, j.Env); err != nil {
				j.abort(err)
				return
			}
			raised++
		}
		if test.ResolvedPass() && entry.AutoResolve {
			if err := j.engine.Resolve(j.JobName, test, j.Env, j.BuildLabel); err != nil {
				j.abort(err)
				return
			}
			resolved++
		}
		if test.Passed() && entry.AutoUnlink {
			if j.engine.UnlinkPassed(j.JobName, test) {
				unlinked++
			}
		}
	}

	grip.Info(message.Fields{
		"job_type":      testReporterJobName,
		"job_id":        j.ID(),
		"message":       "finished reporting test results",
		"job":           j.JobName,
		"build":         j.BuildLabel,
		"tests":         len(j.Tests),
		"raised":        raised,
		"resolved":      resolved,
		"unlinked":      unlinked,
		"cleaned":       cleaned,
		"has_errors":    j.HasErrors(),
		"total_seconds": time.Since(startAt).Seconds(),
	})
}

// abort records the error and stops the batch. Tracker failures are almost
// always systemic (bad credentials, wrong base URL, tracker down), so
// continuing per test would only repeat the same failure.
func (j *testReporterJob) abort(err error) {
	j.AddError(err)
	grip.Error(message.WrapError(err, message.Fields{
		"job_type": testReporterJobName,
		"job_id":   j.ID(),
		"message":  "could not reach the issue tracker, please review the reporting configuration",
		"job":      j.JobName,
		"build":    j.BuildLabel,
	}))
}
