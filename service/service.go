// Package service assembles the stores, the tracker facade, the lifecycle
// engine, and the REST app into one runnable unit.
package service

import (
	"context"
	"net/http"
	"time"

	"github.com/evergreen-ci/gimlet"
	"github.com/evergreen-ci/ticketer"
	"github.com/evergreen-ci/ticketer/engine"
	"github.com/evergreen-ci/ticketer/metadata"
	"github.com/evergreen-ci/ticketer/model/jobconfig"
	"github.com/evergreen-ci/ticketer/model/mapping"
	"github.com/evergreen-ci/ticketer/model/testresult"
	"github.com/evergreen-ci/ticketer/rest/route"
	"github.com/evergreen-ci/ticketer/thirdparty"
	"github.com/evergreen-ci/ticketer/units"
	"github.com/mongodb/amboy"
	"github.com/mongodb/amboy/queue"
	"github.com/pkg/errors"
)

const (
	reporterWorkers   = 2
	reporterQueueSize = 256
)

// Service owns every long-lived component of the reporting system.
type Service struct {
	settings *ticketer.Settings

	mapping   *mapping.Store
	config    *jobconfig.Store
	cache     *metadata.Cache
	tracker   *thirdparty.JiraHandler
	engine    *engine.Engine
	validator *engine.Validator
	queue     amboy.Queue
}

// New wires a service from validated settings. Start must be called before
// builds can be reported.
func New(settings *ticketer.Settings) (*Service, error) {
	if err := settings.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid settings")
	}

	tracker, err := thirdparty.NewJiraHandler(thirdparty.JiraOptions{
		BaseURL:       settings.Jira.BaseURL,
		Username:      settings.Jira.Username,
		Password:      settings.Jira.Password,
		UseBearerAuth: settings.Jira.UseBearerAuth,
	})
	if err != nil {
		return nil, errors.Wrap(err, "constructing tracker client")
	}

	s := &Service{
		settings: settings,
		tracker:  tracker,
		mapping:  mapping.NewStore(settings.JobsRoot),
		cache:    metadata.NewCache(tracker),
		queue:    queue.NewLocalLimitedSize(reporterWorkers, reporterQueueSize),
	}
	s.config = jobconfig.NewStore(settings.JobsRoot, s.cache.Invalidate)
	s.engine = engine.New(s.mapping, s.config, tracker, settings)
	s.validator = engine.NewValidator(tracker, s.cache)

	return s, nil
}

// Start runs the background queue that processes reporting jobs.
func (s *Service) Start(ctx context.Context) error {
	return errors.Wrap(s.queue.Start(ctx), "starting reporting queue")
}

// Close releases the tracker's HTTP client. The service is unusable
// afterwards.
func (s *Service) Close() {
	s.tracker.Close()
}

// Handler builds the REST app handler.
func (s *Service) Handler() (http.Handler, error) {
	app := gimlet.NewApp()
	route.AttachHandlers(app, s.mapping, s.engine, s.validator)

	handler, err := app.Handler()
	return handler, errors.Wrap(err, "building REST handler")
}

// ReportBuild enqueues one completed build's test results for processing.
func (s *Service) ReportBuild(ctx context.Context, jobName, buildLabel string, env map[string]string, tests []*testresult.Snapshot) error {
	j := units.NewTestReporterJob(s.engine, s.config, jobName, buildLabel, env, tests, time.Now())
	return errors.Wrapf(s.queue.Put(ctx, j), "enqueueing reporting job for '%s'", jobName)
}

// Engine exposes the lifecycle engine for synchronous callers.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Validator exposes the configuration validation surface.
func (s *Service) Validator() *engine.Validator { return s.validator }

// ConfigStore exposes the job configuration store.
func (s *Service) ConfigStore() *jobconfig.Store { return s.config }
