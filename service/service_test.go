package service

import (
	"context"
	"testing"

	"github.com/evergreen-ci/ticketer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(root string) *ticketer.Settings {
	return &ticketer.Settings{
		Jira: ticketer.JiraSettings{
			BaseURL:  "https://jira.example.com",
			Username: "reporter",
			Password: "hunter2",
		},
		JobsRoot: root,
	}
}

func TestNewWiresAllComponents(t *testing.T) {
	svc, err := New(testSettings(t.TempDir()))
	require.NoError(t, err)
	defer svc.Close()

	assert.NotNil(t, svc.Engine())
	assert.NotNil(t, svc.Validator())
	assert.NotNil(t, svc.ConfigStore())

	handler, err := svc.Handler()
	require.NoError(t, err)
	assert.NotNil(t, handler)
}

func TestNewRejectsInvalidSettings(t *testing.T) {
	_, err := New(&ticketer.Settings{})
	assert.Error(t, err)
}

func TestReportBuildEnqueues(t *testing.T) {
	svc, err := New(testSettings(t.TempDir()))
	require.NoError(t, err)
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	// An unconfigured job makes the reporting job a no-op, so enqueueing is
	// safe without a reachable tracker.
	assert.NoError(t, svc.ReportBuild(ctx, "cart-build", "cart-build #1", nil, nil))
}
