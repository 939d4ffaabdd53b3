package engine

import (
	"testing"

	jira "github.com/andygrunwald/go-jira"
	"github.com/evergreen-ci/ticketer/metadata"
	"github.com/evergreen-ci/ticketer/model/jobconfig"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMetaFetcher struct {
	meta  *jira.MetaIssueType
	err   error
	calls int
}

func (f *fakeMetaFetcher) CreateMeta(projectKey, issueTypeID string) (*jira.MetaIssueType, error) {
	f.calls++
	return f.meta, f.err
}

func selectSchema() *jira.MetaIssueType {
	return &jira.MetaIssueType{
		Id: "3",
		Fields: map[string]interface{}{
			"priority": map[string]interface{}{
				"name":   "Priority",
				"schema": map[string]interface{}{"type": "priority"},
				"allowedValues": []interface{}{
					map[string]interface{}{"id": "10001", "name": "High"},
					map[string]interface{}{"id": "10002", "name": "Low"},
				},
			},
			"components": map[string]interface{}{
				"name":   "Components",
				"schema": map[string]interface{}{"type": "array"},
				"allowedValues": []interface{}{
					map[string]interface{}{"id": "10100", "value": "checkout"},
					map[string]interface{}{"id": "10101", "value": "billing"},
				},
			},
		},
	}
}

func TestValidateConnection(t *testing.T) {
	tracker := newFakeTracker()
	validator := NewValidator(tracker, metadata.NewCache(&fakeMetaFetcher{}))

	_, err := validator.ValidateConnection()
	assert.Error(t, err)

	tracker.user = &jira.User{Name: "jdoe", DisplayName: "Jane Doe"}
	name, err := validator.ValidateConnection()
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", name)
}

func TestValidateProjectKey(t *testing.T) {
	tracker := newFakeTracker()
	validator := NewValidator(tracker, metadata.NewCache(&fakeMetaFetcher{}))

	_, err := validator.ValidateProjectKey("PROJ")
	assert.Error(t, err)

	tracker.project = &jira.Project{
		Key:  "PROJ",
		Name: "Checkout Project",
		IssueTypes: []jira.IssueType{
			{ID: "1", Name: "Bug"},
			{ID: "3", Name: "Task"},
		},
	}

	name, err := validator.ValidateProjectKey("PROJ")
	require.NoError(t, err)
	assert.Equal(t, "Checkout Project", name)

	types, err := validator.ListIssueTypes("PROJ")
	require.NoError(t, err)
	assert.Len(t, types, 2)
}

func TestResolveSelectionsTranslatesLabels(t *testing.T) {
	cache := metadata.NewCache(&fakeMetaFetcher{meta: selectSchema()})
	validator := NewValidator(newFakeTracker(), cache)

	resolved, err := validator.ResolveSelections("PROJ", "3", []jobconfig.FieldSpec{
		jobconfig.StringField("summary", "${DEFAULT_SUMMARY}"),
		jobconfig.SelectField("priority", "High"),
		jobconfig.MultiSelectField("components", "checkout", "billing"),
	})
	require.NoError(t, err)

	assert.Equal(t, "${DEFAULT_SUMMARY}", resolved[0].Value)
	assert.Equal(t, "10001", resolved[1].Value)
	assert.Equal(t, []string{"10100", "10101"}, resolved[2].Values)
}

func TestResolveSelectionsAcceptsIDs(t *testing.T) {
	cache := metadata.NewCache(&fakeMetaFetcher{meta: selectSchema()})
	validator := NewValidator(newFakeTracker(), cache)

	// Re-saving an already resolved configuration must be stable.
	resolved, err := validator.ResolveSelections("PROJ", "3", []jobconfig.FieldSpec{
		jobconfig.SelectField("priority", "10002"),
	})
	require.NoError(t, err)
	assert.Equal(t, "10002", resolved[0].Value)
}

func TestResolveSelectionsUnknownOption(t *testing.T) {
	cache := metadata.NewCache(&fakeMetaFetcher{meta: selectSchema()})
	validator := NewValidator(newFakeTracker(), cache)

	_, err := validator.ResolveSelections("PROJ", "3", []jobconfig.FieldSpec{
		jobconfig.SelectField("priority", "Blocker"),
	})
	assert.Error(t, err)
}

func TestResolveSelectionsWithoutSchema(t *testing.T) {
	cache := metadata.NewCache(&fakeMetaFetcher{err: errors.New("tracker down")})
	validator := NewValidator(newFakeTracker(), cache)

	// String-only configurations never need the schema.
	specs := []jobconfig.FieldSpec{jobconfig.StringField("summary", "x")}
	resolved, err := validator.ResolveSelections("PROJ", "3", specs)
	require.NoError(t, err)
	assert.Equal(t, specs, resolved)

	_, err = validator.ResolveSelections("PROJ", "3", []jobconfig.FieldSpec{
		jobconfig.SelectField("priority", "High"),
	})
	assert.Error(t, err)
}

func TestDryRunFieldConfig(t *testing.T) {
	tracker := newFakeTracker()
	validator := NewValidator(tracker, metadata.NewCache(&fakeMetaFetcher{}))

	require.NoError(t, validator.DryRunFieldConfig("PROJ", "3", []jobconfig.FieldSpec{
		jobconfig.SelectField("priority", "10001"),
	}))

	// The throwaway ticket was created and deleted again.
	require.Len(t, tracker.created, 1)
	assert.Equal(t, "Test summary", tracker.created[0].Summary)
	assert.Equal(t, map[string]interface{}{"id": "10001"}, tracker.created[0].Unknowns["priority"])
	assert.Equal(t, []string{"PROJ-1"}, tracker.deleted)
}

func TestDryRunFieldConfigCreationFailure(t *testing.T) {
	tracker := newFakeTracker()
	tracker.createErr = errors.New("field 'priority' cannot be set")
	validator := NewValidator(tracker, metadata.NewCache(&fakeMetaFetcher{}))

	err := validator.DryRunFieldConfig("PROJ", "3", nil)
	assert.Error(t, err)
	assert.Empty(t, tracker.deleted)
}

func TestDryRunFieldConfigRejectsInvalidSpecs(t *testing.T) {
	tracker := newFakeTracker()
	validator := NewValidator(tracker, metadata.NewCache(&fakeMetaFetcher{}))

	err := validator.DryRunFieldConfig("PROJ", "3", []jobconfig.FieldSpec{{Kind: "bogus", FieldKey: "x"}})
	assert.Error(t, err)
	assert.Empty(t, tracker.created)
}
