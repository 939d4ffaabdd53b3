package engine

import (
	jira "github.com/andygrunwald/go-jira"
	"github.com/evergreen-ci/ticketer/metadata"
	"github.com/evergreen-ci/ticketer/model/jobconfig"
	"github.com/evergreen-ci/ticketer/model/testresult"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

// Validator backs the configuration surface: connection checks, project and
// issue type discovery, option resolution, and the creation dry run.
type Validator struct {
	tracker Tracker
	cache   *metadata.Cache
}

func NewValidator(tracker Tracker, cache *metadata.Cache) *Validator {
	return &Validator{tracker: tracker, cache: cache}
}

// ValidateConnection verifies connectivity and credentials in one request
// and returns the authenticated user's display name.
func (v *Validator) ValidateConnection() (string, error) {
	user, err := v.tracker.CurrentUser()
	if err != nil {
		return "", errors.Wrap(err, "validating tracker connection")
	}
	if user.DisplayName != "" {
		return user.DisplayName, nil
	}
	return user.Name, nil
}

// ValidateProjectKey verifies the project exists and is visible to the
// configured credentials, returning its display name.
func (v *Validator) ValidateProjectKey(projectKey string) (string, error) {
	project, err := v.tracker.GetProject(projectKey)
	if err != nil {
		return "", errors.Wrapf(err, "validating project key '%s'", projectKey)
	}
	return project.Name, nil
}

// ListIssueTypes returns the issue types creatable in the project.
func (v *Validator) ListIssueTypes(projectKey string) ([]jira.IssueType, error) {
	project, err := v.tracker.GetProject(projectKey)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching issue types for project '%s'", projectKey)
	}
	return project.IssueTypes, nil
}

// ResolveSelections translates the human-readable option labels of select
// and multi-select field specs into tracker-side ids, using the cached
// creation schema. Called once when a job configuration is saved, so ticket
// rendering never needs a live schema lookup. Ids pass through unchanged, so
// re-saving an already resolved configuration is stable.
func (v *Validator) ResolveSelections(projectKey, issueTypeID string, specs []jobconfig.FieldSpec) ([]jobconfig.FieldSpec, error) {
	needsSchema := false
	for _, spec := range specs {
		if spec.Kind == jobconfig.KindSelect || spec.Kind == jobconfig.KindMultiSelect {
			needsSchema = true
			break
		}
	}
	if !needsSchema {
		return specs, nil
	}

	schema, ok := v.cache.Get(projectKey, issueTypeID)
	if !ok {
		return nil, errors.Errorf("creation schema for project '%s' issue type '%s' is unavailable", projectKey, issueTypeID)
	}

	resolved := make([]jobconfig.FieldSpec, 0, len(specs))
	for _, spec := range specs {
		switch spec.Kind {
		case jobconfig.KindSelect:
			id, ok := schema.ResolveOption(spec.FieldKey, spec.Value)
			if !ok {
				return nil, errors.Errorf("field '%s' has no option '%s'", spec.FieldKey, spec.Value)
			}
			spec.Value = id
		case jobconfig.KindMultiSelect:
			ids := make([]string, 0, len(spec.Values))
			for _, value := range spec.Values {
				id, ok := schema.ResolveOption(spec.FieldKey, value)
				if !ok {
					return nil, errors.Errorf("field '%s' has no option '%s'", spec.FieldKey, value)
				}
				ids = append(ids, id)
			}
			spec.Values = ids
		}
		resolved = append(resolved, spec)
	}
	return resolved, nil
}

// DryRunFieldConfig validates a field configuration end to end by creating a
// throwaway ticket with it and deleting the ticket again. A creation failure
// is the validation error; a deletion failure only leaves debris behind and
// is logged rather than failing the otherwise successful validation.
func (v *Validator) DryRunFieldConfig(projectKey, issueTypeID string, specs []jobconfig.FieldSpec) error {
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return errors.Wrap(err, "invalid field spec")
		}
	}

	fields := &jira.IssueFields{
		Project:     jira.Project{Key: projectKey},
		Type:        jira.IssueType{ID: issueTypeID},
		Summary:     "Test summary",
		Description: "Test description",
	}
	jobconfig.ApplyFields(fields, specs, testresult.NewExpander(nil, nil))

	key, err := v.tracker.CreateIssue(fields)
	if err != nil {
		return errors.Wrap(err, "field configuration rejected by tracker")
	}

	grip.Warning(message.WrapError(v.tracker.DeleteIssue(key), message.Fields{
		"message": "could not delete dry-run issue, it needs manual cleanup",
		"issue":   key,
	}))
	return nil
}
