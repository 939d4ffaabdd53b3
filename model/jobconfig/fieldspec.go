package jobconfig

import (
	jira "github.com/andygrunwald/go-jira"
	"github.com/evergreen-ci/ticketer/model/testresult"
	"github.com/pkg/errors"
	"github.com/trivago/tgo/tcontainer"
)

// Kind discriminates the FieldSpec variants. The set is closed: the tagged
// serialization in the config file dispatches on these values.
type Kind string

const (
	// KindString is a free-text field rendered through template expansion.
	KindString Kind = "string"
	// KindSelect is a field with a single predefined allowed value, stored
	// as the value's tracker-side id.
	KindSelect Kind = "select"
	// KindMultiSelect is an array field of predefined allowed values,
	// stored as their tracker-side ids.
	KindMultiSelect Kind = "multi-select"
	// KindUser is a user-reference field, stored as the tracker username.
	KindUser Kind = "user"
)

// Standard tracker field keys that live on the creation request itself
// rather than in the custom field map.
const (
	SummaryFieldKey     = "summary"
	DescriptionFieldKey = "description"
)

// FieldSpec describes the desired value of one ticket field for issue
// creation. Select variants carry ids resolved at configuration-save time
// against the metadata cache, so rendering never needs a live schema
// lookup.
type FieldSpec struct {
	Kind     Kind   `json:"kind"`
	FieldKey string `json:"field_key"`
	// Value holds the template text (string kind), the selected option id
	// (select kind), or the username (user kind).
	Value string `json:"value,omitempty"`
	// Values holds the selected option ids for the multi-select kind.
	Values []string `json:"values,omitempty"`
}

func StringField(fieldKey, template string) FieldSpec {
	return FieldSpec{Kind: KindString, FieldKey: fieldKey, Value: template}
}

func SelectField(fieldKey, optionID string) FieldSpec {
	return FieldSpec{Kind: KindSelect, FieldKey: fieldKey, Value: optionID}
}

func MultiSelectField(fieldKey string, optionIDs ...string) FieldSpec {
	return FieldSpec{Kind: KindMultiSelect, FieldKey: fieldKey, Values: optionIDs}
}

func UserField(fieldKey, username string) FieldSpec {
	return FieldSpec{Kind: KindUser, FieldKey: fieldKey, Value: username}
}

func (f FieldSpec) Validate() error {
	if f.FieldKey == "" {
		return errors.New("field key must be set")
	}
	switch f.Kind {
	case KindString, KindSelect, KindUser:
		return nil
	case KindMultiSelect:
		if len(f.Values) == 0 {
			return errors.Errorf("multi-select field '%s' has no values", f.FieldKey)
		}
		return nil
	default:
		return errors.Errorf("unknown field kind '%s'", f.Kind)
	}
}

// Render produces the wire-level value for this field. Only string fields
// consult the expander; the other variants were resolved to ids when the
// configuration was saved.
func (f FieldSpec) Render(exp *testresult.Expander) interface{} {
	switch f.Kind {
	case KindString:
		return exp.Expand(f.Value)
	case KindSelect:
		return map[string]interface{}{"id": f.Value}
	case KindMultiSelect:
		values := make([]interface{}, 0, len(f.Values))
		for _, id := range f.Values {
			values = append(values, map[string]interface{}{"id": id})
		}
		return values
	case KindUser:
		return map[string]interface{}{"name": f.Value}
	}
	return nil
}

// ApplyFields renders each spec in order into the creation request.
// Summary and description land on the request struct itself; everything
// else goes through the custom field map. Later specs override earlier ones
// with the same key, which is how job configuration overrides the global
// default templates.
func ApplyFields(fields *jira.IssueFields, specs []FieldSpec, exp *testresult.Expander) {
	for _, spec := range specs {
		rendered := spec.Render(exp)

		if text, ok := rendered.(string); ok {
			switch spec.FieldKey {
			case SummaryFieldKey:
				fields.Summary = text
				continue
			case DescriptionFieldKey:
				fields.Description = text
				continue
			}
		}

		if fields.Unknowns == nil {
			fields.Unknowns = tcontainer.NewMarshalMap()
		}
		fields.Unknowns[spec.FieldKey] = rendered
	}
}
