// Package metadata caches the tracker's creation-field schema per
// (project, issue type) pair, so configuration UIs and option resolution
// never trigger repeated schema queries.
package metadata

import (
	"sync"

	jira "github.com/andygrunwald/go-jira"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
)

// MetaFetcher supplies the raw creation metadata for one (project, issue
// type) pair. Implemented by thirdparty.JiraHandler.
type MetaFetcher interface {
	CreateMeta(projectKey, issueTypeID string) (*jira.MetaIssueType, error)
}

// Field identifies one assignable ticket field.
type Field struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// AllowedValue is one selectable option of an enumerated field.
type AllowedValue struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// SchemaEntry is the cached schema snapshot for one (project, issue type)
// pair, partitioned by what kind of field spec can target each field.
type SchemaEntry struct {
	StringFields      []Field
	SelectFields      []Field
	MultiSelectFields []Field
	UserFields        []Field

	// AllowedValues maps enumerated field keys to their options.
	AllowedValues map[string][]AllowedValue
}

// ResolveOption translates a human-readable option label into its
// tracker-side id for the given field. Looking up an id directly also
// succeeds, so already resolved configurations revalidate cleanly.
func (e *SchemaEntry) ResolveOption(fieldKey, label string) (string, bool) {
	for _, value := range e.AllowedValues[fieldKey] {
		if value.Label == label || value.ID == label {
			return value.ID, true
		}
	}
	return "", false
}

type cacheKey struct {
	projectKey  string
	issueTypeID string
}

// Cache memoizes schema snapshots. Entries live until explicitly
// invalidated, which the job configuration store does on every save for
// the saved (project, issue type) pair.
type Cache struct {
	fetcher MetaFetcher

	mu      sync.Mutex
	entries map[cacheKey]*SchemaEntry
}

func NewCache(fetcher MetaFetcher) *Cache {
	return &Cache{
		fetcher: fetcher,
		entries: map[cacheKey]*SchemaEntry{},
	}
}

// Get returns the schema snapshot for the pair, querying the tracker on a
// miss. A failed schema query is not fatal: it logs a warning and reports
// no entry, which callers must treat as "no fields selectable".
func (c *Cache) Get(projectKey, issueTypeID string) (*SchemaEntry, bool) {
	key := cacheKey{projectKey: projectKey, issueTypeID: issueTypeID}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		return entry, true
	}

	meta, err := c.fetcher.CreateMeta(projectKey, issueTypeID)
	if err != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message":    "could not fetch creation metadata, field pickers will be empty",
			"project":    projectKey,
			"issue_type": issueTypeID,
		}))
		return nil, false
	}

	entry := partitionFields(meta)
	c.entries[key] = entry
	return entry, true
}

// Invalidate drops the snapshot for the pair. A no-op when absent.
func (c *Cache) Invalidate(projectKey, issueTypeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{projectKey: projectKey, issueTypeID: issueTypeID})
}

// partitionFields buckets each schema field by its declared type and
// whether it enumerates allowed values: plain strings, single selects,
// multi selects (arrays with allowed values), and user references.
func partitionFields(meta *jira.MetaIssueType) *SchemaEntry {
	entry := &SchemaEntry{AllowedValues: map[string][]AllowedValue{}}
	if meta == nil {
		return entry
	}

	for key, raw := range meta.Fields {
		info, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		field := Field{Key: key, Name: stringAt(info, "name")}
		schemaType := ""
		if schema, ok := info["schema"].(map[string]interface{}); ok {
			schemaType = stringAt(schema, "type")
		}
		allowed := allowedValues(info)

		switch {
		case schemaType == "string" && allowed == nil:
			entry.StringFields = append(entry.StringFields, field)
		case schemaType == "user":
			entry.UserFields = append(entry.UserFields, field)
		case schemaType == "array" && allowed != nil:
			entry.MultiSelectFields = append(entry.MultiSelectFields, field)
			entry.AllowedValues[key] = allowed
		case schemaType != "array" && allowed != nil:
			entry.SelectFields = append(entry.SelectFields, field)
			entry.AllowedValues[key] = allowed
		}
	}
	return entry
}

func allowedValues(info map[string]interface{}) []AllowedValue {
	raw, ok := info["allowedValues"].([]interface{})
	if !ok || len(raw) == 0 {
		return nil
	}

	values := []AllowedValue{}
	for _, item := range raw {
		option, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		value := AllowedValue{ID: stringAt(option, "id")}
		// Custom field options label themselves with "value", built-in
		// entities with "name".
		if value.Label = stringAt(option, "value"); value.Label == "" {
			value.Label = stringAt(option, "name")
		}
		if value.ID != "" {
			values = append(values, value)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func stringAt(m map[string]interface{}, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}
