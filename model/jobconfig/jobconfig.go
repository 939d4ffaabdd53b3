package jobconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	"github.com/evergreen-ci/birch"
	"github.com/evergreen-ci/ticketer/util"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const (
	// ConfigFileName is the current on-disk format, one file per job.
	ConfigFileName = "job-reporting-config.json"
	// LegacyFileName is the BSON-encoded predecessor format, read once and
	// migrated on first access.
	LegacyFileName = "job-reporting-config"
)

// Entry is one job's reporting configuration. Entries are replaced
// wholesale on every save; there is no merge.
type Entry struct {
	ProjectKey string      `json:"project_key"`
	IssueType  string      `json:"issue_type"`
	Fields     []FieldSpec `json:"fields"`

	AutoRaise        bool `json:"auto_raise"`
	AutoResolve      bool `json:"auto_resolve"`
	AutoUnlink       bool `json:"auto_unlink"`
	OverrideResolved bool `json:"override_resolved"`

	patternOnce     sync.Once
	issueKeyPattern *regexp.Regexp
}

// NewEntry validates and completes a configuration entry. Project key and
// issue type are required. The summary and description field specs are
// guaranteed present afterwards: defaults pointing at the global templates
// are injected when the caller's list lacks them, so rendering a ticket can
// never fail for lack of a title.
func NewEntry(projectKey, issueType string, fields []FieldSpec, autoRaise, autoResolve, autoUnlink, overrideResolved bool) (*Entry, error) {
	if projectKey == "" {
		return nil, errors.New("project key must be set")
	}
	if issueType == "" {
		return nil, errors.New("issue type must be set")
	}
	for _, spec := range fields {
		if err := spec.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid field spec")
		}
	}

	entry := &Entry{
		ProjectKey:       projectKey,
		IssueType:        issueType,
		Fields:           withDefaultFields(fields),
		AutoRaise:        autoRaise,
		AutoResolve:      autoResolve,
		AutoUnlink:       autoUnlink,
		OverrideResolved: overrideResolved,
	}
	return entry, nil
}

func withDefaultFields(fields []FieldSpec) []FieldSpec {
	hasSummary, hasDescription := false, false
	for _, spec := range fields {
		switch spec.FieldKey {
		case SummaryFieldKey:
			hasSummary = true
		case DescriptionFieldKey:
			hasDescription = true
		}
	}

	// Defaults go first so explicit configuration overrides them during
	// rendering.
	defaults := []FieldSpec{}
	if !hasSummary {
		defaults = append(defaults, StringField(SummaryFieldKey, "${DEFAULT_SUMMARY}"))
	}
	if !hasDescription {
		defaults = append(defaults, StringField(DescriptionFieldKey, "${DEFAULT_DESCRIPTION}"))
	}
	return append(defaults, fields...)
}

// IssueKeyPattern matches ticket keys belonging to this entry's project,
// e.g. "PROJ-123". Used to validate manually entered keys. Entries are
// shared across goroutines once cached, so the compile is guarded.
func (e *Entry) IssueKeyPattern() *regexp.Regexp {
	e.patternOnce.Do(func() {
		e.issueKeyPattern = regexp.MustCompile(fmt.Sprintf(`%s-\d+`, regexp.QuoteMeta(e.ProjectKey)))
	})
	return e.issueKeyPattern
}

// Store is the persistent mapping from job name to its current reporting
// configuration. Entries are cached in memory after first load; saves
// replace the entry and persist synchronously before returning.
type Store struct {
	root string

	mu      sync.Mutex
	entries map[string]*Entry
	jobLock *util.KeyedMutex

	// onSave is invoked after every successful save with the entry's
	// project key and issue type, so the metadata cache can invalidate the
	// now possibly stale schema snapshot.
	onSave func(projectKey, issueType string)
}

// NewStore creates a configuration store rooted at the jobs directory.
// onSave may be nil.
func NewStore(root string, onSave func(projectKey, issueType string)) *Store {
	return &Store{
		root:    root,
		entries: map[string]*Entry{},
		jobLock: util.NewKeyedMutex(),
		onSave:  onSave,
	}
}

func (s *Store) configPath(job string) string {
	return filepath.Join(s.root, filepath.FromSlash(job), ConfigFileName)
}

func (s *Store) legacyPath(job string) string {
	return filepath.Join(s.root, filepath.FromSlash(job), LegacyFileName)
}

// Save replaces the job's configuration and persists it before returning.
func (s *Store) Save(job string, entry *Entry) error {
	if entry == nil {
		return errors.New("cannot save a nil configuration entry")
	}

	s.jobLock.Lock(job)
	defer s.jobLock.Unlock(job)

	if err := util.WriteJSONFile(s.configPath(job), entry); err != nil {
		return errors.Wrapf(err, "persisting configuration for job '%s'", job)
	}

	s.mu.Lock()
	s.entries[job] = entry
	s.mu.Unlock()

	if s.onSave != nil {
		s.onSave(entry.ProjectKey, entry.IssueType)
	}
	return nil
}

// Get returns the job's configuration entry, loading it on first access.
// Absence of a configuration is a valid state, not an error.
func (s *Store) Get(job string) (*Entry, bool) {
	s.jobLock.Lock(job)
	defer s.jobLock.Unlock(job)

	s.mu.Lock()
	entry, ok := s.entries[job]
	s.mu.Unlock()
	if ok {
		return entry, entry != nil
	}

	entry = s.load(job)
	if entry == nil {
		// Not cached: a configuration may yet appear for this job.
		return nil, false
	}

	s.mu.Lock()
	s.entries[job] = entry
	s.mu.Unlock()
	return entry, true
}

// Accessors with safe defaults for unconfigured jobs, mirroring what the
// rest of the system may ask without first checking Get.

func (s *Store) ProjectKey(job string) string {
	if entry, ok := s.Get(job); ok {
		return entry.ProjectKey
	}
	return ""
}

func (s *Store) IssueType(job string) string {
	if entry, ok := s.Get(job); ok {
		return entry.IssueType
	}
	return ""
}

func (s *Store) FieldSpecs(job string) []FieldSpec {
	if entry, ok := s.Get(job); ok {
		return entry.Fields
	}
	return nil
}

func (s *Store) AutoRaise(job string) bool {
	entry, ok := s.Get(job)
	return ok && entry.AutoRaise
}

func (s *Store) AutoResolve(job string) bool {
	entry, ok := s.Get(job)
	return ok && entry.AutoResolve
}

func (s *Store) AutoUnlink(job string) bool {
	entry, ok := s.Get(job)
	return ok && entry.AutoUnlink
}

func (s *Store) OverrideResolved(job string) bool {
	entry, ok := s.Get(job)
	return ok && entry.OverrideResolved
}

func (s *Store) IssueKeyPattern(job string) *regexp.Regexp {
	if entry, ok := s.Get(job); ok {
		return entry.IssueKeyPattern()
	}
	return nil
}

// load tries the current format, then the legacy format (migrating it), and
// finally gives up with nil. Parse failures are logged and treated as
// absent configuration, never surfaced to the caller.
func (s *Store) load(job string) *Entry {
	path := s.configPath(job)
	if utility.FileExists(path) {
		entry := &Entry{}
		if err := util.ReadJSONFile(path, entry); err != nil {
			grip.Error(message.WrapError(err, message.Fields{
				"message": "could not load job reporting configuration",
				"job":     job,
				"path":    path,
			}))
			return nil
		}
		return entry
	}

	if entry := s.loadLegacy(job); entry != nil {
		grip.Error(message.WrapError(util.WriteJSONFile(path, entry), message.Fields{
			"message": "could not persist migrated job reporting configuration",
			"job":     job,
		}))
		return entry
	}

	return nil
}

// loadLegacy reads the BSON predecessor format, in which the issue type was
// stored as a 64-bit integer.
func (s *Store) loadLegacy(job string) *Entry {
	raw, err := os.ReadFile(s.legacyPath(job))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		grip.Error(message.WrapError(err, message.Fields{
			"message": "could not read legacy job reporting configuration",
			"job":     job,
		}))
		return nil
	}

	doc, err := birch.ReadDocument(raw)
	if err != nil {
		grip.Error(message.WrapError(err, message.Fields{
			"message": "could not parse legacy job reporting configuration",
			"job":     job,
		}))
		return nil
	}

	entry := &Entry{}
	if val, err := doc.LookupErr("project_key"); err == nil {
		entry.ProjectKey, _ = val.StringValueOK()
	}
	if val, err := doc.LookupErr("issue_type"); err == nil {
		if id, ok := val.Int64OK(); ok {
			entry.IssueType = strconv.FormatInt(id, 10)
		}
	}
	if val, err := doc.LookupErr("auto_raise"); err == nil {
		entry.AutoRaise, _ = val.BooleanOK()
	}
	if val, err := doc.LookupErr("auto_resolve"); err == nil {
		entry.AutoResolve, _ = val.BooleanOK()
	}
	if val, err := doc.LookupErr("auto_unlink"); err == nil {
		entry.AutoUnlink, _ = val.BooleanOK()
	}
	if val, err := doc.LookupErr("override_resolved"); err == nil {
		entry.OverrideResolved, _ = val.BooleanOK()
	}
	if val, err := doc.LookupErr("fields"); err == nil {
		if arr, ok := val.MutableArrayOK(); ok {
			for i := 0; i < arr.Len(); i++ {
				if sub, ok := arr.Lookup(uint(i)).MutableDocumentOK(); ok {
					entry.Fields = append(entry.Fields, legacyFieldSpec(sub))
				}
			}
		}
	}

	if entry.ProjectKey == "" || entry.IssueType == "" {
		grip.Warning(message.Fields{
			"message": "legacy job reporting configuration is incomplete, ignoring",
			"job":     job,
		})
		return nil
	}

	entry.Fields = withDefaultFields(entry.Fields)
	grip.Info(message.Fields{
		"message": "migrated job reporting configuration from legacy format",
		"job":     job,
	})
	return entry
}

func legacyFieldSpec(doc *birch.Document) FieldSpec {
	spec := FieldSpec{}
	if val, err := doc.LookupErr("kind"); err == nil {
		if kind, ok := val.StringValueOK(); ok {
			spec.Kind = Kind(kind)
		}
	}
	if val, err := doc.LookupErr("field_key"); err == nil {
		spec.FieldKey, _ = val.StringValueOK()
	}
	if val, err := doc.LookupErr("value"); err == nil {
		spec.Value, _ = val.StringValueOK()
	}
	if val, err := doc.LookupErr("values"); err == nil {
		if arr, ok := val.MutableArrayOK(); ok {
			for i := 0; i < arr.Len(); i++ {
				if item, ok := arr.Lookup(uint(i)).StringValueOK(); ok {
					spec.Values = append(spec.Values, item)
				}
			}
		}
	}
	return spec
}
