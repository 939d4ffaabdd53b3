package mapping

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/evergreen-ci/birch"
	"github.com/evergreen-ci/ticketer/util"
	"github.com/evergreen-ci/utility"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
)

const (
	// SnapshotFileName is the current on-disk format, a flat JSON object
	// from test identity to issue key, one file per job.
	SnapshotFileName = "test-issue-mapping.json"
	// LegacyFileName is the BSON-encoded predecessor format. It is read
	// once on first access, migrated to the JSON format, and never written
	// again.
	LegacyFileName = "test-issue-mapping"
)

// Store is the per-job persistent mapping from test identities to the issue
// keys currently linked to them. It is the source of truth for whether a
// test is already tracked by a ticket.
//
// Mutations for the same job are serialized; independent jobs proceed
// concurrently. Every successful mutation synchronously rewrites that job's
// snapshot file before returning.
type Store struct {
	root string

	mu      sync.RWMutex
	jobs    map[string]map[string]string
	jobLock *util.KeyedMutex
}

// NewStore creates a mapping store rooted at the given jobs directory. Job
// mappings are loaded lazily on first access.
func NewStore(root string) *Store {
	return &Store{
		root:    root,
		jobs:    map[string]map[string]string{},
		jobLock: util.NewKeyedMutex(),
	}
}

// JobDir is the directory holding one job's persisted state. Matrix
// sub-jobs addressed as "parent/child" nest under the parent's directory.
func (s *Store) JobDir(job string) string {
	return filepath.Join(s.root, filepath.FromSlash(job))
}

func (s *Store) snapshotPath(job string) string {
	return filepath.Join(s.JobDir(job), SnapshotFileName)
}

func (s *Store) legacyPath(job string) string {
	return filepath.Join(s.JobDir(job), LegacyFileName)
}

// Link associates issueKey with testID for the job, replacing any previous
// association, and persists the job's mapping before returning.
func (s *Store) Link(job, testID, issueKey string) error {
	s.jobLock.Lock(job)
	defer s.jobLock.Unlock(job)

	jobMap := s.loadJob(job)
	jobMap[testID] = issueKey
	return errors.Wrapf(s.saveJob(job, jobMap), "persisting mapping for job '%s'", job)
}

// Unlink removes the association for testID only if the stored issue key
// equals issueKey, so a stale caller cannot erase a newer link created by a
// concurrent raise. Removing an absent or mismatched link is a no-op.
func (s *Store) Unlink(job, testID, issueKey string) error {
	s.jobLock.Lock(job)
	defer s.jobLock.Unlock(job)

	jobMap := s.loadJob(job)
	if stored, ok := jobMap[testID]; !ok || stored != issueKey {
		return nil
	}
	delete(jobMap, testID)
	return errors.Wrapf(s.saveJob(job, jobMap), "persisting mapping for job '%s'", job)
}

// Lookup returns the issue key linked to testID, if any.
func (s *Store) Lookup(job, testID string) (string, bool) {
	s.jobLock.Lock(job)
	defer s.jobLock.Unlock(job)

	key, ok := s.loadJob(job)[testID]
	return key, ok
}

// ExportAll returns a point-in-time copy of the job's mapping. It is safe
// to call concurrently with mutations and the result never aliases live
// store state.
func (s *Store) ExportAll(job string) map[string]string {
	s.jobLock.Lock(job)
	defer s.jobLock.Unlock(job)

	jobMap := s.loadJob(job)
	out := make(map[string]string, len(jobMap))
	for test, issue := range jobMap {
		out[test] = issue
	}
	return out
}

// HasJob reports whether the job has a directory under the store root, i.e.
// the surrounding CI server knows about it.
func (s *Store) HasJob(job string) bool {
	info, err := os.Stat(s.JobDir(job))
	return err == nil && info.IsDir()
}

// SubJobs lists the immediate children of a job that carry their own
// mapping state, e.g. the configurations of a matrix job.
func (s *Store) SubJobs(job string) []string {
	entries, err := os.ReadDir(s.JobDir(job))
	if err != nil {
		return nil
	}

	children := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		child := filepath.Join(s.JobDir(job), entry.Name())
		if utility.FileExists(filepath.Join(child, SnapshotFileName)) ||
			utility.FileExists(filepath.Join(child, LegacyFileName)) {
			children = append(children, entry.Name())
		}
	}
	return children
}

// loadJob returns the in-memory mapping for the job, reading it from disk
// on first access. Callers must hold the job's lock.
func (s *Store) loadJob(job string) map[string]string {
	s.mu.RLock()
	jobMap, ok := s.jobs[job]
	s.mu.RUnlock()
	if ok {
		return jobMap
	}

	jobMap = s.readSnapshot(job)

	s.mu.Lock()
	s.jobs[job] = jobMap
	s.mu.Unlock()
	return jobMap
}

func (s *Store) readSnapshot(job string) map[string]string {
	path := s.snapshotPath(job)
	if utility.FileExists(path) {
		jobMap := map[string]string{}
		if err := util.ReadJSONFile(path, &jobMap); err != nil {
			grip.Error(message.WrapError(err, message.Fields{
				"message": "could not load test-issue mapping, starting empty",
				"job":     job,
				"path":    path,
			}))
			return map[string]string{}
		}
		return jobMap
	}

	if jobMap := s.readLegacy(job); jobMap != nil {
		// Migrate the legacy file into the current format right away so
		// the legacy read path runs at most once per job.
		grip.Error(message.WrapError(s.saveJob(job, jobMap), message.Fields{
			"message": "could not persist migrated test-issue mapping",
			"job":     job,
		}))
		return jobMap
	}

	return map[string]string{}
}

// readLegacy loads the BSON predecessor format. Returns nil when the file
// does not exist or cannot be parsed; absence of a mapping is not an error.
func (s *Store) readLegacy(job string) map[string]string {
	raw, err := os.ReadFile(s.legacyPath(job))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		grip.Error(message.WrapError(err, message.Fields{
			"message": "could not read legacy test-issue mapping",
			"job":     job,
		}))
		return nil
	}

	doc, err := birch.ReadDocument(raw)
	if err != nil {
		grip.Error(message.WrapError(err, message.Fields{
			"message": "could not parse legacy test-issue mapping",
			"job":     job,
		}))
		return nil
	}

	jobMap := map[string]string{}
	iter := doc.Iterator()
	for iter.Next() {
		elem := iter.Element()
		if val, ok := elem.Value().StringValueOK(); ok {
			jobMap[elem.Key()] = val
		}
	}

	grip.Info(message.Fields{
		"message": "migrated test-issue mapping from legacy format",
		"job":     job,
		"links":   len(jobMap),
	})
	return jobMap
}

func (s *Store) saveJob(job string, jobMap map[string]string) error {
	return util.WriteJSONFile(s.snapshotPath(job), jobMap)
}
