package jobconfig

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/evergreen-ci/birch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntryValidation(t *testing.T) {
	_, err := NewEntry("", "3", nil, true, true, false, false)
	assert.Error(t, err)

	_, err = NewEntry("PROJ", "", nil, true, true, false, false)
	assert.Error(t, err)

	_, err = NewEntry("PROJ", "3", []FieldSpec{{Kind: "bogus", FieldKey: "summary"}}, true, true, false, false)
	assert.Error(t, err)

	_, err = NewEntry("PROJ", "3", []FieldSpec{MultiSelectField("components")}, true, true, false, false)
	assert.Error(t, err)
}

func TestNewEntryInjectsDefaultTemplates(t *testing.T) {
	entry, err := NewEntry("PROJ", "3", nil, true, false, false, false)
	require.NoError(t, err)
	require.Len(t, entry.Fields, 2)
	assert.Equal(t, SummaryFieldKey, entry.Fields[0].FieldKey)
	assert.Equal(t, "${DEFAULT_SUMMARY}", entry.Fields[0].Value)
	assert.Equal(t, DescriptionFieldKey, entry.Fields[1].FieldKey)
	assert.Equal(t, "${DEFAULT_DESCRIPTION}", entry.Fields[1].Value)
}

func TestNewEntryKeepsExplicitTemplates(t *testing.T) {
	entry, err := NewEntry("PROJ", "3", []FieldSpec{
		StringField(SummaryFieldKey, "custom: ${TEST_NAME}"),
	}, true, false, false, false)
	require.NoError(t, err)

	// The explicit summary comes after the injected description default, so
	// rendering applies it last.
	summaries := []string{}
	for _, spec := range entry.Fields {
		if spec.FieldKey == SummaryFieldKey {
			summaries = append(summaries, spec.Value)
		}
	}
	assert.Equal(t, []string{"custom: ${TEST_NAME}"}, summaries)
}

func TestIssueKeyPattern(t *testing.T) {
	entry, err := NewEntry("PROJ", "3", nil, true, false, false, false)
	require.NoError(t, err)

	assert.True(t, entry.IssueKeyPattern().MatchString("PROJ-123"))
	assert.False(t, entry.IssueKeyPattern().MatchString("OTHER-123"))
}

func TestIssueKeyPatternSharedEntry(t *testing.T) {
	store := NewStore(t.TempDir(), nil)
	entry, err := NewEntry("PROJ", "3", nil, true, false, false, false)
	require.NoError(t, err)
	require.NoError(t, store.Save("cart-build", entry))

	// Cached entries are handed to every caller of Get, so the pattern must
	// be safe to compile under concurrent first access.
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			shared, ok := store.Get("cart-build")
			assert.True(t, ok)
			assert.True(t, shared.IssueKeyPattern().MatchString("PROJ-7"))
		}()
	}
	wg.Wait()
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	root := t.TempDir()

	invalidated := [][2]string{}
	store := NewStore(root, func(projectKey, issueType string) {
		invalidated = append(invalidated, [2]string{projectKey, issueType})
	})

	_, ok := store.Get("cart-build")
	assert.False(t, ok)

	entry, err := NewEntry("PROJ", "3", []FieldSpec{
		SelectField("priority", "10001"),
		MultiSelectField("components", "10100", "10101"),
		UserField("assignee", "jdoe"),
	}, true, true, false, true)
	require.NoError(t, err)
	require.NoError(t, store.Save("cart-build", entry))

	// Saving notifies the schema cache for the saved pair.
	require.Len(t, invalidated, 1)
	assert.Equal(t, [2]string{"PROJ", "3"}, invalidated[0])

	got, ok := store.Get("cart-build")
	require.True(t, ok)
	assert.Equal(t, "PROJ", got.ProjectKey)
	assert.True(t, got.OverrideResolved)

	reloaded, ok := NewStore(root, nil).Get("cart-build")
	require.True(t, ok)
	assert.Equal(t, entry.ProjectKey, reloaded.ProjectKey)
	assert.Equal(t, entry.IssueType, reloaded.IssueType)
	assert.Equal(t, entry.Fields, reloaded.Fields)
	assert.Equal(t, entry.AutoRaise, reloaded.AutoRaise)
	assert.Equal(t, entry.AutoResolve, reloaded.AutoResolve)
}

func TestConfigurationAppearingLate(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root, nil)

	_, ok := store.Get("cart-build")
	require.False(t, ok)

	// Another process (or a save through a second store) writes the file
	// after the first miss; the next Get must pick it up.
	entry, err := NewEntry("PROJ", "3", nil, true, false, false, false)
	require.NoError(t, err)
	require.NoError(t, NewStore(root, nil).Save("cart-build", entry))

	got, ok := store.Get("cart-build")
	require.True(t, ok)
	assert.Equal(t, "PROJ", got.ProjectKey)
}

func TestFlagAccessorsDefaultToFalse(t *testing.T) {
	store := NewStore(t.TempDir(), nil)

	assert.False(t, store.AutoRaise("unknown"))
	assert.False(t, store.AutoResolve("unknown"))
	assert.False(t, store.AutoUnlink("unknown"))
	assert.False(t, store.OverrideResolved("unknown"))
	assert.Empty(t, store.ProjectKey("unknown"))
	assert.Nil(t, store.IssueKeyPattern("unknown"))
}

func TestLegacyFormatMigration(t *testing.T) {
	root := t.TempDir()
	jobDir := filepath.Join(root, "cart-build")
	require.NoError(t, os.MkdirAll(jobDir, 0755))

	raw, err := birch.NewDocument(
		birch.EC.String("project_key", "PROJ"),
		birch.EC.Int64("issue_type", 3),
		birch.EC.Boolean("auto_raise", true),
		birch.EC.Boolean("auto_resolve", false),
		birch.EC.Boolean("auto_unlink", true),
		birch.EC.Boolean("override_resolved", true),
		birch.EC.Array("fields", birch.NewArray(
			birch.VC.Document(birch.NewDocument(
				birch.EC.String("kind", "select"),
				birch.EC.String("field_key", "priority"),
				birch.EC.String("value", "10001"),
			)),
		)),
	).MarshalBSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, LegacyFileName), raw, 0644))

	store := NewStore(root, nil)
	entry, ok := store.Get("cart-build")
	require.True(t, ok)

	// The legacy integer issue type becomes its string form.
	assert.Equal(t, "PROJ", entry.ProjectKey)
	assert.Equal(t, "3", entry.IssueType)
	assert.True(t, entry.AutoRaise)
	assert.False(t, entry.AutoResolve)
	assert.True(t, entry.AutoUnlink)
	assert.True(t, entry.OverrideResolved)

	// Migrated entries gain the default templates, then the legacy fields.
	require.Len(t, entry.Fields, 3)
	assert.Equal(t, SelectField("priority", "10001"), entry.Fields[2])

	// The migration wrote the current format.
	assert.FileExists(t, filepath.Join(jobDir, ConfigFileName))
}

func TestLegacyFormatIncompleteIsIgnored(t *testing.T) {
	root := t.TempDir()
	jobDir := filepath.Join(root, "cart-build")
	require.NoError(t, os.MkdirAll(jobDir, 0755))

	raw, err := birch.NewDocument(birch.EC.String("project_key", "PROJ")).MarshalBSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, LegacyFileName), raw, 0644))

	_, ok := NewStore(root, nil).Get("cart-build")
	assert.False(t, ok)
}
