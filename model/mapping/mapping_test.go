package mapping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/evergreen-ci/birch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkLookupUnlink(t *testing.T) {
	store := NewStore(t.TempDir())

	_, ok := store.Lookup("cart-build", "com.example.CartTest.testCheckout")
	assert.False(t, ok)

	require.NoError(t, store.Link("cart-build", "com.example.CartTest.testCheckout", "PROJ-17"))
	key, ok := store.Lookup("cart-build", "com.example.CartTest.testCheckout")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-17", key)

	// Replacing an existing link keeps the newest key.
	require.NoError(t, store.Link("cart-build", "com.example.CartTest.testCheckout", "PROJ-18"))
	key, _ = store.Lookup("cart-build", "com.example.CartTest.testCheckout")
	assert.Equal(t, "PROJ-18", key)

	require.NoError(t, store.Unlink("cart-build", "com.example.CartTest.testCheckout", "PROJ-18"))
	_, ok = store.Lookup("cart-build", "com.example.CartTest.testCheckout")
	assert.False(t, ok)
}

func TestUnlinkRequiresMatchingKey(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Link("cart-build", "test-1", "PROJ-1"))

	// A stale caller holding the old key must not erase a newer link.
	require.NoError(t, store.Unlink("cart-build", "test-1", "PROJ-999"))
	key, ok := store.Lookup("cart-build", "test-1")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-1", key)

	// Unlinking a test with no link at all is a no-op.
	require.NoError(t, store.Unlink("cart-build", "never-linked", "PROJ-1"))
}

func TestMappingSurvivesRestart(t *testing.T) {
	root := t.TempDir()

	store := NewStore(root)
	require.NoError(t, store.Link("cart-build", "test-1", "PROJ-1"))
	require.NoError(t, store.Link("cart-build", "test-2", "PROJ-2"))
	require.NoError(t, store.Unlink("cart-build", "test-2", "PROJ-2"))

	reloaded := NewStore(root)
	key, ok := reloaded.Lookup("cart-build", "test-1")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-1", key)
	_, ok = reloaded.Lookup("cart-build", "test-2")
	assert.False(t, ok)
}

func TestJobsAreIndependent(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Link("job-a", "test-1", "PROJ-1"))
	require.NoError(t, store.Link("job-b", "test-1", "PROJ-2"))

	keyA, _ := store.Lookup("job-a", "test-1")
	keyB, _ := store.Lookup("job-b", "test-1")
	assert.Equal(t, "PROJ-1", keyA)
	assert.Equal(t, "PROJ-2", keyB)
}

func TestExportAllReturnsCopy(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Link("cart-build", "test-1", "PROJ-1"))

	out := store.ExportAll("cart-build")
	out["test-1"] = "TAMPERED-1"

	key, _ := store.Lookup("cart-build", "test-1")
	assert.Equal(t, "PROJ-1", key)
}

func TestLegacyFormatMigration(t *testing.T) {
	root := t.TempDir()
	jobDir := filepath.Join(root, "cart-build")
	require.NoError(t, os.MkdirAll(jobDir, 0755))

	raw, err := birch.NewDocument(
		birch.EC.String("com.example.CartTest.testCheckout", "PROJ-4"),
		birch.EC.String("com.example.CartTest.testRefund", "PROJ-9"),
	).MarshalBSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(jobDir, LegacyFileName), raw, 0644))

	store := NewStore(root)
	key, ok := store.Lookup("cart-build", "com.example.CartTest.testCheckout")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-4", key)
	key, ok = store.Lookup("cart-build", "com.example.CartTest.testRefund")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-9", key)

	// Migration persists the snapshot format so the legacy read never
	// happens again.
	assert.FileExists(t, filepath.Join(jobDir, SnapshotFileName))

	reloaded := NewStore(root)
	key, ok = reloaded.Lookup("cart-build", "com.example.CartTest.testCheckout")
	assert.True(t, ok)
	assert.Equal(t, "PROJ-4", key)
}

func TestMatrixSubJobs(t *testing.T) {
	store := NewStore(t.TempDir())

	require.NoError(t, store.Link("matrix-build/linux", "test-1", "PROJ-1"))
	require.NoError(t, store.Link("matrix-build/windows", "test-1", "PROJ-2"))

	assert.True(t, store.HasJob("matrix-build"))
	assert.ElementsMatch(t, []string{"linux", "windows"}, store.SubJobs("matrix-build"))
	assert.Empty(t, store.SubJobs("matrix-build/linux"))

	key, _ := store.Lookup("matrix-build/linux", "test-1")
	assert.Equal(t, "PROJ-1", key)
}

func TestHasJob(t *testing.T) {
	store := NewStore(t.TempDir())
	assert.False(t, store.HasJob("unknown"))

	require.NoError(t, store.Link("known", "test-1", "PROJ-1"))
	assert.True(t, store.HasJob("known"))
}
