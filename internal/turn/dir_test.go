package turn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allocate(t *testing.T, base string) *Dir {
	t.Helper()
	d, err := Allocate(base, "session-1", "trace-1", "chat", "what is the capital of France")
	require.NoError(t, err)
	return d
}

func TestAllocateSequentialIDs(t *testing.T) {
	base := t.TempDir()

	d1 := allocate(t, base)
	d2 := allocate(t, base)

	assert.Equal(t, "turn_000001", d1.ID)
	assert.Equal(t, "turn_000002", d2.ID)
	assert.Equal(t, 2, d2.Number)

	ids, err := List(base)
	require.NoError(t, err)
	assert.Equal(t, []string{"turn_000001", "turn_000002"}, ids)
}

func TestAllocateWritesQueryAndManifest(t *testing.T) {
	base := t.TempDir()
	d := allocate(t, base)

	query, err := d.ReadDoc(DocUserQuery)
	require.NoError(t, err)
	assert.Contains(t, string(query), "capital of France")

	m := d.Manifest()
	assert.Equal(t, d.ID, m.TurnID)
	assert.Equal(t, "session-1", m.SessionID)
	assert.Equal(t, StatusInProgress, m.Status)
	assert.Contains(t, m.DocsCreated, DocUserQuery)
}

func TestWriteDocTracksManifest(t *testing.T) {
	base := t.TempDir()
	d := allocate(t, base)

	require.NoError(t, d.WriteDoc(DocToolResults, []byte("findings")))
	require.NoError(t, d.WriteDoc(DocToolResults, []byte("findings v2")))
	d.Reference("turn_000000/user_query.md")

	m := d.Manifest()
	// Every doc on disk appears in docs_created, without duplicates.
	count := 0
	for _, name := range m.DocsCreated {
		if name == DocToolResults {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Contains(t, m.DocsReferenced, "turn_000000/user_query.md")

	entries, err := os.ReadDir(d.Path)
	require.NoError(t, err)
	for _, e := range entries {
		if e.IsDir() || e.Name() == DocManifest {
			continue
		}
		assert.Contains(t, m.DocsCreated, e.Name(), "file on disk missing from manifest")
	}
}

func TestOpenRoundTrip(t *testing.T) {
	base := t.TempDir()
	d := allocate(t, base)
	d.RecordTokens("planning", 120)
	require.NoError(t, d.Finalize(StatusCompleted))

	reopened, err := Open(base, d.ID)
	require.NoError(t, err)
	m := reopened.Manifest()
	assert.Equal(t, StatusCompleted, m.Status)
	assert.Equal(t, 120, m.TokensByPhase["planning"])
	assert.Equal(t, d.Number, reopened.Number)
	assert.False(t, m.ArchivedAt.IsZero())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(t.TempDir(), "turn_000042")
	require.Error(t, err)
}

func TestDocPathScopes(t *testing.T) {
	base := t.TempDir()
	d := allocate(t, base)
	d.SetRepo("/repo/checkout")

	assert.Equal(t, filepath.Join(d.Path, "context.md"), d.DocPath("context.md", PathTurnLocal))
	assert.Equal(t, "/repo/checkout/notes.md", d.DocPath("notes.md", PathRepoRelative))
	assert.Equal(t, "/abs/file.md", d.DocPath("/abs/file.md", PathAbsolute))
	assert.Equal(t,
		filepath.Join(base, "sessions", "session-1", "workflows"),
		d.DocPath("workflows", PathSession))
	assert.Equal(t,
		filepath.Join(base, "sessions", "session-1", "session-1.db"),
		d.DocPath("{session_id}.db", PathSession))
}

func TestArchiveAttemptVerbatim(t *testing.T) {
	base := t.TempDir()
	d := allocate(t, base)
	require.NoError(t, d.WriteDoc(DocContext, []byte("# context v1")))
	require.NoError(t, d.WriteDoc(DocToolResults, []byte("results v1")))

	require.NoError(t, d.ArchiveAttempt(1))

	// Originals still in place, archive holds verbatim copies.
	data, err := os.ReadFile(filepath.Join(d.Path, "attempt_1", DocContext))
	require.NoError(t, err)
	assert.Equal(t, "# context v1", string(data))

	require.NoError(t, d.WriteDoc(DocContext, []byte("# context v2")))
	data, err = os.ReadFile(filepath.Join(d.Path, "attempt_1", DocContext))
	require.NoError(t, err)
	assert.Equal(t, "# context v1", string(data), "archive must not change after rewrite")

	require.NoError(t, d.ArchiveAttempt(2))
	assert.Equal(t, 2, d.AttemptCount())

	// attempt_2 holds the rewritten doc but not attempt_1's contents.
	data, err = os.ReadFile(filepath.Join(d.Path, "attempt_2", DocContext))
	require.NoError(t, err)
	assert.Equal(t, "# context v2", string(data))
	assert.NoDirExists(t, filepath.Join(d.Path, "attempt_2", "attempt_1"))

	m := d.Manifest()
	assert.Contains(t, m.DocsCreated, "attempt_1/")
	assert.Contains(t, m.DocsCreated, "attempt_2/")
}

func TestWriteDocNested(t *testing.T) {
	base := t.TempDir()
	d := allocate(t, base)
	require.NoError(t, d.WriteDoc("scratch/notes.md", []byte("n")))
	assert.True(t, d.HasDoc("scratch/notes.md"))
}
