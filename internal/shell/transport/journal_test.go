package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournal_RecordAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v1", JournalFile)

	j, err := OpenJournal(path, "v1")
	require.NoError(t, err)
	assert.Empty(t, j.Entries())

	entry := JournalEntry{Local: "/c/api.tar", Remote: "/s/api.tar", Host: "edge", Size: 3, SHA256: "abc", CompletedAt: time.Unix(0, 0).UTC()}
	require.NoError(t, j.Record(entry))
	entry.SHA256 = "def"
	require.NoError(t, j.Record(entry))

	reopened, err := OpenJournal(path, "v1")
	require.NoError(t, err)
	require.Len(t, reopened.Entries(), 1)
	got, ok := reopened.Lookup("edge", "/s/api.tar")
	require.True(t, ok)
	assert.Equal(t, "def", got.SHA256)

	_, ok = reopened.Lookup("other", "/s/api.tar")
	assert.False(t, ok)
}

func TestJournal_OtherVersionIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), JournalFile)
	j, err := OpenJournal(path, "v1")
	require.NoError(t, err)
	require.NoError(t, j.Record(JournalEntry{Host: "edge", Remote: "/s/a"}))

	other, err := OpenJournal(path, "v2")
	require.NoError(t, err)
	assert.Empty(t, other.Entries())
}

func TestJournal_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), JournalFile)
	require.NoError(t, os.WriteFile(path, []byte("transfers: [unclosed"), 0o644))
	_, err := OpenJournal(path, "v1")
	assert.Error(t, err)
}

func TestJournal_NilIsNoop(t *testing.T) {
	var j *Journal
	assert.NoError(t, j.Record(JournalEntry{}))
	_, ok := j.Lookup("h", "/r")
	assert.False(t, ok)
}
