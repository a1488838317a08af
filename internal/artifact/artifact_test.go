package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaging_ReserveAndRelease(t *testing.T) {
	s, err := NewStaging(filepath.Join(t.TempDir(), "staging"))
	require.NoError(t, err)

	ref, err := s.Reserve("job-1")
	require.NoError(t, err)
	assert.DirExists(t, ref.Dir())

	id, ok := JobIDFromDir(filepath.Base(ref.Dir()))
	require.True(t, ok)
	assert.Equal(t, "job-1", id)

	require.NoError(t, ref.Release())
	require.NoError(t, ref.Release())
	assert.True(t, ref.Released())
	assert.NoDirExists(t, ref.Dir())
}

func TestPurge(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	require.NoError(t, err)

	first, err := s.Reserve("a1")
	require.NoError(t, err)

	second, err := s.Reserve("a1")
	require.NoError(t, err)

	other, err := s.Reserve("a1-b2")
	require.NoError(t, err)

	n, err := Purge(s.Root(), "a1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoDirExists(t, first.Dir())
	assert.NoDirExists(t, second.Dir())
	assert.DirExists(t, other.Dir())
}

func TestRef_SealLargest(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Reserve("abc")
	require.NoError(t, err)

	require.ErrorIs(t, ref.SealLargest(), ErrNoArtifact)

	require.NoError(t, os.WriteFile(filepath.Join(ref.Dir(), "small.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ref.Dir(), "big.mp4.part"), make([]byte, 4096), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ref.Dir(), "video.mp4"), make([]byte, 1024), 0o644))

	require.NoError(t, ref.SealLargest())
	assert.Equal(t, "video.mp4", ref.Name())
	assert.Equal(t, int64(1024), ref.Size())

	require.NoError(t, ref.Reset())
	assert.Empty(t, ref.Path())
	assert.DirExists(t, ref.Dir())
}

func TestRef_ContentType(t *testing.T) {
	s, err := NewStaging(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Reserve("abc")
	require.NoError(t, err)

	path := filepath.Join(ref.Dir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text content"), 0o644))
	require.NoError(t, ref.Seal(path))

	assert.Contains(t, ref.ContentType(), "text/plain")
}

func TestJobIDFromDir(t *testing.T) {
	tests := []struct {
		name   string
		dir    string
		want   string
		wantOK bool
	}{
		{name: "uuid job id", dir: "job-3f2a1c9e-8d1b-4a7f-9c2e-1b2c3d4e5f60-123456", want: "3f2a1c9e-8d1b-4a7f-9c2e-1b2c3d4e5f60", wantOK: true},
		{name: "simple", dir: "job-42-99", want: "42", wantOK: true},
		{name: "missing suffix", dir: "job-42", wantOK: false},
		{name: "foreign dir", dir: "cache", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := JobIDFromDir(tt.dir)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIsNoSpace(t *testing.T) {
	assert.True(t, IsNoSpace(fmt.Errorf("write: %w", syscall.ENOSPC)))
	assert.False(t, IsNoSpace(os.ErrNotExist))
}
