package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(t.TempDir())
	require.NoError(t, err)
	return s
}

func write(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestResolve(t *testing.T) {
	s := newTestService(t)

	t.Run("relative paths stay inside the root", func(t *testing.T) {
		abs, err := s.Resolve("videos/clip.mp4")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(abs, s.Root()))
	})

	t.Run("traversal is rejected by collapsing", func(t *testing.T) {
		abs, err := s.Resolve("../../etc/passwd")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(s.Root(), "etc", "passwd"), abs,
			"leading .. must collapse inside the root instead of escaping")
	})
}

func TestListFiles(t *testing.T) {
	s := newTestService(t)
	write(t, filepath.Join(s.Root(), "a.mp4"), 10)
	write(t, filepath.Join(s.Root(), "b.7z"), 20)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "20260101"), 0o755))

	files, err := s.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 2, "directories are not files")

	names := []string{files[0].Name, files[1].Name}
	assert.Contains(t, names, "a.mp4")
	assert.Contains(t, names, "b.7z")
}

func TestListProcessedFolders(t *testing.T) {
	s := newTestService(t)

	// Date-named folder holding parts counts.
	write(t, filepath.Join(s.Root(), "20260101", "bundle.7z.001"), 100)
	write(t, filepath.Join(s.Root(), "20260101", "bundle.7z.002"), 50)
	// Date-named but empty of archives does not count.
	write(t, filepath.Join(s.Root(), "20260102", "notes.txt"), 5)
	// Non-date folders and Downloaded are skipped.
	write(t, filepath.Join(s.Root(), "misc", "x.7z"), 5)
	write(t, filepath.Join(s.Root(), "Downloaded", "old", "y.7z"), 5)

	folders, err := s.ListProcessedFolders()
	require.NoError(t, err)
	require.Len(t, folders, 1)
	assert.Equal(t, "20260101", folders[0].Name)
	assert.Equal(t, 2, folders[0].FileCount)
	assert.Equal(t, int64(150), folders[0].SizeBytes)
}

func TestListDownloaded(t *testing.T) {
	s := newTestService(t)

	t.Run("empty when nothing was downloaded", func(t *testing.T) {
		folders, err := s.ListDownloaded()
		require.NoError(t, err)
		assert.Empty(t, folders)
	})

	t.Run("summarizes download folders", func(t *testing.T) {
		write(t, filepath.Join(s.Root(), "Downloaded", "bundle", "a.mp4"), 30)
		write(t, filepath.Join(s.Root(), "Downloaded", "bundle", "b.mp4"), 20)

		folders, err := s.ListDownloaded()
		require.NoError(t, err)
		require.Len(t, folders, 1)
		assert.Equal(t, "bundle", folders[0].Name)
		assert.Equal(t, 2, folders[0].FileCount)
		assert.Equal(t, int64(50), folders[0].SizeBytes)
	})
}

func TestSaveUpload(t *testing.T) {
	s := newTestService(t)

	rel, err := s.SaveUpload("../sneaky/../clip.mp4", strings.NewReader("content"))
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", rel, "only the base name is kept")

	data, err := os.ReadFile(filepath.Join(s.Root(), "clip.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestDelete(t *testing.T) {
	s := newTestService(t)
	write(t, filepath.Join(s.Root(), "doomed.mp4"), 1)

	t.Run("removes existing files", func(t *testing.T) {
		require.NoError(t, s.Delete("doomed.mp4"))
		_, err := os.Stat(filepath.Join(s.Root(), "doomed.mp4"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing paths error", func(t *testing.T) {
		assert.Error(t, s.Delete("never-existed.mp4"))
	})

	t.Run("the root itself is protected", func(t *testing.T) {
		assert.Error(t, s.Delete("."))
	})
}

func TestNewOutputFolder(t *testing.T) {
	s := newTestService(t)
	day := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	first, err := s.NewOutputFolder(day)
	require.NoError(t, err)
	assert.Equal(t, "20260823", filepath.Base(first))

	second, err := s.NewOutputFolder(day)
	require.NoError(t, err)
	assert.Equal(t, "20260823_2", filepath.Base(second))

	third, err := s.NewOutputFolder(day)
	require.NoError(t, err)
	assert.Equal(t, "20260823_3", filepath.Base(third))
}

func TestDownloadDir(t *testing.T) {
	s := newTestService(t)

	dir, err := s.DownloadDir("bundle")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "Downloaded", "bundle"), dir)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
