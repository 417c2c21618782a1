package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"telarchive/internal/archive"
)

// downloadedDirName holds archives fetched back from Telegram.
const downloadedDirName = "Downloaded"

// FileInfo describes one workspace file for the UI.
type FileInfo struct {
	Name       string    `json:"name"`
	RelPath    string    `json:"path"`
	SizeBytes  int64     `json:"size_bytes"`
	SizeGB     float64   `json:"size_gb"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FolderInfo describes one processed output folder.
type FolderInfo struct {
	Name      string `json:"name"`
	FileCount int    `json:"file_count"`
	SizeBytes int64  `json:"size_bytes"`
}

// Service provides file operations rooted in the workspace directory.
// Every path from the outside is resolved against the root and rejected
// if it escapes it.
type Service struct {
	root string
}

// NewService creates the workspace directory if needed.
func NewService(root string) (*Service, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Service{root: abs}, nil
}

// Root returns the absolute workspace root.
func (s *Service) Root() string {
	return s.root
}

// Resolve turns a workspace-relative path into an absolute one,
// rejecting anything that escapes the root.
func (s *Service) Resolve(rel string) (string, error) {
	clean := filepath.Clean("/" + rel) // forces .. to collapse before joining
	abs := filepath.Join(s.root, clean)
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace", rel)
	}
	return abs, nil
}

// ListFiles returns the top-level workspace files, newest first.
func (s *Service) ListFiles() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	files := []FileInfo{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:       e.Name(),
			RelPath:    e.Name(),
			SizeBytes:  info.Size(),
			SizeGB:     float64(info.Size()) / (1024 * 1024 * 1024),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModifiedAt.After(files[j].ModifiedAt)
	})
	return files, nil
}

// ListProcessedFolders returns output folders produced by earlier runs,
// i.e. date-named directories that contain archive parts.
func (s *Service) ListProcessedFolders() ([]FolderInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read workspace: %w", err)
	}

	folders := []FolderInfo{}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == downloadedDirName || !startsWithDigit(e.Name()) {
			continue
		}
		info, ok := s.summarizeArchiveDir(filepath.Join(s.root, e.Name()))
		if !ok {
			continue
		}
		info.Name = e.Name()
		folders = append(folders, info)
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].Name > folders[j].Name })
	return folders, nil
}

// ListDownloaded returns the folders under Downloaded/.
func (s *Service) ListDownloaded() ([]FolderInfo, error) {
	dir := filepath.Join(s.root, downloadedDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return []FolderInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read downloads: %w", err)
	}

	folders := []FolderInfo{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		var count int
		var size int64
		_ = filepath.Walk(sub, func(_ string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			count++
			size += info.Size()
			return nil
		})
		folders = append(folders, FolderInfo{Name: e.Name(), FileCount: count, SizeBytes: size})
	}

	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

// SaveUpload stores a browser-uploaded file at the top of the
// workspace.
func (s *Service) SaveUpload(name string, r io.Reader) (string, error) {
	base := filepath.Base(name)
	abs, err := s.Resolve(base)
	if err != nil {
		return "", err
	}

	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("create upload target: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return base, nil
}

// Delete removes a workspace file or folder.
func (s *Service) Delete(rel string) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return fmt.Errorf("refusing to delete the workspace root")
	}
	if _, err := os.Stat(abs); err != nil {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	return os.RemoveAll(abs)
}

// NewOutputFolder creates a fresh date-named output directory,
// suffixing _2, _3, ... when the day already has runs.
func (s *Service) NewOutputFolder(now time.Time) (string, error) {
	base := now.Format("20060102")
	name := base
	for i := 2; ; i++ {
		abs := filepath.Join(s.root, name)
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			if err := os.MkdirAll(abs, 0o755); err != nil {
				return "", fmt.Errorf("create output folder: %w", err)
			}
			return abs, nil
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// DownloadDir returns (and creates) the target directory for a remote
// archive download.
func (s *Service) DownloadDir(archiveName string) (string, error) {
	abs, err := s.Resolve(filepath.Join(downloadedDirName, filepath.Base(archiveName)))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	return abs, nil
}

// summarizeArchiveDir counts archive parts in a directory tree.
func (s *Service) summarizeArchiveDir(dir string) (FolderInfo, bool) {
	var info FolderInfo
	found := false
	_ = filepath.Walk(dir, func(_ string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return nil
		}
		if archive.IsArchive(fi.Name()) {
			found = true
			info.FileCount++
			info.SizeBytes += fi.Size()
		}
		return nil
	})
	return info, found
}

func startsWithDigit(name string) bool {
	for _, r := range name {
		return unicode.IsDigit(r)
	}
	return false
}
