package archive

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// percentPattern matches 7z's -bsp1 progress output, e.g. " 42% 3 + file".
var percentPattern = regexp.MustCompile(`(\d+)%`)

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability. onLine is
// invoked per stdout line and may be nil.
type commandRunner interface {
	Run(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return commandResult{ExitCode: -1}, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1}, fmt.Errorf("start %s: %w", name, err)
	}

	var captured strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	// 7z redraws progress with \r on one line, split on both.
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := scanner.Text()
		captured.WriteString(line)
		captured.WriteString("\n")
		if onLine != nil {
			onLine(line)
		}
	}

	err = cmd.Wait()
	result := commandResult{
		Stdout: captured.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}

	return result, nil
}

// scanLinesOrCR is bufio.ScanLines that also treats a bare \r as a
// line terminator.
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// CreateRequest describes one archive creation run.
type CreateRequest struct {
	Paths       []string // files or directories to add
	OutPath     string   // target .7z path
	Password    string   // empty means no encryption
	SplitSizeMB int      // 0 means no volume splitting
	OnProgress  func(percent int)
}

// Result reports the produced archive. Parts has a single entry for an
// unsplit archive and one entry per volume otherwise.
type Result struct {
	Parts []string
	Split bool
}

// Entry is one file inside an archive as reported by 7z l -slt.
type Entry struct {
	Path string
	Size int64
}

// Archiver wraps 7z invocations.
type Archiver struct {
	binPath string
	runner  commandRunner
}

// NewArchiver creates an archiver using the 7z binary on PATH.
func NewArchiver() *Archiver {
	return &Archiver{binPath: "7z", runner: &execRunner{}}
}

func newArchiverForTests(r commandRunner) *Archiver {
	return &Archiver{binPath: "7z", runner: r}
}

// Create builds a (optionally encrypted, optionally split) 7z archive.
// Encryption uses -mhe=on so file names are hidden too.
func (a *Archiver) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	args := []string{"a"}

	if req.SplitSizeMB > 0 {
		args = append(args, fmt.Sprintf("-v%dm", req.SplitSizeMB))
	}
	if req.Password != "" {
		args = append(args, "-p"+req.Password, "-mhe=on")
	}
	args = append(args, "-bsp1", req.OutPath)
	args = append(args, req.Paths...)

	if err := a.run(ctx, req.OnProgress, args...); err != nil {
		return nil, fmt.Errorf("create archive %s: %w", filepath.Base(req.OutPath), err)
	}

	parts, err := collectParts(req.OutPath)
	if err != nil {
		return nil, err
	}

	if req.OnProgress != nil {
		req.OnProgress(100)
	}
	return &Result{Parts: parts, Split: len(parts) > 1}, nil
}

// Extract unpacks an archive into outDir. For split archives pass the
// first volume (.7z.001).
func (a *Archiver) Extract(ctx context.Context, archivePath, outDir, password string, onProgress func(int)) error {
	args := []string{"x", archivePath}
	if password != "" {
		args = append(args, "-p"+password)
	}
	args = append(args, "-bsp1", "-y", "-o"+outDir)

	if err := a.run(ctx, onProgress, args...); err != nil {
		return fmt.Errorf("extract %s: %w", filepath.Base(archivePath), err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

// List returns the entries of an archive via 7z l -slt.
func (a *Archiver) List(ctx context.Context, archivePath, password string) ([]Entry, error) {
	args := []string{"l", archivePath}
	if password != "" {
		args = append(args, "-p"+password)
	}
	args = append(args, "-slt")

	res, err := a.runner.Run(ctx, nil, a.binPath, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %s: %w", filepath.Base(archivePath), stderrTail(res.Stderr), err)
	}
	return parseListing(res.Stdout), nil
}

// run executes 7z translating -bsp1 percent output into callbacks.
func (a *Archiver) run(ctx context.Context, onProgress func(int), args ...string) error {
	lastPercent := -1
	onLine := func(line string) {
		m := percentPattern.FindStringSubmatch(line)
		if m == nil {
			return
		}
		percent, err := strconv.Atoi(m[1])
		if err != nil || percent > 100 {
			return
		}
		if percent != lastPercent && onProgress != nil {
			lastPercent = percent
			onProgress(percent)
		}
	}

	res, err := a.runner.Run(ctx, onLine, a.binPath, args...)
	if err != nil {
		return fmt.Errorf("7z: %s: %w", stderrTail(res.Stderr), err)
	}
	return nil
}

// collectParts resolves what 7z actually wrote: either the archive
// itself or its numbered volumes.
func collectParts(outPath string) ([]string, error) {
	if _, err := os.Stat(outPath); err == nil {
		return []string{outPath}, nil
	}

	matches, err := filepath.Glob(outPath + ".*")
	if err != nil {
		return nil, fmt.Errorf("glob volumes for %s: %w", outPath, err)
	}

	var parts []string
	for _, m := range matches {
		if PartNumber(m) > 0 {
			parts = append(parts, m)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("archive %s was not created", outPath)
	}

	sort.Slice(parts, func(i, j int) bool {
		return PartNumber(parts[i]) < PartNumber(parts[j])
	})
	return parts, nil
}

// parseListing extracts Path/Size pairs from -slt output. The first
// Path block describes the archive itself and is skipped.
func parseListing(out string) []Entry {
	var entries []Entry
	var current *Entry
	inBody := false

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "----------") {
			inBody = true
			continue
		}
		if !inBody {
			continue
		}

		switch {
		case strings.HasPrefix(line, "Path = "):
			if current != nil {
				entries = append(entries, *current)
			}
			current = &Entry{Path: strings.TrimPrefix(line, "Path = ")}
		case strings.HasPrefix(line, "Size = ") && current != nil:
			if size, err := strconv.ParseInt(strings.TrimPrefix(line, "Size = "), 10, 64); err == nil {
				current.Size = size
			}
		}
	}
	if current != nil {
		entries = append(entries, *current)
	}
	return entries
}

func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
