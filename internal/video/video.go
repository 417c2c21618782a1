package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// videoExtensions lists the container formats the compressor accepts.
var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mkv":  true,
	".mov":  true,
	".flv":  true,
	".wmv":  true,
	".webm": true,
	".m4v":  true,
	".ts":   true,
}

// presetMap translates the user-facing CPU preset names to ffmpeg
// x264 presets.
var presetMap = map[string]string{
	"fastest": "ultrafast",
	"fast":    "superfast",
	"normal":  "veryfast",
}

// IsVideo reports whether a path looks like a compressible video file.
func IsVideo(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// FFmpegPreset maps a user preset name to the x264 preset ffmpeg
// expects, defaulting to veryfast for unknown names.
func FFmpegPreset(name string) string {
	if p, ok := presetMap[strings.ToLower(name)]; ok {
		return p
	}
	return "veryfast"
}

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability. onLine is
// invoked for each stdout line as the process emits it and may be nil.
type commandRunner interface {
	Run(ctx context.Context, onLine func(string), name string, args ...string) (commandResult, error)
}

// execRunner executes commands via os/exec, streaming stdout lines.
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

// CompressRequest describes one video compression run.
type CompressRequest struct {
	InputPath  string
	OutputPath string
	Preset     string // fastest, fast or normal
	Threads    int    // 0 lets ffmpeg decide
	KeepAudio  bool   // copy the audio stream instead of re-encoding to AAC
	OnProgress func(percent int)
}

// Transcoder wraps ffmpeg and ffprobe invocations.
type Transcoder struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
}

// NewTranscoder creates a transcoder using the ffmpeg/ffprobe binaries
// on PATH.
func NewTranscoder() *Transcoder {
	return &Transcoder{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		runner:      &execRunner{},
	}
}

// newTranscoderForTests injects a fake runner.
func newTranscoderForTests(r commandRunner) *Transcoder {
	return &Transcoder{
		ffmpegPath:  "ffmpeg",
		ffprobePath: "ffprobe",
		runner:      r,
	}
}

// Duration returns the media duration in seconds via ffprobe.
func (t *Transcoder) Duration(ctx context.Context, path string) (float64, error) {
	res, err := t.runner.Run(ctx, nil, t.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %s: %w", path, stderrTail(res.Stderr), err)
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return dur, nil
}

// Compress re-encodes a video with libx264 at CRF 28. Progress is read
// from ffmpeg's machine-readable -progress stream on stdout and
// reported as whole percents.
func (t *Transcoder) Compress(ctx context.Context, req CompressRequest) error {
	duration, err := t.Duration(ctx, req.InputPath)
	if err != nil {
		// Without a duration we still compress, just without percents.
		duration = 0
	}

	args := buildCompressArgs(req)

	lastPercent := -1
	onLine := func(line string) {
		us, ok := parseOutTime(line)
		if !ok || duration <= 0 {
			return
		}
		percent := int(float64(us) / 1e6 / duration * 100)
		if percent > 100 {
			percent = 100
		}
		if percent != lastPercent && req.OnProgress != nil {
			lastPercent = percent
			req.OnProgress(percent)
		}
	}

	res, err := t.runner.Run(ctx, onLine, t.ffmpegPath, args...)
	if err != nil {
		return fmt.Errorf("ffmpeg %s: %s: %w", filepath.Base(req.InputPath), stderrTail(res.Stderr), err)
	}

	if req.OnProgress != nil && lastPercent != 100 {
		req.OnProgress(100)
	}
	return nil
}

// buildCompressArgs assembles the ffmpeg argument list for a request.
func buildCompressArgs(req CompressRequest) []string {
	args := []string{
		"-y",
		"-i", req.InputPath,
		"-c:v", "libx264",
		"-preset", FFmpegPreset(req.Preset),
		"-crf", "28",
	}

	if req.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(req.Threads))
	}

	if req.KeepAudio {
		args = append(args, "-c:a", "copy")
	} else {
		args = append(args, "-c:a", "aac", "-b:a", "128k")
	}

	args = append(args,
		"-map_metadata", "0",
		"-progress", "pipe:1",
		"-nostats",
		req.OutputPath,
	)
	return args
}

// parseOutTime extracts the out_time_ms value (microseconds, despite
// the name) from one -progress line.
func parseOutTime(line string) (int64, bool) {
	const prefix = "out_time_ms="
	if !strings.HasPrefix(line, prefix) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, prefix)), 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// stderrTail keeps error messages readable by returning only the last
// few lines of ffmpeg's stderr.
func stderrTail(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if len(lines) > 3 {
		lines = lines[len(lines)-3:]
	}
	return strings.Join(lines, " | ")
}
