package download

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ytmaster/internal/logging"
)

const defaultOutputTemplate = "%(title).200s-%(id)s.%(ext)s"

// CLIEngine runs yt-dlp as a subprocess and reads JSON progress lines from it.
type CLIEngine struct {
	// Bin is the yt-dlp executable. Empty means "yt-dlp" from PATH.
	Bin string
	// ExtraArgs are appended before the target URL.
	ExtraArgs []string
	// FallbackFormats are tried in order when a video fetch fails with a
	// provider restriction such as HTTP 403. Audio-only formats never fall back.
	FallbackFormats []string
	// WaitDelay bounds how long Fetch waits for output pipes after the
	// process was killed. Zero means two seconds.
	WaitDelay time.Duration

	checkMu sync.Mutex
	checked bool
}

// NewCLIEngine returns an engine using bin.
func NewCLIEngine(bin string) *CLIEngine {
	return &CLIEngine{Bin: bin}
}

func (e *CLIEngine) bin() string {
	if e.Bin == "" {
		return "yt-dlp"
	}
	return e.Bin
}

// CheckYTDLP ensures yt-dlp is runnable and supports --progress-template.
func CheckYTDLP(ctx context.Context, bin string) error {
	if bin == "" {
		bin = "yt-dlp"
	}
	p, err := exec.LookPath(bin)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrYTDLPNotFound, err)
	}
	out, err := exec.CommandContext(ctx, p, "--help").CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: not runnable: %v", ErrYTDLPNotFound, err)
	}
	if !strings.Contains(string(out), "--progress-template") {
		return fmt.Errorf("%w: missing --progress-template support", ErrYTDLPNotFound)
	}
	return nil
}

// ensureYTDLP runs CheckYTDLP until it first succeeds. Failures are not
// remembered so a binary installed later is picked up.
func (e *CLIEngine) ensureYTDLP(ctx context.Context) error {
	e.checkMu.Lock()
	defer e.checkMu.Unlock()
	if e.checked {
		return nil
	}
	if err := CheckYTDLP(ctx, e.bin()); err != nil {
		return err
	}
	e.checked = true
	return nil
}

// Fetch implements Engine.
func (e *CLIEngine) Fetch(ctx context.Context, req Request, progress ProgressFunc) (Result, error) {
	if err := e.ensureYTDLP(ctx); err != nil {
		return Result{}, err
	}
	res, err := e.runOnce(ctx, req, req.Format.Format, progress)
	if err == nil || errors.Is(err, ErrCancelled) || ctx.Err() != nil {
		return res, err
	}
	if isAudioOnly(req.Format.Format) || !shouldFallback(err.Error()) {
		return res, err
	}
	firstErr := err
	for _, format := range e.FallbackFormats {
		if format == req.Format.Format {
			continue
		}
		logging.LogDownloadError(req.Key.String(), "yt-dlp failed; retrying with fallback format "+format, err)
		res, err = e.runOnce(ctx, req, format, progress)
		if err == nil || errors.Is(err, ErrCancelled) || ctx.Err() != nil {
			return res, err
		}
		if !shouldFallback(err.Error()) && !strings.Contains(strings.ToLower(err.Error()), "ffmpeg") {
			return res, err
		}
	}
	return res, firstErr
}

// buildYTDLPArgs constructs the yt-dlp argument list for one attempt.
func buildYTDLPArgs(url, outTpl, format, mergeFormat string, extra []string) []string {
	args := []string{
		"--newline", "--no-color", "--no-playlist",
		"--progress-template", "download:%(progress)j",
		"--socket-timeout", "120",
		"--retries", "10",
		"--fragment-retries", "10",
		"--extractor-retries", "5",
		"--file-access-retries", "5",
		"--skip-unavailable-fragments",
		"--no-mtime",
		"--continue",
		"--windows-filenames",
		"--output", outTpl,
	}
	if format != "" {
		args = append(args, "--format", format)
	}
	if mergeFormat != "" {
		args = append(args, "--merge-output-format", mergeFormat)
	}
	args = append(args, extra...)
	return append(args, "--", url)
}

func (e *CLIEngine) runOnce(ctx context.Context, req Request, format string, progress ProgressFunc) (Result, error) {
	outTpl := filepath.Join(req.OutputDir, defaultOutputTemplate)
	args := buildYTDLPArgs(req.URL, outTpl, format, req.Format.MergeOutputFormat, e.ExtraArgs)
	logging.LogYTDLPCommand(req.Key.String(), e.bin(), args)

	cmd := exec.CommandContext(ctx, e.bin(), args...)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	var stderrBuf, stdoutBuf bytes.Buffer
	stderrR, stderrW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	cmd.Stderr = io.MultiWriter(&stderrBuf, stderrW)
	cmd.Stdout = io.MultiWriter(&stdoutBuf, stdoutW)

	t := &progressTracker{key: req.Key.String(), fn: progress, stop: func() { interrupt(cmd) }}

	// Progress may appear on either stream depending on the yt-dlp version.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		t.scan(bufio.NewScanner(stderrR))
		_, _ = io.Copy(io.Discard, stderrR)
	}()
	go func() {
		defer wg.Done()
		t.scan(bufio.NewScanner(stdoutR))
		_, _ = io.Copy(io.Discard, stdoutR)
	}()

	if err := cmd.Start(); err != nil {
		stderrW.Close()
		stdoutW.Close()
		wg.Wait()
		return Result{}, fmt.Errorf("start: %w", err)
	}
	// Wait returns once the output copies finish, or WaitDelay after a kill
	// when a grandchild still holds the pipes open.
	waitErr := cmd.Wait()
	stderrW.Close()
	stdoutW.Close()
	wg.Wait()

	if t.stopped() {
		return Result{}, ErrCancelled
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if waitErr != nil {
		if msg := lastErrorLine(stderrBuf.String()); msg != "" {
			return Result{}, fmt.Errorf("yt-dlp: %w: %s", waitErr, msg)
		}
		if tail := tailString(stderrBuf.String(), 512); tail != "" {
			return Result{}, fmt.Errorf("yt-dlp: %w: %s", waitErr, tail)
		}
		return Result{}, fmt.Errorf("yt-dlp: %w", waitErr)
	}

	combined := strings.TrimSpace(stdoutBuf.String() + "\n" + stderrBuf.String())
	return Result{Filename: extractFilename(combined), Title: t.title()}, nil
}

// interrupt asks yt-dlp to stop and clean up. Platforms without SIGINT
// delivery get a kill instead.
func interrupt(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
}

// progressData is the subset of yt-dlp's progress dict we read.
type progressData struct {
	Status             string   `json:"status"`
	DownloadedBytes    float64  `json:"downloaded_bytes"`
	TotalBytes         float64  `json:"total_bytes"`
	TotalBytesEstimate float64  `json:"total_bytes_estimate"`
	Speed              *float64 `json:"speed"`
	ETA                *float64 `json:"eta"`
	Filename           string   `json:"filename"`
	FragmentIndex      int      `json:"fragment_index"`
	FragmentCount      int      `json:"fragment_count"`
}

// progressTracker serializes progress from both output streams and turns a
// cancellation request from the callback into an interrupt.
type progressTracker struct {
	key  string
	fn   ProgressFunc
	stop func()

	mu        sync.Mutex
	started   bool
	cancelled bool
	lastTitle string
}

func (t *progressTracker) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *progressTracker) title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTitle
}

func (t *progressTracker) report(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.fn == nil {
		return
	}
	if p.Title != "" {
		t.lastTitle = p.Title
	}
	if err := t.fn(p); err != nil {
		t.cancelled = true
		t.stop()
	}
}

func (t *progressTracker) scan(sc *bufio.Scanner) {
	sc.Buffer(make([]byte, 4096), 256*1024)
	// yt-dlp rewrites progress on one line using carriage returns.
	sc.Split(scanCRorLF)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if p, ok := parseProgressLine(line); ok {
			t.report(p)
			continue
		}
		if phase := phaseForLine(line); phase != "" {
			t.mu.Lock()
			first := !t.started
			t.started = true
			t.mu.Unlock()
			if phase == PhasePostProcessing || first {
				t.report(Progress{Phase: phase, Percent: -1})
			}
		}
	}
	if err := sc.Err(); err != nil {
		logging.LogProgressScanError(t.key, err)
	}
}

// parseProgressLine decodes one --progress-template JSON line.
func parseProgressLine(line string) (Progress, bool) {
	if !strings.HasPrefix(line, "{") {
		return Progress{}, false
	}
	var pd progressData
	if err := json.Unmarshal([]byte(line), &pd); err != nil {
		return Progress{}, false
	}
	switch pd.Status {
	case "downloading", "finished":
	default:
		return Progress{}, false
	}

	total := pd.TotalBytes
	if total <= 0 && pd.TotalBytesEstimate > 0 {
		total = pd.TotalBytesEstimate
	}
	p := Progress{
		Phase:      PhaseDownloading,
		Percent:    -1,
		Downloaded: int64(pd.DownloadedBytes),
		Total:      int64(total),
	}
	if pd.Filename != "" {
		p.Filename = filepath.Base(pd.Filename)
	}
	switch {
	case pd.Status == "finished":
		p.Percent = 100
	case total > 0 && pd.DownloadedBytes >= 0:
		p.Percent = clampPercent(pd.DownloadedBytes / total * 100)
	case pd.FragmentCount > 0:
		p.Percent = clampPercent(float64(pd.FragmentIndex) / float64(pd.FragmentCount) * 100)
	}
	if pd.Speed != nil && *pd.Speed > 0 {
		p.Speed = *pd.Speed
	}
	if pd.ETA != nil && *pd.ETA >= 0 {
		p.ETA = time.Duration(*pd.ETA * float64(time.Second))
	}
	return p, true
}

// phaseForLine classifies yt-dlp's bracketed informational lines.
func phaseForLine(line string) Phase {
	if !strings.HasPrefix(line, "[") {
		return ""
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return ""
	}
	switch tag := line[1:end]; tag {
	case "Merger", "ExtractAudio", "FixupM4a", "FixupM3u8", "EmbedThumbnail", "Metadata", "VideoConvertor", "VideoRemuxer":
		return PhasePostProcessing
	case "download", "debug":
		return ""
	default:
		return PhaseProcessing
	}
}

func clampPercent(p float64) float64 {
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

func isAudioOnly(format string) bool {
	return strings.HasPrefix(format, "bestaudio")
}

// lastErrorLine returns the message of the last "ERROR:" line in output.
func lastErrorLine(output string) string {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if idx := strings.Index(line, "ERROR:"); idx >= 0 {
			return tailString(strings.TrimSpace(line[idx+len("ERROR:"):]), 512)
		}
	}
	return ""
}

// shouldFallback returns true if the error text suggests we should retry with
// simpler or pre-merged formats.
func shouldFallback(errText string) bool {
	et := strings.ToLower(errText)
	for _, marker := range []string{
		"http error 403",
		"fragment 1 not found",
		"requested format is not available",
		"unable to continue",
	} {
		if strings.Contains(et, marker) {
			return true
		}
	}
	return false
}

// extractFilename extracts the downloaded filename from yt-dlp output
func extractFilename(output string) string {
	lines := strings.Split(output, "\n")
	var (
		mergedName      string
		alreadyDLName   string
		lastDestination string
	)
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// [Merger] Merging formats into "Title-id.mp4"
		if strings.Contains(line, "Merging formats into") {
			start := strings.IndexAny(line, "'\"")
			if start != -1 {
				quote := line[start]
				rest := line[start+1:]
				if end := strings.IndexByte(rest, quote); end != -1 {
					mergedName = filepath.Base(rest[:end])
					continue
				}
			}
		}
		if strings.HasPrefix(line, "[download]") && strings.Contains(line, "has already been downloaded") {
			if i := strings.Index(line, "] "); i != -1 {
				rest := line[i+2:]
				if j := strings.Index(rest, " has already been downloaded"); j != -1 {
					alreadyDLName = filepath.Base(strings.TrimSpace(rest[:j]))
					continue
				}
			}
		}
		// Destination lines may name intermediate fXXX streams; use as fallback.
		if strings.Contains(line, "Destination:") {
			parts := strings.SplitN(line, "Destination:", 2)
			lastDestination = filepath.Base(strings.TrimSpace(parts[1]))
		}
	}
	switch {
	case mergedName != "":
		return mergedName
	case alreadyDLName != "":
		return alreadyDLName
	default:
		return lastDestination
	}
}

// scanCRorLF is like bufio.ScanLines but treats a bare '\r' as a line
// terminator as well. It also handles CRLF and strips a trailing CR.
func scanCRorLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			line := data[:i]
			if i > 0 && data[i-1] == '\r' {
				line = data[:i-1]
			}
			return i + 1, line, nil
		}
		if data[i] == '\r' {
			if i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		if len(data) > 0 && data[len(data)-1] == '\r' {
			return len(data), data[:len(data)-1], nil
		}
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailString returns the last at most n bytes from s.
func tailString(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(s[len(s)-n:])
}
