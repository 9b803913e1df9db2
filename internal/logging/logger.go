package logging

import (
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger on stderr. Terminals get the
// text handler, everything else gets JSON.
func Init(level slog.Level) {
	json := !isatty.IsTerminal(os.Stderr.Fd()) && !isatty.IsCygwinTerminal(os.Stderr.Fd())
	InitWriter(os.Stderr, level, json)
}

// InitWriter initializes the global logger on w.
func InitWriter(w io.Writer, level slog.Level, json bool) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// LogEnqueue logs a newly queued item. raw is the caller's input and is redacted.
func LogEnqueue(key, recordID, raw string, queued int) {
	if Logger == nil {
		return
	}
	Logger.Info("download queued",
		"event", "enqueue",
		"key", key,
		"record_id", recordID,
		"input", RedactURL(raw),
		"queued", queued)
}

// LogDuplicate logs an enqueue that was ignored because the key is known.
func LogDuplicate(key, status string) {
	if Logger == nil {
		return
	}
	Logger.Debug("duplicate enqueue ignored",
		"event", "enqueue_duplicate",
		"key", key,
		"status", status)
}

// LogDispatch logs a queued item being handed to a worker.
func LogDispatch(key, recordID string, active, max int) {
	if Logger == nil {
		return
	}
	Logger.Info("download started",
		"event", "dispatch",
		"key", key,
		"record_id", recordID,
		"active", active,
		"max_concurrent", max)
}

// LogDownloadProgress logs download progress updates
func LogDownloadProgress(key string, progress float64, statusText string) {
	if Logger == nil {
		return
	}
	Logger.Debug("download progress",
		"event", "download_progress",
		"key", key,
		"progress", progress,
		"status_text", statusText)
}

// LogDownloadComplete logs successful download completion
func LogDownloadComplete(key, filename string, elapsed time.Duration) {
	if Logger == nil {
		return
	}
	Logger.Info("download complete",
		"event", "download_complete",
		"key", key,
		"filename", filename,
		"elapsed_ms", elapsed.Milliseconds())
}

// LogDownloadError logs download failures
func LogDownloadError(key, msg string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error(msg,
		"event", "download_error",
		"key", key,
		"error", err)
}

// LogCancel logs a cancellation. stage is "queued", "active" or "shutdown".
func LogCancel(key, stage string, forced bool) {
	if Logger == nil {
		return
	}
	Logger.Info("download cancelled",
		"event", "download_cancel",
		"key", key,
		"stage", stage,
		"forced", forced)
}

// LogConcurrencyChange logs a change of the concurrency cap.
func LogConcurrencyChange(from, to int) {
	if Logger == nil {
		return
	}
	Logger.Info("max concurrent changed",
		"event", "concurrency_change",
		"from", from,
		"to", to)
}

// LogMetadataFetch logs metadata fetching operations
func LogMetadataFetch(target, source string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("metadata fetch failed",
			"event", "metadata_fetch_error",
			"url", RedactURL(target),
			"source", source,
			"error", err)
	} else {
		Logger.Debug("metadata fetched",
			"event", "metadata_fetch",
			"url", RedactURL(target),
			"source", source)
	}
}

// LogYTDLPCommand logs yt-dlp command execution
func LogYTDLPCommand(key, bin string, args []string) {
	if Logger == nil {
		return
	}
	Logger.Debug("yt-dlp command",
		"event", "ytdlp_start",
		"key", key,
		"bin", bin,
		"args", strings.Join(args, " "))
}

// LogProgressScanError logs progress scanning errors
func LogProgressScanError(key string, err error) {
	if Logger == nil {
		return
	}
	Logger.Warn("progress scan error",
		"event", "progress_scan_error",
		"key", key,
		"error", err)
}

// LogTempCleanup logs removal of partial download files.
func LogTempCleanup(dir string, removed int, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("temp cleanup failed",
			"event", "temp_cleanup_error",
			"dir", dir,
			"removed", removed,
			"error", err)
		return
	}
	Logger.Debug("temp files removed",
		"event", "temp_cleanup",
		"dir", dir,
		"removed", removed)
}

// LogDBOperation logs database operations
func LogDBOperation(operation, key string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("database operation failed",
			"event", "db_operation_error",
			"operation", operation,
			"key", key,
			"error", err)
	} else {
		Logger.Debug("database operation",
			"event", "db_operation",
			"operation", operation,
			"key", key)
	}
}

// LogDBUpdate logs database updates
func LogDBUpdate(operation, key string, fields map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "db_update",
		"operation", operation,
		"key", key,
	}
	for k, v := range fields {
		if strings.EqualFold(k, "url") {
			if urlValue, ok := v.(string); ok {
				v = RedactURL(urlValue)
			}
		}
		attrs = append(attrs, k, v)
	}
	Logger.Debug("database updated", attrs...)
}

// LogResume logs re-enqueueing of unfinished items from a previous session.
func LogResume(resumed int, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("resume incomplete downloads error",
			"event", "resume_error",
			"resumed", resumed,
			"error", err)
	} else {
		Logger.Info("resumed incomplete downloads",
			"event", "resume",
			"resumed", resumed)
	}
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}

// LogLaunchForward logs a launch URL handed to an already running instance.
func LogLaunchForward(addr, target, mode string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("launch forward failed",
			"event", "launch_forward_error",
			"addr", addr,
			"url", RedactURL(target),
			"mode", mode,
			"error", err)
		return
	}
	Logger.Info("launch forwarded",
		"event", "launch_forward",
		"addr", addr,
		"url", RedactURL(target),
		"mode", mode)
}

// LogSubscriberPanic logs a recovered panic from an event handler.
func LogSubscriberPanic(eventType string, recovered any) {
	if Logger == nil {
		return
	}
	Logger.Error("event handler panic",
		"event", "subscriber_panic",
		"event_type", eventType,
		"panic", fmt.Sprint(recovered))
}

// With returns a logger with additional context
func With(attrs ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger.With(attrs...)
}
