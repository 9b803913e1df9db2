package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ytmaster/internal/config"
	"ytmaster/internal/download"
	"ytmaster/internal/logging"
	"ytmaster/internal/server"
	"ytmaster/internal/store"
	"ytmaster/internal/ui"
	"ytmaster/internal/urlnorm"
)

const shutdownTimeout = 20 * time.Second

type options struct {
	configPath string
	mode       string
	target     string
	quiet      bool
	set        map[string]string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("ytmaster", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var o options
	fs.StringVar(&o.configPath, "config", "", "Path to config.yaml (default: XDG config dir ytmaster/config.yaml)")
	fs.StringVar(&o.mode, "mode", "video", "Mode for a plain URL argument: video or audio")
	fs.BoolVar(&o.quiet, "quiet", false, "Do not print download events to stdout")
	fs.String("listen", "", "Control API address (host:port)")
	fs.String("output-dir", "", "Directory for downloaded files")
	fs.String("db", "", "Path to the SQLite history database")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.Int("max-concurrent", 0, "Maximum simultaneous downloads")
	fs.String("engine", "", "Fetch engine: cli or library")
	fs.String("ytdlp", "", "yt-dlp executable")

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 1 {
		return options{}, fmt.Errorf("expected at most one URL argument, got %d", fs.NArg())
	}
	o.target = fs.Arg(0)

	// Only flags given on the command line override the config file.
	o.set = make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config", "mode", "quiet":
		default:
			o.set[f.Name] = f.Value.String()
		}
	})
	return o, nil
}

func applyFlags(cfg *config.Config, set map[string]string) error {
	for name, v := range set {
		switch name {
		case "listen":
			cfg.Listen = v
		case "output-dir":
			cfg.OutputDir = v
		case "db":
			cfg.DBPath = v
		case "log-level":
			cfg.LogLevel = v
		case "engine":
			cfg.Engine = v
		case "ytdlp":
			cfg.YTDLPPath = v
		case "max-concurrent":
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
				return fmt.Errorf("max-concurrent: %w", err)
			}
			cfg.MaxConcurrent = n
		}
	}
	return nil
}

// launchTarget decodes the positional argument: a youtubemaster:// launch URL
// or a plain URL/ID fetched in modeFlag.
func launchTarget(arg, modeFlag string) (string, urlnorm.Mode, bool) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", "", false
	}
	if l, ok := urlnorm.ParseLaunch(arg); ok {
		return l.URL, l.Mode, true
	}
	if strings.HasPrefix(strings.ToLower(arg), urlnorm.LaunchScheme+":") {
		return "", "", false
	}
	return arg, urlnorm.ParseMode(modeFlag), true
}

// forward hands target to an instance already listening on addr. It returns
// server.ErrNotRunning when nothing answers.
func forward(ctx context.Context, addr, target string, mode urlnorm.Mode) error {
	c := server.NewClient(addr)
	if err := c.Ping(ctx); err != nil {
		return err
	}
	_, err := c.Enqueue(ctx, target, mode)
	logging.LogLaunchForward(addr, target, string(mode), err)
	return err
}

func buildEngine(ctx context.Context, cfg *config.Config) (download.Engine, error) {
	switch cfg.Engine {
	case "library":
		return download.NewLibraryEngine(cfg.YTDLPPath), nil
	default:
		if err := download.CheckYTDLP(ctx, cfg.YTDLPPath); err != nil {
			return nil, err
		}
		e := download.NewCLIEngine(cfg.YTDLPPath)
		e.FallbackFormats = cfg.FallbackFormats
		return e, nil
	}
}

func buildMetadata(cfg *config.Config) (download.MetadataFetcher, error) {
	chain := download.ChainFetcher{
		download.NewPlatformFetcher(cfg.YouTubeAPIKey),
		download.ProbeFetcher{Bin: cfg.YTDLPPath},
	}
	return download.NewCachedFetcher(chain, cfg.MetadataCacheSize)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("ytmaster: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, o.set); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel))

	target, mode, hasTarget := launchTarget(o.target, o.mode)
	if o.target != "" && !hasTarget {
		return fmt.Errorf("no target URL in %q", o.target)
	}
	if hasTarget {
		fctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := forward(fctx, cfg.Listen, target, mode)
		cancel()
		if err == nil {
			return nil
		}
		if !errors.Is(err, server.ErrNotRunning) {
			return err
		}
		// Nobody is listening: become the instance and queue it here.
	}

	if err := cfg.ResolveOutputDir(); err != nil {
		return err
	}
	if err := cfg.ResolveDBPath(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	engine, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	meta, err := buildMetadata(cfg)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.AbsDBPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	// Closed explicitly after the manager has drained its events.

	completed, err := st.CompletedKeys(ctx)
	if err != nil {
		st.Close()
		return fmt.Errorf("load completed keys: %w", err)
	}

	mgr := download.New(download.Options{
		MaxConcurrent:   cfg.MaxConcurrent,
		CancelGrace:     cfg.CancelGrace.Std(),
		OutputDir:       cfg.AbsOutputDir,
		DefaultFormat:   download.ResolveFormat(cfg.Preset),
		Engine:          engine,
		Metadata:        meta,
		MetadataTimeout: cfg.MetadataTimeout.Std(),
		Completed:       completed,
	})
	mgr.Events().Subscribe(store.NewRecorder(st).Handle)
	if !o.quiet {
		mgr.Events().Subscribe(ui.NewConsole(stdout).Handle)
	}

	if _, err := download.ResumeIncomplete(ctx, st, mgr, cfg.ResumeLimit); err != nil {
		logging.With("event", "startup").Warn("resume failed", "error", err)
	}
	if hasTarget {
		format := download.ResolveFormat(download.PresetForMode(cfg.Preset, mode))
		if _, err := mgr.Enqueue(target, format); err != nil {
			logging.LogDownloadError(logging.RedactURL(target), "launch enqueue failed", err)
		}
	}

	api := server.New(mgr, server.Options{Preset: cfg.Preset, History: st})
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // event stream is long-lived
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		api.Close()
		mgr.Shutdown()
		st.Close()
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	logging.LogServerStart(ln.Addr().String(), cfg.Summary())

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logging.LogServerShutdown("shutdown signal received; draining", nil)
	case err = <-serveErr:
		logging.LogServerShutdown("server stopped", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	api.Close()
	if serr := srv.Shutdown(sctx); serr != nil {
		logging.LogServerShutdown("http shutdown", serr)
	}
	mgr.Shutdown()
	if cerr := st.Close(); cerr != nil {
		logging.LogServerShutdown("close history", cerr)
	}
	logging.LogServerShutdown("shutdown complete", nil)
	return err
}
