package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gorewrite/internal/api"
	"github.com/hyperifyio/gorewrite/internal/app"
	"github.com/hyperifyio/gorewrite/internal/lifecycle"
)

const defaultCacheDir = ".gorewrite-cache"

func main() {
	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		configPath    string
		envFiles      string
		showVersion   bool
		rootSelectors string
		cfg           app.Config
	)

	flag.StringVar(&configPath, "config", os.Getenv("GOREWRITE_CONFIG"), "Path to a YAML or JSON config file")
	flag.StringVar(&envFiles, "env", ".env", "Comma-separated dotenv files to load; missing files are skipped")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.StringVar(&cfg.InputPath, "input", "", "HTML or Markdown file, http(s) URL, or - for stdin")
	flag.StringVar(&cfg.OutputPath, "output", "", "Where to write the rewritten HTML; - for stdout (derived from input when empty)")
	flag.StringVar(&cfg.OutputPDFPath, "output.pdf", "", "Optional PDF summary of the rewritten text")
	flag.StringVar(&cfg.ManifestPath, "manifest", "", "Manifest JSON path (defaults to <output>.manifest.json)")
	flag.StringVar(&cfg.LLMBaseURL, "llm.base", "", "OpenAI-compatible base URL")
	flag.StringVar(&cfg.LLMModel, "llm.model", "", "Model name")
	flag.StringVar(&cfg.LLMAPIKey, "llm.key", "", "API key for OpenAI-compatible server")
	flag.StringVar(&cfg.Theme, "theme", "", "Theme of the rewrite (default Star Wars)")
	flag.StringVar(&cfg.ShortSegments, "short", "", "Short segment policy: preserve or apply")
	flag.BoolVar(&cfg.DisableText, "no-text", false, "Skip the text rewrite")
	flag.IntVar(&cfg.MinWords, "min.words", 0, "Minimum words for a content root (default 100)")
	flag.IntVar(&cfg.MaxChunk, "max.chunk", 0, "Segments per chunk (default 5)")
	flag.IntVar(&cfg.BatchSize, "batch", 0, "Chunks rewritten concurrently per batch (default 3)")
	flag.StringVar(&rootSelectors, "root", "", "Comma-separated content root selectors, in priority order")
	flag.BoolVar(&cfg.StrictRoot, "root.strict", false, "Do not fall back to <body> when no root qualifies")
	flag.StringVar(&cfg.Charset, "charset", "", "Force the input character set, e.g. windows-1252")
	flag.StringVar(&cfg.ImageURL, "image.url", "", "Image transform endpoint")
	flag.StringVar(&cfg.ImageAPIKey, "image.key", "", "API key for the image transform endpoint")
	flag.StringVar(&cfg.ImagePrompt, "image.prompt", "", "Override the image prompt")
	flag.Float64Var(&cfg.ImageStrength, "image.strength", 0, "Image strength 0..1 (default 0.35)")
	flag.IntVar(&cfg.ImageMinSize, "image.minSize", 0, "Minimum image width and height in pixels (default 100)")
	flag.BoolVar(&cfg.DisableImages, "no-images", false, "Skip the image pipeline")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "Extract and plan without calling any model")
	flag.BoolVar(&cfg.Verbose, "v", false, "Verbose logging")
	flag.StringVar(&cfg.UserAgent, "ua", "", "User-Agent for page and image requests")
	flag.BoolVar(&cfg.InsecureTLS, "insecure", false, "Skip TLS certificate verification")
	flag.StringVar(&cfg.CacheDir, "cache.dir", "", "Cache directory path")
	flag.DurationVar(&cfg.CacheMaxAge, "cache.maxAge", 0, "Max age for cache entries before purge (e.g. 24h); 0 disables")
	flag.BoolVar(&cfg.CacheClear, "cache.clear", false, "Clear cache directory before run")
	flag.BoolVar(&cfg.CacheStrictPerms, "cache.strictPerms", false, "Restrict cache permissions (0700 dirs, 0600 files)")
	flag.BoolVar(&cfg.ResponseCacheOnly, "cache.only", false, "Serve model responses from cache only")
	flag.StringVar(&cfg.PreferencesFile, "prefs", "", "YAML file holding the enabled preference")
	flag.BoolVar(&cfg.Watch, "watch", false, "Keep polling the input URL and rewrite on change")
	flag.DurationVar(&cfg.WatchInterval, "watch.interval", 0, "Polling interval in watch mode (default 30s)")
	flag.BoolVar(&cfg.IgnoreRobots, "robots.ignore", false, "Poll in watch mode even where robots.txt disallows it")
	flag.StringVar(&cfg.ServeAddr, "serve", "", "Serve the HTTP API on this address instead of a one-shot run")
	flag.Parse()

	if showVersion {
		fmt.Println(app.VersionString())
		return
	}
	if cfg.InputPath == "" && flag.NArg() > 0 {
		cfg.InputPath = flag.Arg(0)
	}
	if s := strings.TrimSpace(rootSelectors); s != "" {
		for _, p := range strings.Split(s, ",") {
			if v := strings.TrimSpace(p); v != "" {
				cfg.RootSelectors = append(cfg.RootSelectors, v)
			}
		}
	}

	if err := app.LoadEnvFiles(strings.Split(envFiles, ",")...); err != nil {
		log.Error().Err(err).Msg("load env files")
		os.Exit(1)
	}
	// Precedence: flags, then env, then config file.
	app.ApplyEnvToConfig(&cfg)
	if strings.TrimSpace(configPath) != "" {
		fc, err := app.LoadConfigFile(configPath)
		if err != nil {
			log.Error().Err(err).Msg("load config file")
			os.Exit(1)
		}
		app.ApplyFileConfig(&cfg, fc)
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = defaultCacheDir
	}

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := app.ValidateConfig(cfg); err != nil {
		log.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if cfg.ServeAddr != "" {
		err = serve(ctx, cfg)
	} else {
		err = run(ctx, cfg)
	}
	if err != nil {
		log.Error().Err(err).Msg("run failed")
	}
	os.Exit(exitCode(err))
}

// exitCode maps run errors to the process exit status: 2 when the page had
// nothing to rewrite, 1 for any other failure.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, app.ErrNothingToRewrite):
		return 2
	}
	return 1
}

func run(ctx context.Context, cfg app.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	return a.Run(ctx)
}

func preferences(cfg app.Config) lifecycle.PreferenceStore {
	if cfg.PreferencesFile != "" {
		return &lifecycle.FilePreferences{Path: cfg.PreferencesFile}
	}
	mem := &lifecycle.MemoryPreferences{}
	_ = mem.SetEnabled(true)
	return mem
}

func serve(ctx context.Context, cfg app.Config) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer a.Close()

	logger := log.With().Str("run_id", a.RunID()).Logger()
	httpServer := &http.Server{
		Addr:         cfg.ServeAddr,
		Handler:      api.NewServer(a, preferences(cfg), api.Options{Logger: &logger}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: api.DefaultTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown.
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.ServeAddr).Str("version", app.VersionString()).Msg("serving")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
