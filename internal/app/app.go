package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"

	"github.com/hyperifyio/gorewrite/internal/cache"
	"github.com/hyperifyio/gorewrite/internal/dom"
	"github.com/hyperifyio/gorewrite/internal/extract"
	"github.com/hyperifyio/gorewrite/internal/fetch"
	"github.com/hyperifyio/gorewrite/internal/images"
	"github.com/hyperifyio/gorewrite/internal/llm"
	"github.com/hyperifyio/gorewrite/internal/report"
	"github.com/hyperifyio/gorewrite/internal/rewrite"
	"github.com/hyperifyio/gorewrite/internal/segment"
	"github.com/hyperifyio/gorewrite/internal/source"
)

// ErrNothingToRewrite is returned when no content root qualified and no
// image was eligible. The CLI maps it to a distinct exit code.
var ErrNothingToRewrite = errors.New("nothing to rewrite")

// App wires loading, both rewrite pipelines and output.
type App struct {
	cfg    Config
	runID  string
	logger zerolog.Logger

	ai          llm.Client
	httpCache   *cache.HTTPCache
	respCache   *cache.ResponseCache
	pages       *fetch.Client
	loader      *source.Loader
	rewriter    rewrite.Rewriter
	policy      rewrite.ShortSegmentPolicy
	acquirer    images.Acquirer
	transformer images.Transformer

	// progress, when set, receives per-stage progress of every pass.
	progress func(stage string, done, total int)

	mu       sync.Mutex
	sessions map[*dom.Document]*session
}

// Options selects the passes of a one-shot rewrite.
type Options struct {
	Text   bool
	Images bool
}

// New builds an App from cfg. Missing optional services disable the pass
// that needs them instead of failing.
func New(ctx context.Context, cfg Config) (*App, error) {
	policy, err := rewrite.ParseShortSegmentPolicy(cfg.ShortSegments)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	a := &App{
		cfg:      cfg,
		runID:    runID,
		logger:   log.With().Str("run_id", runID).Logger(),
		policy:   policy,
		sessions: make(map[*dom.Document]*session),
	}

	if cfg.CacheDir != "" {
		if cfg.CacheClear {
			_ = cache.ClearDir(cfg.CacheDir)
		}
		if cfg.CacheMaxAge > 0 {
			// Best-effort; a purge failure must not stop the run.
			_, _ = cache.PurgeHTTPCacheByAge(cfg.CacheDir, cfg.CacheMaxAge)
			_, _ = cache.PurgeResponseCacheByAge(cfg.CacheDir, cfg.CacheMaxAge)
		}
		if cfg.CacheMaxBytes > 0 || cfg.CacheMaxCount > 0 {
			_, _ = cache.EnforceHTTPCacheLimits(cfg.CacheDir, cfg.CacheMaxBytes, cfg.CacheMaxCount)
			_, _ = cache.EnforceResponseCacheLimits(cfg.CacheDir, cfg.CacheMaxBytes, cfg.CacheMaxCount)
		}
		a.httpCache = &cache.HTTPCache{Dir: cfg.CacheDir, StrictPerms: cfg.CacheStrictPerms}
		a.respCache = &cache.ResponseCache{Dir: cfg.CacheDir, StrictPerms: cfg.CacheStrictPerms}
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent()
	}
	a.pages = &fetch.Client{
		HTTPClient:        newHighThroughputHTTPClient(60*time.Second, !cfg.InsecureTLS),
		UserAgent:         ua,
		MaxAttempts:       2,
		PerRequestTimeout: 15 * time.Second,
		Cache:             a.httpCache,
		RedirectMaxHops:   5,
		MaxConcurrent:     8,
		BypassCache:       cfg.CacheClear,
	}
	a.loader = &source.Loader{Client: a.pages, Charset: cfg.Charset}

	if !cfg.DisableText && strings.TrimSpace(cfg.LLMModel) != "" {
		provider := llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey, newHighThroughputHTTPClient(120*time.Second, !cfg.InsecureTLS))
		a.ai = provider
		a.rewriter = &rewrite.LLMRewriter{
			Client:          provider,
			Model:           cfg.LLMModel,
			Theme:           cfg.Theme,
			SystemPrompt:    cfg.SystemPrompt,
			MinSegmentWords: rewrite.DefaultMinSegmentWords,
			Cache:           a.respCache,
			CacheOnly:       cfg.ResponseCacheOnly,
		}
		if !cfg.DryRun {
			a.preflight(ctx, provider)
		}
	}

	if !cfg.DisableImages {
		a.acquirer = &images.HTTPAcquirer{Client: images.NewImageClient(a.pages)}
		if strings.TrimSpace(cfg.ImageURL) != "" {
			a.transformer = &images.HTTPTransformer{
				Endpoint:       cfg.ImageURL,
				APIKey:         cfg.ImageAPIKey,
				HTTPClient:     newHighThroughputHTTPClient(180*time.Second, !cfg.InsecureTLS),
				Prompt:         cfg.ImagePrompt,
				NegativePrompt: cfg.ImageNegativePrompt,
				Strength:       cfg.ImageStrength,
				Steps:          cfg.ImageSteps,
				CFGScale:       cfg.ImageCFGScale,
				Cache:          a.respCache,
			}
		} else if !cfg.DryRun {
			a.logger.Warn().Msg("no image transform endpoint configured; images are left unchanged")
		}
	}
	return a, nil
}

// preflight lists models as a quick connectivity check. It never fails the
// run; downstream calls surface errors.
func (a *App) preflight(ctx context.Context, provider llm.ModelLister) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	models, err := provider.ListModels(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("LLM model list failed; continuing")
		return
	}
	if len(models.Models) > 0 {
		a.logger.Info().Int("count", len(models.Models)).Msg("LLM models available")
	} else {
		a.logger.Warn().Msg("LLM returned zero models")
	}
}

// RunID identifies this process run in logs and outputs.
func (a *App) RunID() string { return a.runID }

func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = make(map[*dom.Document]*session)
}

// Run performs one rewrite of the configured input, or watches it.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Watch {
		return a.Watch(ctx)
	}
	started := time.Now()
	page, err := a.loader.Load(ctx, a.cfg.InputPath)
	if err != nil {
		return fmt.Errorf("load input: %w", err)
	}
	sum, rerr := a.Rewrite(ctx, page.Doc, Options{Text: !a.cfg.DisableText, Images: !a.cfg.DisableImages})
	sum.Source = page.URL
	sum.StartedAt = started
	sum.Duration = time.Since(started)
	sum.Log(&a.logger)
	if rerr != nil && !errors.Is(rerr, ErrNothingToRewrite) {
		return rerr
	}
	if err := a.writeOutputs(page, sum); err != nil {
		return err
	}
	return rerr
}

// Rewrite runs the selected passes over doc concurrently and returns once
// both have settled.
func (a *App) Rewrite(ctx context.Context, doc *dom.Document, opts Options) (report.Summary, error) {
	s := a.session(doc)
	defer a.forget(doc)

	var wg sync.WaitGroup
	if opts.Text {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.textPass(ctx, doc, s)
		}()
	}
	if opts.Images {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.imagePass(ctx, doc, s)
		}()
	}
	wg.Wait()

	sum := s.snapshot()
	sum.RunID = a.runID
	sum.DryRun = a.cfg.DryRun
	if sum.Segments == 0 && sum.Images.Total == 0 {
		return sum, ErrNothingToRewrite
	}
	return sum, nil
}

// RewriteHTML rewrites a document held in memory and returns it rendered.
// A page with nothing to rewrite comes back unchanged without an error.
func (a *App) RewriteHTML(ctx context.Context, body []byte, contentType, pageURL string, withImages bool) ([]byte, report.Summary, error) {
	started := time.Now()
	page, err := a.loader.Parse(body, contentType, pageURL)
	if err != nil {
		return nil, report.Summary{}, err
	}
	if strings.HasPrefix(pageURL, "http://") || strings.HasPrefix(pageURL, "https://") {
		page.Doc.URL = pageURL
	}
	sum, err := a.Rewrite(ctx, page.Doc, Options{Text: !a.cfg.DisableText, Images: withImages && !a.cfg.DisableImages})
	sum.Source = page.URL
	sum.StartedAt = started
	sum.Duration = time.Since(started)
	if err != nil && !errors.Is(err, ErrNothingToRewrite) {
		return nil, sum, err
	}
	var buf bytes.Buffer
	if err := page.Doc.Render(&buf); err != nil {
		return nil, sum, fmt.Errorf("render output: %w", err)
	}
	return buf.Bytes(), sum, nil
}

// RewriteText runs one text pass; it lets the lifecycle controller drive App.
func (a *App) RewriteText(ctx context.Context, doc *dom.Document) error {
	a.textPass(ctx, doc, a.session(doc))
	return nil
}

// RewriteImages claims and transforms the images not seen before in doc.
func (a *App) RewriteImages(ctx context.Context, doc *dom.Document) error {
	if a.cfg.DisableImages {
		return nil
	}
	a.imagePass(ctx, doc, a.session(doc))
	return nil
}

func (a *App) textPass(ctx context.Context, doc *dom.Document, s *session) {
	ex := &extract.HeuristicExtractor{
		RootSelectors: a.cfg.RootSelectors,
		MinWords:      a.cfg.MinWords,
		StrictRoot:    a.cfg.StrictRoot,
		Generations:   &s.gens,
	}
	res := ex.Extract(doc)
	var title string
	doc.Mutate(func(root *html.Node) { title = extract.Title(root) })
	s.recordExtraction(res, title)
	if res.Empty() {
		a.logger.Info().Msg("no content root with enough text; text left unchanged")
		return
	}
	chunks := segment.Pack(res.Segments, a.cfg.MaxChunk)
	a.logger.Info().Int("segments", len(res.Segments)).Int("words", res.Words()).Int("chunks", len(chunks)).Bool("fallback_root", res.Fallback).Msg("extracted")

	if a.cfg.DryRun || a.rewriter == nil {
		for _, c := range chunks {
			a.logger.Debug().Int("chunk", c.Index).Int("segments", c.Len()).Msg("planned chunk")
		}
		s.addText(rewrite.Stats{Chunks: len(chunks)})
		s.recordBlocks(doc, res.Segments)
		return
	}
	orch := &rewrite.Orchestrator{
		Doc:             doc,
		Rewriter:        a.rewriter,
		BatchSize:       a.cfg.BatchSize,
		Generations:     &s.gens,
		ShortSegments:   a.policy,
		MinSegmentWords: rewrite.DefaultMinSegmentWords,
		Logger:          &a.logger,
		OnProgress:      a.reportProgress("text"),
	}
	s.addText(orch.Run(ctx, chunks))
	s.recordBlocks(doc, res.Segments)
}

func (a *App) reportProgress(stage string) func(done, total int) {
	return func(done, total int) {
		a.logger.Debug().Str("stage", stage).Int("done", done).Int("total", total).Msg("progress")
		if a.progress != nil {
			a.progress(stage, done, total)
		}
	}
}

func (a *App) imagePass(ctx context.Context, doc *dom.Document, s *session) {
	if a.acquirer == nil {
		return
	}
	claimed := s.discover(a).Scan(ctx, doc)
	if len(claimed) == 0 {
		return
	}
	p := &images.Pipeline{
		Doc:         doc,
		Table:       s.table,
		Normalizer:  &images.Normalizer{Acquirer: a.acquirer},
		Transformer: a.transformer,
		RetryDelay:  a.cfg.ImageRetryDelay,
		DryRun:      a.cfg.DryRun || a.transformer == nil,
		OnProgress:  a.reportProgress("images"),
		Logger:      &a.logger,
	}
	s.addImages(p.Process(ctx, claimed))
}

func (a *App) writeOutputs(page source.Page, sum report.Summary) error {
	out := a.cfg.OutputPath
	if out == "" {
		out = deriveOutputPath(page.URL)
	}
	var buf bytes.Buffer
	if err := page.Doc.Render(&buf); err != nil {
		return fmt.Errorf("render output: %w", err)
	}
	body := appendReproComment(buf.String(), a.footer(sum))
	if out == "-" {
		if _, err := io.WriteString(os.Stdout, body); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	} else {
		if err := writeFileAtomic(out, []byte(body)); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		a.logger.Info().Str("out", out).Msg("wrote output")
	}
	if a.cfg.OutputPDFPath != "" {
		if err := report.WritePDF(sum, a.cfg.OutputPDFPath); err != nil {
			return fmt.Errorf("write pdf: %w", err)
		}
		a.logger.Info().Str("pdf", a.cfg.OutputPDFPath).Msg("wrote pdf report")
	}
	manifest := a.cfg.ManifestPath
	if manifest == "" && out != "-" {
		manifest = deriveManifestSidecarPath(out)
	}
	if manifest != "" {
		data, err := marshalManifestJSON(a.manifestMeta(sum), sum)
		if err == nil {
			_ = os.WriteFile(manifest, data, 0o644)
		}
	}
	return nil
}

func (a *App) footer(sum report.Summary) reproInfo {
	return reproInfo{
		RunID:         a.runID,
		Model:         a.cfg.LLMModel,
		LLMBaseURL:    a.cfg.LLMBaseURL,
		ImageURL:      a.cfg.ImageURL,
		Segments:      sum.Segments,
		Images:        sum.Images.Done,
		HTTPCache:     a.httpCache != nil,
		ResponseCache: a.respCache != nil,
		DryRun:        a.cfg.DryRun,
	}
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
