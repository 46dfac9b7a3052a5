package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperifyio/gorewrite/internal/lifecycle"
	"github.com/hyperifyio/gorewrite/internal/robots"
	"github.com/hyperifyio/gorewrite/internal/source"
)

// ErrDisallowed is returned when robots.txt forbids polling the input.
var ErrDisallowed = errors.New("robots.txt disallows polling this page")

// DefaultWatchInterval is the poll period of watch mode.
const DefaultWatchInterval = 30 * time.Second

// Watch polls the input URL and drives the lifecycle controller: a changed
// body is a content change, a changed final URL is a navigation. The output
// is rewritten after every settled pass. The preference file is re-read on
// each poll so editing it toggles rewriting.
func (a *App) Watch(ctx context.Context) error {
	var prefs lifecycle.PreferenceStore
	if a.cfg.PreferencesFile != "" {
		prefs = &lifecycle.FilePreferences{Path: a.cfg.PreferencesFile}
	} else {
		mem := &lifecycle.MemoryPreferences{}
		_ = mem.SetEnabled(true)
		prefs = mem
	}
	ctl := &lifecycle.Controller{
		Pipelines:    a,
		Prefs:        prefs,
		Overlay:      &lifecycle.LogOverlay{Logger: &a.logger},
		SettleDelay:  a.cfg.SettleDelay,
		RescanWindow: a.cfg.RescanWindow,
		Logger:       &a.logger,
	}
	a.progress = ctl.Progress

	var checker *robots.Checker
	if !a.cfg.IgnoreRobots {
		checker = &robots.Checker{Client: robots.NewClient(a.pages), UserAgent: a.pages.UserAgent}
	}
	interval := a.cfg.WatchInterval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	d, err := a.mayPoll(ctx, checker)
	switch {
	case err != nil:
		a.logger.Warn().Err(err).Msg("robots.txt check failed; loading once anyway")
	case !d.Allowed:
		return ErrDisallowed
	}
	if d.CrawlDelay > interval {
		interval = d.CrawlDelay
	}

	page, err := a.loader.Load(ctx, a.cfg.InputPath)
	if err != nil {
		return fmt.Errorf("load input: %w", err)
	}
	if err := ctl.Start(ctx, page.URL, page.Doc); err != nil {
		a.logger.Warn().Err(err).Msg("read preference; starting disabled")
	}
	a.settle(ctl, page)

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			ctl.Wait()
			return nil
		case <-tick.C:
		}
		if on, err := prefs.Enabled(); err == nil && on != (ctl.State() == lifecycle.Enabled) {
			if err := ctl.Toggle(ctx, on); err != nil {
				a.logger.Warn().Err(err).Msg("toggle")
			}
			a.settle(ctl, page)
		}
		d, err := a.mayPoll(ctx, checker)
		if err != nil || !d.Allowed {
			a.logger.Warn().Err(err).Bool("allowed", d.Allowed).Msg("robots.txt check; skipping poll")
			continue
		}
		if d.CrawlDelay > interval {
			interval = d.CrawlDelay
			tick.Reset(interval)
			a.logger.Info().Dur("interval", interval).Msg("poll interval raised to crawl delay")
		}
		next, err := a.loader.Load(ctx, a.cfg.InputPath)
		if err != nil {
			a.logger.Warn().Err(err).Msg("poll failed; keeping current page")
			continue
		}
		if next.NotModified || (next.Digest == page.Digest && next.URL == page.URL) {
			continue
		}
		if ctl.State() != lifecycle.Enabled {
			a.forget(page.Doc)
			ctl.Attach(next.URL, next.Doc)
			page = next
			continue
		}
		a.forget(page.Doc)
		if next.URL != page.URL {
			ctl.URLChanged(ctx, next.URL, next.Doc)
		} else {
			ctl.ContentChanged(ctx, next.Doc)
		}
		page = next
		a.settle(ctl, page)
	}
}

// mayPoll consults robots.txt for the input. Without a checker every poll
// is allowed.
func (a *App) mayPoll(ctx context.Context, checker *robots.Checker) (robots.Decision, error) {
	if checker == nil {
		return robots.Decision{Allowed: true}, nil
	}
	d, err := checker.Check(ctx, a.cfg.InputPath)
	if err != nil {
		return robots.Decision{}, err
	}
	return d, nil
}

// settle waits for the controller and writes the current page.
func (a *App) settle(ctl *lifecycle.Controller, page source.Page) {
	ctl.Wait()
	if ctl.State() != lifecycle.Enabled {
		return
	}
	sum := a.session(page.Doc).snapshot()
	sum.RunID = a.runID
	sum.Source = page.URL
	sum.DryRun = a.cfg.DryRun
	sum.Log(&a.logger)
	if err := a.writeOutputs(page, sum); err != nil {
		a.logger.Error().Err(err).Msg("write output")
	}
}
