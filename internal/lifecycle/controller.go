package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gorewrite/internal/dom"
)

// State is the controller's top-level mode.
type State int

const (
	Disabled State = iota
	Enabled
)

func (s State) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

// Defaults for the event timing.
const (
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultRescanInterval = 2 * time.Second
	DefaultRescanWindow   = 30 * time.Second
)

// Pipelines runs the two rewriting passes over a document.
type Pipelines interface {
	RewriteText(ctx context.Context, doc *dom.Document) error
	RewriteImages(ctx context.Context, doc *dom.Document) error
}

// Controller owns the enabled/disabled state and turns page events into
// pipeline runs. Every event goes through one method and is a no-op while
// Disabled. Work already started is not cancelled by disabling.
type Controller struct {
	Pipelines Pipelines
	Prefs     PreferenceStore
	Overlay   Overlay

	SettleDelay time.Duration
	// RescanInterval and RescanWindow bound the periodic image scan started
	// on enable and on navigation.
	RescanInterval time.Duration
	RescanWindow   time.Duration
	Logger         *zerolog.Logger

	mu       sync.Mutex
	state    State
	doc      *dom.Document
	url      string
	debounce *time.Timer
	textRuns int
	// cycle counts enable periods; text runs only settle the overlay of the
	// period they started in.
	cycle    int
	stopScan chan struct{}
	wg       sync.WaitGroup
}

func (c *Controller) logger() *zerolog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return &log.Logger
}

func (c *Controller) overlay() Overlay {
	if c.Overlay != nil {
		return c.Overlay
	}
	return nopOverlay{}
}

// State returns the current mode.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start attaches doc and enters the stored mode. When the preference cannot
// be read the controller stays disabled and the error is returned.
func (c *Controller) Start(ctx context.Context, url string, doc *dom.Document) error {
	var (
		enabled bool
		err     error
	)
	if c.Prefs != nil {
		enabled, err = c.Prefs.Enabled()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc, c.url = doc, url
	if err != nil {
		return err
	}
	if enabled {
		c.enableLocked(ctx)
	}
	return nil
}

// Attach replaces the tracked page without starting any work. Use it for
// page loads observed while disabled.
func (c *Controller) Attach(url string, doc *dom.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.url, c.doc = url, doc
}

// Toggle stores the preference and switches mode.
func (c *Controller) Toggle(ctx context.Context, enabled bool) error {
	if c.Prefs != nil {
		if err := c.Prefs.SetEnabled(enabled); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case enabled && c.state == Disabled:
		c.enableLocked(ctx)
	case !enabled && c.state == Enabled:
		c.disableLocked()
	}
	return nil
}

// ContentChanged schedules a debounced text pass and scans for new images.
func (c *Controller) ContentChanged(ctx context.Context, doc *dom.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Enabled {
		return
	}
	if doc != nil {
		c.doc = doc
	}
	c.scheduleTextLocked(ctx)
	c.goImages(ctx, c.doc)
}

// URLChanged handles in-page navigation: new document, new rescan window.
func (c *Controller) URLChanged(ctx context.Context, url string, doc *dom.Document) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Enabled {
		return
	}
	c.logger().Debug().Str("from", c.url).Str("to", url).Msg("url changed")
	c.url = url
	if doc != nil {
		c.doc = doc
	}
	c.scheduleTextLocked(ctx)
	c.goImages(ctx, c.doc)
	c.startRescanLocked(ctx)
}

// ScrollEnd scans for images that became reachable.
func (c *Controller) ScrollEnd(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Enabled {
		return
	}
	c.goImages(ctx, c.doc)
}

// Progress forwards pipeline progress to the overlay while enabled.
func (c *Controller) Progress(stage string, done, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Enabled {
		return
	}
	c.overlay().Status(fmt.Sprintf("%s %d/%d", stage, done, total))
}

// Wait blocks until every pass started so far has finished, including
// pending debounced passes and the rescan window.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) enableLocked(ctx context.Context) {
	c.state = Enabled
	c.logger().Info().Str("url", c.url).Msg("rewriting enabled")
	c.goText(ctx, c.doc)
	c.goImages(ctx, c.doc)
	c.startRescanLocked(ctx)
}

func (c *Controller) disableLocked() {
	c.state = Disabled
	c.cycle++
	c.textRuns = 0
	c.overlay().Hide()
	if c.debounce != nil && c.debounce.Stop() {
		c.wg.Done()
	}
	c.debounce = nil
	if c.stopScan != nil {
		close(c.stopScan)
		c.stopScan = nil
	}
	c.logger().Info().Msg("rewriting disabled")
}

func (c *Controller) scheduleTextLocked(ctx context.Context) {
	if c.debounce != nil && c.debounce.Stop() {
		c.wg.Done()
	}
	delay := c.SettleDelay
	if delay <= 0 {
		delay = DefaultSettleDelay
	}
	c.wg.Add(1)
	c.debounce = time.AfterFunc(delay, func() {
		defer c.wg.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != Enabled {
			return
		}
		c.goText(ctx, c.doc)
	})
}

func (c *Controller) goText(ctx context.Context, doc *dom.Document) {
	if c.Pipelines == nil || doc == nil {
		return
	}
	c.textRuns++
	if c.textRuns == 1 {
		c.overlay().Show()
	}
	cycle := c.cycle
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			if c.cycle == cycle {
				c.textRuns--
				if c.textRuns == 0 {
					c.overlay().Hide()
				}
			}
			c.mu.Unlock()
		}()
		if err := c.Pipelines.RewriteText(ctx, doc); err != nil {
			c.logger().Warn().Err(err).Msg("text pass")
		}
	}()
}

func (c *Controller) goImages(ctx context.Context, doc *dom.Document) {
	if c.Pipelines == nil || doc == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Pipelines.RewriteImages(ctx, doc); err != nil {
			c.logger().Warn().Err(err).Msg("image pass")
		}
	}()
}

func (c *Controller) startRescanLocked(ctx context.Context) {
	if c.stopScan != nil {
		close(c.stopScan)
	}
	interval, window := c.RescanInterval, c.RescanWindow
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	if window <= 0 {
		window = DefaultRescanWindow
	}
	stop := make(chan struct{})
	c.stopScan = stop
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tick := time.NewTicker(interval)
		defer tick.Stop()
		deadline := time.NewTimer(window)
		defer deadline.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-deadline.C:
				return
			case <-tick.C:
				c.mu.Lock()
				if c.state == Enabled && c.stopScan == stop {
					c.goImages(ctx, c.doc)
				}
				c.mu.Unlock()
			}
		}
	}()
}
