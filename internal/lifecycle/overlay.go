package lifecycle

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoadingText is shown while text is being rewritten.
const LoadingText = "Stand by... the Force is about to awaken on this page"

// Overlay is the progress indicator shown while rewriting runs.
type Overlay interface {
	Show()
	Status(msg string)
	Hide()
}

// LogOverlay renders the indicator as log lines.
type LogOverlay struct {
	Logger *zerolog.Logger
	Text   string

	mu      sync.Mutex
	visible bool
}

func (o *LogOverlay) logger() *zerolog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return &log.Logger
}

func (o *LogOverlay) Show() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.visible {
		return
	}
	o.visible = true
	text := o.Text
	if text == "" {
		text = LoadingText
	}
	o.logger().Info().Msg(text)
}

func (o *LogOverlay) Status(msg string) {
	o.mu.Lock()
	visible := o.visible
	o.mu.Unlock()
	if visible {
		o.logger().Info().Msg(msg)
	}
}

func (o *LogOverlay) Hide() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.visible {
		return
	}
	o.visible = false
	o.logger().Debug().Msg("overlay hidden")
}

// Visible reports whether Show was called without a matching Hide.
func (o *LogOverlay) Visible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible
}

type nopOverlay struct{}

func (nopOverlay) Show() {}

func (nopOverlay) Status(string) {}

func (nopOverlay) Hide() {}
