package darkpattern

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/scrollward/scrollward/internal/logging"
)

// CaptureConfig configures the headless screenshot capturer.
type CaptureConfig struct {
	// Timeout bounds one navigation-plus-screenshot round trip.
	Timeout time.Duration

	// Quality is the JPEG quality passed to the screenshot command.
	Quality int
}

// DefaultCaptureConfig keeps captures cheap; escalation payloads do not need
// high fidelity.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		Timeout: 15 * time.Second,
		Quality: 60,
	}
}

// ChromeCapturer implements Capturer with a headless browser. It navigates to
// the page and screenshots the first element matching the selector. Each
// capture uses a fresh tab off the shared allocator context.
type ChromeCapturer struct {
	cfg      CaptureConfig
	allocCtx context.Context
	logger   logging.Logger
}

// NewChromeCapturer wires a capturer onto an existing chromedp allocator
// context. The caller owns the allocator lifecycle.
func NewChromeCapturer(cfg CaptureConfig, allocCtx context.Context, logger logging.Logger) *ChromeCapturer {
	def := DefaultCaptureConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Quality <= 0 {
		cfg.Quality = def.Quality
	}
	return &ChromeCapturer{
		cfg:      cfg,
		allocCtx: allocCtx,
		logger:   logger.With(logging.Field{Key: "component", Value: "capture"}),
	}
}

// Capture implements Capturer.
func (c *ChromeCapturer) Capture(ctx context.Context, pageURL, selector string) ([]byte, error) {
	tabCtx, cancelTab := chromedp.NewContext(c.allocCtx)
	defer cancelTab()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, c.cfg.Timeout)
	defer cancelTimeout()

	// Respect the caller's cancellation as well as the local deadline.
	go func() {
		select {
		case <-ctx.Done():
			cancelTimeout()
		case <-tabCtx.Done():
		}
	}()

	var buf []byte
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Screenshot(selector, &buf, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("capture %q on %s: %w", selector, pageURL, err)
	}
	c.logger.Debug("captured element",
		logging.Field{Key: "selector", Value: selector},
		logging.Field{Key: "bytes", Value: len(buf)})
	return buf, nil
}
