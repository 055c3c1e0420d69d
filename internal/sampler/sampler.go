// Package sampler drives a headless browser over a page and feeds the
// session tracker the same observations a page context would emit: scroll
// position samples every half second and content text samples every thirty
// seconds. Page HTML additionally flows into the dark-pattern scanner.
package sampler

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/scrollward/scrollward/internal/logging"
	"github.com/scrollward/scrollward/internal/model"
	"github.com/scrollward/scrollward/internal/utils"
)

// SessionSink receives the sampled observations. Implemented by the session
// tracker.
type SessionSink interface {
	OnNavigation(ctx context.Context, rawURL string) error
	OnScrollSample(ctx context.Context, domain string, ev model.ScrollEvent)
	OnContentSample(ctx context.Context, domain, text string)
}

// PageScanner receives full page HTML for dark-pattern scanning. Implemented
// by darkpattern.Scanner; may be nil.
type PageScanner interface {
	Scan(ctx context.Context, pageURL string, html []byte) ([]model.Finding, error)
}

// Config controls the sampling cadence.
type Config struct {
	// ScrollInterval is the scroll position sample rate.
	ScrollInterval time.Duration

	// ContentInterval is the content text sample rate.
	ContentInterval time.Duration

	// IdleAfter is how long the network must be quiet after navigation
	// before sampling starts.
	IdleAfter time.Duration
}

// DefaultConfig matches the page-context sampling rates.
func DefaultConfig() Config {
	return Config{
		ScrollInterval:  500 * time.Millisecond,
		ContentInterval: 30 * time.Second,
		IdleAfter:       2 * time.Second,
	}
}

// Sampler owns one headless tab per watched page.
type Sampler struct {
	cfg      Config
	allocCtx context.Context
	sink     SessionSink
	scanner  PageScanner
	logger   logging.Logger
}

// New wires a sampler onto an existing chromedp allocator context. scanner
// may be nil when dark-pattern scanning is disabled.
func New(cfg Config, allocCtx context.Context, sink SessionSink, scanner PageScanner, logger logging.Logger) *Sampler {
	def := DefaultConfig()
	if cfg.ScrollInterval <= 0 {
		cfg.ScrollInterval = def.ScrollInterval
	}
	if cfg.ContentInterval <= 0 {
		cfg.ContentInterval = def.ContentInterval
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	return &Sampler{
		cfg:      cfg,
		allocCtx: allocCtx,
		sink:     sink,
		scanner:  scanner,
		logger:   logger.With(logging.Field{Key: "component", Value: "sampler"}),
	}
}

// waitNetworkIdle fires once the page has had no in-flight requests for
// idleAfter. Listening must be attached before navigation starts.
func waitNetworkIdle(ctx context.Context, idleAfter time.Duration) chan struct{} {
	idleChan := make(chan struct{})
	var activeReqs int32
	var timer *time.Timer
	var timerMutex sync.Mutex
	var once sync.Once

	startTimer := func() {
		timerMutex.Lock()
		defer timerMutex.Unlock()

		if timer != nil {
			timer.Stop()
		}

		timer = time.AfterFunc(idleAfter, func() {
			if atomic.LoadInt32(&activeReqs) == 0 {
				once.Do(func() {
					close(idleChan)
				})
			}
		})
	}

	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev.(type) {
		case *network.EventRequestWillBeSent:
			atomic.AddInt32(&activeReqs, 1)
		case *network.EventLoadingFinished, *network.EventLoadingFailed:
			if atomic.AddInt32(&activeReqs, -1) == 0 {
				startTimer()
			}
		}
	})

	return idleChan
}

// Watch navigates a fresh tab to rawURL and samples it until ctx is
// cancelled. It blocks for the duration of the watch.
func (s *Sampler) Watch(ctx context.Context, rawURL string) error {
	if !utils.Trackable(rawURL) {
		return nil
	}
	domain, err := utils.Domain(rawURL)
	if err != nil {
		return err
	}

	tabCtx, cancel := chromedp.NewContext(s.allocCtx)
	defer cancel()

	waitIdle := waitNetworkIdle(tabCtx, s.cfg.IdleAfter)

	if err := chromedp.Run(tabCtx, chromedp.Navigate(rawURL)); err != nil {
		return err
	}

	select {
	case <-waitIdle:
	case <-ctx.Done():
		return ctx.Err()
	case <-tabCtx.Done():
		return tabCtx.Err()
	}

	if err := s.sink.OnNavigation(ctx, rawURL); err != nil {
		return err
	}
	s.logger.Info("watching page",
		logging.Field{Key: "domain", Value: domain},
		logging.Field{Key: "infinite_scroll", Value: HasInfiniteScroll(domain)})

	scrollTicker := time.NewTicker(s.cfg.ScrollInterval)
	defer scrollTicker.Stop()
	contentTicker := time.NewTicker(s.cfg.ContentInterval)
	defer contentTicker.Stop()

	// Initial content sample right after the page settles.
	s.sampleContent(ctx, tabCtx, rawURL, domain)

	var lastPos float64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tabCtx.Done():
			return tabCtx.Err()
		case <-scrollTicker.C:
			lastPos, lastTime = s.sampleScroll(ctx, tabCtx, domain, lastPos, lastTime)
		case <-contentTicker.C:
			s.sampleContent(ctx, tabCtx, rawURL, domain)
		}
	}
}

// sampleScroll reads the current scroll position and derives velocity in
// pixels per millisecond against the previous sample.
func (s *Sampler) sampleScroll(ctx, tabCtx context.Context, domain string, lastPos float64, lastTime time.Time) (float64, time.Time) {
	var pos, scrollable float64
	err := chromedp.Run(tabCtx,
		chromedp.Evaluate(`window.scrollY`, &pos),
		chromedp.Evaluate(`document.documentElement.scrollHeight - window.innerHeight`, &scrollable),
	)
	if err != nil {
		s.logger.Debug("scroll sample failed", logging.Field{Key: "error", Value: err.Error()})
		return lastPos, lastTime
	}

	now := time.Now()
	timeDelta := now.Sub(lastTime)
	velocity := 0.0
	if timeDelta > 0 {
		velocity = math.Abs(pos-lastPos) / (float64(timeDelta) / float64(time.Millisecond))
	}
	depth := 0.0
	if scrollable > 0 {
		depth = pos / scrollable
	}

	s.sink.OnScrollSample(ctx, domain, model.ScrollEvent{
		Timestamp: now,
		Position:  pos,
		Velocity:  velocity,
		Depth:     depth,
	})
	return pos, now
}

// sampleContent extracts a text sample from the live DOM and hands the full
// HTML to the dark-pattern scanner.
func (s *Sampler) sampleContent(ctx, tabCtx context.Context, rawURL, domain string) {
	var html string
	if err := chromedp.Run(tabCtx, chromedp.OuterHTML("html", &html)); err != nil {
		s.logger.Debug("content sample failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		s.logger.Debug("content parse failed", logging.Field{Key: "error", Value: err.Error()})
		return
	}

	if text := ExtractText(doc); len(text) > 50 {
		s.sink.OnContentSample(ctx, domain, text)
	}

	if s.scanner != nil {
		if _, err := s.scanner.Scan(ctx, rawURL, []byte(html)); err != nil {
			s.logger.Debug("page scan failed", logging.Field{Key: "error", Value: err.Error()})
		}
	}
}
