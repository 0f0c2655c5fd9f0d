package headless

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/logging"
	"github.com/JakeFAU/release-pipeline/internal/metrics"
	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Config controls the chromedp engine.
type Config struct {
	// MaxSessions caps concurrent browser sessions across all workers.
	MaxSessions      int
	UserAgent        string
	DownloadSelector string
	SettleDelay      time.Duration
	ExecPath         string
}

const (
	defaultSettleDelay = 2 * time.Second
	capturePoll        = 100 * time.Millisecond
	anchorsScript      = `Array.from(document.querySelectorAll('a[href]')).map(a => a.href)`
)

// Chromedp is an Engine backed by headless Chrome.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a chromedp engine. Chrome is started lazily by the
// first session.
func NewChromedp(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if cfg.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions must be >= 0")
	}
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 1
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.MaxSessions),
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logging.OrNop(logger).Named("chromedp"),
	}, nil
}

// Close shuts down the browser.
func (c *Chromedp) Close() {
	c.allocCancel()
}

// Session opens pageURL in a fresh tab and waits for the page to start a
// download or expose a direct artifact link. The download itself is
// cancelled as soon as its URL is known.
func (c *Chromedp) Session(ctx context.Context, pageURL string) (pipeline.Artifact, error) {
	if err := c.acquire(ctx); err != nil {
		return pipeline.Artifact{}, err
	}
	defer c.release()
	done := metrics.ObserveSession()

	artifact, err := c.run(ctx, pageURL)
	switch {
	case err == nil:
		done("ok")
	case ctx.Err() != nil:
		done("timeout")
	default:
		done("error")
	}
	return artifact, err
}

func (c *Chromedp) run(ctx context.Context, pageURL string) (pipeline.Artifact, error) {
	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	downloadDir, err := os.MkdirTemp("", "releasebot-dl-*")
	if err != nil {
		return pipeline.Artifact{}, fmt.Errorf("create download dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(downloadDir) }()

	capture := &downloadCapture{}
	chromedp.ListenTarget(taskCtx, capture.captureEvent)

	var anchors []string
	actions := []chromedp.Action{
		c.setupAction(downloadDir),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(c.cfg.SettleDelay),
	}
	if c.cfg.DownloadSelector != "" {
		actions = append(actions, clickIfPresent(c.cfg.DownloadSelector))
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return pipeline.Artifact{}, ctx.Err()
		}
		return pipeline.Artifact{}, fmt.Errorf("chromedp run: %w", err)
	}

	if artifact, ok := c.awaitDownload(taskCtx, capture); ok {
		return artifact, nil
	}
	if err := chromedp.Run(taskCtx, chromedp.Evaluate(anchorsScript, &anchors)); err != nil {
		if ctx.Err() != nil {
			return pipeline.Artifact{}, ctx.Err()
		}
		return pipeline.Artifact{}, fmt.Errorf("collect anchors: %w", err)
	}
	if artifact, ok := pickArtifact(anchors); ok {
		return artifact, nil
	}
	return pipeline.Artifact{}, pipeline.ErrNoArtifact
}

// awaitDownload gives a clicked download one settle period to begin.
func (c *Chromedp) awaitDownload(ctx context.Context, capture *downloadCapture) (pipeline.Artifact, bool) {
	deadline := time.NewTimer(c.cfg.SettleDelay)
	defer deadline.Stop()
	ticker := time.NewTicker(capturePoll)
	defer ticker.Stop()
	for {
		if guid, url := capture.snapshot(); url != "" {
			if err := chromedp.Run(ctx, browser.CancelDownload(guid)); err != nil {
				c.logger.Debug("cancel download failed", zap.Error(err))
			}
			kind, ok := pipeline.ClassifyLink(url)
			if !ok || kind == pipeline.LinkKindHoster {
				kind = pipeline.LinkKindDirect
			}
			return pipeline.Artifact{URL: url, Kind: kind}, true
		}
		select {
		case <-ctx.Done():
			return pipeline.Artifact{}, false
		case <-deadline.C:
			return pipeline.Artifact{}, false
		case <-ticker.C:
		}
	}
}

func (c *Chromedp) setupAction(downloadDir string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if c.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		err := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllowAndName).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("set download behavior: %w", err)
		}
		return nil
	})
}

func clickIfPresent(selector string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var present bool
		script := fmt.Sprintf(`document.querySelector(%q) !== null`, selector)
		if err := chromedp.Evaluate(script, &present).Do(ctx); err != nil {
			return fmt.Errorf("query download selector: %w", err)
		}
		if !present {
			return nil
		}
		if err := chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible).Do(ctx); err != nil {
			return fmt.Errorf("click download selector: %w", err)
		}
		return nil
	})
}

func (c *Chromedp) acquire(ctx context.Context) error {
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("automation slot wait canceled: %w", ctx.Err())
	}
}

func (c *Chromedp) release() {
	select {
	case <-c.limiter:
	default:
	}
}

type downloadCapture struct {
	mu   sync.Mutex
	guid string
	url  string
}

func (d *downloadCapture) captureEvent(ev any) {
	if begin, ok := ev.(*browser.EventDownloadWillBegin); ok {
		d.record(begin.GUID, begin.URL)
	}
}

func (d *downloadCapture) record(guid, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.url == "" {
		d.guid = guid
		d.url = url
	}
}

func (d *downloadCapture) snapshot() (string, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guid, d.url
}

// pickArtifact returns the first anchor that already is an artifact,
// preferring magnets.
func pickArtifact(anchors []string) (pipeline.Artifact, bool) {
	var fallback pipeline.Artifact
	for _, href := range anchors {
		href = strings.TrimSpace(href)
		kind, ok := pipeline.ClassifyLink(href)
		if !ok {
			continue
		}
		switch kind {
		case pipeline.LinkKindMagnet:
			return pipeline.Artifact{URL: href, Kind: kind}, true
		case pipeline.LinkKindDirect, pipeline.LinkKindTorrent:
			if fallback.URL == "" {
				fallback = pipeline.Artifact{URL: href, Kind: kind}
			}
		}
	}
	return fallback, fallback.URL != ""
}
