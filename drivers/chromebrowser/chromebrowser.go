// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package chromebrowser drives Chrome over the DevTools protocol. It is the
// concrete browser driver behind the drivers interfaces; runs share one
// browser process and get an isolated tab per target.
package chromebrowser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/proctor/drivers"
)

const defaultLaunchTimeout = 30 * time.Second

// Launcher starts Chrome processes via an exec allocator.
type Launcher struct {
	logger hclog.Logger
}

// NewLauncher returns the chromedp-backed BrowserLauncher.
func NewLauncher(logger hclog.Logger) *Launcher {
	return &Launcher{logger: logger.Named("chrome")}
}

var _ drivers.BrowserLauncher = (*Launcher)(nil)

// Launch starts a browser process and verifies it is responsive.
func (l *Launcher) Launch(ctx context.Context, opts *drivers.LaunchOptions) (drivers.Browser, error) {
	allocOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	for _, arg := range opts.Args {
		name, value, found := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if found {
			allocOpts = append(allocOpts, chromedp.Flag(name, value))
		} else {
			allocOpts = append(allocOpts, chromedp.Flag(name, true))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	testCtx, testCancel := context.WithTimeout(browserCtx, timeout)
	defer testCancel()

	// Startup probe; a browser that cannot reach about:blank is unusable.
	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed startup probe: %w", err)
	}

	l.logger.Debug("browser launched", "headless", opts.Headless)
	return &browser{
		logger:      l.logger,
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
	}, nil
}

type browser struct {
	logger      hclog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
}

func (b *browser) NewContext(ctx context.Context, opts *drivers.ContextOptions) (drivers.BrowserContext, error) {
	return &browserContext{logger: b.logger, parent: b.ctx, opts: opts}, nil
}

func (b *browser) Close(ctx context.Context) error {
	b.cancel()
	b.allocCancel()
	return nil
}

type browserContext struct {
	logger  hclog.Logger
	parent  context.Context
	opts    *drivers.ContextOptions
	cancels []context.CancelFunc
}

// NewPage opens a tab with the context's viewport, interception and console
// wiring applied.
func (c *browserContext) NewPage(ctx context.Context) (drivers.Page, error) {
	tabCtx, cancel := chromedp.NewContext(c.parent)
	c.cancels = append(c.cancels, cancel)

	p := &page{logger: c.logger, ctx: tabCtx}

	if c.opts.Interceptor != nil || c.opts.OnConsole != nil {
		c.listen(tabCtx)
	}

	actions := []chromedp.Action{
		chromedp.EmulateViewport(int64(c.opts.Viewport.Width), int64(c.opts.Viewport.Height)),
	}
	if c.opts.Interceptor != nil {
		actions = append(actions, fetch.Enable())
	}
	if err := p.run(ctx, actions...); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	return p, nil
}

// listen wires DevTools events for one tab: paused fetches go through the
// interceptor, console calls go to the observer.
func (c *browserContext) listen(tabCtx context.Context) {
	target := chromedp.FromContext(tabCtx).Target
	execCtx := cdp.WithExecutor(tabCtx, target)

	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			// Resolution in the interceptor can block; never stall the
			// event loop.
			go func() {
				if err := c.opts.Interceptor(e.Request.URL); err != nil {
					failErr := fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
					if failErr != nil {
						c.logger.Debug("failed to abort request", "url", e.Request.URL, "error", failErr)
					}
					return
				}
				if err := fetch.ContinueRequest(e.RequestID).Do(execCtx); err != nil {
					c.logger.Debug("failed to continue request", "url", e.Request.URL, "error", err)
				}
			}()
		case *runtime.EventConsoleAPICalled:
			if c.opts.OnConsole != nil {
				c.opts.OnConsole(string(e.Type), formatConsoleArgs(e.Args))
			}
		}
	})
}

func (c *browserContext) Close(ctx context.Context) error {
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	return nil
}

func formatConsoleArgs(args []*runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case arg.Value != nil:
			var v interface{}
			if err := json.Unmarshal(arg.Value, &v); err == nil {
				parts = append(parts, fmt.Sprint(v))
				continue
			}
			parts = append(parts, string(arg.Value))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		}
	}
	return strings.Join(parts, " ")
}

type page struct {
	logger hclog.Logger
	ctx    context.Context
}

// run drives the tab while honoring the caller's context.
func (p *page) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(p.ctx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *page) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *page) URL(ctx context.Context) (string, error) {
	var loc string
	err := p.run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *page) WaitReady(ctx context.Context) error {
	return p.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

func (p *page) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (p *page) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (p *page) Text(ctx context.Context, selector string) (string, error) {
	var out string
	err := p.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery))
	return out, err
}

func (p *page) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	var out interface{}
	err := p.run(ctx, chromedp.Evaluate(expression, &out))
	return out, err
}

func (p *page) SetInputFiles(ctx context.Context, selector string, paths []string) error {
	return p.run(ctx, chromedp.SetUploadFiles(selector, paths, chromedp.ByQuery))
}
