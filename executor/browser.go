// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/proctor/drivers"
	"github.com/hashicorp/proctor/structs"
)

// setupBrowsers launches one shared browser process and opens an isolated
// context plus page per browser target.
func (e *Executor) setupBrowsers(ctx context.Context, st *runState, cleanup *cleanupStack) error {
	var browserTargets []*target
	for _, t := range st.targets {
		if t.browser != nil {
			browserTargets = append(browserTargets, t)
		}
	}
	if len(browserTargets) == 0 {
		return nil
	}

	b, err := e.launcher.Launch(ctx, &drivers.LaunchOptions{Headless: true})
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}
	st.sharedBrowser = b
	cleanup.Add(func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			st.logger.Warn("browser close failed", "error", err)
		}
	})

	for _, t := range browserTargets {
		if err := e.setupBrowserTarget(ctx, st, t, cleanup); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) setupBrowserTarget(ctx context.Context, st *runState, t *target, cleanup *cleanupStack) error {
	viewport := t.browser.Viewport
	if viewport.Width == 0 || viewport.Height == 0 {
		viewport = structs.DefaultViewport
	}

	bctx, err := st.sharedBrowser.NewContext(ctx, &drivers.ContextOptions{
		Viewport:    viewport,
		Interceptor: e.requestInterceptor(ctx, st, t),
		OnConsole: func(level, message string) {
			st.log(consoleLogLevel(level), t.id, "console: %s", message)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open browser context for target %q: %w", t.id, err)
	}
	cleanup.Add(func() {
		if err := bctx.Close(context.WithoutCancel(ctx)); err != nil {
			st.logger.Debug("browser context close failed", "target", t.id, "error", err)
		}
	})

	page, err := bctx.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("failed to open page for target %q: %w", t.id, err)
	}
	t.page = page

	if t.browser.URL != "" {
		if err := page.Navigate(ctx, t.browser.URL); err != nil {
			return fmt.Errorf("failed to navigate target %q to %s: %w", t.id, t.browser.URL, err)
		}
		t.navigated = true
		st.screenshot(ctx, t, "initial")
	}

	agent, err := e.agents.NewBrowserAgent(&drivers.BrowserAgentConfig{
		Page:   page,
		APIKey: st.run.AIAPIKey,
	})
	if err != nil {
		return fmt.Errorf("failed to build agent for target %q: %w", t.id, err)
	}
	t.agent = agent
	agent.SetActContext(securityPreamble)
	wireTips(ctx, st, t)
	return nil
}

// requestInterceptor wires the runtime URL filter into the browser's request
// interception. Blocked requests emit one deduplicated log event.
func (e *Executor) requestInterceptor(ctx context.Context, st *runState, t *target) drivers.RequestInterceptor {
	return func(raw string) error {
		err := e.filter.ValidateRuntimeRequestURL(ctx, raw)
		if err == nil {
			return nil
		}

		host := raw
		if u, parseErr := url.Parse(raw); parseErr == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
		if e.filter.ShouldLogBlocked(host, err.Error()) {
			st.log(structs.LogLevelWarn, t.id, "Blocked request to %s: %v", raw, err)
		}
		return err
	}
}

func consoleLogLevel(level string) structs.LogLevel {
	switch level {
	case "error", "assert":
		return structs.LogLevelError
	case "warning", "warn":
		return structs.LogLevelWarn
	default:
		return structs.LogLevelInfo
	}
}
