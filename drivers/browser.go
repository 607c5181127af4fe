// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package drivers defines the contracts for the opaque drivers the executor
// steers: the browser automation driver and the AI agent driver. The
// orchestrator core depends only on these interfaces; concrete drivers live
// in subpackages.
package drivers

import (
	"context"
	"time"

	"github.com/hashicorp/proctor/structs"
)

// RequestInterceptor vets an outbound request URL before the browser issues
// it. A non-nil error aborts the request with a blocked marker.
type RequestInterceptor func(url string) error

// ConsoleFunc receives browser console messages.
type ConsoleFunc func(level, message string)

// LaunchOptions configure a browser process.
type LaunchOptions struct {
	Headless bool
	Timeout  time.Duration
	Args     []string
}

// ContextOptions configure one isolated browser context.
type ContextOptions struct {
	Viewport    structs.Viewport
	Interceptor RequestInterceptor
	OnConsole   ConsoleFunc
}

// BrowserLauncher starts browser processes.
type BrowserLauncher interface {
	Launch(ctx context.Context, opts *LaunchOptions) (Browser, error)
}

// Browser is a running browser process shared by a run's browser targets.
type Browser interface {
	NewContext(ctx context.Context, opts *ContextOptions) (BrowserContext, error)
	Close(ctx context.Context) error
}

// BrowserContext is an isolated cookie/storage domain holding pages.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Page is a single tab the executor and code-step sandbox drive.
type Page interface {
	// Navigate loads the URL and waits for domcontentloaded.
	Navigate(ctx context.Context, url string) error

	// URL returns the page's current location.
	URL(ctx context.Context) (string, error)

	// WaitReady blocks until the DOM is interactive.
	WaitReady(ctx context.Context) error

	// Screenshot captures the viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)

	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	Text(ctx context.Context, selector string) (string, error)
	Evaluate(ctx context.Context, expression string) (interface{}, error)

	// SetInputFiles attaches local files to a file input. Path policy is
	// enforced by the caller before the driver is invoked.
	SetInputFiles(ctx context.Context, selector string, paths []string) error
}
