// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package drivers

import (
	"context"
	"time"

	"github.com/hashicorp/proctor/adb"
)

// WaitForOptions bound an agent WaitFor call.
type WaitForOptions struct {
	Timeout time.Duration
}

// TipFunc observes agent task-start tips. Each tip is one billable action.
type TipFunc func(tip string)

// Agent converts natural-language instructions into screen actions against
// one target. Implementations exist for browser pages and Android devices;
// the core treats both as a black box with this contract.
type Agent interface {
	// Launch opens the application on the target. Only meaningful for
	// Android agents.
	Launch(ctx context.Context, appID string) error

	// Act performs an instruction.
	Act(ctx context.Context, instruction string) error

	// Assert verifies an instruction holds, returning an error when it
	// does not.
	Assert(ctx context.Context, instruction string) error

	// Query asks a free-form question about the current screen and
	// returns the agent's textual answer.
	Query(ctx context.Context, prompt string) (string, error)

	// WaitFor blocks until the described condition holds or the timeout
	// elapses.
	WaitFor(ctx context.Context, predicate string, opts *WaitForOptions) error

	// SetActContext prepends standing context (such as a security
	// preamble) to every subsequent instruction.
	SetActContext(text string)

	// OnTaskStartTip registers the tip observer.
	OnTaskStartTip(fn TipFunc)
}

// BrowserAgentConfig configures an agent bound to a page.
type BrowserAgentConfig struct {
	Page   Page
	APIKey string
}

// AndroidAgentConfig configures an agent bound to a device.
type AndroidAgentConfig struct {
	ADB    *adb.ADB
	APIKey string
}

// AgentFactory builds agents per target. The concrete factory wraps the
// external AI driver; tests substitute fakes.
type AgentFactory interface {
	NewBrowserAgent(cfg *BrowserAgentConfig) (Agent, error)
	NewAndroidAgent(cfg *AndroidAgentConfig) (Agent, error)
}
