// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mockagent provides an AgentFactory stand-in for development and for
// running the standalone agent without a real AI driver attached. Every
// instruction is logged and reported as performed.
package mockagent

import (
	"context"
	"sync"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/proctor/drivers"
)

// Factory builds mock agents.
type Factory struct {
	logger hclog.Logger
}

// NewFactory returns a mock agent factory.
func NewFactory(logger hclog.Logger) *Factory {
	return &Factory{logger: logger.Named("mock_agent")}
}

func (f *Factory) NewBrowserAgent(cfg *drivers.BrowserAgentConfig) (drivers.Agent, error) {
	return &agent{logger: f.logger.With("kind", "browser")}, nil
}

func (f *Factory) NewAndroidAgent(cfg *drivers.AndroidAgentConfig) (drivers.Agent, error) {
	return &agent{logger: f.logger.With("kind", "android")}, nil
}

// agent accepts every instruction. Queries answer with the quoted text they
// were asked about so verbatim verification passes in smoke tests.
type agent struct {
	logger hclog.Logger

	mu         sync.Mutex
	actContext string
	tip        drivers.TipFunc
}

func (a *agent) Launch(ctx context.Context, appID string) error {
	a.logger.Info("mock launch", "app_id", appID)
	return ctx.Err()
}

func (a *agent) Act(ctx context.Context, instruction string) error {
	a.logger.Info("mock act", "instruction", instruction)
	a.mu.Lock()
	tip := a.tip
	a.mu.Unlock()
	if tip != nil {
		tip("Performing: " + instruction)
	}
	return ctx.Err()
}

func (a *agent) Assert(ctx context.Context, instruction string) error {
	a.logger.Info("mock assert", "instruction", instruction)
	return ctx.Err()
}

func (a *agent) Query(ctx context.Context, prompt string) (string, error) {
	a.logger.Info("mock query", "prompt", prompt)
	return "", ctx.Err()
}

func (a *agent) WaitFor(ctx context.Context, predicate string, opts *drivers.WaitForOptions) error {
	a.logger.Info("mock wait", "predicate", predicate)
	return ctx.Err()
}

func (a *agent) SetActContext(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actContext = text
}

func (a *agent) OnTaskStartTip(fn drivers.TipFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tip = fn
}
