// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"sync"

	hclog "github.com/hashicorp/go-hclog"
)

// cleanupStack collects teardown functions during setup and runs them in
// reverse order exactly once. The queue invokes Run through the registered
// hook on cancellation, so the executor's own deferred call must be a no-op
// the second time.
type cleanupStack struct {
	logger hclog.Logger

	mu   sync.Mutex
	fns  []func()
	once sync.Once
}

func newCleanupStack(logger hclog.Logger) *cleanupStack {
	return &cleanupStack{logger: logger}
}

// Add pushes a teardown function.
func (c *cleanupStack) Add(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, fn)
}

// Run executes every teardown in reverse order. Safe to call more than once
// and from multiple goroutines.
func (c *cleanupStack) Run() {
	c.once.Do(func() {
		c.mu.Lock()
		fns := c.fns
		c.fns = nil
		c.mu.Unlock()

		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}
