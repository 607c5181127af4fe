// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"os"
	"sync"
	"time"
)

// AIKeyEnvVar is the environment variable the agent driver reads its API key
// from.
const AIKeyEnvVar = "OPENROUTER_API_KEY"

// keyPollInterval bounds each wait slice while a run with a different key
// holds the environment.
const keyPollInterval = 50 * time.Millisecond

// The process environment is global, so the per-run key is handed out as a
// refcounted scope: concurrent runs with the same key share it, a run with a
// different key waits for the scope to drain. The original value is restored
// when the last holder releases.
var (
	keyMu      sync.Mutex
	keyRefs    int
	keyCurrent string
	keyPrev    string
	keyPrevSet bool
)

// acquireKey installs the run's AI key in the process environment and returns
// the release function. Release is idempotent.
func acquireKey(ctx context.Context, key string) (func(), error) {
	for {
		keyMu.Lock()
		if keyRefs == 0 || keyCurrent == key {
			if keyRefs == 0 {
				keyPrev, keyPrevSet = os.LookupEnv(AIKeyEnvVar)
				os.Setenv(AIKeyEnvVar, key)
				keyCurrent = key
			}
			keyRefs++
			keyMu.Unlock()

			var once sync.Once
			return func() { once.Do(releaseKey) }, nil
		}
		keyMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(keyPollInterval):
		}
	}
}

func releaseKey() {
	keyMu.Lock()
	defer keyMu.Unlock()

	keyRefs--
	if keyRefs > 0 {
		return
	}
	if keyPrevSet {
		os.Setenv(AIKeyEnvVar, keyPrev)
	} else {
		os.Unsetenv(AIKeyEnvVar)
	}
	keyCurrent = ""
}
