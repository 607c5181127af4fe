// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package ci

import (
	"os"
	"strconv"
	"testing"
)

// SkipSlow skips a slow test unless PROCTOR_SLOW_TEST is set to a true value.
func SkipSlow(t *testing.T, reason string) {
	value := os.Getenv("PROCTOR_SLOW_TEST")
	run, err := strconv.ParseBool(value)
	if !run || err != nil {
		t.Skipf("Skipping slow test: %s", reason)
	}
}

// SkipTestWithoutADB skips a test that needs a real adb binary on PATH unless
// PROCTOR_ADB_TEST is set to a true value.
func SkipTestWithoutADB(t *testing.T) {
	value := os.Getenv("PROCTOR_ADB_TEST")
	run, err := strconv.ParseBool(value)
	if !run || err != nil {
		t.Skip("Skipping test that requires adb")
	}
}

// Parallel runs t in parallel, unless CI is set to a true value.
//
// In CI we get better performance by running tests in serial while not
// restricting GOMAXPROCS.
func Parallel(t *testing.T) {
	value := os.Getenv("CI")
	isCI, err := strconv.ParseBool(value)
	if !isCI || err != nil {
		t.Parallel()
	}
}
