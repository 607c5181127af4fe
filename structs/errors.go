// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
)

const (
	// ErrCancelledMsg is the user-visible message for a cancelled run.
	ErrCancelledMsg = "Test was cancelled by user"

	// ErrRestartedMsg is written by startup reconciliation to every run the
	// previous process left in a non-terminal state.
	ErrRestartedMsg = "Server restarted while test was in progress"

	// ErrForceCancelledMsg marks a cancel of a run the queue no longer
	// tracks in memory.
	ErrForceCancelledMsg = "Force cancelled (orphaned run)"
)

var (
	// ErrRunCancelled indicates the run's cancellation token fired.
	ErrRunCancelled = errors.New(ErrCancelledMsg)

	// ErrDeviceInUse indicates a serial already holds an acquired lease.
	ErrDeviceInUse = errors.New("device is already in use by another run")

	// ErrDeviceNotConnected indicates the requested serial is not visible
	// over adb.
	ErrDeviceNotConnected = errors.New("device is not connected")

	// ErrDeviceUnauthorized indicates the device is connected but has not
	// authorized this host.
	ErrDeviceUnauthorized = errors.New("device is unauthorized, accept the debugging prompt on the device")

	// ErrEmulatorOnly is returned when a pool operation that only makes
	// sense for emulators is invoked on a physical device.
	ErrEmulatorOnly = errors.New("operation supports emulators only")
)

// ConfigError marks an invalid run configuration. It always maps to a
// terminal FAIL and is never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return e.Message }

// NewConfigError returns a ConfigError with a formatted message.
func NewConfigError(format string, args ...interface{}) error {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// IsConfigError returns true if err wraps a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// TimeoutError distinguishes deadline failures from cancellation. It maps to
// terminal FAIL with its message.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// NewTimeoutError returns a TimeoutError with a formatted message.
func NewTimeoutError(format string, args ...interface{}) error {
	return &TimeoutError{Message: fmt.Sprintf(format, args...)}
}

// IsTimeoutError returns true if err wraps a TimeoutError.
func IsTimeoutError(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
