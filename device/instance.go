// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package device manages the Android devices runs execute against: an
// emulator pool keyed by AVD profile and leases over physical devices, both
// behind one acquire/release facade with mutual exclusion per serial.
package device

import (
	"context"
	"time"

	"github.com/hashicorp/proctor/adb"
	"github.com/hashicorp/proctor/drivers"
)

// Kind distinguishes pooled emulators from physical devices.
type Kind string

const (
	KindEmulator Kind = "emulator"
	KindPhysical Kind = "physical"
)

// InstanceState is the lease lifecycle of a device instance.
type InstanceState string

const (
	// StateStarting means the emulator process was spawned but adb has not
	// seen the serial yet.
	StateStarting InstanceState = "STARTING"

	// StateBooting means the serial is visible and Android is booting.
	StateBooting InstanceState = "BOOTING"

	// StateIdle means the instance passed a health check and is available
	// for acquisition.
	StateIdle InstanceState = "IDLE"

	// StateAcquired means a run holds the lease exclusively.
	StateAcquired InstanceState = "ACQUIRED"

	// StateCleaning means post-run cleanup is in progress.
	StateCleaning InstanceState = "CLEANING"

	// StateDead is terminal; the instance is discarded and never reused.
	StateDead InstanceState = "DEAD"
)

// ADBClient is the subset of the adb wrapper the device layer calls. It
// exists so tests can substitute a fake for the external tool.
type ADBClient interface {
	Serial() string
	Shell(ctx context.Context, cmd string, opts *adb.Options) (string, error)
	Install(ctx context.Context, apkPath string) error
	Uninstall(ctx context.Context, pkg string) error
	EmulatorKill(ctx context.Context) error
	EmulatorAVDName(ctx context.Context) (string, error)
	ScreencapPNG(ctx context.Context) ([]byte, error)
	HealthCheck(ctx context.Context) error
	State(ctx context.Context) (string, error)
}

var _ ADBClient = (*adb.ADB)(nil)

// Instance is a device lease. All state transitions happen under the owning
// pool or manager mutex.
type Instance struct {
	// ID is the lease id, unique per process.
	ID string

	Kind   Kind
	Serial string

	// AVDName is the emulator profile; empty for physical devices.
	AVDName string

	State InstanceState

	// ProjectID and RunID are set while the lease is ACQUIRED.
	ProjectID string
	RunID     string

	StartedAt  time.Time
	AcquiredAt time.Time

	// Agent is the Android agent runtime attached at acquisition.
	Agent drivers.Agent

	// ADB is the per-serial wrapper handle.
	ADB ADBClient

	// PackageName and ClearPackageDataOnRelease direct release cleanup:
	// when set, the package is force-stopped and its data cleared before
	// the instance returns to IDLE.
	PackageName               string
	ClearPackageDataOnRelease bool
}

// cleanup force-stops and optionally clears the configured package, then
// presses HOME and health-checks the device. Any error means the instance
// must be discarded rather than recycled.
func (i *Instance) cleanup(ctx context.Context) error {
	if i.PackageName != "" {
		if _, err := i.ADB.Shell(ctx, "am force-stop "+i.PackageName, nil); err != nil {
			return err
		}
		if i.ClearPackageDataOnRelease {
			if _, err := i.ADB.Shell(ctx, "pm clear "+i.PackageName, nil); err != nil {
				return err
			}
		}
	}
	if _, err := i.ADB.Shell(ctx, "input keyevent KEYCODE_HOME", nil); err != nil {
		return err
	}
	return i.ADB.HealthCheck(ctx)
}
