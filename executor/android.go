// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/proctor/structs"
)

// foregroundPollInterval is how often the resumed activity is probed while
// waiting for the app to reach the foreground.
const foregroundPollInterval = 500 * time.Millisecond

// setupAndroid leases a device for the target, prepares the app and attaches
// the agent's tip observer. The lease release is pushed onto the cleanup
// stack before anything can fail.
func (e *Executor) setupAndroid(ctx context.Context, st *runState, t *target, cleanup *cleanupStack) error {
	lease, err := e.devices.Acquire(ctx, st.run.ProjectID, t.android.Device, st.runID)
	if err != nil {
		return fmt.Errorf("failed to acquire device for target %q: %w", t.id, err)
	}
	cleanup.Add(func() {
		e.devices.Release(context.WithoutCancel(ctx), lease)
	})
	t.lease = lease
	t.agent = lease.Agent
	if t.agent == nil {
		return fmt.Errorf("device %s has no agent runtime attached", lease.Serial)
	}

	appID := t.android.AppID
	st.log(structs.LogLevelInfo, t.id, "Using device %s for app %s", lease.Serial, appID)

	installed, err := e.packageInstalled(ctx, t, appID)
	if err != nil {
		return err
	}
	if !installed {
		return structs.NewConfigError("app %q is not installed on device %s", appID, lease.Serial)
	}

	// Release cleanup restores the same hygiene, so record the intent on
	// the lease.
	lease.PackageName = appID
	lease.ClearPackageDataOnRelease = t.android.ClearAppState

	if t.android.ClearAppState {
		if _, err := lease.ADB.Shell(ctx, "pm clear "+appID, nil); err != nil {
			return fmt.Errorf("failed to clear app state for %s: %w", appID, err)
		}
	}
	if t.android.AllowAllPermissions {
		e.grantPermissions(ctx, st, t, appID)
	}

	if err := e.launchApp(ctx, st, t, appID); err != nil {
		return err
	}
	if err := e.waitForForeground(ctx, t, appID); err != nil {
		return err
	}

	wireTips(ctx, st, t)
	return nil
}

// packageInstalled checks the device's package list for an exact match.
func (e *Executor) packageInstalled(ctx context.Context, t *target, appID string) (bool, error) {
	out, err := t.lease.ADB.Shell(ctx, "pm list packages "+appID, nil)
	if err != nil {
		return false, fmt.Errorf("failed to list packages on %s: %w", t.lease.Serial, err)
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "package:"+appID {
			return true, nil
		}
	}
	return false, nil
}

// grantPermissions bulk-grants the app's requested runtime permissions.
// Individual failures are informational; many declared permissions are not
// grantable at runtime.
func (e *Executor) grantPermissions(ctx context.Context, st *runState, t *target, appID string) {
	out, err := t.lease.ADB.Shell(ctx, "dumpsys package "+appID, nil)
	if err != nil {
		st.log(structs.LogLevelWarn, t.id, "Could not enumerate permissions for %s: %v", appID, err)
		return
	}

	for _, perm := range requestedPermissions(out) {
		if _, err := t.lease.ADB.Shell(ctx, fmt.Sprintf("pm grant %s %s", appID, perm), nil); err != nil {
			st.logger.Debug("permission grant failed", "app", appID, "permission", perm, "error", err)
		}
	}
}

// requestedPermissions parses the "requested permissions:" block of a dumpsys
// package report.
func requestedPermissions(dump string) []string {
	var perms []string
	in := false
	for _, line := range strings.Split(dump, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "requested permissions:") {
			in = true
			continue
		}
		if !in {
			continue
		}
		if trimmed == "" || strings.HasSuffix(trimmed, "permissions:") {
			break
		}
		perm, _, _ := strings.Cut(trimmed, ":")
		if strings.HasPrefix(perm, "android.permission.") {
			perms = append(perms, perm)
		}
	}
	return perms
}

// launchApp starts the application, preferring the agent's launcher and
// falling back to a monkey launcher intent.
func (e *Executor) launchApp(ctx context.Context, st *runState, t *target, appID string) error {
	launchCtx, cancel := context.WithTimeout(ctx, e.cfg.AppLaunchTimeout)
	defer cancel()

	if err := t.agent.Launch(launchCtx, appID); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else {
		st.log(structs.LogLevelWarn, t.id, "Agent launch failed (%v), falling back to launcher intent", err)
	}

	cmd := fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", appID)
	if _, err := t.lease.ADB.Shell(ctx, cmd, nil); err != nil {
		return fmt.Errorf("failed to launch %s: %w", appID, err)
	}
	return nil
}

// waitForForeground polls the resumed activity until it belongs to the app or
// the launch deadline elapses.
func (e *Executor) waitForForeground(ctx context.Context, t *target, appID string) error {
	deadline := time.Now().Add(e.cfg.AppLaunchTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := t.lease.ADB.Shell(ctx, "dumpsys activity activities", nil)
		if err == nil && foregroundPackageIs(out, appID) {
			return nil
		}

		if time.Now().After(deadline) {
			return structs.NewTimeoutError("app %s did not reach the foreground within %s",
				appID, e.cfg.AppLaunchTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(foregroundPollInterval):
		}
	}
}

func foregroundPackageIs(dump, appID string) bool {
	for _, line := range strings.Split(dump, "\n") {
		if strings.Contains(line, "ResumedActivity") && strings.Contains(line, appID+"/") {
			return true
		}
	}
	return false
}

// wireTips attaches the per-action observer: every agent tip is one billable
// action, one log line and one screenshot.
func wireTips(ctx context.Context, st *runState, t *target) {
	t.agent.OnTaskStartTip(func(tip string) {
		st.actionCount.Add(1)
		st.log(structs.LogLevelInfo, t.id, "%s", tip)
		st.screenshot(ctx, t, "action")
	})
}
