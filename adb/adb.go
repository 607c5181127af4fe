// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package adb wraps the Android Debug Bridge binary. It is the only path the
// orchestrator uses to talk to a device: every call runs the external tool
// with a hard timeout and bounded retries on transient failures.
package adb

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

const (
	// defaultTimeout bounds a single adb invocation when the caller does
	// not provide one.
	defaultTimeout = 30 * time.Second

	// healthCheckTimeout is the small budget for the responsiveness probe.
	healthCheckTimeout = 5 * time.Second

	// retryDelay is the pause between attempts on transient failures.
	retryDelay = 250 * time.Millisecond
)

// terminalErrorPatterns mark failures that retrying cannot fix.
var terminalErrorPatterns = []string{
	"not found",
	"unauthorized",
	"offline",
	"no devices",
}

// Options tune a single call.
type Options struct {
	// Timeout is the hard per-attempt budget.
	Timeout time.Duration

	// Retries is the number of additional attempts on transient failure.
	Retries int
}

// ADB is a per-serial handle on the adb binary.
type ADB struct {
	logger hclog.Logger
	bin    string
	serial string
}

// New returns a handle bound to one device serial.
func New(logger hclog.Logger, bin, serial string) *ADB {
	return &ADB{
		logger: logger.Named("adb").With("serial", serial),
		bin:    bin,
		serial: serial,
	}
}

// Serial returns the device serial this handle is bound to.
func (a *ADB) Serial() string { return a.serial }

// Shell runs a shell command on the device and returns its combined output.
func (a *ADB) Shell(ctx context.Context, cmd string, opts *Options) (string, error) {
	args := append([]string{"-s", a.serial, "shell"}, strings.Fields(cmd)...)
	return a.run(ctx, opts, args...)
}

// Install installs an APK on the device.
func (a *ADB) Install(ctx context.Context, apkPath string) error {
	_, err := a.run(ctx, &Options{Timeout: 2 * time.Minute, Retries: 1},
		"-s", a.serial, "install", "-r", apkPath)
	return err
}

// Uninstall removes a package from the device.
func (a *ADB) Uninstall(ctx context.Context, pkg string) error {
	_, err := a.run(ctx, &Options{Retries: 1}, "-s", a.serial, "uninstall", pkg)
	return err
}

// EmulatorKill asks a running emulator to terminate via its console.
func (a *ADB) EmulatorKill(ctx context.Context) error {
	_, err := a.run(ctx, nil, "-s", a.serial, "emu", "kill")
	return err
}

// EmulatorAVDName queries a running emulator for its AVD profile name.
func (a *ADB) EmulatorAVDName(ctx context.Context) (string, error) {
	out, err := a.run(ctx, &Options{Timeout: healthCheckTimeout}, "-s", a.serial, "emu", "avd", "name")
	if err != nil {
		return "", err
	}
	// Output is the name on the first line followed by "OK".
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && line != "OK" {
			return line, nil
		}
	}
	return "", fmt.Errorf("empty avd name from emulator %s", a.serial)
}

// ScreencapPNG captures the device screen as PNG bytes. It uses exec-out so
// the binary stream is not mangled by a pty.
func (a *ADB) ScreencapPNG(ctx context.Context) ([]byte, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	cmd := command(cmdCtx, a.bin, "-s", a.serial, "exec-out", "screencap", "-p")
	out, err := cmd.Output()
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("screencap on %s timed out after %s", a.serial, defaultTimeout)
		}
		return nil, fmt.Errorf("screencap on %s failed: %w", a.serial, err)
	}
	return out, nil
}

// State returns the adb connection state of the device, e.g. "device",
// "offline" or "unauthorized".
func (a *ADB) State(ctx context.Context) (string, error) {
	out, err := a.run(ctx, &Options{Timeout: healthCheckTimeout}, "-s", a.serial, "get-state")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HealthCheck probes device responsiveness: a benign shell echo completing
// within a small budget means healthy.
func (a *ADB) HealthCheck(ctx context.Context) error {
	out, err := a.Shell(ctx, "echo ok", &Options{Timeout: healthCheckTimeout})
	if err != nil {
		return fmt.Errorf("device %s failed health check: %w", a.serial, err)
	}
	if !strings.Contains(out, "ok") {
		return fmt.Errorf("device %s failed health check: unexpected output %q", a.serial, out)
	}
	return nil
}

// run executes the binary with retries. A non-zero exit without a terminal
// error pattern counts as transient.
func (a *ADB) run(ctx context.Context, opts *Options, args ...string) (string, error) {
	timeout := defaultTimeout
	retries := 0
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		retries = opts.Retries
	}

	var out string
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryDelay):
			}
			a.logger.Debug("retrying adb command", "args", args, "attempt", attempt)
		}

		out, err = a.runOnce(ctx, timeout, args...)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || isTerminalError(out, err) {
			break
		}
	}
	return out, err
}

func (a *ADB) runOnce(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := command(cmdCtx, a.bin, args...)
	raw, err := cmd.CombinedOutput()
	out := string(raw)
	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("adb %s timed out after %s", strings.Join(args, " "), timeout)
		}
		return out, fmt.Errorf("adb %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(out))
	}
	return out, nil
}

// command builds an exec.Cmd whose context deadline is hard. The adb client
// forks a server process that inherits the output pipe, so killing only the
// direct child leaves CombinedOutput blocked until the whole tree exits.
// Cancellation kills the process group, and WaitDelay unblocks the pipe read
// even if some descendant survives the kill.
func command(ctx context.Context, bin string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	return cmd
}

func isTerminalError(out string, err error) bool {
	text := strings.ToLower(out + " " + err.Error())
	for _, pattern := range terminalErrorPatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// Device is one row of `adb devices` output.
type Device struct {
	Serial string
	State  string
}

// Devices lists the devices the adb server currently sees.
func Devices(ctx context.Context, logger hclog.Logger, bin string) ([]Device, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	raw, err := command(cmdCtx, bin, "devices").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("adb devices failed: %w: %s", err, strings.TrimSpace(string(raw)))
	}

	var devices []Device
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, Device{Serial: fields[0], State: fields[1]})
	}
	return devices, nil
}
