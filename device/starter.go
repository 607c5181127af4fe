// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package device

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	hclog "github.com/hashicorp/go-hclog"
)

// EmulatorStarter spawns emulator processes. The default shells out to the
// SDK emulator binary; tests substitute a fake.
type EmulatorStarter interface {
	// StartEmulator launches the AVD headless on the given console port.
	// The emulator becomes visible to adb as "emulator-<port>".
	StartEmulator(ctx context.Context, avdName string, port int) error
}

// execStarter launches the SDK emulator binary detached.
type execStarter struct {
	logger hclog.Logger
	bin    string
}

// NewExecStarter returns the default EmulatorStarter backed by the emulator
// binary at bin.
func NewExecStarter(logger hclog.Logger, bin string) EmulatorStarter {
	return &execStarter{logger: logger.Named("emulator_starter"), bin: bin}
}

func (s *execStarter) StartEmulator(ctx context.Context, avdName string, port int) error {
	args := []string{
		"-avd", avdName,
		"-port", strconv.Itoa(port),
		"-no-window",
		"-no-audio",
		"-no-boot-anim",
		"-no-snapshot-save",
	}

	cmd := exec.Command(s.bin, args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start emulator for avd %q: %w", avdName, err)
	}

	s.logger.Info("started emulator process", "avd", avdName, "port", port, "pid", cmd.Process.Pid)

	// The emulator outlives this call; reap the process in the background
	// so it does not linger as a zombie.
	go func() {
		err := cmd.Wait()
		s.logger.Debug("emulator process exited", "avd", avdName, "port", port, "error", err)
	}()
	return nil
}
