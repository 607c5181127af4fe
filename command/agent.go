// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/proctor/config"
	"github.com/hashicorp/proctor/device"
	"github.com/hashicorp/proctor/drivers/chromebrowser"
	"github.com/hashicorp/proctor/drivers/mockagent"
	"github.com/hashicorp/proctor/executor"
	"github.com/hashicorp/proctor/queue"
	"github.com/hashicorp/proctor/state"
	"github.com/hashicorp/proctor/stream"
	"github.com/hashicorp/proctor/structs"
	"github.com/hashicorp/proctor/urlpolicy"
)

// statsInterval is how often component gauges are refreshed.
const statsInterval = 10 * time.Second

// AgentCommand runs the orchestrator until signalled.
type AgentCommand struct {
	Meta

	// ShutdownCh closes when the agent should stop. Defaults to SIGINT and
	// SIGTERM.
	ShutdownCh <-chan struct{}
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: proctor agent [options]

  Starts the test-run orchestrator and blocks until the process is signalled.

Options:

  -config=<path>
    Path to an HCL configuration file. Flag values override the file.

  -log-level=<level>
    Log level: TRACE, DEBUG, INFO, WARN, ERROR.

  -adb-path=<path>
    Path to the adb binary.

  -emulator-path=<path>
    Path to the Android SDK emulator binary.

  -upload-root=<path>
    Directory holding per-test-case file attachments.
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Name() string { return "agent" }

func (c *AgentCommand) Synopsis() string {
	return "Runs the test-run orchestrator"
}

func (c *AgentCommand) Run(args []string) int {
	var configPath, logLevel, adbPath, emulatorPath, uploadRoot string

	flags := c.FlagSet(c.Name())
	flags.StringVar(&configPath, "config", "", "")
	flags.StringVar(&logLevel, "log-level", "", "")
	flags.StringVar(&adbPath, "adb-path", "", "")
	flags.StringVar(&emulatorPath, "emulator-path", "", "")
	flags.StringVar(&uploadRoot, "upload-root", "", "")
	if err := flags.Parse(args); err != nil {
		c.Ui.Error(fmt.Sprintf("Error parsing flags: %v", err))
		return 1
	}

	cfg := config.DefaultConfig()
	if configPath != "" {
		fileCfg, err := config.LoadFile(configPath)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}
		cfg = cfg.Merge(fileCfg)
	}
	cfg = cfg.Merge(&config.Config{
		LogLevel:     logLevel,
		ADBPath:      adbPath,
		EmulatorPath: emulatorPath,
		UploadRoot:   uploadRoot,
	})

	logger := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:       "proctor",
		Level:      hclog.LevelFromString(cfg.LogLevel),
		Output:     os.Stderr,
		JSONFormat: false,
	})

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("proctor"), inm); err != nil {
		c.Ui.Error(fmt.Sprintf("Error configuring telemetry: %v", err))
		return 1
	}

	core := buildCore(logger, cfg)

	ctx := context.Background()
	if err := core.queue.Startup(ctx); err != nil {
		logger.Error("startup reconciliation reported errors", "error", err)
	}
	if err := core.devices.Initialize(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing device manager: %v", err))
		return 1
	}

	stopCh := make(chan struct{})
	go core.queue.EmitStats(statsInterval, stopCh)
	go core.devices.EmitStats(statsInterval, stopCh)

	c.Ui.Output("Proctor agent started! Log data will stream in below:")

	<-c.shutdownCh()

	logger.Info("shutting down")
	close(stopCh)
	core.queue.Shutdown()
	core.devices.Shutdown()
	return 0
}

func (c *AgentCommand) shutdownCh() <-chan struct{} {
	if c.ShutdownCh != nil {
		return c.ShutdownCh
	}
	ch := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		close(ch)
	}()
	return ch
}

// core bundles the wired components of a running agent.
type core struct {
	queue   *queue.Queue
	devices *device.Manager
}

// buildCore is the composition root: every singleton is constructed here and
// handed its collaborators explicitly.
func buildCore(logger hclog.Logger, cfg *config.Config) *core {
	filter := urlpolicy.New(&urlpolicy.Config{
		Logger:         logger,
		AllowedSchemes: cfg.AllowedSchemes,
		DNSTimeout:     cfg.DNSTimeout,
		DNSCacheTTL:    cfg.DNSCacheTTL,
		LogDedupWindow: cfg.BlockedRequestLogDedup,
	})

	agents := mockagent.NewFactory(logger)

	pool := device.NewEmulatorPool(&device.PoolConfig{
		Logger:                 logger,
		MaxConcurrentEmulators: cfg.MaxConcurrentEmulators,
		BootTimeout:            cfg.EmulatorBootTimeout,
		ADBPath:                cfg.ADBPath,
		Starter:                device.NewExecStarter(logger, cfg.EmulatorPath),
		AgentFactory:           agents,
	})
	devices := device.NewManager(&device.ManagerConfig{
		Logger:       logger,
		Pool:         pool,
		ADBPath:      cfg.ADBPath,
		AgentFactory: agents,
	})

	runner := executor.New(&executor.Config{
		Logger:   logger,
		Runtime:  cfg,
		Filter:   filter,
		Devices:  devices,
		Launcher: chromebrowser.NewLauncher(logger),
		Agents:   agents,
	})

	store := state.NewMemDB(logger)
	q := queue.New(&queue.Config{
		Logger:  logger,
		Runtime: cfg,
		Store:   store,
		Usage:   state.NoopUsage{},
		Devices: devices,
		Runner:  runner,
		RunEvents: stream.NewBroker[*structs.Event](&stream.BrokerConfig{
			Logger: logger,
			Name:   "run",
		}),
		ProjectEvents: stream.NewBroker[*structs.ProjectEvent](&stream.BrokerConfig{
			Logger: logger,
			Name:   "project",
		}),
	})

	return &core{queue: q, devices: devices}
}
