// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/proctor/adb"
	"github.com/hashicorp/proctor/drivers"
	"github.com/hashicorp/proctor/helper/broker"
	"github.com/hashicorp/proctor/helper/uuid"
	"github.com/hashicorp/proctor/structs"
)

const (
	// emulatorSerialPrefix is how emulator serials appear in adb devices.
	emulatorSerialPrefix = "emulator-"

	// basePort is the first emulator console port. Ports advance by two
	// because each emulator claims a console/adb port pair.
	basePort = 5554

	// bootPollInterval is how often boot completion is probed.
	bootPollInterval = 2 * time.Second

	// acquirePollInterval bounds each wait slice while an acquire is
	// blocked on the global ceiling, so cancellation is observed promptly.
	acquirePollInterval = 500 * time.Millisecond

	// cleanupTimeout bounds release cleanup; it uses a detached context so
	// cleanup survives run cancellation.
	cleanupTimeout = 2 * time.Minute
)

// errCeiling marks a boot refused because every emulator slot is taken.
// Acquire treats it as retryable and falls back to its wait loop; a
// concurrent acquire can take the last slot between Acquire's count check and
// Boot's re-check under the mutex.
var errCeiling = errors.New("emulator ceiling reached")

// PoolConfig configures an EmulatorPool.
type PoolConfig struct {
	Logger hclog.Logger

	// MaxConcurrentEmulators is the global ceiling on live emulators.
	MaxConcurrentEmulators int

	// BootTimeout bounds waiting for Android to finish booting.
	BootTimeout time.Duration

	// NewADB builds the per-serial wrapper. Defaults to the real adb
	// binary at ADBPath.
	NewADB func(serial string) ADBClient

	// ADBPath locates the adb binary for the default NewADB and device
	// listing.
	ADBPath string

	// ListDevices enumerates serials the adb server sees.
	ListDevices func(ctx context.Context) ([]adb.Device, error)

	// Starter spawns emulator processes.
	Starter EmulatorStarter

	// AgentFactory attaches the Android agent runtime to leases.
	AgentFactory drivers.AgentFactory
}

// EmulatorPool starts, tracks and reuses emulator instances keyed by AVD
// profile name, gating boots under a global ceiling.
type EmulatorPool struct {
	logger hclog.Logger

	max         int
	bootTimeout time.Duration

	newADB      func(serial string) ADBClient
	listDevices func(ctx context.Context) ([]adb.Device, error)
	starter     EmulatorStarter
	agents      drivers.AgentFactory

	// notifier wakes acquires blocked on the ceiling when a slot frees.
	notifier *broker.GenericNotifier
	stopCh   chan struct{}

	// mu guards everything below.
	mu          sync.Mutex
	instances   map[string]*Instance
	nextPort    int
	initialized bool
}

// NewEmulatorPool returns a pool; call Initialize before first use.
func NewEmulatorPool(c *PoolConfig) *EmulatorPool {
	logger := c.Logger.Named("emulator_pool")

	newADB := c.NewADB
	if newADB == nil {
		newADB = func(serial string) ADBClient {
			return adb.New(logger, c.ADBPath, serial)
		}
	}
	listDevices := c.ListDevices
	if listDevices == nil {
		listDevices = func(ctx context.Context) ([]adb.Device, error) {
			return adb.Devices(ctx, logger, c.ADBPath)
		}
	}

	p := &EmulatorPool{
		logger:      logger,
		max:         c.MaxConcurrentEmulators,
		bootTimeout: c.BootTimeout,
		newADB:      newADB,
		listDevices: listDevices,
		starter:     c.Starter,
		agents:      c.AgentFactory,
		notifier:    broker.NewGenericNotifier(),
		stopCh:      make(chan struct{}),
		instances:   make(map[string]*Instance),
		nextPort:    basePort,
	}
	go p.notifier.Run(p.stopCh)
	return p
}

// Shutdown stops the notifier. Emulators the process started keep running
// unless stopped explicitly.
func (p *EmulatorPool) Shutdown() {
	close(p.stopCh)
}

// Initialize discovers emulators already visible to adb and adopts every one
// that passes a health check as IDLE. It is idempotent.
func (p *EmulatorPool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.initialized = true
	p.mu.Unlock()

	devices, err := p.listDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	for _, d := range devices {
		if !strings.HasPrefix(d.Serial, emulatorSerialPrefix) || d.State != "device" {
			continue
		}

		client := p.newADB(d.Serial)
		if err := client.HealthCheck(ctx); err != nil {
			p.logger.Warn("skipping unhealthy emulator", "serial", d.Serial, "error", err)
			continue
		}
		avdName, err := client.EmulatorAVDName(ctx)
		if err != nil {
			p.logger.Warn("failed to read avd name", "serial", d.Serial, "error", err)
			continue
		}

		inst := &Instance{
			ID:        uuid.Generate(),
			Kind:      KindEmulator,
			Serial:    d.Serial,
			AVDName:   avdName,
			State:     StateIdle,
			StartedAt: time.Now(),
			ADB:       client,
		}

		p.mu.Lock()
		p.instances[inst.ID] = inst
		if port := portOfSerial(d.Serial); port >= p.nextPort {
			p.nextPort = port + 2
		}
		p.mu.Unlock()

		p.logger.Info("adopted running emulator", "serial", d.Serial, "avd", avdName)
	}
	return nil
}

// CanAcquireBatchImmediately returns true iff the multiset of requested
// emulator profiles can be satisfied right now without exceeding the global
// ceiling and without handing the same idle instance to two requests.
func (p *EmulatorPool) CanAcquireBatchImmediately(requests []*structs.AcquireRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idleByProfile := make(map[string]int)
	for _, inst := range p.instances {
		if inst.Kind == KindEmulator && inst.State == StateIdle {
			idleByProfile[inst.AVDName]++
		}
	}
	free := p.max - p.liveCountLocked()

	for _, req := range requests {
		profile := req.Selector.EmulatorProfile
		if profile == "" {
			continue
		}
		if idleByProfile[profile] > 0 {
			idleByProfile[profile]--
			continue
		}
		if free > 0 {
			free--
			continue
		}
		return false
	}
	return true
}

// Acquire leases an IDLE instance of the profile, booting a fresh one when
// allowed, or blocks until a slot frees or ctx aborts.
func (p *EmulatorPool) Acquire(ctx context.Context, projectID, avdName, runID string) (*Instance, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.mu.Lock()
		if inst := p.claimIdleLocked(avdName); inst != nil {
			p.mu.Unlock()

			// Health-check before handing the lease out; discard on
			// failure and look again.
			if err := inst.ADB.HealthCheck(ctx); err != nil {
				p.logger.Warn("discarding unhealthy idle emulator", "serial", inst.Serial, "error", err)
				p.discard(inst)
				continue
			}
			return p.finishAcquire(inst, projectID, runID)
		}

		if p.liveCountLocked() < p.max {
			p.mu.Unlock()

			inst, err := p.Boot(ctx, projectID, avdName)
			if errors.Is(err, errCeiling) {
				// Lost the last slot to a concurrent acquire; wait for
				// a release like any other blocked acquire.
				p.notifier.WaitForChange(acquirePollInterval)
				continue
			}
			if err != nil {
				return nil, err
			}

			// Claim exactly the booted instance; on the rare race where
			// another acquire took it first, try again.
			p.mu.Lock()
			if inst.State == StateIdle {
				inst.State = StateCleaning
				p.mu.Unlock()
				return p.finishAcquire(inst, projectID, runID)
			}
			p.mu.Unlock()
			continue
		}
		p.mu.Unlock()

		// Ceiling reached: wait for a release or discard to free a slot.
		p.notifier.WaitForChange(acquirePollInterval)
	}
}

// finishAcquire transitions a claimed instance to ACQUIRED and attaches the
// agent runtime.
func (p *EmulatorPool) finishAcquire(inst *Instance, projectID, runID string) (*Instance, error) {
	if p.agents != nil && inst.Agent == nil {
		agent, err := p.agents.NewAndroidAgent(&drivers.AndroidAgentConfig{ADB: asADB(inst.ADB)})
		if err != nil {
			p.discard(inst)
			return nil, fmt.Errorf("failed to attach agent runtime to %s: %w", inst.Serial, err)
		}
		inst.Agent = agent
	}

	p.mu.Lock()
	inst.State = StateAcquired
	inst.ProjectID = projectID
	inst.RunID = runID
	inst.AcquiredAt = time.Now()
	p.mu.Unlock()

	p.logger.Info("acquired emulator", "serial", inst.Serial, "avd", inst.AVDName, "run_id", runID)
	return inst, nil
}

// claimIdleLocked picks an IDLE instance for the profile and marks it
// CLEANING so no other acquire can take it while it is health-checked.
func (p *EmulatorPool) claimIdleLocked(avdName string) *Instance {
	for _, inst := range p.instances {
		if inst.Kind == KindEmulator && inst.State == StateIdle && inst.AVDName == avdName {
			inst.State = StateCleaning
			return inst
		}
	}
	return nil
}

// liveCountLocked counts emulators holding a ceiling slot.
func (p *EmulatorPool) liveCountLocked() int {
	n := 0
	for _, inst := range p.instances {
		if inst.Kind == KindEmulator && inst.State != StateDead {
			n++
		}
	}
	return n
}

// Boot starts a new emulator for the profile and waits until Android's
// package manager is responsive. The returned handle is IDLE.
func (p *EmulatorPool) Boot(ctx context.Context, projectID, avdName string) (*Instance, error) {
	p.mu.Lock()
	if p.liveCountLocked() >= p.max {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d slots in use", errCeiling, p.max)
	}

	port := p.nextPort
	p.nextPort += 2
	inst := &Instance{
		ID:        uuid.Generate(),
		Kind:      KindEmulator,
		Serial:    fmt.Sprintf("%s%d", emulatorSerialPrefix, port),
		AVDName:   avdName,
		State:     StateStarting,
		StartedAt: time.Now(),
	}
	p.instances[inst.ID] = inst
	p.mu.Unlock()

	p.logger.Info("booting emulator", "avd", avdName, "serial", inst.Serial, "project_id", projectID)

	if err := p.starter.StartEmulator(ctx, avdName, port); err != nil {
		p.discard(inst)
		return nil, err
	}

	inst.ADB = p.newADB(inst.Serial)

	p.mu.Lock()
	inst.State = StateBooting
	p.mu.Unlock()

	if err := p.waitForBoot(ctx, inst); err != nil {
		p.discard(inst)
		return nil, err
	}

	p.mu.Lock()
	inst.State = StateIdle
	p.mu.Unlock()

	p.logger.Info("emulator booted", "serial", inst.Serial, "avd", avdName)
	return inst, nil
}

// waitForBoot polls until sys.boot_completed is set and the package manager
// answers, or the boot timeout elapses.
func (p *EmulatorPool) waitForBoot(ctx context.Context, inst *Instance) error {
	deadline := time.Now().Add(p.bootTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("emulator %s did not boot within %s", inst.Serial, p.bootTimeout)
		}

		booted, _ := inst.ADB.Shell(ctx, "getprop sys.boot_completed", &adb.Options{Timeout: 5 * time.Second})
		if strings.TrimSpace(booted) == "1" {
			pm, err := inst.ADB.Shell(ctx, "pm path android", &adb.Options{Timeout: 5 * time.Second})
			if err == nil && strings.Contains(pm, "package:") {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bootPollInterval):
		}
	}
}

// Release cleans an instance after a run. Successful cleanup returns the
// instance to IDLE; any failure discards it. Cleanup runs on a detached
// context so run cancellation cannot orphan a dirty emulator.
func (p *EmulatorPool) Release(ctx context.Context, inst *Instance) {
	p.mu.Lock()
	if inst.State == StateDead {
		p.mu.Unlock()
		return
	}
	inst.State = StateCleaning
	p.mu.Unlock()

	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := inst.cleanup(cleanCtx); err != nil {
		p.logger.Warn("emulator cleanup failed, discarding", "serial", inst.Serial, "error", err)
		p.discard(inst)
		return
	}

	p.mu.Lock()
	inst.State = StateIdle
	inst.ProjectID = ""
	inst.RunID = ""
	inst.AcquiredAt = time.Time{}
	inst.Agent = nil
	inst.PackageName = ""
	inst.ClearPackageDataOnRelease = false
	p.mu.Unlock()

	p.logger.Info("released emulator", "serial", inst.Serial, "avd", inst.AVDName)
	p.notifier.Notify("emulator released")
}

// discard transitions an instance to DEAD, drops it from the pool and
// best-effort kills the emulator process.
func (p *EmulatorPool) discard(inst *Instance) {
	p.mu.Lock()
	inst.State = StateDead
	delete(p.instances, inst.ID)
	p.mu.Unlock()

	if inst.ADB != nil {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := inst.ADB.EmulatorKill(killCtx); err != nil {
			p.logger.Debug("emulator kill failed", "serial", inst.Serial, "error", err)
		}
		cancel()
	}
	p.notifier.Notify("emulator discarded")
}

// Stop terminates an idle emulator by lease id. Acquired instances are left
// alone.
func (p *EmulatorPool) Stop(ctx context.Context, id string) error {
	p.mu.Lock()
	inst, ok := p.instances[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("unknown instance %q", id)
	}
	if inst.Kind != KindEmulator {
		p.mu.Unlock()
		return structs.ErrEmulatorOnly
	}
	if inst.State == StateAcquired || inst.State == StateCleaning {
		p.mu.Unlock()
		return fmt.Errorf("emulator %s is in use", inst.Serial)
	}
	inst.State = StateCleaning
	p.mu.Unlock()

	p.discard(inst)
	return nil
}

// StopIdleEmulatorsForProfiles terminates every idle emulator whose profile
// is in names. Acquired instances are unaffected.
func (p *EmulatorPool) StopIdleEmulatorsForProfiles(ctx context.Context, names []string) {
	wanted := set.From(names)

	p.mu.Lock()
	var ids []string
	for id, inst := range p.instances {
		if inst.Kind == KindEmulator && inst.State == StateIdle && wanted.Contains(inst.AVDName) {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		if err := p.Stop(ctx, id); err != nil {
			p.logger.Debug("failed to stop idle emulator", "id", id, "error", err)
		}
	}
}

// FindBySerial returns the tracked instance for a serial, or nil.
func (p *EmulatorPool) FindBySerial(serial string) *Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, inst := range p.instances {
		if inst.Serial == serial {
			return inst
		}
	}
	return nil
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	Total    int
	Idle     int
	Acquired int
	Booting  int
}

// Stats queries pool occupancy.
func (p *EmulatorPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{}
	for _, inst := range p.instances {
		if inst.Kind != KindEmulator {
			continue
		}
		s.Total++
		switch inst.State {
		case StateIdle:
			s.Idle++
		case StateAcquired:
			s.Acquired++
		case StateStarting, StateBooting:
			s.Booting++
		}
	}
	return s
}

func portOfSerial(serial string) int {
	port, err := strconv.Atoi(strings.TrimPrefix(serial, emulatorSerialPrefix))
	if err != nil {
		return 0
	}
	return port
}

// asADB unwraps the concrete adb handle when available; fake clients in
// tests yield a nil handle, which agent factories must tolerate.
func asADB(c ADBClient) *adb.ADB {
	if real, ok := c.(*adb.ADB); ok {
		return real
	}
	return nil
}
