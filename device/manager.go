// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-set/v3"

	"github.com/hashicorp/proctor/adb"
	"github.com/hashicorp/proctor/drivers"
	"github.com/hashicorp/proctor/helper/uuid"
	"github.com/hashicorp/proctor/structs"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger hclog.Logger

	// Pool is the emulator pool backing profile selectors.
	Pool *EmulatorPool

	// NewADB builds per-serial wrapper handles. Defaults to the real adb
	// binary at ADBPath.
	NewADB func(serial string) ADBClient

	// ADBPath locates the adb binary.
	ADBPath string

	// ListDevices enumerates serials the adb server sees.
	ListDevices func(ctx context.Context) ([]adb.Device, error)

	// AgentFactory attaches the Android agent runtime to leases.
	AgentFactory drivers.AgentFactory
}

// Manager is the unified lease API over the emulator pool and physical
// devices. It enforces at most one ACQUIRED lease per serial.
type Manager struct {
	logger hclog.Logger
	pool   *EmulatorPool

	newADB      func(serial string) ADBClient
	listDevices func(ctx context.Context) ([]adb.Device, error)
	agents      drivers.AgentFactory

	// mu guards physical.
	mu       sync.Mutex
	physical map[string]*Instance
}

// NewManager returns a device manager over the pool and physical devices.
func NewManager(c *ManagerConfig) *Manager {
	logger := c.Logger.Named("device_mgr")

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

	return &Manager{
		logger:      logger,
		pool:        c.Pool,
		newADB:      newADB,
		listDevices: listDevices,
		agents:      c.AgentFactory,
		physical:    make(map[string]*Instance),
	}
}

// Initialize warms the emulator pool. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.pool.Initialize(ctx)
}

// Shutdown releases manager resources.
func (m *Manager) Shutdown() {
	m.pool.Shutdown()
}

// Acquire leases a device matching the selector for the run. Profile
// selectors go to the emulator pool; serial selectors lease the physical
// device exclusively.
func (m *Manager) Acquire(ctx context.Context, projectID string, sel structs.DeviceSelector, runID string) (*Instance, error) {
	if sel.Empty() {
		return nil, structs.NewConfigError("android target has no device selector")
	}
	if sel.EmulatorProfile != "" {
		return m.pool.Acquire(ctx, projectID, sel.EmulatorProfile, runID)
	}
	return m.acquirePhysical(ctx, projectID, sel.ConnectedDevice, runID)
}

func (m *Manager) acquirePhysical(ctx context.Context, projectID, serial, runID string) (*Instance, error) {
	// Reuse an existing idle lease when it is still healthy.
	m.mu.Lock()
	if lease, ok := m.physical[serial]; ok {
		if lease.State == StateAcquired || lease.State == StateCleaning {
			m.mu.Unlock()
			return nil, fmt.Errorf("device %s: %w", serial, structs.ErrDeviceInUse)
		}
		lease.State = StateCleaning
		m.mu.Unlock()

		if err := lease.ADB.HealthCheck(ctx); err == nil {
			return m.finishPhysicalAcquire(lease, projectID, runID)
		}

		m.logger.Warn("discarding unhealthy physical lease", "serial", serial)
		m.mu.Lock()
		delete(m.physical, serial)
	}
	m.mu.Unlock()

	// Fresh lease: the device must be connected and authorized.
	devices, err := m.listDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	var found *adb.Device
	for i := range devices {
		if devices[i].Serial == serial {
			found = &devices[i]
			break
		}
	}
	switch {
	case found == nil:
		return nil, fmt.Errorf("device %s: %w", serial, structs.ErrDeviceNotConnected)
	case found.State == "unauthorized":
		return nil, fmt.Errorf("device %s: %w", serial, structs.ErrDeviceUnauthorized)
	case found.State != "device":
		return nil, fmt.Errorf("device %s is in state %q", serial, found.State)
	}

	client := m.newADB(serial)
	if err := client.HealthCheck(ctx); err != nil {
		return nil, err
	}

	lease := &Instance{
		ID:        uuid.Generate(),
		Kind:      KindPhysical,
		Serial:    serial,
		State:     StateCleaning,
		StartedAt: time.Now(),
		ADB:       client,
	}

	m.mu.Lock()
	if existing, ok := m.physical[serial]; ok && existing.State != StateIdle {
		m.mu.Unlock()
		return nil, fmt.Errorf("device %s: %w", serial, structs.ErrDeviceInUse)
	}
	m.physical[serial] = lease
	m.mu.Unlock()

	return m.finishPhysicalAcquire(lease, projectID, runID)
}

func (m *Manager) finishPhysicalAcquire(lease *Instance, projectID, runID string) (*Instance, error) {
	if m.agents != nil && lease.Agent == nil {
		agent, err := m.agents.NewAndroidAgent(&drivers.AndroidAgentConfig{ADB: asADB(lease.ADB)})
		if err != nil {
			m.mu.Lock()
			delete(m.physical, lease.Serial)
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to attach agent runtime to %s: %w", lease.Serial, err)
		}
		lease.Agent = agent
	}

	m.mu.Lock()
	lease.State = StateAcquired
	lease.ProjectID = projectID
	lease.RunID = runID
	lease.AcquiredAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("acquired physical device", "serial", lease.Serial, "run_id", runID)
	return lease, nil
}

// Release returns an instance to its pool. Emulators go back to the pool;
// physical leases are cleaned and kept IDLE for reuse, or discarded when
// cleanup fails.
func (m *Manager) Release(ctx context.Context, inst *Instance) {
	if inst == nil {
		return
	}
	if inst.Kind == KindEmulator {
		m.pool.Release(ctx, inst)
		return
	}

	m.mu.Lock()
	inst.State = StateCleaning
	m.mu.Unlock()

	cleanCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := inst.cleanup(cleanCtx); err != nil {
		m.logger.Warn("physical device cleanup failed, discarding lease", "serial", inst.Serial, "error", err)
		m.mu.Lock()
		inst.State = StateDead
		delete(m.physical, inst.Serial)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	inst.State = StateIdle
	inst.ProjectID = ""
	inst.RunID = ""
	inst.AcquiredAt = time.Time{}
	inst.PackageName = ""
	inst.ClearPackageDataOnRelease = false
	m.mu.Unlock()

	m.logger.Info("released physical device", "serial", inst.Serial)
}

// CanAcquireBatchImmediately combines the emulator pool check with physical
// availability. A serial appearing twice in the batch, or currently holding
// an ACQUIRED lease, makes the batch infeasible.
func (m *Manager) CanAcquireBatchImmediately(requests []*structs.AcquireRequest) bool {
	seen := set.New[string](len(requests))

	m.mu.Lock()
	for _, req := range requests {
		serial := req.Selector.ConnectedDevice
		if serial == "" {
			continue
		}
		if !seen.Insert(serial) {
			m.mu.Unlock()
			return false
		}
		if lease, ok := m.physical[serial]; ok && lease.State != StateIdle {
			m.mu.Unlock()
			return false
		}
	}
	m.mu.Unlock()

	return m.pool.CanAcquireBatchImmediately(requests)
}

// Stop terminates an idle emulator by lease id. Physical devices cannot be
// stopped through the pool API.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	for _, lease := range m.physical {
		if lease.ID == id {
			m.mu.Unlock()
			return structs.ErrEmulatorOnly
		}
	}
	m.mu.Unlock()
	return m.pool.Stop(ctx, id)
}

// StopConnectedEmulator terminates an emulator by serial, whether or not the
// pool tracks it.
func (m *Manager) StopConnectedEmulator(ctx context.Context, serial string) error {
	if !strings.HasPrefix(serial, emulatorSerialPrefix) {
		return structs.ErrEmulatorOnly
	}
	if inst := m.pool.FindBySerial(serial); inst != nil {
		return m.pool.Stop(ctx, inst.ID)
	}
	return m.newADB(serial).EmulatorKill(ctx)
}

// StopIdleEmulatorsForProfiles terminates idle emulators for the profiles.
func (m *Manager) StopIdleEmulatorsForProfiles(ctx context.Context, names []string) {
	m.pool.StopIdleEmulatorsForProfiles(ctx, names)
}

// ListInstalledPackages lists package names installed on the instance.
func (m *Manager) ListInstalledPackages(ctx context.Context, id string) ([]string, error) {
	inst := m.findByID(id)
	if inst == nil {
		return nil, fmt.Errorf("unknown instance %q", id)
	}

	out, err := inst.ADB.Shell(ctx, "pm list packages", nil)
	if err != nil {
		return nil, err
	}

	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, "package:"); ok {
			pkgs = append(pkgs, name)
		}
	}
	return pkgs, nil
}

func (m *Manager) findByID(id string) *Instance {
	m.mu.Lock()
	for _, lease := range m.physical {
		if lease.ID == id {
			m.mu.Unlock()
			return lease
		}
	}
	m.mu.Unlock()

	m.pool.mu.Lock()
	defer m.pool.mu.Unlock()
	return m.pool.instances[id]
}

// ManagerStats is a snapshot of lease occupancy.
type ManagerStats struct {
	Emulators      PoolStats
	PhysicalLeases int
	PhysicalInUse  int
}

// Stats queries lease occupancy.
func (m *Manager) Stats() ManagerStats {
	s := ManagerStats{Emulators: m.pool.Stats()}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.PhysicalLeases = len(m.physical)
	for _, lease := range m.physical {
		if lease.State == StateAcquired {
			s.PhysicalInUse++
		}
	}
	return s
}

// EmitStats exports device occupancy metrics until stopCh closes.
func (m *Manager) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	for {
		select {
		case <-time.After(period):
			s := m.Stats()
			metrics.SetGauge([]string{"proctor", "device", "emulators_total"}, float32(s.Emulators.Total))
			metrics.SetGauge([]string{"proctor", "device", "emulators_idle"}, float32(s.Emulators.Idle))
			metrics.SetGauge([]string{"proctor", "device", "emulators_acquired"}, float32(s.Emulators.Acquired))
			metrics.SetGauge([]string{"proctor", "device", "physical_leases"}, float32(s.PhysicalLeases))
			metrics.SetGauge([]string{"proctor", "device", "physical_in_use"}, float32(s.PhysicalInUse))
		case <-stopCh:
			return
		}
	}
}
