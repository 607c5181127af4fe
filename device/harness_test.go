// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/proctor/adb"
	"github.com/hashicorp/proctor/drivers"
)

// fakeADB is an in-memory ADBClient. Shell output is driven by shellFn when
// set, otherwise boot probes answer as a fully booted device.
type fakeADB struct {
	mu sync.Mutex

	serial    string
	avdName   string
	state     string
	healthErr error
	shellFn   func(cmd string) (string, error)

	shellCalls  []string
	healthCalls int
	killed      bool
}

func newFakeADB(serial, avdName string) *fakeADB {
	return &fakeADB{serial: serial, avdName: avdName, state: "device"}
}

func (f *fakeADB) Serial() string { return f.serial }

func (f *fakeADB) Shell(ctx context.Context, cmd string, opts *adb.Options) (string, error) {
	f.mu.Lock()
	f.shellCalls = append(f.shellCalls, cmd)
	fn := f.shellFn
	f.mu.Unlock()

	if fn != nil {
		return fn(cmd)
	}
	switch {
	case cmd == "getprop sys.boot_completed":
		return "1\n", nil
	case cmd == "pm path android":
		return "package:/system/framework/framework-res.apk\n", nil
	case strings.HasPrefix(cmd, "pm list packages"):
		return "package:com.android.settings\npackage:com.example.app\n", nil
	}
	return "", nil
}

func (f *fakeADB) Install(ctx context.Context, apkPath string) error { return nil }
func (f *fakeADB) Uninstall(ctx context.Context, pkg string) error   { return nil }

func (f *fakeADB) EmulatorKill(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	return nil
}

func (f *fakeADB) EmulatorAVDName(ctx context.Context) (string, error) {
	if f.avdName == "" {
		return "", fmt.Errorf("empty avd name from emulator %s", f.serial)
	}
	return f.avdName, nil
}

func (f *fakeADB) ScreencapPNG(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\nfake"), nil
}

func (f *fakeADB) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthCalls++
	return f.healthErr
}

func (f *fakeADB) State(ctx context.Context) (string, error) { return f.state, nil }

func (f *fakeADB) setHealthErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthErr = err
}

func (f *fakeADB) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

func (f *fakeADB) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.shellCalls))
	copy(out, f.shellCalls)
	return out
}

// fakeStarter records boot requests instead of spawning processes.
type fakeStarter struct {
	mu     sync.Mutex
	err    error
	starts []string
}

func (f *fakeStarter) StartEmulator(ctx context.Context, avdName string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.starts = append(f.starts, fmt.Sprintf("%s:%d", avdName, port))
	return nil
}

func (f *fakeStarter) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

// fakeAgent satisfies the agent contract without doing anything.
type fakeAgent struct{}

func (fakeAgent) Launch(ctx context.Context, appID string) error       { return nil }
func (fakeAgent) Act(ctx context.Context, instruction string) error    { return nil }
func (fakeAgent) Assert(ctx context.Context, instruction string) error { return nil }
func (fakeAgent) Query(ctx context.Context, prompt string) (string, error) {
	return "", nil
}
func (fakeAgent) WaitFor(ctx context.Context, predicate string, opts *drivers.WaitForOptions) error {
	return nil
}
func (fakeAgent) SetActContext(text string)         {}
func (fakeAgent) OnTaskStartTip(fn drivers.TipFunc) {}

type fakeAgents struct {
	err error
}

func (f *fakeAgents) NewBrowserAgent(cfg *drivers.BrowserAgentConfig) (drivers.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeAgent{}, nil
}

func (f *fakeAgents) NewAndroidAgent(cfg *drivers.AndroidAgentConfig) (drivers.Agent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return fakeAgent{}, nil
}

// adbRegistry hands out fakeADB handles by serial and remembers them so tests
// can inspect calls after the fact.
type adbRegistry struct {
	mu      sync.Mutex
	avdName string
	handles map[string]*fakeADB
	devices []adb.Device
}

func newADBRegistry(avdName string) *adbRegistry {
	return &adbRegistry{avdName: avdName, handles: make(map[string]*fakeADB)}
}

func (r *adbRegistry) newADB(serial string) ADBClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[serial]; ok {
		return h
	}
	h := newFakeADB(serial, r.avdName)
	r.handles[serial] = h
	return h
}

func (r *adbRegistry) get(serial string) *fakeADB {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[serial]
}

func (r *adbRegistry) listDevices(ctx context.Context) ([]adb.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]adb.Device(nil), r.devices...), nil
}

func (r *adbRegistry) setDevices(devices ...adb.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = devices
}
