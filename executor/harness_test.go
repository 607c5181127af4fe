// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/proctor/adb"
	"github.com/hashicorp/proctor/config"
	"github.com/hashicorp/proctor/device"
	"github.com/hashicorp/proctor/drivers"
	"github.com/hashicorp/proctor/helper/testlog"
	"github.com/hashicorp/proctor/structs"
	"github.com/hashicorp/proctor/urlpolicy"
)

// fakePage records driver calls and serves scripted responses.
type fakePage struct {
	mu          sync.Mutex
	location    string
	navigations []string
	clicks      []string
	fills       map[string]string
	uploads     [][]string
	texts       map[string]string
}

func newFakePage() *fakePage {
	return &fakePage{fills: make(map[string]string), texts: make(map[string]string)}
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.navigations = append(p.navigations, url)
	p.location = url
	return nil
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, nil
}

func (p *fakePage) WaitReady(ctx context.Context) error { return nil }

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\nfake"), nil
}

func (p *fakePage) Click(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	return nil
}

func (p *fakePage) Fill(ctx context.Context, selector, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills[selector] = value
	return nil
}

func (p *fakePage) Text(ctx context.Context, selector string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texts[selector], nil
}

func (p *fakePage) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	return true, nil
}

func (p *fakePage) SetInputFiles(ctx context.Context, selector string, paths []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploads = append(p.uploads, paths)
	return nil
}

func (p *fakePage) uploadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.uploads)
}

type fakeBrowserContext struct {
	page   *fakePage
	closed bool
}

func (c *fakeBrowserContext) NewPage(ctx context.Context) (drivers.Page, error) {
	return c.page, nil
}

func (c *fakeBrowserContext) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

type fakeBrowser struct {
	mu           sync.Mutex
	contexts     []*fakeBrowserContext
	interceptors []drivers.RequestInterceptor
	closeCount   int
}

func (b *fakeBrowser) NewContext(ctx context.Context, opts *drivers.ContextOptions) (drivers.BrowserContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bc := &fakeBrowserContext{page: newFakePage()}
	b.contexts = append(b.contexts, bc)
	b.interceptors = append(b.interceptors, opts.Interceptor)
	return bc, nil
}

func (b *fakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeCount++
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	browsers []*fakeBrowser
	err      error
}

func (l *fakeLauncher) Launch(ctx context.Context, opts *drivers.LaunchOptions) (drivers.Browser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	b := &fakeBrowser{}
	l.browsers = append(l.browsers, b)
	return b, nil
}

func (l *fakeLauncher) lastBrowser() *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[len(l.browsers)-1]
}

// scriptedAgent serves canned agent behavior. Every Act fires one tip so
// action counting is observable.
type scriptedAgent struct {
	mu  sync.Mutex
	tip drivers.TipFunc

	acts    []string
	asserts []string

	actFn    func(instruction string) error
	assertFn func(instruction string) error
	queryFn  func(prompt string) (string, error)
	launchFn func(appID string) error
}

func (a *scriptedAgent) Launch(ctx context.Context, appID string) error {
	if a.launchFn != nil {
		return a.launchFn(appID)
	}
	return nil
}

func (a *scriptedAgent) Act(ctx context.Context, instruction string) error {
	a.mu.Lock()
	a.acts = append(a.acts, instruction)
	tip := a.tip
	fn := a.actFn
	a.mu.Unlock()

	if tip != nil {
		tip("Performing: " + instruction)
	}
	if fn != nil {
		return fn(instruction)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (a *scriptedAgent) Assert(ctx context.Context, instruction string) error {
	a.mu.Lock()
	a.asserts = append(a.asserts, instruction)
	fn := a.assertFn
	a.mu.Unlock()
	if fn != nil {
		return fn(instruction)
	}
	return nil
}

func (a *scriptedAgent) Query(ctx context.Context, prompt string) (string, error) {
	a.mu.Lock()
	fn := a.queryFn
	a.mu.Unlock()
	if fn != nil {
		return fn(prompt)
	}
	return "NOT_FOUND", nil
}

func (a *scriptedAgent) WaitFor(ctx context.Context, predicate string, opts *drivers.WaitForOptions) error {
	return nil
}

func (a *scriptedAgent) SetActContext(text string) {}

func (a *scriptedAgent) OnTaskStartTip(fn drivers.TipFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tip = fn
}

func (a *scriptedAgent) actCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acts)
}

// scriptedAgents hands the same scripted agent to every target.
type scriptedAgents struct {
	agent *scriptedAgent
}

func (f *scriptedAgents) NewBrowserAgent(cfg *drivers.BrowserAgentConfig) (drivers.Agent, error) {
	return f.agent, nil
}

func (f *scriptedAgents) NewAndroidAgent(cfg *drivers.AndroidAgentConfig) (drivers.Agent, error) {
	return f.agent, nil
}

// execFakeADB answers the shell commands the executor and the device layer
// issue during an Android run.
type execFakeADB struct {
	mu     sync.Mutex
	serial string
	appID  string
	shell  []string
}

func (f *execFakeADB) Serial() string { return f.serial }

func (f *execFakeADB) Shell(ctx context.Context, cmd string, opts *adb.Options) (string, error) {
	f.mu.Lock()
	f.shell = append(f.shell, cmd)
	f.mu.Unlock()

	switch {
	case cmd == "getprop sys.boot_completed":
		return "1\n", nil
	case cmd == "pm path android":
		return "package:/system/framework/framework-res.apk\n", nil
	case strings.HasPrefix(cmd, "pm list packages"):
		if f.appID == "" {
			return "", nil
		}
		return "package:" + f.appID + "\n", nil
	case strings.HasPrefix(cmd, "dumpsys activity"):
		return fmt.Sprintf("  mResumedActivity: ActivityRecord{u0 %s/.MainActivity}\n", f.appID), nil
	case strings.HasPrefix(cmd, "dumpsys package"):
		return "  requested permissions:\n    android.permission.CAMERA\n    android.permission.INTERNET\n", nil
	}
	return "", nil
}

func (f *execFakeADB) Install(ctx context.Context, apkPath string) error { return nil }
func (f *execFakeADB) Uninstall(ctx context.Context, pkg string) error   { return nil }
func (f *execFakeADB) EmulatorKill(ctx context.Context) error            { return nil }

func (f *execFakeADB) EmulatorAVDName(ctx context.Context) (string, error) {
	return "pixel_7", nil
}

func (f *execFakeADB) ScreencapPNG(ctx context.Context) ([]byte, error) {
	return []byte("\x89PNG\r\n\x1a\nfake"), nil
}

func (f *execFakeADB) HealthCheck(ctx context.Context) error { return nil }

func (f *execFakeADB) State(ctx context.Context) (string, error) { return "device", nil }

func (f *execFakeADB) shellCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.shell))
	copy(out, f.shell)
	return out
}

type execFakeStarter struct{}

func (execFakeStarter) StartEmulator(ctx context.Context, avdName string, port int) error {
	return nil
}

// publicLookup resolves every hostname to a public address so the runtime
// filter passes by default.
func publicLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
}

// testHarness bundles an executor with its fakes.
type testHarness struct {
	exec     *Executor
	cfg      *config.Config
	launcher *fakeLauncher
	agent    *scriptedAgent
	devices  *device.Manager
	adbs     map[string]*execFakeADB
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := testlog.HCLogger(t)
	cfg := config.DefaultConfig()
	cfg.TestMaxDuration = 10 * time.Second
	cfg.AndroidOpTimeout = 2 * time.Second
	cfg.AppLaunchTimeout = 2 * time.Second
	cfg.CodeStatementTimeout = time.Second
	cfg.UploadRoot = t.TempDir()

	filter := urlpolicy.New(&urlpolicy.Config{
		Logger:         logger,
		AllowedSchemes: cfg.AllowedSchemes,
		DNSTimeout:     cfg.DNSTimeout,
		DNSCacheTTL:    cfg.DNSCacheTTL,
		LogDedupWindow: cfg.BlockedRequestLogDedup,
		Lookup:         publicLookup,
	})

	agent := &scriptedAgent{}
	agents := &scriptedAgents{agent: agent}
	launcher := &fakeLauncher{}

	h := &testHarness{cfg: cfg, launcher: launcher, agent: agent, adbs: make(map[string]*execFakeADB)}

	newADB := func(serial string) device.ADBClient {
		if existing, ok := h.adbs[serial]; ok {
			return existing
		}
		f := &execFakeADB{serial: serial, appID: "com.example.app"}
		h.adbs[serial] = f
		return f
	}
	listDevices := func(ctx context.Context) ([]adb.Device, error) { return nil, nil }

	pool := device.NewEmulatorPool(&device.PoolConfig{
		Logger:                 logger,
		MaxConcurrentEmulators: 2,
		BootTimeout:            5 * time.Second,
		NewADB:                 newADB,
		ListDevices:            listDevices,
		Starter:                execFakeStarter{},
		AgentFactory:           agents,
	})
	h.devices = device.NewManager(&device.ManagerConfig{
		Logger:       logger,
		Pool:         pool,
		NewADB:       newADB,
		ListDevices:  listDevices,
		AgentFactory: agents,
	})
	t.Cleanup(h.devices.Shutdown)

	h.exec = New(&Config{
		Logger:   logger,
		Runtime:  cfg,
		Filter:   filter,
		Devices:  h.devices,
		Launcher: launcher,
		Agents:   agents,
	})
	return h
}

// browserRun is a minimal valid single browser target run.
func browserRun(steps ...*structs.Step) *structs.RunConfig {
	return &structs.RunConfig{
		TestCaseID: "tc-1",
		ProjectID:  "proj-1",
		AIAPIKey:   "test-key",
		Targets: []*structs.TargetConfig{{
			ID:      "main",
			Browser: &structs.BrowserTarget{URL: "http://example.com", Viewport: structs.DefaultViewport},
		}},
		Steps: steps,
	}
}

// collectingCallbacks records everything the executor reports.
type collectingCallbacks struct {
	mu        sync.Mutex
	events    []*structs.Event
	cleanups  []func()
	preparing int
	running   int
}

func (c *collectingCallbacks) callbacks() *Callbacks {
	return &Callbacks{
		OnEvent: func(ev *structs.Event) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, ev)
		},
		OnCleanup: func(fn func()) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.cleanups = append(c.cleanups, fn)
		},
		OnPreparing: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.preparing++
		},
		OnRunning: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.running++
		},
	}
}

func (c *collectingCallbacks) eventCountByType(et structs.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.events {
		if ev.Type == et {
			n++
		}
	}
	return n
}
