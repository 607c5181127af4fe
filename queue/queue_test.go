// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashicorp/proctor/ci"
	"github.com/hashicorp/proctor/config"
	"github.com/hashicorp/proctor/executor"
	"github.com/hashicorp/proctor/helper/testlog"
	"github.com/hashicorp/proctor/state"
	"github.com/hashicorp/proctor/stream"
	"github.com/hashicorp/proctor/structs"
	"github.com/hashicorp/proctor/testutil"
)

// fakeRunner stands in for the executor. Each run registers a cleanup, fires
// OnRunning and then blocks until the test finishes it or its context dies.
type fakeRunner struct {
	mu      sync.Mutex
	started []string
	results map[string]chan *executor.Result

	// onRun is invoked before OnRunning so tests can drive callbacks.
	onRun func(runID string, cb *executor.Callbacks)

	// cleanups counts drain invocations per run.
	cleanups map[string]int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results:  make(map[string]chan *executor.Result),
		cleanups: make(map[string]int),
	}
}

func (r *fakeRunner) Run(ctx context.Context, runID string, run *structs.RunConfig, cb *executor.Callbacks) *executor.Result {
	var cleanupOnce sync.Once
	cb.OnCleanup(func() {
		cleanupOnce.Do(func() {
			r.mu.Lock()
			r.cleanups[runID]++
			r.mu.Unlock()
		})
	})

	ch := make(chan *executor.Result, 1)
	r.mu.Lock()
	r.started = append(r.started, runID)
	r.results[runID] = ch
	r.mu.Unlock()

	if r.onRun != nil {
		r.onRun(runID, cb)
	}
	cb.OnRunning()

	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return &executor.Result{Status: structs.RunStatusCancelled, Error: structs.ErrCancelledMsg}
	}
}

func (r *fakeRunner) startedRuns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	copy(out, r.started)
	return out
}

func (r *fakeRunner) cleanupCount(runID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanups[runID]
}

// waitStarted blocks until the run's executor is live.
func (r *fakeRunner) waitStarted(t *testing.T, runID string) chan *executor.Result {
	t.Helper()
	var ch chan *executor.Result
	testutil.WaitForResult(func() (bool, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		var ok bool
		ch, ok = r.results[runID]
		if !ok {
			return false, fmt.Errorf("run %s has not started", runID)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	return ch
}

func (r *fakeRunner) finish(t *testing.T, runID string, res *executor.Result) {
	t.Helper()
	r.waitStarted(t, runID) <- res
}

// fakeDevices answers admission probes with a switchable verdict.
type fakeDevices struct {
	mu      sync.Mutex
	can     bool
	probes  [][]*structs.AcquireRequest
	stopped [][]string
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{can: true}
}

func (d *fakeDevices) CanAcquireBatchImmediately(requests []*structs.AcquireRequest) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes = append(d.probes, requests)
	return d.can
}

func (d *fakeDevices) StopIdleEmulatorsForProfiles(_ context.Context, names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, names)
}

func (d *fakeDevices) setCan(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.can = v
}

func (d *fakeDevices) stoppedProfiles() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]string, len(d.stopped))
	copy(out, d.stopped)
	return out
}

type usageRecord struct {
	userID      string
	actions     int
	description string
	runID       string
}

type fakeUsage struct {
	mu      sync.Mutex
	records []usageRecord
}

func (u *fakeUsage) RecordUsage(_ context.Context, userID string, actions int, description, runID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, usageRecord{userID, actions, description, runID})
	return nil
}

func (u *fakeUsage) all() []usageRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]usageRecord, len(u.records))
	copy(out, u.records)
	return out
}

type queueHarness struct {
	q       *Queue
	db      *state.MemDB
	runner  *fakeRunner
	devices *fakeDevices
	usage   *fakeUsage
	cfg     *config.Config
}

func newQueueHarness(t *testing.T) *queueHarness {
	t.Helper()
	logger := testlog.HCLogger(t)

	cfg := config.DefaultConfig()
	cfg.GlobalConcurrency = 2
	cfg.MaxConcurrentPerProject = 1
	cfg.PollInterval = 25 * time.Millisecond
	cfg.FlushInterval = 20 * time.Millisecond

	h := &queueHarness{
		db:      state.NewMemDB(logger),
		runner:  newFakeRunner(),
		devices: newFakeDevices(),
		usage:   &fakeUsage{},
		cfg:     cfg,
	}
	h.q = New(&Config{
		Logger:        logger,
		Runtime:       cfg,
		Store:         h.db,
		Usage:         h.usage,
		Devices:       h.devices,
		Runner:        h.runner,
		RunEvents:     stream.NewBroker[*structs.Event](&stream.BrokerConfig{Logger: logger, Name: "run"}),
		ProjectEvents: stream.NewBroker[*structs.ProjectEvent](&stream.BrokerConfig{Logger: logger, Name: "project"}),
	})
	t.Cleanup(h.q.Shutdown)
	return h
}

// browserRunConfig is a minimal valid browser run.
func browserRunConfig(runID, projectID string) *structs.RunConfig {
	return &structs.RunConfig{
		TestCaseID: "tc-" + runID,
		ProjectID:  projectID,
		UserID:     "user-1",
		URL:        "http://example.com",
		Prompt:     "Click the button",
		AIAPIKey:   "test-key",
	}
}

// androidRunConfig adds an emulator target to a run.
func androidRunConfig(runID, projectID, profile string) *structs.RunConfig {
	run := browserRunConfig(runID, projectID)
	run.URL = ""
	run.Targets = []*structs.TargetConfig{{
		ID: "phone",
		Android: &structs.AndroidTarget{
			Device: structs.DeviceSelector{EmulatorProfile: profile},
			AppID:  "com.example.app",
		},
	}}
	return run
}

func (h *queueHarness) add(t *testing.T, run *structs.RunConfig, runID string) {
	t.Helper()
	h.db.CreateRun(runID, run.TestCaseID, &structs.TestCaseInfo{
		TestCaseID:   run.TestCaseID,
		TestCaseName: "Checkout flow",
		ProjectID:    run.ProjectID,
		ProjectName:  "Storefront",
		UserID:       run.UserID,
	})
	require.NoError(t, h.q.Add(context.Background(), runID, run))
}

func (h *queueHarness) waitStatus(t *testing.T, runID string, status structs.RunStatus) {
	t.Helper()
	testutil.WaitForResult(func() (bool, error) {
		got, err := h.db.GetRunStatus(context.Background(), runID)
		if err != nil {
			return false, err
		}
		if got != status {
			return false, fmt.Errorf("run %s is %s, want %s", runID, got, status)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
}

func TestQueue_FIFOWithProjectCeiling(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	h.add(t, browserRunConfig("r2", "proj-a"), "r2")
	h.add(t, browserRunConfig("r3", "proj-b"), "r3")

	// proj-a is capped at one active run, so r3 jumps r2.
	h.runner.waitStarted(t, "r1")
	h.runner.waitStarted(t, "r3")
	require.ElementsMatch(t, []string{"r1", "r3"}, h.runner.startedRuns())

	status, ok := h.q.GetStatus("r2")
	require.True(t, ok)
	require.Equal(t, structs.RunStatusQueued, status)

	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})
	h.waitStatus(t, "r1", structs.RunStatusPass)
	require.Equal(t, structs.RunStatusPass, h.db.TestCaseStatus("tc-r1"))

	// Finishing r1 frees the proj-a slot.
	h.runner.waitStarted(t, "r2")
	h.waitStatus(t, "r2", structs.RunStatusRunning)

	h.runner.finish(t, "r2", &executor.Result{Status: structs.RunStatusFail, Error: "boom"})
	h.runner.finish(t, "r3", &executor.Result{Status: structs.RunStatusPass})
	h.waitStatus(t, "r2", structs.RunStatusFail)
	require.Equal(t, "boom", h.db.RunError("r2"))
}

func TestQueue_AndroidAdmission(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.devices.setCan(false)

	h.add(t, androidRunConfig("r1", "proj-a", "pixel_7"), "r1")

	// The emulator slots are saturated; r1 must stay at its position.
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, h.runner.startedRuns())
	require.Equal(t, 1, h.q.Stats().Pending)

	// A browser-only run from another project is admitted past it.
	h.add(t, browserRunConfig("r2", "proj-b"), "r2")
	h.runner.waitStarted(t, "r2")
	require.Equal(t, []string{"r2"}, h.runner.startedRuns())

	// Freeing a device lets the poll retry pick r1 up.
	h.devices.setCan(true)
	h.runner.waitStarted(t, "r1")

	// OnRunning cleared the pending reservation.
	testutil.WaitForResult(func() (bool, error) {
		if n := h.q.Stats().Reservations; n != 0 {
			return false, fmt.Errorf("%d reservations still pending", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})
	h.runner.finish(t, "r2", &executor.Result{Status: structs.RunStatusPass})
}

func TestQueue_CancelQueued(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	h.add(t, browserRunConfig("r2", "proj-a"), "r2")
	h.runner.waitStarted(t, "r1")

	sub := h.q.SubscribeRun("r2")
	defer sub.Unsubscribe()

	require.NoError(t, h.q.Cancel(context.Background(), "r2"))

	h.waitStatus(t, "r2", structs.RunStatusCancelled)
	require.Equal(t, structs.ErrCancelledMsg, h.db.RunError("r2"))
	require.Equal(t, structs.RunStatusCancelled, h.db.TestCaseStatus("tc-r2"))
	require.Zero(t, h.q.Stats().Pending)
	_, ok := h.q.GetStatus("r2")
	require.False(t, ok)

	// The live feed carries the terminal status event.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	event, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, structs.EventTypeStatus, event.Type)
	require.Equal(t, structs.RunStatusCancelled, event.Data.Status)

	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})
}

func TestQueue_CancelRunning(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.add(t, androidRunConfig("r1", "proj-a", "pixel_7"), "r1")
	h.add(t, browserRunConfig("r2", "proj-a"), "r2")
	h.runner.waitStarted(t, "r1")

	require.NoError(t, h.q.Cancel(context.Background(), "r1"))

	h.waitStatus(t, "r1", structs.RunStatusCancelled)
	require.Equal(t, structs.ErrCancelledMsg, h.db.RunError("r1"))
	require.Equal(t, 1, h.runner.cleanupCount("r1"))

	// The cancelled run's idle emulator is stopped so it cannot starve a
	// successor.
	require.Equal(t, [][]string{{"pixel_7"}}, h.devices.stoppedProfiles())

	// Cancel is idempotent.
	require.NoError(t, h.q.Cancel(context.Background(), "r1"))
	require.Equal(t, 1, h.runner.cleanupCount("r1"))

	// The freed slot admits the queued successor.
	h.runner.waitStarted(t, "r2")
	h.runner.finish(t, "r2", &executor.Result{Status: structs.RunStatusPass})
}

func TestQueue_CancelUnknown(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	ctx := context.Background()

	// An active persisted row the queue does not track is force cancelled.
	h.db.CreateRun("orphan", "tc-orphan", &structs.TestCaseInfo{
		TestCaseID: "tc-orphan", ProjectID: "proj-a",
	})
	_, err := h.db.UpdateRunStatus(ctx, "orphan", structs.RunStatusRunning)
	require.NoError(t, err)

	require.NoError(t, h.q.Cancel(ctx, "orphan"))
	status, err := h.db.GetRunStatus(ctx, "orphan")
	require.NoError(t, err)
	require.Equal(t, structs.RunStatusCancelled, status)
	require.Equal(t, structs.ErrForceCancelledMsg, h.db.RunError("orphan"))

	// A terminal row is left alone.
	require.NoError(t, h.q.Cancel(ctx, "orphan"))
	require.Equal(t, structs.ErrForceCancelledMsg, h.db.RunError("orphan"))

	// A run the store never saw is an error.
	require.Error(t, h.q.Cancel(ctx, "missing"))
}

func TestQueue_StartupReconciliation(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	ctx := context.Background()

	h.db.CreateRun("stale-queued", "tc-q", nil)
	h.db.CreateRun("stale-running", "tc-r", nil)
	h.db.CreateRun("done", "tc-d", nil)
	_, err := h.db.UpdateRunStatus(ctx, "stale-running", structs.RunStatusRunning)
	require.NoError(t, err)
	_, err = h.db.UpdateRunTerminal(ctx, "done", structs.RunStatusPass, "", nil, time.Now())
	require.NoError(t, err)

	require.NoError(t, h.q.Startup(ctx))

	for _, runID := range []string{"stale-queued", "stale-running"} {
		status, err := h.db.GetRunStatus(ctx, runID)
		require.NoError(t, err)
		require.Equal(t, structs.RunStatusFail, status)
		require.Equal(t, structs.ErrRestartedMsg, h.db.RunError(runID))
	}

	status, err := h.db.GetRunStatus(ctx, "done")
	require.NoError(t, err)
	require.Equal(t, structs.RunStatusPass, status)
}

func TestQueue_EventBufferCapsAndFlush(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.cfg.MaxEventsPerRun = 5
	h.cfg.MaxScreenshotsPerRun = 1

	h.runner.onRun = func(runID string, cb *executor.Callbacks) {
		for i := 0; i < 2; i++ {
			cb.OnEvent(structs.NewLogEvent(structs.LogLevelInfo, fmt.Sprintf("log %d", i), "main"))
		}
		cb.OnEvent(structs.NewScreenshotEvent([]byte("png-a"), "first", "main"))
		cb.OnEvent(structs.NewScreenshotEvent([]byte("png-b"), "dropped", "main"))
		for i := 2; i < 6; i++ {
			cb.OnEvent(structs.NewLogEvent(structs.LogLevelInfo, fmt.Sprintf("log %d", i), "main"))
		}
	}

	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	h.runner.waitStarted(t, "r1")

	events, ok := h.q.GetEvents("r1")
	require.True(t, ok)
	require.Len(t, events, 5)
	screenshots := 0
	for _, event := range events {
		if event.Type == structs.EventTypeScreenshot {
			screenshots++
			require.Equal(t, "first", event.Data.Label)
		}
	}
	require.Equal(t, 1, screenshots)

	// The debounced flush lands the buffered tail in the logs column.
	testutil.WaitForResult(func() (bool, error) {
		if len(h.db.RunLogs("r1")) == 0 {
			return false, fmt.Errorf("no logs flushed yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})
	h.waitStatus(t, "r1", structs.RunStatusPass)

	// The terminal write carries the full buffer and clears the logs.
	var result []*structs.Event
	require.NoError(t, json.Unmarshal(h.db.RunResult("r1"), &result))
	require.Len(t, result, 5)
	require.Empty(t, h.db.RunLogs("r1"))
}

func TestQueue_RunFeedDeliversLiveEvents(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	started := make(chan struct{})
	h.runner.onRun = func(runID string, cb *executor.Callbacks) {
		<-started
		cb.OnEvent(structs.NewLogEvent(structs.LogLevelInfo, "hello", "main"))
	}

	sub := h.q.SubscribeRun("r1")
	defer sub.Unsubscribe()

	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	close(started)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event, err := sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, structs.EventTypeLog, event.Type)
	require.Equal(t, "hello", event.Data.Message)

	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})

	event, err = sub.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, structs.EventTypeStatus, event.Type)
	require.Equal(t, structs.RunStatusPass, event.Data.Status)

	// The feed closes once the run is terminal.
	_, err = sub.Next(ctx)
	require.ErrorIs(t, err, stream.ErrSubscriptionClosed)
}

func TestQueue_ProjectFeedCarriesTransitions(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	sub := h.q.SubscribeProject("proj-a")
	defer sub.Unsubscribe()

	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var statuses []structs.RunStatus
	for len(statuses) < 4 {
		event, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, structs.ProjectEventTypeRunStatus, event.Type)
		require.Equal(t, "r1", event.RunID)
		statuses = append(statuses, event.Status)
	}
	require.Equal(t, []structs.RunStatus{
		structs.RunStatusQueued,
		structs.RunStatusPreparing,
		structs.RunStatusRunning,
		structs.RunStatusPass,
	}, statuses)
}

func TestQueue_DuplicateAddRejected(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	require.Error(t, h.q.Add(context.Background(), "r1", browserRunConfig("r1", "proj-a")))

	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})
}

func TestQueue_UsageRecorded(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	h.runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass, ActionCount: 3})

	testutil.WaitForResult(func() (bool, error) {
		records := h.usage.all()
		if len(records) != 1 {
			return false, fmt.Errorf("got %d usage records", len(records))
		}
		record := records[0]
		if record.actions != 3 || record.runID != "r1" {
			return false, fmt.Errorf("unexpected record %+v", record)
		}
		if record.description != "Storefront - Checkout flow" {
			return false, fmt.Errorf("unexpected description %q", record.description)
		}
		if record.userID != "user-1" {
			return false, fmt.Errorf("unexpected user %q", record.userID)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
}

func TestQueue_ShutdownAbortsRunning(t *testing.T) {
	ci.Parallel(t)

	h := newQueueHarness(t)
	h.add(t, browserRunConfig("r1", "proj-a"), "r1")
	h.runner.waitStarted(t, "r1")

	h.q.Shutdown()

	// The aborted run reached a terminal state and no new work is accepted.
	status, err := h.db.GetRunStatus(context.Background(), "r1")
	require.NoError(t, err)
	require.True(t, status.Terminal())
	require.Error(t, h.q.Add(context.Background(), "r2", browserRunConfig("r2", "proj-a")))
}

// gatedStore delays the QUEUED persist of one run so a concurrent process
// cycle gets the chance to overtake the enqueue.
type gatedStore struct {
	*state.MemDB
	gateRunID string
	gate      chan struct{}

	mu     sync.Mutex
	writes map[string][]structs.RunStatus
}

func (s *gatedStore) record(runID string, status structs.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writes == nil {
		s.writes = make(map[string][]structs.RunStatus)
	}
	s.writes[runID] = append(s.writes[runID], status)
}

func (s *gatedStore) UpdateRunStatus(ctx context.Context, runID string, status structs.RunStatus) (bool, error) {
	if runID == s.gateRunID && status == structs.RunStatusQueued {
		<-s.gate
	}
	s.record(runID, status)
	return s.MemDB.UpdateRunStatus(ctx, runID, status)
}

func (s *gatedStore) UpdateRunTerminal(ctx context.Context, runID string, status structs.RunStatus, errMsg string, resultJSON []byte, completedAt time.Time) (bool, error) {
	s.record(runID, status)
	return s.MemDB.UpdateRunTerminal(ctx, runID, status, errMsg, resultJSON, completedAt)
}

func (s *gatedStore) statusWrites(runID string) []structs.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]structs.RunStatus, len(s.writes[runID]))
	copy(out, s.writes[runID])
	return out
}

func TestQueue_AddPersistsQueuedBeforeSelection(t *testing.T) {
	ci.Parallel(t)
	logger := testlog.HCLogger(t)

	cfg := config.DefaultConfig()
	cfg.GlobalConcurrency = 2
	cfg.MaxConcurrentPerProject = 2
	cfg.PollInterval = 25 * time.Millisecond
	cfg.FlushInterval = 20 * time.Millisecond

	store := &gatedStore{
		MemDB:     state.NewMemDB(logger),
		gateRunID: "r1",
		gate:      make(chan struct{}),
	}
	runner := newFakeRunner()
	q := New(&Config{
		Logger:        logger,
		Runtime:       cfg,
		Store:         store,
		Usage:         &fakeUsage{},
		Devices:       newFakeDevices(),
		Runner:        runner,
		RunEvents:     stream.NewBroker[*structs.Event](&stream.BrokerConfig{Logger: logger, Name: "run"}),
		ProjectEvents: stream.NewBroker[*structs.ProjectEvent](&stream.BrokerConfig{Logger: logger, Name: "project"}),
	})
	t.Cleanup(q.Shutdown)

	for _, runID := range []string{"r1", "r2"} {
		run := browserRunConfig(runID, "proj-a")
		store.MemDB.CreateRun(runID, run.TestCaseID, &structs.TestCaseInfo{
			TestCaseID: run.TestCaseID,
			ProjectID:  run.ProjectID,
			UserID:     run.UserID,
		})
	}

	// r1's QUEUED write is held at the gate, so Add blocks before r1 is
	// selectable.
	addDone := make(chan error, 1)
	go func() {
		addDone <- q.Add(context.Background(), "r1", browserRunConfig("r1", "proj-a"))
	}()

	// r2's enqueue triggers process cycles while r1's row is still unwritten.
	require.NoError(t, q.Add(context.Background(), "r2", browserRunConfig("r2", "proj-a")))
	runner.waitStarted(t, "r2")

	// r1 must not have started: its QUEUED status has not been persisted.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, []string{"r2"}, runner.startedRuns())

	close(store.gate)
	require.NoError(t, <-addDone)
	runner.waitStarted(t, "r1")

	runner.finish(t, "r1", &executor.Result{Status: structs.RunStatusPass})
	runner.finish(t, "r2", &executor.Result{Status: structs.RunStatusPass})

	testutil.WaitForResult(func() (bool, error) {
		status, err := store.GetRunStatus(context.Background(), "r1")
		if err != nil {
			return false, err
		}
		if !status.Terminal() {
			return false, fmt.Errorf("r1 still %s", status)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	// Every persisted transition moved strictly forward.
	order := map[structs.RunStatus]int{
		structs.RunStatusQueued:    0,
		structs.RunStatusPreparing: 1,
		structs.RunStatusRunning:   2,
		structs.RunStatusPass:      3,
	}
	writes := store.statusWrites("r1")
	require.NotEmpty(t, writes)
	require.Equal(t, structs.RunStatusQueued, writes[0])
	for i := 1; i < len(writes); i++ {
		require.Greater(t, order[writes[i]], order[writes[i-1]],
			"backwards status write: %v", writes)
	}
}
