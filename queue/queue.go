// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package queue implements the central run scheduler. A single Queue owns the
// ordered pending list, admission control and the lifecycle of every run from
// QUEUED to its terminal state. Long-running work happens on worker
// goroutines; all scheduling state mutates inside the guarded process cycle.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/proctor/config"
	"github.com/hashicorp/proctor/executor"
	"github.com/hashicorp/proctor/state"
	"github.com/hashicorp/proctor/stream"
	"github.com/hashicorp/proctor/structs"
)

// Runner executes a single run to a terminal result. Satisfied by
// executor.Executor.
type Runner interface {
	Run(ctx context.Context, runID string, run *structs.RunConfig, cb *executor.Callbacks) *executor.Result
}

// DeviceCoordinator is the slice of the device manager the queue needs for
// admission control and cancellation housekeeping.
type DeviceCoordinator interface {
	CanAcquireBatchImmediately(requests []*structs.AcquireRequest) bool
	StopIdleEmulatorsForProfiles(ctx context.Context, names []string)
}

// Config configures a Queue.
type Config struct {
	Logger hclog.Logger

	// Runtime holds the concurrency ceilings, buffer caps and intervals.
	Runtime *config.Config

	// Store persists run and test-case state.
	Store state.Store

	// Usage records billable agent actions. Optional.
	Usage state.UsageService

	// Devices answers Android admission probes.
	Devices DeviceCoordinator

	// Runner executes admitted runs.
	Runner Runner

	// RunEvents is the per-run live feed.
	RunEvents *stream.Broker[*structs.Event]

	// ProjectEvents is the per-project run status feed.
	ProjectEvents *stream.Broker[*structs.ProjectEvent]
}

// job is one enqueued or running test run.
type job struct {
	runID string
	run   *structs.RunConfig

	// ctx is cancelled by abort when the run is cancelled or the queue
	// shuts down.
	ctx   context.Context
	abort context.CancelFunc

	buf *eventBuffer

	// finalized is claimed under the queue mutex by whichever of finishJob
	// and Cancel persists the terminal outcome first.
	finalized bool

	// cleanupMu guards cleanup, registered by the executor once its
	// teardown exists.
	cleanupMu sync.Mutex
	cleanup   func()
}

// setCleanup stores the executor's teardown hook.
func (j *job) setCleanup(fn func()) {
	j.cleanupMu.Lock()
	defer j.cleanupMu.Unlock()
	j.cleanup = fn
}

// drainCleanup runs the registered teardown, if any. The executor's cleanup
// stack is idempotent, so racing the run's own deferred cleanup is safe.
func (j *job) drainCleanup() {
	j.cleanupMu.Lock()
	fn := j.cleanup
	j.cleanupMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Queue is the process-wide run scheduler.
type Queue struct {
	logger  hclog.Logger
	cfg     *config.Config
	store   state.Store
	usage   state.UsageService
	devices DeviceCoordinator
	runner  Runner

	runEvents     *stream.Broker[*structs.Event]
	projectEvents *stream.Broker[*structs.ProjectEvent]

	// mu guards all scheduling state below.
	mu              sync.Mutex
	pending         []*job
	running         map[string]*job
	activeStatuses  map[string]structs.RunStatus
	reservations    map[string][]*structs.AcquireRequest
	cancelRequested map[string]struct{}

	// processing and processRequested implement the reentrancy guard on
	// the process cycle.
	processing       bool
	processRequested bool

	pollTimer *time.Timer

	shutdown     bool
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New returns a queue ready to accept runs.
func New(c *Config) *Queue {
	usage := c.Usage
	if usage == nil {
		usage = state.NoopUsage{}
	}
	return &Queue{
		logger:          c.Logger.Named("queue"),
		cfg:             c.Runtime,
		store:           c.Store,
		usage:           usage,
		devices:         c.Devices,
		runner:          c.Runner,
		runEvents:       c.RunEvents,
		projectEvents:   c.ProjectEvents,
		running:         make(map[string]*job),
		activeStatuses:  make(map[string]structs.RunStatus),
		reservations:    make(map[string][]*structs.AcquireRequest),
		cancelRequested: make(map[string]struct{}),
	}
}

// Startup rewrites every run the previous process left in a non-terminal
// state to FAIL. Must run before the first Add.
func (q *Queue) Startup(ctx context.Context) error {
	stale, err := q.store.FindStaleActiveRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list stale runs: %w", err)
	}

	var mErr multierror.Error
	for _, run := range stale {
		q.logger.Warn("failing run left over from previous process",
			"run_id", run.RunID, "status", run.Status)
		if _, err := q.store.UpdateRunTerminal(ctx, run.RunID, structs.RunStatusFail,
			structs.ErrRestartedMsg, nil, time.Now()); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("run %s: %w", run.RunID, err))
			continue
		}
		if err := q.store.UpdateTestCaseStatus(ctx, run.TestCaseID, structs.RunStatusFail); err != nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("test case %s: %w", run.TestCaseID, err))
		}
	}
	return mErr.ErrorOrNil()
}

// Add enqueues a run and triggers a process cycle. The configuration snapshot
// is immutable from this point on.
func (q *Queue) Add(ctx context.Context, runID string, run *structs.RunConfig) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return fmt.Errorf("queue is shut down")
	}
	if _, ok := q.running[runID]; ok || q.pendingIndexLocked(runID) >= 0 {
		q.mu.Unlock()
		return fmt.Errorf("run %q is already queued", runID)
	}
	q.mu.Unlock()

	// QUEUED must hit storage before the job is selectable: a process cycle
	// racing ahead would persist PREPARING first and a late QUEUED write
	// would move the row backwards.
	if _, err := q.store.UpdateRunStatus(ctx, runID, structs.RunStatusQueued); err != nil {
		q.logger.Error("failed to persist queued status", "run_id", runID, "error", err)
	}
	if err := q.store.UpdateTestCaseStatus(ctx, run.TestCaseID, structs.RunStatusQueued); err != nil {
		q.logger.Error("failed to persist test case status", "run_id", runID, "error", err)
	}
	q.publishStatus(run.ProjectID, run.TestCaseID, runID, structs.RunStatusQueued)

	jobCtx, abort := context.WithCancel(context.Background())
	j := &job{
		runID: runID,
		run:   run,
		ctx:   jobCtx,
		abort: abort,
		buf:   newEventBuffer(q.cfg.MaxEventsPerRun, q.cfg.MaxScreenshotsPerRun),
	}

	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		abort()
		return fmt.Errorf("queue is shut down")
	}
	if _, ok := q.running[runID]; ok || q.pendingIndexLocked(runID) >= 0 {
		q.mu.Unlock()
		abort()
		return fmt.Errorf("run %q is already queued", runID)
	}
	q.pending = append(q.pending, j)
	q.mu.Unlock()

	metrics.IncrCounter([]string{"proctor", "queue", "enqueued"}, 1)
	q.processNext()
	return nil
}

// processNext runs one process cycle. A call arriving while a cycle is in
// flight sets the requested flag and returns; the active cycle re-runs
// exactly once before releasing the guard.
func (q *Queue) processNext() {
	q.mu.Lock()
	if q.processing {
		q.processRequested = true
		q.mu.Unlock()
		return
	}
	q.processing = true
	for {
		q.processRequested = false
		q.selectAndStartLocked()
		if !q.processRequested {
			break
		}
	}
	q.processing = false
	q.mu.Unlock()
}

// selectAndStartLocked scans the pending list in FIFO order, starting every
// startable job until none remain or the global ceiling is hit. If jobs are
// left waiting and nothing started, a retry is scheduled.
func (q *Queue) selectAndStartLocked() {
	if q.shutdown {
		return
	}

	started := 0
	for {
		idx := -1
		for i, j := range q.pending {
			if q.canStartJobNowLocked(j) {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}

		j := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		q.running[j.runID] = j
		q.activeStatuses[j.runID] = structs.RunStatusPreparing
		if reqs := j.run.AndroidRequests(); len(reqs) > 0 {
			q.reservations[j.runID] = reqs
		}

		q.wg.Add(1)
		go q.startJob(j)
		started++
	}

	if len(q.pending) > 0 && started == 0 && q.pollTimer == nil {
		q.pollTimer = time.AfterFunc(q.cfg.PollInterval, func() {
			q.mu.Lock()
			q.pollTimer = nil
			q.mu.Unlock()
			q.processNext()
		})
	}
}

// canStartJobNowLocked is the admission predicate: global ceiling, per-project
// ceiling and immediate Android device availability including the
// reservations of jobs started this cycle but not yet RUNNING.
func (q *Queue) canStartJobNowLocked(j *job) bool {
	if len(q.running) >= q.cfg.GlobalConcurrency {
		return false
	}

	active := 0
	for _, other := range q.running {
		if other.run.ProjectID == j.run.ProjectID {
			active++
		}
	}
	if active >= q.cfg.MaxConcurrentPerProject {
		return false
	}

	probe := j.run.AndroidRequests()
	if len(probe) == 0 && len(q.reservations) == 0 {
		return true
	}
	batch := make([]*structs.AcquireRequest, 0, len(probe))
	for _, reqs := range q.reservations {
		batch = append(batch, reqs...)
	}
	batch = append(batch, probe...)
	return q.devices.CanAcquireBatchImmediately(batch)
}

// startJob drives one admitted run to completion on its own goroutine.
func (q *Queue) startJob(j *job) {
	defer q.wg.Done()
	logger := q.logger.With("run_id", j.runID)

	// The run may have been cancelled between selection and here.
	q.mu.Lock()
	_, cancelled := q.cancelRequested[j.runID]
	q.mu.Unlock()
	if cancelled || j.ctx.Err() != nil {
		q.clearJob(j)
		q.processNext()
		return
	}

	ok, err := q.store.UpdateRunStatus(j.ctx, j.runID, structs.RunStatusPreparing)
	if err != nil {
		logger.Error("failed to persist preparing status", "error", err)
	}
	if err == nil && !ok {
		// The row is already terminal, most likely a cancel that raced
		// the dequeue. Do not execute.
		logger.Info("run already terminal in storage, skipping")
		q.clearJob(j)
		q.processNext()
		return
	}
	if j.ctx.Err() != nil {
		q.clearJob(j)
		q.processNext()
		return
	}

	if err := q.store.UpdateTestCaseStatus(j.ctx, j.run.TestCaseID, structs.RunStatusPreparing); err != nil {
		logger.Error("failed to persist test case status", "error", err)
	}
	q.publishStatus(j.run.ProjectID, j.run.TestCaseID, j.runID, structs.RunStatusPreparing)

	cb := &executor.Callbacks{
		OnEvent:     func(event *structs.Event) { q.onEvent(j, event) },
		OnCleanup:   j.setCleanup,
		OnPreparing: func() { q.onPreparing(j) },
		OnRunning:   func() { q.onRunning(j) },
	}

	start := time.Now()
	result := q.runner.Run(j.ctx, j.runID, j.run, cb)
	metrics.MeasureSince([]string{"proctor", "queue", "run_duration"}, start)

	q.finishJob(j, result)
}

// onEvent publishes the event live and appends it to the buffer within the
// caps, scheduling a debounced flush for the new tail.
func (q *Queue) onEvent(j *job, event *structs.Event) {
	q.runEvents.Publish(j.runID, event)

	if !j.buf.Append(event) {
		metrics.IncrCounter([]string{"proctor", "queue", "events_dropped"}, 1)
		return
	}

	j.buf.ScheduleFlush(q.cfg.FlushInterval, func() {
		j.buf.FlushFired()
		q.flushRun(j)
	})
}

// flushRun appends the unflushed tail of the buffer to the run's logs column.
// A timer that outlived the run must not write to a terminal row: the Flush
// callback runs under the buffer lock, so Stop in the terminal path either
// waits this write out or prevents it entirely.
func (q *Queue) flushRun(j *job) {
	if q.findJob(j.runID) == nil {
		return
	}

	j.buf.Flush(func(events []*structs.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := q.store.AppendRunLogs(ctx, j.runID, encodeNDJSON(events)); err != nil {
			q.logger.Error("failed to flush run logs", "run_id", j.runID, "error", err)
			return err
		}
		return nil
	})
}

// onPreparing is a no-op when the run is already PREPARING, which it always
// is on the happy path since startJob persists the status before executing.
func (q *Queue) onPreparing(j *job) {
	q.mu.Lock()
	already := q.activeStatuses[j.runID] == structs.RunStatusPreparing
	if !already {
		q.activeStatuses[j.runID] = structs.RunStatusPreparing
	}
	q.mu.Unlock()

	if !already {
		if _, err := q.store.UpdateRunStatus(j.ctx, j.runID, structs.RunStatusPreparing); err != nil {
			q.logger.Error("failed to persist preparing status", "run_id", j.runID, "error", err)
		}
	}
}

// onRunning clears the run's pending device reservation, since its leases are
// now held, and syncs persistence to RUNNING.
func (q *Queue) onRunning(j *job) {
	q.mu.Lock()
	delete(q.reservations, j.runID)
	q.activeStatuses[j.runID] = structs.RunStatusRunning
	q.mu.Unlock()

	if _, err := q.store.UpdateRunStatus(j.ctx, j.runID, structs.RunStatusRunning); err != nil {
		q.logger.Error("failed to persist running status", "run_id", j.runID, "error", err)
	}
	if err := q.store.UpdateTestCaseStatus(j.ctx, j.run.TestCaseID, structs.RunStatusRunning); err != nil {
		q.logger.Error("failed to persist test case status", "run_id", j.runID, "error", err)
	}
	q.publishStatus(j.run.ProjectID, j.run.TestCaseID, j.runID, structs.RunStatusRunning)
}

// finishJob persists the terminal outcome unless a cancel owns it, records
// usage and frees the run's scheduling state.
func (q *Queue) finishJob(j *job, result *executor.Result) {
	q.mu.Lock()
	claimed := !j.finalized
	j.finalized = true
	q.mu.Unlock()
	if !claimed {
		// Cancel drains cleanup, persists CANCELLED and clears state.
		return
	}

	// No log flush may land after the terminal write clears the column.
	j.buf.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := q.store.UpdateRunTerminal(ctx, j.runID, result.Status, result.Error,
		j.buf.ResultJSON(), time.Now())
	if err != nil {
		q.logger.Error("failed to persist terminal status", "run_id", j.runID, "error", err)
	}
	if err == nil && ok {
		if err := q.store.UpdateTestCaseStatus(ctx, j.run.TestCaseID, result.Status); err != nil {
			q.logger.Error("failed to persist test case status", "run_id", j.runID, "error", err)
		}
		q.publishStatus(j.run.ProjectID, j.run.TestCaseID, j.runID, result.Status)
	}
	q.publishTerminalRunEvent(j.runID, result.Status, result.Error)

	if result.ActionCount > 0 {
		go q.recordUsage(j, result.ActionCount)
	}

	metrics.IncrCounterWithLabels([]string{"proctor", "queue", "completed"}, 1,
		[]metrics.Label{{Name: "status", Value: string(result.Status)}})

	q.clearJob(j)
	q.processNext()
}

// recordUsage reports billable actions. Best effort; failures never change a
// run's outcome.
func (q *Queue) recordUsage(j *job, actions int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	userID := j.run.UserID
	description := j.run.TestCaseID
	if info, err := q.store.FindTestCaseWithProjectForRun(ctx, j.runID); err == nil {
		description = fmt.Sprintf("%s - %s", info.ProjectName, info.TestCaseName)
		if userID == "" {
			userID = info.UserID
		}
	}
	if userID == "" {
		return
	}
	if err := q.usage.RecordUsage(ctx, userID, actions, description, j.runID); err != nil {
		q.logger.Error("failed to record usage", "run_id", j.runID, "error", err)
	}
}

// Cancel stops a run wherever it is in its lifecycle: splices it from the
// pending list, aborts and drains a running job, or force-cancels an orphaned
// persisted row.
func (q *Queue) Cancel(ctx context.Context, runID string) error {
	q.mu.Lock()

	if j, ok := q.running[runID]; ok {
		_, already := q.cancelRequested[runID]
		if already || j.finalized {
			q.mu.Unlock()
			return nil
		}
		q.cancelRequested[runID] = struct{}{}
		j.finalized = true
		q.mu.Unlock()
		return q.cancelRunning(ctx, j)
	}

	if idx := q.pendingIndexLocked(runID); idx >= 0 {
		j := q.pending[idx]
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
		q.mu.Unlock()
		return q.cancelQueued(ctx, j)
	}

	q.mu.Unlock()
	return q.cancelUnknown(ctx, runID)
}

// cancelRunning aborts the executor, drains its cleanup and finalizes the
// run. In-memory state is cleared only after cleanup completes so admission
// does not start a successor while devices are still held.
func (q *Queue) cancelRunning(ctx context.Context, j *job) error {
	q.logger.Info("cancelling running job", "run_id", j.runID)

	j.abort()
	j.drainCleanup()
	j.buf.Stop()

	if _, err := q.store.UpdateRunTerminal(ctx, j.runID, structs.RunStatusCancelled,
		structs.ErrCancelledMsg, j.buf.ResultJSON(), time.Now()); err != nil {
		q.logger.Error("failed to persist cancelled status", "run_id", j.runID, "error", err)
	}
	if err := q.store.UpdateTestCaseStatus(ctx, j.run.TestCaseID, structs.RunStatusCancelled); err != nil {
		q.logger.Error("failed to persist test case status", "run_id", j.runID, "error", err)
	}
	q.publishStatus(j.run.ProjectID, j.run.TestCaseID, j.runID, structs.RunStatusCancelled)
	q.publishTerminalRunEvent(j.runID, structs.RunStatusCancelled, structs.ErrCancelledMsg)

	// An emulator the cancelled run booted would otherwise sit idle holding
	// a pool slot.
	if profiles := j.run.EmulatorProfiles(); len(profiles) > 0 {
		q.devices.StopIdleEmulatorsForProfiles(ctx, profiles)
	}

	q.clearJob(j)
	q.processNext()
	return nil
}

// cancelQueued finalizes a run that never started.
func (q *Queue) cancelQueued(ctx context.Context, j *job) error {
	q.logger.Info("cancelling queued job", "run_id", j.runID)
	j.abort()

	if _, err := q.store.UpdateRunTerminal(ctx, j.runID, structs.RunStatusCancelled,
		structs.ErrCancelledMsg, j.buf.ResultJSON(), time.Now()); err != nil {
		q.logger.Error("failed to persist cancelled status", "run_id", j.runID, "error", err)
	}
	if err := q.store.UpdateTestCaseStatus(ctx, j.run.TestCaseID, structs.RunStatusCancelled); err != nil {
		q.logger.Error("failed to persist test case status", "run_id", j.runID, "error", err)
	}
	q.publishStatus(j.run.ProjectID, j.run.TestCaseID, j.runID, structs.RunStatusCancelled)
	q.publishTerminalRunEvent(j.runID, structs.RunStatusCancelled, structs.ErrCancelledMsg)

	j.buf.Stop()
	q.runEvents.CloseKey(j.runID)
	q.processNext()
	return nil
}

// cancelUnknown handles a run the queue no longer tracks. An active persisted
// row is force-cancelled; anything else is a no-op.
func (q *Queue) cancelUnknown(ctx context.Context, runID string) error {
	status, err := q.store.GetRunStatus(ctx, runID)
	if err != nil {
		return err
	}
	if status.Terminal() {
		return nil
	}

	q.logger.Warn("force cancelling orphaned run", "run_id", runID, "status", status)
	if _, err := q.store.UpdateRunTerminal(ctx, runID, structs.RunStatusCancelled,
		structs.ErrForceCancelledMsg, nil, time.Now()); err != nil {
		return err
	}
	if info, err := q.store.FindTestCaseWithProjectForRun(ctx, runID); err == nil {
		if err := q.store.UpdateTestCaseStatus(ctx, info.TestCaseID, structs.RunStatusCancelled); err != nil {
			q.logger.Error("failed to persist test case status", "run_id", runID, "error", err)
		}
		q.publishStatus(info.ProjectID, info.TestCaseID, runID, structs.RunStatusCancelled)
	}
	return nil
}

// clearJob frees all in-memory scheduling state of a run.
func (q *Queue) clearJob(j *job) {
	j.buf.Stop()
	j.abort()

	q.mu.Lock()
	j.finalized = true
	delete(q.running, j.runID)
	delete(q.activeStatuses, j.runID)
	delete(q.reservations, j.runID)
	delete(q.cancelRequested, j.runID)
	q.mu.Unlock()

	q.runEvents.CloseKey(j.runID)
}

// publishStatus fans a run status change out to the project's subscribers.
func (q *Queue) publishStatus(projectID, testCaseID, runID string, status structs.RunStatus) {
	if projectID == "" {
		return
	}
	q.projectEvents.Publish(projectID,
		structs.NewProjectRunStatusEvent(projectID, testCaseID, runID, status))
}

// publishTerminalRunEvent closes the run's live feed with a final status
// event.
func (q *Queue) publishTerminalRunEvent(runID string, status structs.RunStatus, errMsg string) {
	q.runEvents.Publish(runID, structs.NewStatusEvent(status, errMsg))
}

// SubscribeRun attaches to a run's live event feed.
func (q *Queue) SubscribeRun(runID string) *stream.Subscription[*structs.Event] {
	return q.runEvents.Subscribe(runID)
}

// SubscribeProject attaches to a project's run status feed.
func (q *Queue) SubscribeProject(projectID string) *stream.Subscription[*structs.ProjectEvent] {
	return q.projectEvents.Subscribe(projectID)
}

// GetEvents snapshots the buffered events of a queued or running run.
func (q *Queue) GetEvents(runID string) ([]*structs.Event, bool) {
	j := q.findJob(runID)
	if j == nil {
		return nil, false
	}
	return j.buf.Snapshot(), true
}

// GetStatus reports the in-memory status of a tracked run.
func (q *Queue) GetStatus(runID string) (structs.RunStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if status, ok := q.activeStatuses[runID]; ok {
		return status, true
	}
	if q.pendingIndexLocked(runID) >= 0 {
		return structs.RunStatusQueued, true
	}
	return "", false
}

func (q *Queue) findJob(runID string) *job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if j, ok := q.running[runID]; ok {
		return j
	}
	if idx := q.pendingIndexLocked(runID); idx >= 0 {
		return q.pending[idx]
	}
	return nil
}

func (q *Queue) pendingIndexLocked(runID string) int {
	for i, j := range q.pending {
		if j.runID == runID {
			return i
		}
	}
	return -1
}

// Shutdown aborts every running job and waits for their teardown. The queue
// accepts no further runs.
func (q *Queue) Shutdown() {
	q.shutdownOnce.Do(func() {
		q.mu.Lock()
		q.shutdown = true
		if q.pollTimer != nil {
			q.pollTimer.Stop()
			q.pollTimer = nil
		}
		jobs := make([]*job, 0, len(q.running))
		for _, j := range q.running {
			jobs = append(jobs, j)
		}
		q.mu.Unlock()

		for _, j := range jobs {
			j.abort()
		}
		q.wg.Wait()
	})
}

// QueueStats is a point-in-time snapshot of the scheduler.
type QueueStats struct {
	Pending      int
	Running      int
	Reservations int
}

// Stats snapshots the scheduler state.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Pending:      len(q.pending),
		Running:      len(q.running),
		Reservations: len(q.reservations),
	}
}

// EmitStats publishes queue gauges until stopCh closes.
func (q *Queue) EmitStats(period time.Duration, stopCh <-chan struct{}) {
	for {
		select {
		case <-time.After(period):
			stats := q.Stats()
			metrics.SetGauge([]string{"proctor", "queue", "pending"}, float32(stats.Pending))
			metrics.SetGauge([]string{"proctor", "queue", "running"}, float32(stats.Running))
			metrics.SetGauge([]string{"proctor", "queue", "reservations"}, float32(stats.Reservations))
		case <-stopCh:
			return
		}
	}
}
