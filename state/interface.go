// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state defines the persistence contract the orchestrator core calls.
// The backing store is an external collaborator; the core only assumes
// serializable single-row updates and idempotence on (run id, target state).
package state

import (
	"context"
	"time"

	"github.com/hashicorp/proctor/structs"
)

// Store is the repository interface for run and test-case records.
type Store interface {
	// UpdateRunStatus writes an intermediate status. The write is
	// conditional: it returns false without error when the row is already
	// CANCELLED or otherwise terminal, in which case the caller must not
	// start or continue the run.
	UpdateRunStatus(ctx context.Context, runID string, status structs.RunStatus) (bool, error)

	// UpdateRunTerminal finalizes a run: status, error message, the full
	// result event array as JSON, logs cleared, and the completion time.
	// Returns false without error when the row is already CANCELLED.
	UpdateRunTerminal(ctx context.Context, runID string, status structs.RunStatus, errMsg string, resultJSON []byte, completedAt time.Time) (bool, error)

	// AppendRunLogs appends a chunk of newline-delimited JSON events to the
	// run's logs column.
	AppendRunLogs(ctx context.Context, runID string, chunk []byte) error

	// GetRunStatus reads the current persisted status of a run.
	GetRunStatus(ctx context.Context, runID string) (structs.RunStatus, error)

	// FindStaleActiveRuns lists every run in QUEUED, PREPARING or RUNNING.
	// Used by startup reconciliation.
	FindStaleActiveRuns(ctx context.Context) ([]*structs.StaleRun, error)

	// UpdateTestCaseStatus mirrors the latest run status onto the test
	// case.
	UpdateTestCaseStatus(ctx context.Context, testCaseID string, status structs.RunStatus) error

	// FindTestCaseWithProjectForRun resolves the denormalized names used
	// for usage accounting.
	FindTestCaseWithProjectForRun(ctx context.Context, runID string) (*structs.TestCaseInfo, error)
}

// UsageService records billable agent actions. Failures are logged by the
// caller and never propagated into run outcomes.
type UsageService interface {
	RecordUsage(ctx context.Context, userID string, actionCount int, description, runID string) error
}

// NoopUsage discards usage records. Used when no billing collaborator is
// wired.
type NoopUsage struct{}

func (NoopUsage) RecordUsage(context.Context, string, int, string, string) error { return nil }
