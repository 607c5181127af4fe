// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/hashicorp/proctor/structs"
)

// runRow is the persisted shape of a run inside MemDB.
type runRow struct {
	runID       string
	testCaseID  string
	status      structs.RunStatus
	errMsg      string
	logs        []byte
	result      []byte
	startedAt   *time.Time
	completedAt *time.Time
}

// MemDB implements a Store that stores all state in memory. It is the default
// store of a standalone agent and the store used throughout the test suite.
type MemDB struct {
	runs      map[string]*runRow
	testCases map[string]structs.RunStatus
	info      map[string]*structs.TestCaseInfo

	logger hclog.Logger

	mu sync.RWMutex
}

// NewMemDB returns an empty in-memory store.
func NewMemDB(logger hclog.Logger) *MemDB {
	return &MemDB{
		runs:      make(map[string]*runRow),
		testCases: make(map[string]structs.RunStatus),
		info:      make(map[string]*structs.TestCaseInfo),
		logger:    logger.Named("memdb"),
	}
}

// CreateRun seeds a run row. The external API layer owns run creation; tests
// and the standalone agent use this to stand in for it.
func (m *MemDB) CreateRun(runID, testCaseID string, info *structs.TestCaseInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = &runRow{
		runID:      runID,
		testCaseID: testCaseID,
		status:     structs.RunStatusQueued,
	}
	if info != nil {
		m.info[runID] = info
	}
}

func (m *MemDB) UpdateRunStatus(_ context.Context, runID string, status structs.RunStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %q not found", runID)
	}
	if row.status.Terminal() {
		return false, nil
	}
	row.status = status
	if status == structs.RunStatusPreparing && row.startedAt == nil {
		now := time.Now()
		row.startedAt = &now
	}
	return true, nil
}

func (m *MemDB) UpdateRunTerminal(_ context.Context, runID string, status structs.RunStatus, errMsg string, resultJSON []byte, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %q not found", runID)
	}
	if row.status == structs.RunStatusCancelled && status != structs.RunStatusCancelled {
		return false, nil
	}
	row.status = status
	row.errMsg = errMsg
	row.result = resultJSON
	row.logs = nil
	row.completedAt = &completedAt
	return true, nil
}

func (m *MemDB) AppendRunLogs(_ context.Context, runID string, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %q not found", runID)
	}
	row.logs = append(row.logs, chunk...)
	return nil
}

func (m *MemDB) GetRunStatus(_ context.Context, runID string) (structs.RunStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.runs[runID]
	if !ok {
		return "", fmt.Errorf("run %q not found", runID)
	}
	return row.status, nil
}

func (m *MemDB) FindStaleActiveRuns(context.Context) ([]*structs.StaleRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*structs.StaleRun
	for _, row := range m.runs {
		if row.status.Terminal() {
			continue
		}
		stale = append(stale, &structs.StaleRun{
			RunID:      row.runID,
			TestCaseID: row.testCaseID,
			Status:     row.status,
		})
	}
	return stale, nil
}

func (m *MemDB) UpdateTestCaseStatus(_ context.Context, testCaseID string, status structs.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testCases[testCaseID] = status
	return nil
}

func (m *MemDB) FindTestCaseWithProjectForRun(_ context.Context, runID string) (*structs.TestCaseInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.info[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	return info, nil
}

// TestCaseStatus reads the mirrored status of a test case.
func (m *MemDB) TestCaseStatus(testCaseID string) structs.RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.testCases[testCaseID]
}

// RunError reads the persisted error message of a run.
func (m *MemDB) RunError(runID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.runs[runID]; ok {
		return row.errMsg
	}
	return ""
}

// RunResult reads the persisted result column of a run.
func (m *MemDB) RunResult(runID string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.runs[runID]; ok {
		return row.result
	}
	return nil
}

// RunLogs reads the persisted logs column of a run.
func (m *MemDB) RunLogs(runID string) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if row, ok := m.runs[runID]; ok {
		return append([]byte(nil), row.logs...)
	}
	return nil
}
