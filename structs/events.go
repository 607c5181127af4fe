// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"encoding/base64"
	"time"
)

// EventType discriminates the run event union.
type EventType string

const (
	EventTypeLog        EventType = "log"
	EventTypeScreenshot EventType = "screenshot"
	EventTypeStatus     EventType = "status"
)

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Event is a single entry in a run's live stream. The same representation is
// published on the event broker and persisted in the run's result column.
type Event struct {
	Type      EventType `json:"type"`
	Data      EventData `json:"data"`
	BrowserID string    `json:"browserId,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// EventData is the per-type payload. Only the fields matching the event type
// are populated.
type EventData struct {
	// log
	Level   LogLevel `json:"level,omitempty"`
	Message string   `json:"message,omitempty"`

	// screenshot
	Src   string `json:"src,omitempty"`
	Label string `json:"label,omitempty"`

	// status
	Status RunStatus `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// NewLogEvent builds a log event stamped with the current time.
func NewLogEvent(level LogLevel, message, browserID string) *Event {
	return &Event{
		Type:      EventTypeLog,
		Data:      EventData{Level: level, Message: message},
		BrowserID: browserID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewScreenshotEvent builds a screenshot event carrying the PNG image as a
// base64 data URL.
func NewScreenshotEvent(png []byte, label, browserID string) *Event {
	return &Event{
		Type: EventTypeScreenshot,
		Data: EventData{
			Src:   "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
			Label: label,
		},
		BrowserID: browserID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewStatusEvent builds the terminal status event for a run.
func NewStatusEvent(status RunStatus, errMsg string) *Event {
	return &Event{
		Type:      EventTypeStatus,
		Data:      EventData{Status: status, Error: errMsg},
		Timestamp: time.Now().UnixMilli(),
	}
}

// ProjectEventTypeRunStatus is the only project-scoped event type.
const ProjectEventTypeRunStatus = "test-run-status"

// ProjectEvent is the per-project fan-out of a run status change.
type ProjectEvent struct {
	Type       string    `json:"type"`
	ProjectID  string    `json:"projectId"`
	TestCaseID string    `json:"testCaseId"`
	RunID      string    `json:"runId"`
	Status     RunStatus `json:"status"`
}

// NewProjectRunStatusEvent builds a per-project run status event.
func NewProjectRunStatusEvent(projectID, testCaseID, runID string, status RunStatus) *ProjectEvent {
	return &ProjectEvent{
		Type:       ProjectEventTypeRunStatus,
		ProjectID:  projectID,
		TestCaseID: testCaseID,
		RunID:      runID,
		Status:     status,
	}
}
