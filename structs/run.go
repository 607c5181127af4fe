// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the core data model shared by the queue, the device
// manager, the executor and the event stream.
package structs

import (
	"fmt"
	"strings"
)

// RunStatus is the lifecycle state of a test run. A run moves strictly
// forward through QUEUED, PREPARING, RUNNING and exactly one of the terminal
// states.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "QUEUED"
	RunStatusPreparing RunStatus = "PREPARING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPass      RunStatus = "PASS"
	RunStatusFail      RunStatus = "FAIL"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// Terminal returns true if the status is final and may never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusPass, RunStatusFail, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Active returns true for the intermediate states between dequeue and the
// terminal transition.
func (s RunStatus) Active() bool {
	return s == RunStatusPreparing || s == RunStatusRunning
}

// StepType determines how a step's action text is interpreted.
type StepType string

const (
	// StepTypeAIAction dispatches the action as a natural-language
	// instruction to the agent driver.
	StepTypeAIAction StepType = "ai-action"

	// StepTypeCode runs the action as automation source in the sandbox.
	// Not supported on Android targets.
	StepTypeCode StepType = "code"
)

// Step is a single instruction executed against one target. Steps run
// strictly sequentially in declaration order.
type Step struct {
	ID       string   `json:"id"`
	TargetID string   `json:"targetId,omitempty"`
	Action   string   `json:"action"`
	Type     StepType `json:"type"`

	// FileIDs restricts which of the run's resolved files the step may
	// reference. Empty means every resolved file is in reach.
	FileIDs []string `json:"files,omitempty"`
}

// Viewport is the browser window size for a browser target.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// DefaultViewport is used when a browser target does not configure one.
var DefaultViewport = Viewport{Width: 1280, Height: 720}

// BrowserTarget configures a browser context a run drives.
type BrowserTarget struct {
	URL      string   `json:"url,omitempty"`
	Viewport Viewport `json:"viewport"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
}

// DeviceSelector picks the Android device for a target: either any instance
// of an emulator profile or one specific connected serial.
type DeviceSelector struct {
	EmulatorProfile string `json:"emulatorProfile,omitempty"`
	ConnectedDevice string `json:"connectedDevice,omitempty"`
}

// Empty returns true if neither selector field is set.
func (d DeviceSelector) Empty() bool {
	return d.EmulatorProfile == "" && d.ConnectedDevice == ""
}

func (d DeviceSelector) String() string {
	if d.ConnectedDevice != "" {
		return "serial:" + d.ConnectedDevice
	}
	return "profile:" + d.EmulatorProfile
}

// AndroidTarget configures an Android device and application a run drives.
type AndroidTarget struct {
	Device              DeviceSelector `json:"deviceSelector"`
	AppID               string         `json:"appId"`
	ClearAppState       bool           `json:"clearAppState,omitempty"`
	AllowAllPermissions bool           `json:"allowAllPermissions,omitempty"`
	Name                string         `json:"name,omitempty"`
}

// TargetConfig is a tagged union: exactly one of Browser or Android is set.
type TargetConfig struct {
	ID      string         `json:"id"`
	Browser *BrowserTarget `json:"browser,omitempty"`
	Android *AndroidTarget `json:"android,omitempty"`
}

// Validate checks the union invariant.
func (t *TargetConfig) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("target missing id")
	}
	if (t.Browser == nil) == (t.Android == nil) {
		return fmt.Errorf("target %q must set exactly one of browser or android", t.ID)
	}
	return nil
}

// FileRef is a file attachment resolved at enqueue time. Path is confined to
// the run's upload directory.
type FileRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path"`
}

// RunConfig is the immutable configuration snapshot taken when a run is
// enqueued. Later edits to the test case have no effect on the run.
type RunConfig struct {
	TestCaseID string `json:"testCaseId"`
	ProjectID  string `json:"projectId"`
	UserID     string `json:"userId,omitempty"`

	// URL is shorthand for a single "main" browser target.
	URL string `json:"url,omitempty"`

	// Prompt is split on newlines into ai-action steps against the first
	// target when Steps is empty.
	Prompt string `json:"prompt,omitempty"`

	Steps   []*Step         `json:"steps,omitempty"`
	Targets []*TargetConfig `json:"targetConfigs,omitempty"`

	// AIAPIKey authenticates the agent driver for the duration of the run.
	AIAPIKey string `json:"-"`

	Files []*FileRef `json:"files,omitempty"`

	// Variables are resolved key/value pairs exposed read-only to code
	// steps.
	Variables map[string]string `json:"resolvedVariables,omitempty"`
}

// FirstTarget returns the first configured target, or nil.
func (c *RunConfig) FirstTarget() *TargetConfig {
	if len(c.Targets) == 0 {
		return nil
	}
	return c.Targets[0]
}

// LookupTarget finds a target by id. An empty id selects the first target.
func (c *RunConfig) LookupTarget(id string) *TargetConfig {
	if id == "" {
		return c.FirstTarget()
	}
	for _, t := range c.Targets {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// AndroidTargets returns the Android targets in declaration order.
func (c *RunConfig) AndroidTargets() []*TargetConfig {
	var out []*TargetConfig
	for _, t := range c.Targets {
		if t.Android != nil {
			out = append(out, t)
		}
	}
	return out
}

// BrowserTargets returns the browser targets in declaration order.
func (c *RunConfig) BrowserTargets() []*TargetConfig {
	var out []*TargetConfig
	for _, t := range c.Targets {
		if t.Browser != nil {
			out = append(out, t)
		}
	}
	return out
}

// AcquireRequest is the admission probe for one Android target: can a device
// matching the selector be leased right now without blocking.
type AcquireRequest struct {
	ProjectID string
	Selector  DeviceSelector
}

// AndroidRequests derives the acquire probes for every Android target of the
// run, in declaration order.
func (c *RunConfig) AndroidRequests() []*AcquireRequest {
	var out []*AcquireRequest
	for _, t := range c.AndroidTargets() {
		out = append(out, &AcquireRequest{
			ProjectID: c.ProjectID,
			Selector:  t.Android.Device,
		})
	}
	return out
}

// EmulatorProfiles returns the distinct emulator profiles referenced by the
// run's Android targets.
func (c *RunConfig) EmulatorProfiles() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range c.AndroidTargets() {
		name := t.Android.Device.EmulatorProfile
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// PromptSteps splits a prompt into one ai-action step per non-empty line.
func PromptSteps(prompt, targetID string) []*Step {
	var steps []*Step
	for i, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		steps = append(steps, &Step{
			ID:       fmt.Sprintf("prompt-%d", i),
			TargetID: targetID,
			Action:   line,
			Type:     StepTypeAIAction,
		})
	}
	return steps
}

// StaleRun identifies a run left in a non-terminal state by a previous
// process, found during startup reconciliation.
type StaleRun struct {
	RunID      string
	TestCaseID string
	Status     RunStatus
}

// TestCaseInfo carries the denormalized names used for usage accounting.
type TestCaseInfo struct {
	TestCaseID   string
	TestCaseName string
	ProjectID    string
	ProjectName  string
	UserID       string
}
