// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/hashicorp/proctor/structs"
)

// unsafeTokens is the conservative blocklist for code steps. The sandbox
// itself exposes none of these, but rejecting them up front turns an escape
// attempt into a configuration error instead of a runtime probe.
var unsafeTokens = []string{
	"require",
	"import",
	"process",
	"child_process",
	"eval",
	"Function",
	"XMLHttpRequest",
	"fetch",
	"WebSocket",
	"Worker",
	"globalThis",
	"constructor",
	"__proto__",
}

var unsafeTokenRes = func() []*regexp.Regexp {
	res := make([]*regexp.Regexp, len(unsafeTokens))
	for i, tok := range unsafeTokens {
		res[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(tok) + `\b`)
	}
	return res
}()

// runCodeStep executes a code step inside an isolated interpreter. The step
// can only reach the page proxy, the expect facade, wrapped timers and the
// read-only variable and file maps.
func (e *Executor) runCodeStep(ctx context.Context, st *runState, t *target, step *structs.Step) error {
	source := step.Action

	for i, re := range unsafeTokenRes {
		if re.MatchString(source) {
			return structs.NewConfigError("unsafe token %q in code step", unsafeTokens[i])
		}
	}

	// One compile catches syntax errors before any statement runs.
	if _, err := goja.Compile("step", source, true); err != nil {
		return fmt.Errorf("code step does not parse: %w", err)
	}

	statements := splitStatements(source)
	vm := goja.New()
	if err := e.populateSandbox(ctx, vm, st, t, step); err != nil {
		return err
	}

	for i, stmt := range statements {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runStatement(ctx, vm, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
		st.screenshot(ctx, t, fmt.Sprintf("statement %d", i+1))
	}
	return nil
}

// runStatement executes one statement under the hard per-statement budget and
// the run's cancellation.
func (e *Executor) runStatement(ctx context.Context, vm *goja.Runtime, stmt string) error {
	timer := time.AfterFunc(e.cfg.CodeStatementTimeout, func() {
		vm.Interrupt("statement timed out")
	})
	defer timer.Stop()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("run cancelled")
		case <-watchDone:
		}
	}()

	_, err := vm.RunString(stmt)
	if err == nil {
		return nil
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		vm.ClearInterrupt()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return structs.NewTimeoutError("code statement exceeded %s", e.cfg.CodeStatementTimeout)
	}
	return err
}

// populateSandbox installs the sandbox surface on a fresh interpreter.
func (e *Executor) populateSandbox(ctx context.Context, vm *goja.Runtime, st *runState, t *target, step *structs.Step) error {
	page := map[string]interface{}{
		"goto": func(u string) error {
			if err := t.page.Navigate(ctx, u); err != nil {
				return err
			}
			t.navigated = true
			return nil
		},
		"url": func() (string, error) {
			return t.page.URL(ctx)
		},
		"waitReady": func() error {
			return t.page.WaitReady(ctx)
		},
		"click": func(selector string) error {
			return t.page.Click(ctx, selector)
		},
		"fill": func(selector, value string) error {
			return t.page.Fill(ctx, selector, value)
		},
		"text": func(selector string) (string, error) {
			return t.page.Text(ctx, selector)
		},
		"evaluate": func(expression string) (interface{}, error) {
			return t.page.Evaluate(ctx, expression)
		},
		"setInputFiles": func(selector string, refs interface{}) error {
			paths, err := e.resolveStepFiles(st.run, step, refs)
			if err != nil {
				return err
			}
			return t.page.SetInputFiles(ctx, selector, paths)
		},
	}
	if err := vm.Set("page", page); err != nil {
		return err
	}

	if err := vm.Set("expect", expectFacade); err != nil {
		return err
	}

	if err := vm.Set("sleep", func(ms int) error {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}); err != nil {
		return err
	}

	// setTimeout runs the callback inline after the delay. There is no
	// event loop; the statement budget still bounds the whole call.
	if err := vm.Set("setTimeout", func(fn func(), ms int) error {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		fn()
		return nil
	}); err != nil {
		return err
	}
	if err := vm.Set("clearTimeout", func(interface{}) {}); err != nil {
		return err
	}

	vars := make(map[string]string, len(st.run.Variables))
	for k, v := range st.run.Variables {
		vars[k] = v
	}
	if err := vm.Set("vars", vars); err != nil {
		return err
	}

	files := make(map[string]string, len(st.run.Files))
	for _, f := range st.run.Files {
		files[f.Name] = f.ID
	}
	return vm.Set("files", files)
}

// expectFacade is the minimal assertion surface for code steps.
func expectFacade(actual interface{}) map[string]interface{} {
	return map[string]interface{}{
		"toBe": func(expected interface{}) error {
			if fmt.Sprint(actual) != fmt.Sprint(expected) {
				return fmt.Errorf("expected %v, got %v", expected, actual)
			}
			return nil
		},
		"toContain": func(needle string) error {
			if !strings.Contains(fmt.Sprint(actual), needle) {
				return fmt.Errorf("expected %v to contain %q", actual, needle)
			}
			return nil
		},
		"toBeTruthy": func() error {
			switch v := actual.(type) {
			case nil:
				return fmt.Errorf("expected a truthy value, got null")
			case bool:
				if !v {
					return fmt.Errorf("expected a truthy value, got false")
				}
			case string:
				if v == "" {
					return fmt.Errorf("expected a truthy value, got empty string")
				}
			}
			return nil
		},
	}
}

// resolveStepFiles maps file references to absolute paths confined to the
// run's upload directory and the step's allowlist. The driver is never
// invoked for a reference outside the envelope.
func (e *Executor) resolveStepFiles(run *structs.RunConfig, step *structs.Step, refs interface{}) ([]string, error) {
	var names []string
	switch v := refs.(type) {
	case string:
		names = []string{v}
	case []string:
		names = v
	case []interface{}:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("file reference must be a string, got %T", item)
			}
			names = append(names, s)
		}
	default:
		return nil, fmt.Errorf("setInputFiles expects a string or array of strings, got %T", refs)
	}

	paths := make([]string, 0, len(names))
	for _, name := range names {
		path, err := e.resolveStepFile(run, step, name)
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (e *Executor) resolveStepFile(run *structs.RunConfig, step *structs.Step, ref string) (string, error) {
	for _, f := range run.Files {
		if f.ID != ref && f.Name != ref {
			continue
		}
		if len(step.FileIDs) > 0 && !containsString(step.FileIDs, f.ID) {
			return "", fmt.Errorf("file %q is not in the step's file list", ref)
		}
		return e.confinePath(run.TestCaseID, f.Path)
	}
	// Raw paths are allowed as long as they stay inside the envelope.
	return e.confinePath(run.TestCaseID, ref)
}

// confinePath resolves a path against <uploadRoot>/<testCaseID> and rejects
// anything that escapes it.
func (e *Executor) confinePath(testCaseID, p string) (string, error) {
	root, err := filepath.Abs(filepath.Join(e.cfg.UploadRoot, testCaseID))
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("file path %q is outside the run's upload directory", p)
	}
	return abs, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// splitStatements breaks source into top-level statements on semicolons and
// newlines, respecting strings, comments and bracket nesting.
func splitStatements(source string) []string {
	var statements []string
	var buf strings.Builder
	depth := 0
	var inString byte
	escaped := false
	lineComment := false
	blockComment := false

	flush := func() {
		stmt := strings.TrimSpace(buf.String())
		buf.Reset()
		if stmt != "" {
			statements = append(statements, stmt)
		}
	}

	for i := 0; i < len(source); i++ {
		c := source[i]

		if lineComment {
			if c == '\n' {
				lineComment = false
			}
			continue
		}
		if blockComment {
			if c == '*' && i+1 < len(source) && source[i+1] == '/' {
				blockComment = false
				i++
			}
			continue
		}

		if inString != 0 {
			buf.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == inString {
				inString = 0
			}
			continue
		}

		switch c {
		case '/':
			if i+1 < len(source) {
				switch source[i+1] {
				case '/':
					lineComment = true
					i++
					continue
				case '*':
					blockComment = true
					i++
					continue
				}
			}
			buf.WriteByte(c)
		case '"', '\'', '`':
			inString = c
			buf.WriteByte(c)
		case '{', '(', '[':
			depth++
			buf.WriteByte(c)
		case '}', ')', ']':
			depth--
			buf.WriteByte(c)
		case ';':
			if depth == 0 {
				flush()
			} else {
				buf.WriteByte(c)
			}
		case '\n':
			if depth == 0 {
				flush()
			} else {
				buf.WriteByte(c)
			}
		default:
			buf.WriteByte(c)
		}
	}
	flush()
	return statements
}
