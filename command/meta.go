// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command holds the CLI layer: the agent command is the composition
// root that wires configuration into the orchestrator components.
package command

import (
	"flag"

	"github.com/hashicorp/cli"
)

// Meta contains the options and functionality every command inherits.
type Meta struct {
	Ui cli.Ui
}

// FlagSet returns a FlagSet routing errors and usage through the Ui.
func (m *Meta) FlagSet(n string) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)
	f.Usage = func() {}
	return f
}
