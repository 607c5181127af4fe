// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/hashicorp/proctor/command"
	"github.com/hashicorp/proctor/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run sets up the CLI and dispatches to the requested command.
func Run(args []string) int {
	meta := &command.Meta{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}

	c := cli.NewCLI("proctor", version.GetVersion().FullVersionNumber(true))
	c.Args = args
	c.Commands = command.Commands(meta)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
