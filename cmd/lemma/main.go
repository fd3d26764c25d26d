// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Command lemma is the CLI entrypoint for the LEMMA-VB/RHE core:
// subcommands vb (coordinate-ascent run over a hyperparameter grid), rhe
// (randomized trace estimator), rescan (post-hoc per-variant p-values from
// a converged dump), and resume (continue a vb run from a checkpoint).
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// handler is a RunCommand implementation, mirroring the teacher's
// cmd.go/cmd.Handler interface without depending on the Arvados library
// that interface comes from (this repo owns no remote-submission path).
type handler interface {
	RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int
}

var subcommands = map[string]handler{
	"vb":     &vbCommand{},
	"rhe":    &rheCommand{},
	"rescan": &rescanCommand{},
	"resume": &resumeCommand{},
}

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		logrus.StandardLogger().Formatter = &logrus.TextFormatter{DisableTimestamp: true}
	}
	os.Exit(run(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	cmd, ok := subcommands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "%s: unknown subcommand %q\n", prog, args[0])
		usage(stderr)
		return 2
	}
	return cmd.RunCommand(prog+" "+args[0], args[1:], stdin, stdout, stderr)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: lemma {vb|rhe|rescan|resume} [options]")
}
