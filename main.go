// This code is released under the MIT License
// Copyright (c) 2020 Pix4D and the rdsvalet contributors.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
)

// Filled by the linker.
var fullVersion = "unknown" // example: v0.0.9-8-g941583d027-dirty

// Replaced by tests.
var stdout io.Writer = os.Stdout

type args struct {
	Apply    *ApplyCmd    `arg:"subcommand:apply" help:"ensure the security group exists, is attached to the DB instance and the instance is tagged"`
	Status   *StatusCmd   `arg:"subcommand:status" help:"report the current state without changing anything"`
	Teardown *TeardownCmd `arg:"subcommand:teardown" help:"detach the security group from the DB instance and delete it"`

	Options
}

func (args) Description() string {
	return "A simple valet for the security group of an RDS instance."
}

func (args) Version() string {
	return "rdsvalet " + fullVersion
}

type ApplyCmd struct {
	Wait time.Duration `arg:"--wait" help:"after attaching the group, wait up to this long for the DB instance to be available (0: do not wait)"`
}

type StatusCmd struct {
}

type TeardownCmd struct {
	Wait time.Duration `arg:"--wait" help:"after detaching the group, wait up to this long for the DB instance to be available before deleting the group (0: do not wait)"`
}

func main() {
	Main()
}

// Main is separate from main so that testscript can run it as a command.
func Main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var args args

	parser, err := arg.NewParser(arg.Config{Program: "rdsvalet"}, &args)
	if err != nil {
		return fmt.Errorf("creating the argument parser: %v", err)
	}
	switch err := parser.Parse(os.Args[1:]); {
	case errors.Is(err, arg.ErrHelp):
		parser.WriteHelp(stdout)
		return nil
	case errors.Is(err, arg.ErrVersion):
		fmt.Fprintln(stdout, args.Version())
		return nil
	case err != nil:
		return err
	}

	if parser.Subcommand() == nil {
		return fmt.Errorf("missing subcommand (apply, status, teardown)")
	}

	logger := newLogger(os.Stderr, args.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case args.Apply != nil:
		return doApply(ctx, args.Options, *args.Apply, logger)
	case args.Status != nil:
		return doStatus(ctx, args.Options, logger)
	case args.Teardown != nil:
		return doTeardown(ctx, args.Options, *args.Teardown, logger)
	default:
		return fmt.Errorf("unwired subcommand: %v", os.Args[1:])
	}
}

func newLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// MakeErrorf returns a function with the same signature as fmt.Errorf that
// prefixes every message with "prefix: ".
func MakeErrorf(prefix string) func(format string, a ...any) error {
	return func(format string, a ...any) error {
		return fmt.Errorf(prefix+": "+format, a...)
	}
}
