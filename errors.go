package main

import (
	"errors"
)

// Sentinel errors for the extraction pipeline.
var (
	// ErrUnreadableObject is returned when an input cannot be opened or
	// parsed as an ELF object. It only ever skips that one file.
	ErrUnreadableObject = errors.New("unreadable object file")

	// ErrMissingContainer is returned when a symbol's enclosing file node is
	// not in the graph. File discovery must run before ingestion.
	ErrMissingContainer = errors.New("container node missing")

	// ErrOutputUnwritable is returned when a fact sink cannot be opened or
	// appended to.
	ErrOutputUnwritable = errors.New("output sink unwritable")

	// ErrNoInputFiles is returned when the resolved input set is empty.
	ErrNoInputFiles = errors.New("no object files supplied")

	// ErrInputNotFound is returned when an explicitly named input is missing.
	ErrInputNotFound = errors.New("input file not found")

	// ErrCancelled is returned when the run is cancelled between files.
	ErrCancelled = errors.New("run cancelled")

	// ErrNotStreaming is returned by Purge on a graph built without
	// bounded-memory tracking.
	ErrNotStreaming = errors.New("graph is not in bounded-memory mode")

	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidSection is returned when a symbol's section index does not
	// name a real section.
	ErrInvalidSection = errors.New("symbol section out of range")
)

// Process exit statuses.
const (
	exitOK            = 0
	exitFailure       = 1
	exitNoInput       = 2
	exitOutput        = 3
	exitMissingParent = 4
	exitCancelled     = 5
)

// exitCode maps a run error onto a process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, ErrNoInputFiles), errors.Is(err, ErrInputNotFound):
		return exitNoInput
	case errors.Is(err, ErrOutputUnwritable):
		return exitOutput
	case errors.Is(err, ErrMissingContainer):
		return exitMissingParent
	case errors.Is(err, ErrCancelled):
		return exitCancelled
	default:
		return exitFailure
	}
}
