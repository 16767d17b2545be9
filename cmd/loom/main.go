package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"loom/internal/services"
	"loom/internal/workflow"
)

// Exit codes let wrapper scripts tell a bad setup from a failed run.
const (
	exitFailure     = 1
	exitConfig      = 2
	exitLocked      = 3
	exitInterrupted = 130
)

func main() {
	err := newRootCommand().Execute()
	code := exitCode(err)
	if err != nil && code != exitInterrupted {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(code)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	case errors.Is(err, workflow.ErrRunInProgress):
		return exitLocked
	case errors.Is(err, services.ErrConfiguration), errors.Is(err, services.ErrValidation):
		return exitConfig
	default:
		return exitFailure
	}
}
