package main

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes follow sysexits.h.
const (
	exitUsage    = 64
	exitDataErr  = 65
	exitSoftware = 70
)

// exitError carries the process exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitCode prints err unless it was already reported and maps it to an
// exit status. Errors that are not exitErrors come from argument parsing.
func exitCode(err error) int {
	if !errors.Is(err, errReported) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}
