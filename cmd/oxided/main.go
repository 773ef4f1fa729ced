package main

import (
	"errors"
	"fmt"
	"os"

	"oxidelab/internal/faults"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode gives scripts a stable code per failure kind.
func exitCode(err error) int {
	var fe *faults.Error
	if !errors.As(err, &fe) {
		return 1
	}
	switch fe.Kind {
	case faults.KindInvalid:
		return 2
	case faults.KindArtifact, faults.KindFormat, faults.KindIntegrity:
		return 3
	case faults.KindNetwork, faults.KindHTTPStatus, faults.KindContentType:
		return 4
	case faults.KindCancelled:
		return 130
	default:
		return 1
	}
}
