package testutil

import (
	"fmt"
	"os"
)

// LogIfVerbose prints a diagnostic line when PLEX_PG_TEST_VERBOSE is set.
// Tests and config loading use it so normal runs stay quiet.
func LogIfVerbose(format string, args ...interface{}) {
	if os.Getenv("PLEX_PG_TEST_VERBOSE") == "" {
		return
	}
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}
