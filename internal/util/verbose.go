package util

import (
	"os"
)

// IsVerbose checks if verbose mode is enabled by looking at command line
// arguments or the NODE_ENV environment variable carried over from the
// legacy desktop launcher.
func IsVerbose() bool {
	for _, arg := range os.Args {
		if arg == "--verbose" {
			return true
		}
	}
	return os.Getenv("NODE_ENV") == "development"
}
