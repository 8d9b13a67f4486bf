package main

import (
	"os"

	"github.com/ttdtools/timetrack/cmd/timetrack/cmds"
	"github.com/ttdtools/timetrack/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.TimetrackVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
