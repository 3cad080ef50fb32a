package main

import (
	"os"

	"github.com/go-delve/fbsdnat/cmd/fbsdnat/cmds"
	"github.com/go-delve/fbsdnat/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.FbsdnatVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
