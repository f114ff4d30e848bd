package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/util"
)

const lockName = "rtprecv"

var (
	gitCommit  string
	versionTag string
	buildType  string

	verbose    bool
	configPath string
)

func init() {
	flag.BoolVar(&verbose, "verbose", false, "show verbose logs (useful for debugging dropped packets)")
	flag.BoolVar(&verbose, "v", false, "shorthand for --verbose")
	flag.StringVar(&configPath, "config", "", "path to config.yaml (defaults to the working directory)")
	flag.Parse()
}

func main() {
	logger, err := rtprecv.NewLogger(buildType, verbose)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	if err := util.CreateMutex(lockName); err != nil {
		if errors.Is(err, util.ErrAlreadyRunning) {
			named.Fatalw("Refusing to start", "error", err)
		}

		named.Warnw("Failed to create lock file", "error", err)
	}
	defer func() {
		if err := util.ReleaseMutex(lockName); err != nil {
			named.Warnw("Failed to remove lock file", "error", err)
		}
	}()

	r, err := rtprecv.NewReceiver(logger, configPath, verbose)
	if err != nil {
		named.Fatalw("Failed to create receiver object", "error", err)
	}

	if err = r.Initialize(); err != nil {
		named.Fatalw("Failed to initialize receiver", "error", err)
	}

	r.Run()
}
