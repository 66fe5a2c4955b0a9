package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blinksync/syncbrain/cmd"
	"github.com/blinksync/syncbrain/internal/buildinfo"
	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/logger"
)

// Set with -ldflags at build time
var (
	version   = "dev"
	buildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ error loading configuration: %v\n", err)
		return 1
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ error initializing logging: %v\n", err)
		return 1
	}
	logger.SetGlobal(central)
	defer func() { _ = central.Close() }()

	nodeID := buildinfo.UnknownValue
	if configFile, err := conf.FindConfigFile(); err == nil {
		id, err := buildinfo.LoadOrCreateNodeID(filepath.Join(filepath.Dir(configFile), "node_id"))
		if err != nil {
			logger.Global().Module("main").Warn("failed to load node id", logger.Error(err))
		} else {
			nodeID = id
		}
	}
	build := buildinfo.NewContext(version, buildDate, nodeID)

	if err := cmd.RootCommand(settings, build).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		return 1
	}
	return 0
}
