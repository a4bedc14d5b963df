package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shannon-team/chatcore/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to chatcore.toml (default: <data-dir>/chatcore.toml)")
	dataFlag := flag.String("data-dir", "", "data directory (default: ~/.chatcore)")
	flag.Parse()

	dataDir := *dataFlag
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(home, ".chatcore")
	}
	configPath := *configFlag
	if configPath == "" {
		configPath = filepath.Join(dataDir, "chatcore.toml")
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: configPath, DataDir: dataDir}),
	)

	app.Run()
}
