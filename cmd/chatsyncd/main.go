package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/chatsync/chatsync/internal/config"
	"github.com/chatsync/chatsync/internal/daemon"
)

func main() {
	configPath := flag.String("config", "chatsyncd.toml", "path to the daemon config file")
	writeDefault := flag.Bool("write-default-config", false, "write a default config to the given path and exit")
	flag.Parse()

	if *writeDefault {
		if err := config.Save(*configPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *configPath)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
