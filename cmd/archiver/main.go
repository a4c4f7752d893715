package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/JakeFAU/web-archiver/internal/app"
	"github.com/JakeFAU/web-archiver/internal/config"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build application failed: %v\n", err)
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "archiver exited with error: %v\n", err)
		os.Exit(1)
	}
}
