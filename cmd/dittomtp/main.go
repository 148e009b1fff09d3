// dittomtp serves the document trees of MTP devices over HTTP.
//
// Usage:
//
//	dittomtp init [--config path] [--force]
//	dittomtp serve [--config path]
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/config"
	"github.com/marmos91/dittomtp/pkg/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}

	switch args[0] {
	case "serve":
		return runServe(args[1:])
	case "init":
		return runInit(args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `DittoMTP - MTP devices as a document tree

Usage:
  dittomtp <command> [flags]

Commands:
  init    Write a sample configuration file
  serve   Start the document API

Run "dittomtp <command> --help" for the flags of a command.
`)
}

func runInit(args []string) error {
	var configPath string
	var force bool

	flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path of the file to write (default: "+config.GetDefaultConfigPath()+")")
	flagSet.BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if configPath == "" {
		path, err := config.InitConfig(force)
		if err != nil {
			return err
		}
		configPath = path
	} else if err := config.InitConfigToPath(configPath, force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", configPath)
	return nil
}

func runServe(args []string) error {
	var configPath string

	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "configuration file (default: "+config.GetDefaultConfigPath()+")")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Configure(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if configPath == "" && !config.ConfigExists() {
		logger.Info("No configuration file found, using defaults (run 'dittomtp init' to create one)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := config.InitializeMetrics(cfg)

	p, err := config.InitializeProvider(ctx, cfg, m)
	if err != nil {
		return err
	}

	srv := server.New(p, server.Options{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AutoOpen:        cfg.Devices.AutoOpen,
		Metrics:         m.Server,
	})

	adapters, err := config.CreateAdapters(cfg)
	if err != nil {
		_ = p.Shutdown(context.Background())
		return err
	}
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			_ = p.Shutdown(context.Background())
			return err
		}
	}

	logger.Info("DittoMTP is running. Press Ctrl+C to stop.")

	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
