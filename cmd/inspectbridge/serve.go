package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/inspectbridge/internal/bridge"
	"github.com/standardbeagle/inspectbridge/internal/config"
	"github.com/standardbeagle/inspectbridge/internal/injector/scripts"
	"github.com/standardbeagle/inspectbridge/internal/server"
	"github.com/standardbeagle/inspectbridge/internal/target"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	return serve(ctx, cfg)
}

// loadConfig loads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, cwd)
	if err != nil {
		return nil, err
	}

	if f := cmd.Flags().Lookup("listen"); f != nil && f.Changed {
		cfg.Listen = f.Value.String()
	}
	if f := cmd.Flags().Lookup("target"); f != nil && f.Changed {
		cfg.Target = f.Value.String()
	}
	if f := cmd.Flags().Lookup("timeout"); f != nil && f.Changed {
		d, _ := cmd.Flags().GetDuration("timeout")
		cfg.RequestTimeout = int(d / time.Second)
	}
	return cfg, cfg.Validate()
}

// bridgeConfig writes the agent scripts and describes them to the bridge.
func bridgeConfig(cfg *config.Config) (bridge.Config, error) {
	paths, err := scripts.WriteAll(cfg.AgentDir)
	if err != nil {
		return bridge.Config{}, err
	}
	agents := make(map[string]string)
	for _, domain := range cfg.Domains() {
		agents[domain] = paths.Agents[domain]
	}
	return bridge.Config{
		BootstrapPath:   paths.Bootstrap,
		Agents:          agents,
		AgentOptions:    cfg.AgentOptions(),
		Anchor:          cfg.Anchor,
		StackTraceLimit: cfg.StackTraceLimit,
		SaveLiveEdit:    cfg.SaveLiveEdit,
	}, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	bcfg, err := bridgeConfig(cfg)
	if err != nil {
		return err
	}

	addr := cfg.Target
	srv, err := server.New(server.Config{
		ListenAddr:     cfg.Listen,
		Title:          addr,
		RequestTimeout: cfg.Timeout(),
		Bridge:         bcfg,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return target.Dial(ctx, addr)
		},
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	printBanner(srv, cfg)

	<-ctx.Done()
	log.Printf("[server] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func printBanner(srv *server.Server, cfg *config.Config) {
	url := fmt.Sprintf("devtools://devtools/bundled/inspector.html?experiments=true&v8only=true&ws=%s/ws", srv.ListenAddr)
	if !isTerminal(os.Stderr) {
		log.Printf("[server] bridging %s, frontend at %s", cfg.Target, url)
		return
	}
	fmt.Fprintf(os.Stderr, "\x1b[1m%s\x1b[0m v%s\n", appName, appVersion)
	fmt.Fprintf(os.Stderr, "  target   %s\n", cfg.Target)
	fmt.Fprintf(os.Stderr, "  agents   %v\n", cfg.Domains())
	fmt.Fprintf(os.Stderr, "  frontend \x1b[4m%s\x1b[0m\n", url)
}
