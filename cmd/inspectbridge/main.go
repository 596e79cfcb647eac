package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName    = "inspectbridge"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Bridge inspector frontends to the V8 debugger protocol",
	Long: `Inspectbridge lets an inspector frontend debug a process that speaks the
legacy V8 debugger protocol. It provides:
  - breakpoints, stepping, evaluation and live edit over the debug port
  - console, network and heap profiler agents injected into the target
  - a /json target list so inspectors can discover the bridge`,
	Version:      appVersion,
	SilenceUsage: true,
	RunE:         runServe,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a KDL config file")
	rootCmd.Flags().String("listen", "", "Address frontends connect to (host:port)")
	rootCmd.Flags().String("target", "", "Debug port of the target (host:port)")
	rootCmd.Flags().Duration("timeout", 0, "Per-request timeout, e.g. 10s (0 uses the config value)")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
