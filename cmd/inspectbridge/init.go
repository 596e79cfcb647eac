package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/inspectbridge/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default inspectbridge.kdl",
	RunE:  runInit,
}

var (
	initGlobal bool
	initForce  bool
)

func init() {
	initCmd.Flags().BoolVar(&initGlobal, "global", false, "Write the global config instead of ./inspectbridge.kdl")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := config.ProjectConfigFile
	if initGlobal {
		path = config.GlobalConfigPath()
		if path == "" {
			return fmt.Errorf("cannot determine the config directory")
		}
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.WriteDefault(path); err != nil {
		return err
	}
	abs, _ := filepath.Abs(path)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", abs)
	return nil
}
