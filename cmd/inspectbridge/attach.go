package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/inspectbridge/internal/target"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Enable the debugger of a running process and bridge it",
	Long: `Send the debug signal to a running node process, wait for its debug port
to open, then serve frontends for it.

With --signal-only the debug port address is printed and the command exits.`,
	RunE: runAttach,
}

var (
	attachPID        int
	attachSignalOnly bool
	attachWait       time.Duration
)

func init() {
	attachCmd.Flags().IntVar(&attachPID, "pid", 0, "Process id to attach to")
	attachCmd.Flags().BoolVar(&attachSignalOnly, "signal-only", false, "Only enable the debugger, do not serve")
	attachCmd.Flags().DurationVar(&attachWait, "wait", 5*time.Second, "How long to wait for the debug port")
	attachCmd.Flags().String("listen", "", "Address frontends connect to (host:port)")
	_ = attachCmd.MarkFlagRequired("pid")
}

func runAttach(cmd *cobra.Command, args []string) error {
	if !target.Alive(attachPID) {
		return fmt.Errorf("no process with pid %d", attachPID)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	addr, err := target.Attach(ctx, attachPID, target.AttachOptions{Timeout: attachWait})
	if err != nil {
		return err
	}
	if attachSignalOnly {
		fmt.Fprintln(cmd.OutOrStdout(), addr)
		return nil
	}

	cfg.Target = addr
	return serve(ctx, cfg)
}
