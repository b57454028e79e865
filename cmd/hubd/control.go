package main

import (
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubd/hubd/internal/supervisor"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopRunning()
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Stop the running daemon, then start it again",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := stopRunning(); err != nil {
			return err
		}
		return runSupervised()
	},
}

func stopRunning() error {
	pidPath := filepath.Join(hubDir, "daemon.pid")
	pid := supervisor.ReadPIDFile(pidPath)
	if pid == 0 || !supervisor.IsProcessRunning(pid) {
		fmt.Println("hubd is not running")
		return nil
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("hubd: signaling pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !supervisor.IsProcessRunning(pid) {
			fmt.Printf("hubd (pid %d) stopped\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("hubd: pid %d did not exit within 10s", pid)
}
