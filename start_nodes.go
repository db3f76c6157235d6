package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"shardledger/config"
)

// Launches every node of the cluster as a child process and tails them until
// interrupted. Build the node binary first (from node/) and point -node at it.
func main() {
	nodePath := flag.String("node", filepath.Join("node", "node"), "Path to node binary")
	logDir := flag.String("logs", "Logs", "Directory for per-node console logs")
	flag.Parse()

	nodeBin, err := filepath.Abs(*nodePath)
	if err != nil {
		exitWithError(fmt.Errorf("resolve node binary: %w", err))
	}
	if _, err := os.Stat(nodeBin); err != nil {
		exitWithError(fmt.Errorf("node binary not found at %s: %w", nodeBin, err))
	}
	if err := os.MkdirAll(*logDir, 0o755); err != nil {
		exitWithError(fmt.Errorf("create log dir: %w", err))
	}

	total := config.TotalNodes()
	procs := make([]*exec.Cmd, 0, total)
	logs := make([]*os.File, 0, total)
	for nodeID := 1; nodeID <= total; nodeID++ {
		logFile, err := os.Create(filepath.Join(*logDir, fmt.Sprintf("console_n%d.log", nodeID)))
		if err != nil {
			exitWithError(fmt.Errorf("create console log for n%d: %w", nodeID, err))
		}
		cmd := exec.Command(nodeBin, "-id", fmt.Sprintf("%d", nodeID))
		cmd.Stdin = nil
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		if err := cmd.Start(); err != nil {
			exitWithError(fmt.Errorf("start n%d: %w", nodeID, err))
		}
		fmt.Printf("Started n%d (pid %d), console -> %s\n", nodeID, cmd.Process.Pid, logFile.Name())
		procs = append(procs, cmd)
		logs = append(logs, logFile)
	}

	fmt.Printf("Launched %d nodes. Ctrl+C to stop the cluster.\n", total)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Stopping cluster...")
	for i, cmd := range procs {
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		_ = cmd.Wait()
		_ = logs[i].Close()
	}
}

func exitWithError(err error) {
	fmt.Fprintf(os.Stderr, "start_nodes: %v\n", err)
	os.Exit(1)
}
