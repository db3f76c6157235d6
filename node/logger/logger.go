package logger

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Logger is a per-node file logger. One instance exists per node id for the
// lifetime of the process; benchmark mode mutes it wholesale.
type Logger struct {
	file  *os.File
	hc    hclog.Logger
	mu    sync.Mutex
	muted uint32
}

var (
	loggers  = make(map[int]*Logger)
	loggerMu sync.Mutex
)

func level() hclog.Level {
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		return hclog.LevelFromString(raw)
	}
	return hclog.Debug
}

func GetLogger(nodeID int) *Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if l, exists := loggers[nodeID]; exists {
		return l
	}

	os.MkdirAll("Logs", 0o755)
	filename := fmt.Sprintf("Logs/node_%d.log", nodeID)
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o666)
	if err != nil {
		log.Fatalf("Failed to create log file for node %d: %v", nodeID, err)
	}

	l := &Logger{
		file: file,
		hc: hclog.New(&hclog.LoggerOptions{
			Name:   fmt.Sprintf("n%d", nodeID),
			Level:  level(),
			Output: file,
		}),
	}
	loggers[nodeID] = l
	return l
}

func (l *Logger) Debug(msg string, args ...interface{}) {
	if atomic.LoadUint32(&l.muted) == 1 {
		return
	}
	l.hc.Debug(msg, args...)
}

func (l *Logger) Info(msg string, args ...interface{}) {
	if atomic.LoadUint32(&l.muted) == 1 {
		return
	}
	l.hc.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...interface{}) {
	if atomic.LoadUint32(&l.muted) == 1 {
		return
	}
	l.hc.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...interface{}) {
	l.hc.Error(msg, args...)
}

func (l *Logger) SetMuted(enabled bool) {
	if enabled {
		atomic.StoreUint32(&l.muted, 1)
		return
	}
	atomic.StoreUint32(&l.muted, 0)
}

func (l *Logger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Truncate(0); err != nil {
		return err
	}
	_, err := l.file.Seek(0, 0)
	return err
}

func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
}

// Dump prints the node's log file to stdout for the console's print-log
// command.
func (l *Logger) Dump() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	content, err := os.ReadFile(l.file.Name())
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}
	fmt.Print(string(content))
	return nil
}
