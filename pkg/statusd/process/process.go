// Package process lists running processes and signals them.
package process

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

// DefaultProcRoot is the procfs mount.
const DefaultProcRoot = "/proc"

const streamRunning = "running processes"

// Info describes one process.
type Info struct {
	PID int
	// Name is the short command name, not the executable path.
	Name string
	// Cmdline is the argument vector joined by spaces.
	Cmdline string
}

// Lister reads processes from a procfs root.
type Lister struct {
	logger *zap.SugaredLogger
	root   string
	list   func() ([]ps.Process, error)
}

// NewLister creates a lister on the system procfs.
func NewLister(logger *zap.SugaredLogger) *Lister {
	return &Lister{
		logger: logger.Named("process"),
		root:   DefaultProcRoot,
		list:   ps.Processes,
	}
}

// ReadRunning returns the running processes ordered by pid. Processes that
// exit while being read are left out.
func (l *Lister) ReadRunning() ([]Info, error) {
	procs, err := l.list()
	if err != nil {
		l.logger.Warnw("Failed to list processes", "error", err)
		return nil, fmt.Errorf("list processes: %w", err)
	}

	infos := make([]Info, 0, len(procs))
	for _, proc := range procs {
		info, err := l.read(proc)
		if err != nil {
			l.logger.Debugw("Skipping process", "pid", proc.Pid(), "error", err)
			continue
		}

		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })

	return infos, nil
}

func (l *Lister) read(proc ps.Process) (Info, error) {
	dir := filepath.Join(l.root, strconv.Itoa(proc.Pid()))

	name := proc.Executable()
	if comm, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		name = strings.TrimSpace(string(comm))
	}

	cmdline, err := os.ReadFile(filepath.Join(dir, "cmdline"))
	if err != nil {
		return Info{}, fmt.Errorf("read cmdline of %d: %w", proc.Pid(), err)
	}

	return Info{
		PID:     proc.Pid(),
		Name:    name,
		Cmdline: strings.TrimSpace(strings.ReplaceAll(string(cmdline), "\x00", " ")),
	}, nil
}

// Listen polls the process list, starting immediately. Failed polls are
// logged and skipped.
func (l *Lister) Listen(ctx context.Context, poll time.Duration) tracker.Source[[]Info] {
	return tracker.Produce(ctx, func(ctx context.Context, emit tracker.Emit[[]Info]) {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		for {
			infos, err := l.ReadRunning()
			if err != nil {
				l.logger.Warnw("Failed to poll processes", "stream", streamRunning, "error", err)
			} else if !emit(infos) {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// FindByCmdline returns the first process whose command line starts with
// prefix.
func FindByCmdline(infos []Info, prefix string) (Info, bool) {
	for _, info := range infos {
		if strings.HasPrefix(info.Cmdline, prefix) {
			return info, true
		}
	}

	return Info{}, false
}

// ParseSignal accepts names with or without the SIG prefix, any case, and
// plain numbers.
func ParseSignal(s string) (unix.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if unix.SignalName(unix.Signal(n)) == "" {
			return 0, fmt.Errorf("parse signal %s: unknown number", s)
		}
		return unix.Signal(n), nil
	}

	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}

	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("parse signal %s: unknown name", s)
	}

	return sig, nil
}

// SendSignal delivers sig to pid.
func SendSignal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("send %s to %d: %w", unix.SignalName(sig), pid, err)
	}

	return nil
}
