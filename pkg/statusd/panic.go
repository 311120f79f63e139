package statusd

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MixyLabs/statusd/pkg/statusd/util"
)

const (
	crashlogFilename        = "statusd-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"
	crashlogRule            = "-----------------------------------------------------------------"
)

// crashReport is everything written to a crashlog.
type crashReport struct {
	Time    time.Time
	Version string
	Modules []string
	Panic   any
	Stack   []byte
}

func (c crashReport) String() string {
	var b strings.Builder

	version := c.Version
	if version == "" {
		version = "unknown"
	}

	fmt.Fprintln(&b, crashlogRule)
	fmt.Fprintln(&b, "statusd crashed and wrote this log. Please attach it when reporting the issue.")
	fmt.Fprintln(&b, crashlogRule)
	fmt.Fprintf(&b, "Time: %s\n", c.Time.Format(crashlogTimestampFormat))
	fmt.Fprintf(&b, "Version: %s\n", version)
	fmt.Fprintf(&b, "Modules: %s\n", strings.Join(c.Modules, ", "))
	fmt.Fprintf(&b, "Panic occurred: %v\n", c.Panic)
	fmt.Fprintf(&b, "Stack trace:\n%s\n", c.Stack)
	fmt.Fprintln(&b, crashlogRule)

	return b.String()
}

// writeCrashlog stores the report under dir and returns the file path.
func writeCrashlog(dir string, report crashReport) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	crashlogPath := filepath.Join(dir, fmt.Sprintf(crashlogFilename, report.Time.Format(crashlogTimestampFormat)))

	if err := os.WriteFile(crashlogPath, []byte(report.String()), 0o644); err != nil {
		return "", fmt.Errorf("write crashlog: %w", err)
	}

	return crashlogPath, nil
}

func (d *Statusd) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	report := crashReport{
		Time:    time.Now(),
		Version: d.version,
		Modules: d.runningModules(),
		Panic:   r,
		Stack:   debug.Stack(),
	}

	crashlogPath, err := writeCrashlog(logDirectory, report)
	if err != nil {
		panic(fmt.Errorf("can't even write the crashlog file contents: %w", err))
	}

	d.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	d.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	d.releaseLock()
	d.logger.Errorw("Quitting", "exitCode", 1)
	os.Exit(1)
}

func (d *Statusd) runningModules() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.modules))
	for _, m := range d.modules {
		names = append(names, m.name)
	}

	return names
}
