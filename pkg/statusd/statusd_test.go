package statusd

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/network"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title string, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) sent() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.titles...)
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), configFilename)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func loadConfig(t *testing.T, path string, notifier Notifier) (*ConfigManager, error) {
	t.Helper()

	cc, err := NewConfig(zap.NewNop().Sugar(), notifier, path)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	return cc, cc.Load()
}

func newTestStatusd(t *testing.T, config string) (*Statusd, *recordingNotifier) {
	t.Helper()

	notifier := &recordingNotifier{}
	cc, err := loadConfig(t, writeConfig(t, config), notifier)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return &Statusd{
		logger:      zap.NewNop().Sugar(),
		notifier:    notifier,
		configMan:   cc,
		board:       newStatusBoard(),
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool, 1),
	}, notifier
}

func TestConfigDefaults(t *testing.T) {
	cc, err := loadConfig(t, filepath.Join(t.TempDir(), "missing.toml"), NopNotifier{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := cc.Current()
	if !reflect.DeepEqual(cfg.Modules, []string{ModulePower, ModuleAudio, ModuleNetwork}) {
		t.Fatalf("modules = %v", cfg.Modules)
	}
	if cfg.Audio.Backend != AudioBackendPipeWire || cfg.Power.PollSeconds != 30 || cfg.Power.LowBattery != 0.1 {
		t.Fatalf("config = %+v", cfg)
	}
	if !cfg.Notifications || cfg.DisableTray || cfg.Mako.DndMode != "do-not-disturb" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestConfigLoadsTOML(t *testing.T) {
	path := writeConfig(t, `
modules = ["audio", "mako", "process"]
disable_tray = true

[audio]
backend = "auto"
remote = "pipewire-1"

[power]
ac = "ADP1"
batteries = ["BAT1"]
poll_seconds = 10
low_battery = 0.2

[[process.indicators]]
cmdline = "wf-recorder"
label = "recording"
`)

	cc, err := loadConfig(t, path, NopNotifier{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := cc.Current()
	if !cfg.Enabled(ModuleMako) || cfg.Enabled(ModuleNetwork) || !cfg.DisableTray {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.Audio != (AudioConfig{Backend: AudioBackendAuto, Remote: "pipewire-1"}) {
		t.Fatalf("audio = %+v", cfg.Audio)
	}
	if cfg.Power.AC != "ADP1" || !reflect.DeepEqual(cfg.Power.Batteries, []string{"BAT1"}) ||
		cfg.Power.PollSeconds != 10 || cfg.Power.LowBattery != 0.2 {
		t.Fatalf("power = %+v", cfg.Power)
	}
	if cfg.Process.PollSeconds != 600 || !reflect.DeepEqual(cfg.Process.Indicators, []Indicator{{Cmdline: "wf-recorder", Label: "recording"}}) {
		t.Fatalf("process = %+v", cfg.Process)
	}
}

func TestConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name       string
		contents   string
		wantNotify bool
	}{
		{name: "unknown backend", contents: "[audio]\nbackend = \"jack\"\n"},
		{name: "threshold above one", contents: "[power]\nlow_battery = 2.0\n"},
		{name: "zero poll", contents: "[process]\npoll_seconds = 0\n"},
		{name: "wrong type", contents: "disable_tray = \"yes\"\n"},
		{name: "broken toml", contents: "modules = [\n", wantNotify: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := &recordingNotifier{}

			if _, err := loadConfig(t, writeConfig(t, tt.contents), notifier); err == nil {
				t.Fatal("expected error")
			}
			if got := len(notifier.sent()) > 0; got != tt.wantNotify {
				t.Fatalf("notified = %v, want %v", got, tt.wantNotify)
			}
		})
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv(configEnv, "")
	t.Setenv("XDG_CONFIG_HOME", "/home/me/.config-alt")

	if got := ConfigPath(); got != "/home/me/.config-alt/statusd.toml" {
		t.Fatalf("ConfigPath = %q", got)
	}

	t.Setenv(configEnv, "/etc/statusd.toml")
	if got := ConfigPath(); got != "/etc/statusd.toml" {
		t.Fatalf("ConfigPath = %q", got)
	}
}

func TestCheckLowBattery(t *testing.T) {
	d, notifier := newTestStatusd(t, "[power]\nlow_battery = 0.15\n")

	steps := []struct {
		name    string
		apply   func(s *Status)
		notices int
	}{
		{"charged", func(s *Status) { s.HasAC, s.ACOnline, s.Charge = true, false, 0.5 }, 0},
		{"drops below", func(s *Status) { s.Charge = 0.1 }, 1},
		{"keeps dropping", func(s *Status) { s.Charge = 0.05 }, 1},
		{"plugged in", func(s *Status) { s.ACOnline = true }, 1},
		{"unplugged again", func(s *Status) { s.ACOnline = false }, 2},
		{"unknown charge", func(s *Status) { s.Charge = -1 }, 2},
	}

	for _, step := range steps {
		d.board.update(step.apply)
		d.checkLowBattery()

		if got := len(notifier.sent()); got != step.notices {
			t.Fatalf("%s: notifications = %d, want %d", step.name, got, step.notices)
		}
	}
}

func TestStartModuleUnknown(t *testing.T) {
	d, notifier := newTestStatusd(t, `modules = ["teleport"]`)

	d.startModules()

	if len(d.modules) != 0 {
		t.Fatalf("modules = %v", d.modules)
	}
	if got := notifier.sent(); len(got) != 1 || got[0] != "Module unavailable" {
		t.Fatalf("notifications = %v", got)
	}
}

func TestStatusLabels(t *testing.T) {
	s := newStatus()

	if s.VolumeLabel() != "Volume: unavailable" || s.NetworkLabel() != "Network: offline" || s.PowerLabel() != "Power: unavailable" {
		t.Fatalf("empty labels = %q %q %q", s.VolumeLabel(), s.NetworkLabel(), s.PowerLabel())
	}

	s.Sinks = []audio.NodeState{{Name: "speaker", Description: "Speaker", Volume: []float32{0.5, 0.5}}}
	s.Defaults.Sink = "speaker"
	s.Primary = network.ActiveConnection{Name: "home", Kind: network.KindWireless}
	s.HasPrimary = true
	s.Strength = 0.7
	s.HasAC = true
	s.Charge = 0.42

	want := []string{"Volume: 50% (Speaker)", "Network: home (wireless) 70%", "Power: on battery, 42%"}
	got := []string{s.VolumeLabel(), s.NetworkLabel(), s.PowerLabel()}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("labels = %q", got)
	}

	s.Sinks[0].Mute = true
	if got := s.VolumeLabel(); got != "Volume: muted (Speaker)" {
		t.Fatalf("muted label = %q", got)
	}
}

func TestBoardSnapshotIsolated(t *testing.T) {
	b := newStatusBoard()
	b.update(func(s *Status) {
		s.Sinks = []audio.NodeState{{Name: "speaker", Volume: []float32{1}}}
		s.Modes = []string{"do-not-disturb"}
	})

	select {
	case <-b.changed:
	default:
		t.Fatal("update did not signal a change")
	}

	snap := b.snapshot()
	snap.Sinks[0].Volume[0] = 0
	snap.Modes[0] = "away"

	again := b.snapshot()
	if again.Sinks[0].Volume[0] != 1 || again.Modes[0] != "do-not-disturb" {
		t.Fatalf("snapshot shares memory: %+v", again)
	}
}

func TestWriteCrashlog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	report := crashReport{
		Time:    time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Modules: []string{ModuleAudio, ModulePower},
		Panic:   "boom",
		Stack:   []byte("goroutine 1"),
	}

	path, err := writeCrashlog(dir, report)
	if err != nil {
		t.Fatalf("writeCrashlog: %v", err)
	}
	if filepath.Base(path) != "statusd-crash-2024.05.01-12.30.00.log" {
		t.Fatalf("path = %s", path)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"Panic occurred: boom", "goroutine 1", "Version: unknown", "Modules: audio, power"} {
		if !strings.Contains(string(contents), want) {
			t.Fatalf("crashlog missing %q:\n%s", want, contents)
		}
	}
}

func TestStartAudioUnknownBackend(t *testing.T) {
	backend, err := StartAudio(context.Background(), zap.NewNop().Sugar(), AudioConfig{Backend: "jack"})
	if err == nil || backend != nil {
		t.Fatalf("StartAudio = %v, %v", backend, err)
	}
}
