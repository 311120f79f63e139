package main

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/MixyLabs/statusd/pkg/statusd"
	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/process"
)

func writeSupply(t *testing.T, root, name string, attrs map[string]string) {
	t.Helper()

	dir := filepath.Join(root, "power_supply", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for attr, value := range attrs {
		if err := os.WriteFile(filepath.Join(dir, attr), []byte(value+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestParseVolume(t *testing.T) {
	tests := []struct {
		in       string
		want     float32
		relative bool
		wantErr  bool
	}{
		{in: "40", want: 0.4},
		{in: "75%", want: 0.75},
		{in: "+5", want: 0.05, relative: true},
		{in: "-10%", want: -0.1, relative: true},
		{in: "120", wantErr: true},
		{in: "loud", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, relative, err := parseVolume(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseVolume(%q) expected error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseVolume(%q): %v", tt.in, err)
			}
			if relative != tt.relative || got < tt.want-1e-6 || got > tt.want+1e-6 {
				t.Fatalf("parseVolume(%q) = %v, %v", tt.in, got, relative)
			}
		})
	}
}

func TestApplyVolume(t *testing.T) {
	if got := applyVolume([]float32{0.2, 0.4}, 0.5, false); !reflect.DeepEqual(got, []float32{0.5, 0.5}) {
		t.Fatalf("absolute = %v", got)
	}
	if got := applyVolume([]float32{0.25, 0.75}, 0.5, true); !reflect.DeepEqual(got, []float32{0.75, 1}) {
		t.Fatalf("relative = %v", got)
	}
	if got := applyVolume([]float32{0.25}, -0.5, true); !reflect.DeepEqual(got, []float32{0}) {
		t.Fatalf("relative below zero = %v", got)
	}
}

func TestParseSwitch(t *testing.T) {
	tests := []struct {
		in      string
		current bool
		want    bool
		wantErr bool
	}{
		{in: "", current: false, want: true},
		{in: "toggle", current: true, want: false},
		{in: "ON", current: true, want: true},
		{in: "off", current: true, want: false},
		{in: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSwitch(tt.in, tt.current)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSwitch(%q) error = %v", tt.in, err)
			}
			if err == nil && got != tt.want {
				t.Fatalf("parseSwitch(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestAudioStateTarget(t *testing.T) {
	state := audioState{
		sinks:    []audio.NodeState{{Name: "speaker"}, {Name: "headphones"}},
		sources:  []audio.NodeState{{Name: "mic"}},
		defaults: audio.DefaultState{Sink: "speaker", Source: "mic"},
	}

	tests := []struct {
		name    string
		source  bool
		node    string
		want    string
		wantErr bool
	}{
		{name: "default sink", want: "speaker"},
		{name: "named sink", node: "headphones", want: "headphones"},
		{name: "default source", source: true, want: "mic"},
		{name: "sink name as source", source: true, node: "speaker", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := state.target(tt.source, tt.node)
			if (err != nil) != tt.wantErr {
				t.Fatalf("target error = %v", err)
			}
			if err == nil && got.Name != tt.want {
				t.Fatalf("target = %s, want %s", got.Name, tt.want)
			}
		})
	}
}

func TestRenderPower(t *testing.T) {
	root := t.TempDir()
	writeSupply(t, root, "AC", map[string]string{"type": "Mains", "online": "1"})
	writeSupply(t, root, "BAT0", map[string]string{"type": "Battery", "capacity": "50", "energy_full": "40000000"})
	writeSupply(t, root, "BAT1", map[string]string{"type": "Battery", "capacity": "100", "energy_full": "20000000"})

	out, err := renderPower(root, statusd.PowerConfig{})
	if err != nil {
		t.Fatalf("renderPower: %v", err)
	}

	for _, want := range []string{"AC", "online", "BAT0", "50%", "40.0 Wh", "combined", "67%"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderPowerWithoutDevices(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "power_supply"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, err := renderPower(root, statusd.PowerConfig{}); err == nil {
		t.Fatal("expected error without devices")
	}
}

func TestRenderProcesses(t *testing.T) {
	infos := []process.Info{
		{PID: 10, Name: "sway", Cmdline: "sway --unsupported-gpu"},
		{PID: 42, Name: "wf-recorder", Cmdline: "wf-recorder -f out.mp4"},
	}

	out := renderProcesses(infos, "wf-")
	if !strings.Contains(out, "wf-recorder -f out.mp4") || strings.Contains(out, "sway") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestRenderTablePadsRows(t *testing.T) {
	out := renderTable("", []string{"A", "B"}, [][]string{{"only"}}, nil)
	if !strings.Contains(out, "only") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	if renderTable("", nil, nil, nil) != "" {
		t.Fatal("expected empty table without headers")
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}

	for _, want := range []string{"snapshot", "volume", "mute", "default-sink", "default-source", "dnd", "processes", "signal"} {
		found := false
		for _, name := range names {
			if name == want {
				found = true
			}
		}
		if !found {
			t.Fatalf("missing subcommand %q in %v", want, names)
		}
	}
}

func TestSignalCommandRejectsUnknownSignal(t *testing.T) {
	root := newRootCommand()

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"signal", "1", "SIGBOGUS"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for unknown signal")
	}
}

func TestVersionString(t *testing.T) {
	saved := []string{gitCommit, versionTag, buildType}
	t.Cleanup(func() {
		gitCommit, versionTag, buildType = saved[0], saved[1], saved[2]
	})

	tests := []struct {
		commit, tag, build string
		want               string
	}{
		{build: "", tag: "v1.0.0", want: ""},
		{build: "release", want: ""},
		{build: "release", commit: "abc123", want: "release-abc123"},
		{build: "dev", commit: "abc123", tag: "v1.0.0", want: "dev-v1.0.0"},
	}

	for _, tt := range tests {
		gitCommit, versionTag, buildType = tt.commit, tt.tag, tt.build

		if got := versionString(); got != tt.want {
			t.Fatalf("versionString(%+v) = %q, want %q", tt, got, tt.want)
		}
	}
}
