package uevent

import (
	"testing"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

func TestBuildMatcher(t *testing.T) {
	matcher := buildMatcher([]string{"backlight", "power_supply"})

	tests := []struct {
		name      string
		subsystem string
		want      bool
	}{
		{"power supply", "power_supply", true},
		{"backlight", "backlight", true},
		{"other subsystem", "block", false},
		{"prefix only", "power", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := netlink.UEvent{
				Action: netlink.CHANGE,
				KObj:   "/devices/virtual/x",
				Env:    map[string]string{"SUBSYSTEM": tt.subsystem},
			}
			if got := matcher.Evaluate(ev); got != tt.want {
				t.Fatalf("Evaluate(%s) = %v, want %v", tt.subsystem, got, tt.want)
			}
		})
	}
}

func TestFromUEvent(t *testing.T) {
	ev := fromUEvent(netlink.UEvent{
		Action: netlink.CHANGE,
		KObj:   "/devices/LNXSYSTM:00/LNXSYBUS:00/ACPI0003:00/power_supply/AC",
		Env: map[string]string{
			"SUBSYSTEM": "power_supply",
			"DEVPATH":   "/devices/LNXSYSTM:00/LNXSYBUS:00/ACPI0003:00/power_supply/AC",
		},
	})

	if ev.Action != "change" || ev.Subsystem != "power_supply" || ev.Sysname != "AC" {
		t.Fatalf("event = %+v", ev)
	}

	if got := sysname(""); got != "" {
		t.Fatalf("sysname of empty path = %q", got)
	}
}

func TestDispatchBySubsystem(t *testing.T) {
	m := NewMonitor(zap.NewNop().Sugar(), "power_supply", "backlight")

	power := m.Subscribe("power_supply")
	backlight := m.Subscribe("backlight")

	m.dispatch(Event{Subsystem: "power_supply", Sysname: "BAT0"})

	select {
	case ev := <-power.Updates():
		if ev.Sysname != "BAT0" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("power_supply subscriber got nothing")
	}

	select {
	case ev := <-backlight.Updates():
		t.Fatalf("backlight subscriber got %+v", ev)
	default:
	}

	power.Close()
	power.Close()
	if _, ok := <-power.Updates(); ok {
		t.Fatal("closed subscription still open")
	}

	// dispatching after a close must not panic
	m.dispatch(Event{Subsystem: "power_supply", Sysname: "BAT0"})

	m.Stop()
	if _, ok := <-backlight.Updates(); ok {
		t.Fatal("Stop left subscription open")
	}
}

func TestDispatchDropsWhenFull(t *testing.T) {
	m := NewMonitor(zap.NewNop().Sugar(), "backlight")
	sub := m.Subscribe("backlight")
	defer m.Stop()

	for i := 0; i < subscriptionBuffer+4; i++ {
		m.dispatch(Event{Subsystem: "backlight"})
	}

	if got := len(sub.Updates()); got != subscriptionBuffer {
		t.Fatalf("buffered = %d, want %d", got, subscriptionBuffer)
	}
}
