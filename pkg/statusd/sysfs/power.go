package sysfs

import (
	"context"
	"fmt"
	"time"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
	"github.com/MixyLabs/statusd/pkg/statusd/uevent"
)

const (
	// PowerSubsystem is the udev subsystem of power supplies.
	PowerSubsystem = "power_supply"

	powerClass = "power_supply"

	streamOnline = "ac online"
	streamCharge = "battery charge"
)

// PowerKind is the "type" attribute of a power supply.
type PowerKind int

const (
	PowerUnknown PowerKind = iota
	PowerMains
	PowerBattery
)

// ParsePowerKind maps the type attribute. Only Mains and Battery are told
// apart; USB, UPS and the rest are unknown.
func ParsePowerKind(s string) PowerKind {
	switch s {
	case "Mains":
		return PowerMains
	case "Battery":
		return PowerBattery
	default:
		return PowerUnknown
	}
}

func (k PowerKind) String() string {
	switch k {
	case PowerMains:
		return "mains"
	case PowerBattery:
		return "battery"
	default:
		return "unknown"
	}
}

// PowerDevice is a power supply with its kind.
type PowerDevice struct {
	Device
	Kind PowerKind
}

// ReadPowerDevices lists every power supply. A missing type attribute
// leaves the device unknown.
func ReadPowerDevices(root string) ([]PowerDevice, error) {
	devices, err := ReadDevices(root, powerClass)
	if err != nil {
		return nil, err
	}

	power := make([]PowerDevice, 0, len(devices))
	for _, device := range devices {
		kind := PowerUnknown
		if typ, err := device.ReadString("type"); err == nil {
			kind = ParsePowerKind(typ)
		}

		power = append(power, PowerDevice{Device: device, Kind: kind})
	}

	return power, nil
}

// Mains is an AC adapter.
type Mains struct {
	Device
}

// ReadOnline reports whether the adapter is plugged in.
func (m Mains) ReadOnline() (bool, error) {
	online, err := m.ReadInt("online")
	if err != nil {
		return false, err
	}

	return online == 1, nil
}

// ListenOnline emits the current state, then re-reads it on every udev
// event of the adapter. The stream takes ownership of events.
func (m Mains) ListenOnline(ctx context.Context, logger *zap.SugaredLogger, events tracker.Source[uevent.Event]) tracker.Source[bool] {
	read := func() (bool, bool) {
		online, err := m.ReadOnline()
		if err != nil {
			logger.Warnw("Failed to read adapter state", "stream", streamOnline, "device", m.Name, "error", err)
			return false, false
		}

		return online, true
	}

	return tracker.Produce(ctx, func(ctx context.Context, emit tracker.Emit[bool]) {
		defer events.Close()

		if online, ok := read(); ok && !emit(online) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events.Updates():
				if !ok {
					return
				}
				if ev.Sysname != m.Name {
					continue
				}

				if online, ok := read(); ok && !emit(online) {
					return
				}
			}
		}
	})
}

// Battery is a battery power supply.
type Battery struct {
	Device
}

// ReadCharge returns the charge level between 0 and 1.
func (b Battery) ReadCharge() (float64, error) {
	capacity, err := b.ReadInt("capacity")
	if err != nil {
		return 0, err
	}

	return float64(capacity) / 100, nil
}

// ReadCapacity returns the full energy in watt hours.
func (b Battery) ReadCapacity() (float64, error) {
	energy, err := b.ReadInt("energy_full")
	if err != nil {
		return 0, err
	}

	return float64(energy) / 1e6, nil
}

// ListenCharge polls the charge level, starting immediately, and emits it
// whenever it differs from the last emitted level.
func (b Battery) ListenCharge(ctx context.Context, logger *zap.SugaredLogger, poll time.Duration) tracker.Source[float64] {
	return tracker.Produce(ctx, func(ctx context.Context, emit tracker.Emit[float64]) {
		ticker := time.NewTicker(poll)
		defer ticker.Stop()

		last := -1.0
		for {
			charge, err := b.ReadCharge()
			switch {
			case err != nil:
				logger.Warnw("Failed to read battery charge", "stream", streamCharge, "device", b.Name, "error", err)
			case charge != last:
				last = charge
				if !emit(charge) {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}

// SelectPower picks the adapter and the batteries to follow. An empty ac
// takes the first adapter, empty batteries takes all of them.
func SelectPower(devices []PowerDevice, ac string, batteries []string) (*Mains, []Battery, error) {
	var mains *Mains
	var selected []Battery

	for _, device := range devices {
		switch device.Kind {
		case PowerMains:
			if mains == nil && (ac == "" || ac == device.Name) {
				mains = &Mains{Device: device.Device}
			}
		case PowerBattery:
			if len(batteries) == 0 || funk.ContainsString(batteries, device.Name) {
				selected = append(selected, Battery{Device: device.Device})
			}
		}
	}

	if ac != "" && mains == nil {
		return nil, selected, fmt.Errorf("select adapter %s: %w", ac, ErrNoDevice)
	}

	return mains, selected, nil
}

// BatteryLevel is the last known state of one battery.
type BatteryLevel struct {
	Capacity float64
	Charge   float64
}

// CombinedCharge weighs each charge by the capacity of its battery. Without
// any known capacity every battery counts the same. No batteries means -1.
func CombinedCharge(levels []BatteryLevel) float64 {
	if len(levels) == 0 {
		return -1
	}

	total := 0.0
	for _, l := range levels {
		total += l.Capacity
	}

	charge := 0.0
	for _, l := range levels {
		if total > 0 {
			charge += l.Capacity / total * l.Charge
		} else {
			charge += l.Charge / float64(len(levels))
		}
	}

	return charge
}
