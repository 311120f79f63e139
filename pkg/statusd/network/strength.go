package network

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/MixyLabs/statusd/pkg/statusd/dbusutil"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

// strengthSession follows the strength property of one access point or modem.
type strengthSession struct {
	tracker.Source[float64]

	current func(ctx context.Context) (float64, error)
}

func (s *strengthSession) Current(ctx context.Context) (float64, error) {
	return s.current(ctx)
}

// ListenWirelessStrength follows the signal strength of the access point that
// device is currently associated with. The device must be a wireless device,
// otherwise the stream stays silent.
func (n *NetworkManager) ListenWirelessStrength(device dbus.ObjectPath) *fanout.Subscription[float64] {
	n.mu.Lock()
	defer n.mu.Unlock()

	sel, ok := n.wireless[device]
	if !ok {
		sel = tracker.NewSelector[dbus.ObjectPath, float64](n.logger, streamWireless, n.bindAccessPoint, IsSentinel)
		n.wireless[device] = sel
		n.spawn(streamWireless, func(ctx context.Context) error {
			return n.runStrength(ctx, sel, device, wirelessInterface, "ActiveAccessPoint", streamWireless)
		})
	}

	return sel.Listen()
}

// ListenCellularStrength follows the signal quality of the modem ModemManager
// exposes for device. It only produces values while ModemManager runs.
func (n *NetworkManager) ListenCellularStrength(device dbus.ObjectPath) *fanout.Subscription[float64] {
	n.mu.Lock()
	defer n.mu.Unlock()

	sel, ok := n.cellular[device]
	if !ok {
		sel = tracker.NewSelector[dbus.ObjectPath, float64](n.logger, streamCellular, n.bindModem, IsSentinel)
		n.cellular[device] = sel
		n.spawn(streamCellular, func(ctx context.Context) error {
			return n.runStrength(ctx, sel, device, deviceInterface, "Udi", streamCellular)
		})
	}

	return sel.Listen()
}

// runStrength feeds the selector with the object path stored in prop of
// device, which names the currently active access point or modem.
func (n *NetworkManager) runStrength(
	ctx context.Context,
	sel *tracker.Selector[dbus.ObjectPath, float64],
	device dbus.ObjectPath,
	iface, prop, stream string,
) error {
	watch, err := n.nm.Watch(ctx, device, iface)
	if err != nil {
		n.logger.Warnw("Failed to bind to device", "stream", stream, "device", DescribePath(device), "error", err)
		return fmt.Errorf("watch device: %w", err)
	}
	defer watch.Close()

	initial, err := activeObject(ctx, n.nm, device, iface, prop)
	if err != nil {
		n.logger.Warnw("Failed to read initial active object", "stream", stream, "device", DescribePath(device), "error", err)
	}

	changes := make(chan dbus.ObjectPath)
	go func() {
		defer close(changes)

		for {
			var change dbusutil.PropertiesChanged
			select {
			case <-ctx.Done():
				return
			case c, ok := <-watch.Updates():
				if !ok {
					return
				}
				change = c
			}

			path, present, err := changedObject(change, prop)
			if err != nil {
				n.logger.Warnw("Failed to read new active object", "stream", stream, "error", err)
				continue
			}
			if !present {
				continue
			}

			select {
			case changes <- path:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sel.Run(ctx, initial, changes)
}

// activeObject reads a property holding an object path. Udi is a plain
// string on the bus, everything else is an object path.
func activeObject(ctx context.Context, bus dbusutil.PropertyBus, path dbus.ObjectPath, iface, prop string) (dbus.ObjectPath, error) {
	if prop == "Udi" {
		udi, err := dbusutil.Property[string](ctx, bus, path, iface, prop)
		return trimPath(udi), err
	}

	return dbusutil.Property[dbus.ObjectPath](ctx, bus, path, iface, prop)
}

func changedObject(change dbusutil.PropertiesChanged, prop string) (dbus.ObjectPath, bool, error) {
	if prop == "Udi" {
		udi, ok, err := dbusutil.Changed[string](change, prop)
		return trimPath(udi), ok, err
	}

	return dbusutil.Changed[dbus.ObjectPath](change, prop)
}

func (n *NetworkManager) bindAccessPoint(ctx context.Context, ap dbus.ObjectPath) (tracker.Session[float64], error) {
	n.logger.Debugw("Tracking access point for signal strength", "path", DescribePath(ap))

	watch, err := n.nm.Watch(ctx, ap, accessPointInterface)
	if err != nil {
		return nil, fmt.Errorf("bind to access point: %w", err)
	}

	reduce := func(state float64, change dbusutil.PropertiesChanged) (float64, bool) {
		strength, ok, err := dbusutil.Changed[uint8](change, "Strength")
		if err != nil {
			n.logger.Warnw("Failed to read new strength", "stream", streamWireless, "error", err)
			return state, false
		}
		if !ok {
			return state, false
		}

		return float64(strength) / strengthDivisor, true
	}

	return &strengthSession{
		Source: dbusutil.Fold[float64](watch, -1, reduce),
		current: func(ctx context.Context) (float64, error) {
			strength, err := dbusutil.Property[uint8](ctx, n.nm, ap, accessPointInterface, "Strength")
			if err != nil {
				return 0, fmt.Errorf("read access point strength: %w", err)
			}

			return float64(strength) / strengthDivisor, nil
		},
	}, nil
}

func (n *NetworkManager) bindModem(ctx context.Context, modem dbus.ObjectPath) (tracker.Session[float64], error) {
	n.logger.Debugw("Tracking modem for signal strength", "path", DescribePath(modem))

	watch, err := n.modems.Watch(ctx, modem, modemInterface)
	if err != nil {
		return nil, fmt.Errorf("bind to modem: %w", err)
	}

	reduce := func(state float64, change dbusutil.PropertiesChanged) (float64, bool) {
		v, ok := change.Changed["SignalQuality"]
		if !ok {
			return state, false
		}

		quality, err := signalQuality(v)
		if err != nil {
			n.logger.Warnw("Failed to read new signal quality", "stream", streamCellular, "error", err)
			return state, false
		}

		return quality, true
	}

	return &strengthSession{
		Source: dbusutil.Fold[float64](watch, -1, reduce),
		current: func(ctx context.Context) (float64, error) {
			v, err := n.modems.Get(ctx, modem, modemInterface, "SignalQuality")
			if err != nil {
				return 0, fmt.Errorf("read modem signal quality: %w", err)
			}

			return signalQuality(v)
		},
	}, nil
}

// signalQuality decodes the (ub) quality/recent pair ModemManager reports.
func signalQuality(v dbus.Variant) (float64, error) {
	fields, ok := v.Value().([]interface{})
	if !ok || len(fields) == 0 {
		return 0, fmt.Errorf("decode signal quality: unexpected value %v", v)
	}

	quality, ok := fields[0].(uint32)
	if !ok {
		return 0, fmt.Errorf("decode signal quality: unexpected quality %T", fields[0])
	}

	return float64(quality) / strengthDivisor, nil
}
