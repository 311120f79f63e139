package statusd

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/thoas/go-funk"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
	"github.com/MixyLabs/statusd/pkg/statusd/mako"
	"github.com/MixyLabs/statusd/pkg/statusd/network"
	"github.com/MixyLabs/statusd/pkg/statusd/process"
	"github.com/MixyLabs/statusd/pkg/statusd/sysfs"
)

var errNoPowerDevices = errors.New("no adapter or battery found")

// module is a running mirror together with its consumers.
type module struct {
	name  string
	close func()
}

// follow applies every update on its own goroutine until the stream ends.
func follow[T any](d *Statusd, updates <-chan T, apply func(T)) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		defer d.recoverFromPanic()

		for v := range updates {
			apply(v)
		}
	}()
}

// startModules starts every configured module. A module that fails is left
// out and the others keep running.
func (d *Statusd) startModules() {
	cfg := d.currConf()

	for _, name := range funk.UniqString(cfg.Modules) {
		m, err := d.startModule(name, cfg)
		if err != nil {
			d.logger.Warnw("Failed to start module", "module", name, "error", err)
			d.notifier.Notify("Module unavailable", fmt.Sprintf("%s: %v", name, err))
			continue
		}

		d.logger.Infow("Started module", "module", name)

		d.mu.Lock()
		d.modules = append(d.modules, m)
		d.mu.Unlock()
	}
}

func (d *Statusd) startModule(name string, cfg Config) (*module, error) {
	switch name {
	case ModuleAudio:
		return d.startAudioModule(cfg)
	case ModuleNetwork:
		return d.startNetworkModule(cfg)
	case ModulePower:
		return d.startPowerModule(cfg)
	case ModuleBacklight:
		return d.startBacklightModule(cfg)
	case ModuleMako:
		return d.startMakoModule(cfg)
	case ModuleProcess:
		return d.startProcessModule(cfg)
	default:
		return nil, fmt.Errorf("unknown module %q", name)
	}
}

func (d *Statusd) startAudioModule(cfg Config) (*module, error) {
	backend, err := StartAudio(d.ctx, d.logger, cfg.Audio)
	if err != nil {
		return nil, err
	}

	sinks := backend.ListenSinks()
	sources := backend.ListenSources()
	defaults := backend.ListenDefaults()

	follow(d, sinks.Updates(), func(nodes []audio.NodeState) {
		d.board.update(func(s *Status) { s.Sinks = nodes })
		d.logger.Debugw("Sinks changed", "count", len(nodes))
	})
	follow(d, sources.Updates(), func(nodes []audio.NodeState) {
		d.board.update(func(s *Status) { s.Sources = nodes })
		d.logger.Debugw("Sources changed", "count", len(nodes))
	})
	follow(d, defaults.Updates(), func(state audio.DefaultState) {
		d.board.update(func(s *Status) { s.Defaults = state })
		d.logger.Infow("Default devices changed", "sink", state.Sink, "source", state.Source)
	})

	d.mu.Lock()
	d.audio = backend
	d.mu.Unlock()

	return &module{name: ModuleAudio, close: func() {
		d.mu.Lock()
		d.audio = nil
		d.mu.Unlock()

		sinks.Close()
		sources.Close()
		defaults.Close()

		if err := backend.Close(); err != nil {
			d.logger.Warnw("Failed to close audio backend", "error", err)
		}
	}}, nil
}

func (d *Statusd) startNetworkModule(cfg Config) (*module, error) {
	nm, err := network.Connect(d.ctx, d.logger)
	if err != nil {
		return nil, err
	}

	primary := nm.ListenPrimaryConnection()
	active := nm.ListenActiveConnections()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.recoverFromPanic()

		d.followNetwork(nm, cfg.Network, primary, active)
	}()

	return &module{name: ModuleNetwork, close: func() {
		primary.Close()
		active.Close()
		nm.Close()
	}}, nil
}

// followNetwork joins the primary path with the active connections and
// keeps one strength subscription bound to the device of the primary.
func (d *Statusd) followNetwork(
	nm *network.NetworkManager,
	cfg NetworkConfig,
	primary *fanout.Subscription[dbus.ObjectPath],
	active *fanout.Subscription[[]network.ActiveConnection],
) {
	var (
		path       dbus.ObjectPath
		conns      []network.ActiveConnection
		device     dbus.ObjectPath
		strength   *fanout.Subscription[float64]
		strengthCh <-chan float64
	)

	defer func() {
		if strength != nil {
			strength.Close()
		}
	}()

	rebind := func() {
		conn, ok := network.FindConnection(conns, path)
		d.board.update(func(s *Status) {
			s.Primary = conn
			s.HasPrimary = ok
		})

		var listen func(dbus.ObjectPath) *fanout.Subscription[float64]
		switch {
		case ok && conn.Kind == network.KindWireless && cfg.WirelessStrength:
			listen = nm.ListenWirelessStrength
		case ok && conn.Kind == network.KindCellular && cfg.CellularStrength:
			listen = nm.ListenCellularStrength
		}

		next := dbus.ObjectPath("")
		if listen != nil {
			next = conn.Device
		}
		if next == device {
			return
		}

		if strength != nil {
			strength.Close()
			strength, strengthCh = nil, nil
		}
		device = next
		d.board.update(func(s *Status) { s.Strength = -1 })

		if device != "" {
			d.logger.Debugw("Following signal strength", "device", network.DescribePath(device))
			strength = listen(device)
			strengthCh = strength.Updates()
		}
	}

	primaryCh, activeCh := primary.Updates(), active.Updates()
	for primaryCh != nil || activeCh != nil {
		select {
		case p, ok := <-primaryCh:
			if !ok {
				primaryCh = nil
				continue
			}

			path = p
			d.logger.Infow("Primary connection changed", "path", network.DescribePath(p))
			rebind()

		case c, ok := <-activeCh:
			if !ok {
				activeCh = nil
				continue
			}

			conns = c
			rebind()

		case v, ok := <-strengthCh:
			if !ok {
				strengthCh = nil
				continue
			}

			d.board.update(func(s *Status) { s.Strength = v })
		}
	}
}

func (d *Statusd) startPowerModule(cfg Config) (*module, error) {
	logger := d.logger.Named("power")
	logger.Info("Reading available power devices from sysfs")

	devices, err := sysfs.ReadPowerDevices(sysfs.DefaultRoot)
	if err != nil {
		return nil, err
	}

	mains, batteries, err := sysfs.SelectPower(devices, cfg.Power.AC, cfg.Power.Batteries)
	if err != nil {
		return nil, err
	}
	if mains == nil && len(batteries) == 0 {
		return nil, errNoPowerDevices
	}

	acName := "<none>"
	if mains != nil {
		acName = mains.Name
	}
	logger.Infow("Using power devices",
		"ac", acName,
		"batteries", funk.Map(batteries, func(b sysfs.Battery) string { return b.Name }))

	var closers []func()

	if mains != nil {
		online := mains.ListenOnline(d.ctx, logger, d.ueventMonitor().Subscribe(sysfs.PowerSubsystem))
		closers = append(closers, online.Close)

		d.board.update(func(s *Status) { s.HasAC = true })

		follow(d, online.Updates(), func(v bool) {
			d.board.update(func(s *Status) { s.ACOnline = v })
			logger.Infow("Adapter state changed", "online", v)
			d.checkLowBattery()
		})
	}

	var levelsMu sync.Mutex
	levels := make([]sysfs.BatteryLevel, len(batteries))
	poll := time.Duration(cfg.Power.PollSeconds) * time.Second

	for i, bat := range batteries {
		capacity, err := bat.ReadCapacity()
		if err != nil {
			logger.Debugw("Battery capacity unknown", "device", bat.Name, "error", err)
		}
		levels[i] = sysfs.BatteryLevel{Capacity: capacity, Charge: -1}

		charge := bat.ListenCharge(d.ctx, logger, poll)
		closers = append(closers, charge.Close)

		follow(d, charge.Updates(), func(v float64) {
			levelsMu.Lock()
			levels[i].Charge = v
			known := funk.Filter(levels, func(l sysfs.BatteryLevel) bool { return l.Charge >= 0 }).([]sysfs.BatteryLevel)
			charges := funk.Map(known, func(l sysfs.BatteryLevel) float64 { return l.Charge }).([]float64)
			levelsMu.Unlock()

			combined := sysfs.CombinedCharge(known)
			d.board.update(func(s *Status) {
				s.Batteries = charges
				s.Charge = combined
			})

			logger.Debugw("Battery charge changed", "device", bat.Name, "charge", v, "combined", combined)
			d.checkLowBattery()
		})
	}

	return &module{name: ModulePower, close: func() {
		for _, c := range closers {
			c()
		}
	}}, nil
}

// checkLowBattery notifies once per discharge below the threshold.
func (d *Statusd) checkLowBattery() {
	threshold := d.currConf().Power.LowBattery
	s := d.board.snapshot()

	low := !(s.HasAC && s.ACOnline) && s.Charge >= 0 && s.Charge < threshold
	if !low {
		d.lowBatteryNotified.Store(false)
		return
	}

	if d.lowBatteryNotified.CompareAndSwap(false, true) {
		d.logger.Warnw("Battery low", "charge", s.Charge, "threshold", threshold)
		d.notifier.Notify("Battery low", fmt.Sprintf("%.0f%% remaining, plug in the charger.", s.Charge*100))
	}
}

func (d *Statusd) startBacklightModule(cfg Config) (*module, error) {
	logger := d.logger.Named("backlight")
	logger.Info("Reading available backlight devices from sysfs")

	backlights, err := sysfs.ReadBacklights(sysfs.DefaultRoot)
	if err != nil {
		return nil, err
	}

	backlight, err := sysfs.SelectBacklight(backlights, cfg.Backlight.Device)
	if err != nil {
		return nil, err
	}

	logger.Infow("Using backlight", "device", backlight.Name)

	brightness := backlight.ListenBrightness(d.ctx, logger, d.ueventMonitor().Subscribe(sysfs.BacklightSubsystem))

	follow(d, brightness.Updates(), func(v float64) {
		d.board.update(func(s *Status) { s.Brightness = v })
		logger.Debugw("Brightness changed", "brightness", v)
	})

	return &module{name: ModuleBacklight, close: brightness.Close}, nil
}

func (d *Statusd) startMakoModule(cfg Config) (*module, error) {
	m, err := mako.Connect(d.ctx, d.logger)
	if err != nil {
		return nil, err
	}

	modes := m.ListenModes()

	follow(d, modes.Updates(), func(active []string) {
		conf := d.currConf().Mako
		reported := funk.IntersectString(active, conf.Modes)
		dnd := funk.ContainsString(active, conf.DndMode)

		d.board.update(func(s *Status) {
			s.Modes = reported
			s.DoNotDisturb = dnd
		})
		d.logger.Infow("Notification modes changed", "modes", reported, "doNotDisturb", dnd)
	})

	d.mu.Lock()
	d.mako = m
	d.mu.Unlock()

	return &module{name: ModuleMako, close: func() {
		d.mu.Lock()
		d.mako = nil
		d.mu.Unlock()

		modes.Close()
		m.Close()
	}}, nil
}

func (d *Statusd) startProcessModule(cfg Config) (*module, error) {
	lister := process.NewLister(d.logger)

	// fail early when procfs is unusable
	if _, err := lister.ReadRunning(); err != nil {
		return nil, err
	}

	running := lister.Listen(d.ctx, time.Duration(cfg.Process.PollSeconds)*time.Second)

	var last []string
	follow(d, running.Updates(), func(infos []process.Info) {
		var labels []string
		for _, indicator := range d.currConf().Process.Indicators {
			if info, ok := process.FindByCmdline(infos, indicator.Cmdline); ok {
				labels = append(labels, fmt.Sprintf("%s (%d)", indicator.Label, info.PID))
			}
		}

		if slices.Equal(labels, last) {
			return
		}
		last = labels

		d.board.update(func(s *Status) { s.Indicators = labels })
		d.logger.Infow("Process indicators changed", "indicators", labels)
	})

	return &module{name: ModuleProcess, close: running.Close}, nil
}
