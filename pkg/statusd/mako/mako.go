// Package mako mirrors the active modes of the mako notification daemon.
package mako

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/dbusutil"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

const (
	service   = "org.freedesktop.Notifications"
	path      = dbus.ObjectPath("/fr/emersion/Mako")
	iface     = "fr.emersion.Mako"
	setModes  = iface + ".SetModes"
	stream    = "mako modes"
	modesProp = "Modes"
)

// Mako is a handle to the mirrored mode list.
type Mako struct {
	logger *zap.SugaredLogger
	bus    dbusutil.PropertyBus
	closer func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	once  sync.Once
	modes *fanout.Feed[[]string]
}

// Connect attaches to mako on the session bus.
func Connect(ctx context.Context, logger *zap.SugaredLogger) (*Mako, error) {
	logger = logger.Named("mako")
	logger.Debug("Connecting to mako")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		logger.Warnw("Failed to connect to session bus", "error", err)
		return nil, fmt.Errorf("connect to session bus: %w", err)
	}

	client := dbusutil.NewClient(logger, conn, service)
	closer := func() {
		client.Close()
		if err := conn.Close(); err != nil {
			logger.Debugw("Failed to close session bus connection", "error", err)
		}
	}

	if _, err := dbusutil.Property[[]string](ctx, client, path, iface, modesProp); err != nil {
		closer()
		logger.Warnw("Mako is not reachable", "error", err)
		return nil, fmt.Errorf("read mako modes: %w", err)
	}

	return newMako(logger, client, closer), nil
}

func newMako(logger *zap.SugaredLogger, bus dbusutil.PropertyBus, closer func()) *Mako {
	ctx, cancel := context.WithCancel(context.Background())

	return &Mako{
		logger: logger,
		bus:    bus,
		closer: closer,
		ctx:    ctx,
		cancel: cancel,
		modes:  fanout.NewFeed[[]string](logger, stream),
	}
}

// ListenModes follows the list of active modes.
func (m *Mako) ListenModes() *fanout.Subscription[[]string] {
	m.once.Do(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()

			if err := m.run(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Warnw("Stream ended", "stream", stream, "error", err)
			}
		}()
	})

	return m.modes.Listen()
}

func (m *Mako) run(ctx context.Context) error {
	defer m.modes.Close()

	watch, err := m.bus.Watch(ctx, path, iface)
	if err != nil {
		return fmt.Errorf("watch mako modes: %w", err)
	}
	defer watch.Close()

	var current []string
	var known bool

	modes, err := dbusutil.Property[[]string](ctx, m.bus, path, iface, modesProp)
	if err != nil {
		m.logger.Warnw("Failed to read modes", "stream", stream, "error", err)
	} else {
		current, known = modes, true
		if !m.modes.Send(current) {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case change, ok := <-watch.Updates():
			if !ok {
				return nil
			}

			modes, present, err := dbusutil.Changed[[]string](change, modesProp)
			if err != nil {
				m.logger.Warnw("Failed to get new modes", "stream", stream, "error", err)
				continue
			}
			if !present {
				continue
			}

			current, known = modes, true
			if !m.modes.Send(current) {
				return nil
			}

		case <-m.modes.RefreshRequests():
			if known && !m.modes.Send(current) {
				return nil
			}
		}
	}
}

// Modes reads the active modes directly.
func (m *Mako) Modes(ctx context.Context) ([]string, error) {
	modes, err := dbusutil.Property[[]string](ctx, m.bus, path, iface, modesProp)
	if err != nil {
		return nil, fmt.Errorf("read mako modes: %w", err)
	}

	return modes, nil
}

// SetModes replaces the active modes. Duplicates are dropped.
func (m *Mako) SetModes(ctx context.Context, modes []string) error {
	modes = funk.UniqString(modes)

	if err := m.bus.Call(ctx, path, setModes, modes); err != nil {
		m.logger.Warnw("Failed to set modes", "modes", modes, "error", err)
		return fmt.Errorf("set mako modes: %w", err)
	}

	m.logger.Debugw("Set modes", "modes", modes)

	return nil
}

// EnableMode adds mode to the active modes.
func (m *Mako) EnableMode(ctx context.Context, mode string) error {
	modes, err := m.Modes(ctx)
	if err != nil {
		return err
	}

	if funk.ContainsString(modes, mode) {
		return nil
	}

	return m.SetModes(ctx, append(modes, mode))
}

// DisableMode removes mode from the active modes.
func (m *Mako) DisableMode(ctx context.Context, mode string) error {
	modes, err := m.Modes(ctx)
	if err != nil {
		return err
	}

	if !funk.ContainsString(modes, mode) {
		return nil
	}

	return m.SetModes(ctx, funk.FilterString(modes, func(s string) bool { return s != mode }))
}

// ToggleMode flips mode and reports whether it is now active.
func (m *Mako) ToggleMode(ctx context.Context, mode string) (bool, error) {
	modes, err := m.Modes(ctx)
	if err != nil {
		return false, err
	}

	if funk.ContainsString(modes, mode) {
		return false, m.DisableMode(ctx, mode)
	}

	return true, m.EnableMode(ctx, mode)
}

// Close stops the mirror and releases the bus.
func (m *Mako) Close() {
	m.cancel()
	m.wg.Wait()
	m.modes.Close()

	if m.closer != nil {
		m.closer()
	}
}
