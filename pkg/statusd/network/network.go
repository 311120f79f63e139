// Package network mirrors NetworkManager connection state and the signal
// strength of the device behind a connection (access point or modem).
package network

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/dbusutil"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"

	activeInterface      = "org.freedesktop.NetworkManager.Connection.Active"
	deviceInterface      = "org.freedesktop.NetworkManager.Device"
	wirelessInterface    = "org.freedesktop.NetworkManager.Device.Wireless"
	accessPointInterface = "org.freedesktop.NetworkManager.AccessPoint"

	mmService       = "org.freedesktop.ModemManager1"
	modemInterface  = "org.freedesktop.ModemManager1.Modem"
	streamPrimary   = "nm primary connection"
	streamActive    = "nm active connections"
	streamWireless  = "nm wireless strength"
	streamCellular  = "mm cellular strength"
	strengthDivisor = 100.0
)

// NetworkManager is a handle to the mirrored NetworkManager state. Streams are
// started on first use and shared between listeners.
type NetworkManager struct {
	logger *zap.SugaredLogger

	nm     dbusutil.PropertyBus
	modems dbusutil.PropertyBus
	closer func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	primary  *fanout.Feed[dbus.ObjectPath]
	active   *tracker.Tracker[dbus.ObjectPath, ActiveConnection]
	wireless map[dbus.ObjectPath]*tracker.Selector[dbus.ObjectPath, float64]
	cellular map[dbus.ObjectPath]*tracker.Selector[dbus.ObjectPath, float64]
}

// Connect attaches to NetworkManager on the system bus. Failing to reach
// NetworkManager is the only error surfaced to the caller.
func Connect(ctx context.Context, logger *zap.SugaredLogger) (*NetworkManager, error) {
	logger = logger.Named("nm")

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		logger.Warnw("Failed to connect to system bus", "error", err)
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	nm := dbusutil.NewClient(logger, conn, nmService)
	modems := dbusutil.NewClient(logger, conn, mmService)

	closer := func() {
		nm.Close()
		modems.Close()
		if err := conn.Close(); err != nil {
			logger.Debugw("Failed to close system bus connection", "error", err)
		}
	}

	version, err := dbusutil.Property[string](ctx, nm, nmPath, nmInterface, "Version")
	if err != nil {
		closer()
		logger.Warnw("NetworkManager is not reachable", "error", err)
		return nil, fmt.Errorf("read NetworkManager version: %w", err)
	}

	logger.Debugw("Connected to NetworkManager", "version", version)

	return newNetworkManager(logger, nm, modems, closer), nil
}

func newNetworkManager(logger *zap.SugaredLogger, nm, modems dbusutil.PropertyBus, closer func()) *NetworkManager {
	ctx, cancel := context.WithCancel(context.Background())

	return &NetworkManager{
		logger:   logger,
		nm:       nm,
		modems:   modems,
		closer:   closer,
		ctx:      ctx,
		cancel:   cancel,
		wireless: make(map[dbus.ObjectPath]*tracker.Selector[dbus.ObjectPath, float64]),
		cellular: make(map[dbus.ObjectPath]*tracker.Selector[dbus.ObjectPath, float64]),
	}
}

// Close stops every stream and releases the bus.
func (n *NetworkManager) Close() {
	n.cancel()
	n.wg.Wait()

	if n.closer != nil {
		n.closer()
	}
}

func (n *NetworkManager) spawn(stream string, run func(ctx context.Context) error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		if err := run(n.ctx); err != nil && n.ctx.Err() == nil {
			n.logger.Warnw("Stream ended", "stream", stream, "error", err)
		}
	}()
}

// ListenPrimaryConnection follows the path of the primary connection. An
// empty path means there is none.
func (n *NetworkManager) ListenPrimaryConnection() *fanout.Subscription[dbus.ObjectPath] {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.primary == nil {
		n.primary = fanout.NewFeed[dbus.ObjectPath](n.logger, streamPrimary)
		feed := n.primary
		n.spawn(streamPrimary, func(ctx context.Context) error {
			return n.runPrimary(ctx, feed)
		})
	}

	return n.primary.Listen()
}

func (n *NetworkManager) runPrimary(ctx context.Context, feed *fanout.Feed[dbus.ObjectPath]) error {
	defer feed.Close()

	watch, err := n.nm.Watch(ctx, nmPath, nmInterface)
	if err != nil {
		return fmt.Errorf("watch primary connection: %w", err)
	}
	defer watch.Close()

	var current dbus.ObjectPath

	path, err := dbusutil.Property[dbus.ObjectPath](ctx, n.nm, nmPath, nmInterface, "PrimaryConnection")
	if err != nil {
		n.logger.Warnw("Failed to read primary connection", "stream", streamPrimary, "error", err)
	} else {
		current = normalize(path)
		if !feed.Send(current) {
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

			path, present, err := dbusutil.Changed[dbus.ObjectPath](change, "PrimaryConnection")
			if err != nil {
				n.logger.Warnw("Failed to get new primary connection path", "stream", streamPrimary, "error", err)
				continue
			}
			if !present {
				continue
			}

			current = normalize(path)
			if !feed.Send(current) {
				return nil
			}

		case <-feed.RefreshRequests():
			if !feed.Send(current) {
				return nil
			}
		}
	}
}

func normalize(path dbus.ObjectPath) dbus.ObjectPath {
	if IsSentinel(path) {
		return ""
	}

	return path
}

// ListenActiveConnections mirrors all active connections.
func (n *NetworkManager) ListenActiveConnections() *fanout.Subscription[[]ActiveConnection] {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active == nil {
		n.active = tracker.New[dbus.ObjectPath, ActiveConnection](n.logger, streamActive, n.trackConnection)
		active := n.active
		n.spawn(streamActive, func(ctx context.Context) error {
			return n.runActive(ctx, active)
		})
	}

	return n.active.Listen()
}

func (n *NetworkManager) runActive(ctx context.Context, active *tracker.Tracker[dbus.ObjectPath, ActiveConnection]) error {
	watch, err := n.nm.Watch(ctx, nmPath, nmInterface)
	if err != nil {
		return fmt.Errorf("watch active connections: %w", err)
	}
	defer watch.Close()

	paths, err := dbusutil.Property[[]dbus.ObjectPath](ctx, n.nm, nmPath, nmInterface, "ActiveConnections")
	if err != nil {
		n.logger.Warnw("Failed to read active connections", "stream", streamActive, "error", err)
	} else {
		active.Reconcile(ctx, paths)
	}

	structural := make(chan []dbus.ObjectPath)
	go func() {
		defer close(structural)

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

			paths, present, err := dbusutil.Changed[[]dbus.ObjectPath](change, "ActiveConnections")
			if err != nil {
				n.logger.Warnw("Failed to get new active connections", "stream", streamActive, "error", err)
				continue
			}
			if !present {
				continue
			}

			select {
			case structural <- paths:
			case <-ctx.Done():
				return
			}
		}
	}()

	return active.Run(ctx, structural)
}

func (n *NetworkManager) trackConnection(ctx context.Context, path dbus.ObjectPath) (tracker.Source[ActiveConnection], ActiveConnection, error) {
	if IsSentinel(path) {
		return nil, ActiveConnection{}, fmt.Errorf("bind active connection: empty path")
	}

	watch, err := n.nm.Watch(ctx, path, activeInterface)
	if err != nil {
		return nil, ActiveConnection{}, fmt.Errorf("bind active connection: %w", err)
	}

	state, err := dbusutil.Property[uint32](ctx, n.nm, path, activeInterface, "State")
	if err != nil {
		watch.Close()
		return nil, ActiveConnection{}, fmt.Errorf("bind active connection: %w", err)
	}

	initial := ActiveConnection{Path: path, State: ParseState(state)}

	if initial.Name, err = dbusutil.Property[string](ctx, n.nm, path, activeInterface, "Id"); err != nil {
		n.logger.Warnw("Failed to read connection name", "stream", streamActive, "path", DescribePath(path), "error", err)
	}

	if initial.Type, err = dbusutil.Property[string](ctx, n.nm, path, activeInterface, "Type"); err != nil {
		n.logger.Warnw("Failed to read connection type", "stream", streamActive, "path", DescribePath(path), "error", err)
	}
	initial.Kind = ParseKind(initial.Type)

	devices, err := dbusutil.Property[[]dbus.ObjectPath](ctx, n.nm, path, activeInterface, "Devices")
	if err != nil {
		n.logger.Warnw("Failed to read connection devices", "stream", streamActive, "path", DescribePath(path), "error", err)
	}
	initial.Device = firstDevice(devices)

	n.logger.Debugw("Tracking connection", "path", DescribePath(path), "name", initial.Name)

	return dbusutil.Fold[ActiveConnection](watch, initial, n.applyConnectionChange), initial, nil
}

// applyConnectionChange updates only the fields carried by change. A field
// that fails to decode keeps its previous value.
func (n *NetworkManager) applyConnectionChange(state ActiveConnection, change dbusutil.PropertiesChanged) (ActiveConnection, bool) {
	next := state

	if name, ok, err := dbusutil.Changed[string](change, "Id"); err != nil {
		n.logChangeFailure(state.Path, "Id", err)
	} else if ok {
		next.Name = name
	}

	if kind, ok, err := dbusutil.Changed[string](change, "Type"); err != nil {
		n.logChangeFailure(state.Path, "Type", err)
	} else if ok {
		next.Type = kind
		next.Kind = ParseKind(kind)
	}

	if code, ok, err := dbusutil.Changed[uint32](change, "State"); err != nil {
		n.logChangeFailure(state.Path, "State", err)
	} else if ok {
		next.State = ParseState(code)
	}

	if devices, ok, err := dbusutil.Changed[[]dbus.ObjectPath](change, "Devices"); err != nil {
		n.logChangeFailure(state.Path, "Devices", err)
	} else if ok {
		next.Device = firstDevice(devices)
	}

	return next, next != state
}

func (n *NetworkManager) logChangeFailure(path dbus.ObjectPath, prop string, err error) {
	n.logger.Warnw("Failed to read changed property", "stream", streamActive,
		"path", DescribePath(path), "property", prop, "error", err)
}
