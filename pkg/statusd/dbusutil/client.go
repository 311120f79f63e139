// Package dbusutil adapts a godbus connection to the property-centric access
// the bus mirrors need: typed property reads, method calls and per-object
// PropertiesChanged subscriptions routed from a single signal channel.
package dbusutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

const (
	propertiesInterface = "org.freedesktop.DBus.Properties"
	propertiesGet       = propertiesInterface + ".Get"
	propertiesChanged   = "PropertiesChanged"

	signalBuffer = 64
	watchBuffer  = 16
)

// PropertiesChanged is one decoded org.freedesktop.DBus.Properties.PropertiesChanged signal.
type PropertiesChanged struct {
	Path        dbus.ObjectPath
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

// PropertyBus is what a mirror needs from one service on the bus.
type PropertyBus interface {
	Get(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error)
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error
	Watch(ctx context.Context, path dbus.ObjectPath, iface string) (tracker.Source[PropertiesChanged], error)
}

type watchKey struct {
	path  dbus.ObjectPath
	iface string
}

// Client talks to a single destination service over a shared connection.
type Client struct {
	logger *zap.SugaredLogger
	conn   *dbus.Conn
	dest   string

	signals chan *dbus.Signal

	mu      sync.Mutex
	watches map[watchKey]map[*Watch]struct{}

	stopOnce sync.Once
	done     chan struct{}
	routed   chan struct{}
}

// NewClient starts routing PropertiesChanged signals of dest. Several clients
// may share one connection.
func NewClient(logger *zap.SugaredLogger, conn *dbus.Conn, dest string) *Client {
	c := newClient(logger, dest)
	c.conn = conn

	conn.Signal(c.signals)
	go c.route()

	return c
}

func newClient(logger *zap.SugaredLogger, dest string) *Client {
	return &Client{
		logger:  logger.Named("dbus"),
		dest:    dest,
		signals: make(chan *dbus.Signal, signalBuffer),
		watches: make(map[watchKey]map[*Watch]struct{}),
		done:    make(chan struct{}),
		routed:  make(chan struct{}),
	}
}

// Get reads a single property.
func (c *Client) Get(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var value dbus.Variant

	call := c.conn.Object(c.dest, path).CallWithContext(ctx, propertiesGet, 0, iface, prop)
	if err := call.Store(&value); err != nil {
		return dbus.Variant{}, fmt.Errorf("get property %s.%s on %s: %w", iface, prop, path, err)
	}

	return value, nil
}

// Call invokes a method and discards its reply.
func (c *Client) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...interface{}) error {
	call := c.conn.Object(c.dest, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return fmt.Errorf("call %s on %s: %w", method, path, call.Err)
	}

	return nil
}

// Watch subscribes to property changes of iface on path.
func (c *Client) Watch(ctx context.Context, path dbus.ObjectPath, iface string) (tracker.Source[PropertiesChanged], error) {
	if !path.IsValid() {
		return nil, fmt.Errorf("watch %s: invalid object path %q", iface, path)
	}

	if err := c.conn.AddMatchSignalContext(ctx, matchOptions(path, iface)...); err != nil {
		return nil, fmt.Errorf("add match for %s on %s: %w", iface, path, err)
	}

	return c.register(path, iface), nil
}

// Close stops routing. Every open watch sees its updates channel closed.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.RemoveSignal(c.signals)
		}
	})

	<-c.routed
}

func (c *Client) register(path dbus.ObjectPath, iface string) *Watch {
	w := &Watch{
		client: c,
		key:    watchKey{path: path, iface: iface},
		ch:     make(chan PropertiesChanged, watchBuffer),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.watches[w.key]
	if !ok {
		set = make(map[*Watch]struct{})
		c.watches[w.key] = set
	}
	set[w] = struct{}{}

	return w
}

func (c *Client) unregister(w *Watch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.watches[w.key]
	delete(set, w)
	if len(set) == 0 {
		delete(c.watches, w.key)
	}
}

func (c *Client) route() {
	defer c.closeWatches()

	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				c.logger.Debugw("Bus connection closed", "destination", c.dest)
				return
			}

			change, ok := parsePropertiesChanged(sig)
			if !ok {
				continue
			}

			c.dispatch(change)
		}
	}
}

func (c *Client) dispatch(change PropertiesChanged) {
	c.mu.Lock()
	targets := make([]*Watch, 0, len(c.watches[watchKey{change.Path, change.Interface}]))
	for w := range c.watches[watchKey{change.Path, change.Interface}] {
		targets = append(targets, w)
	}
	c.mu.Unlock()

	for _, w := range targets {
		select {
		case w.ch <- change:
		case <-w.done:
		case <-c.done:
			return
		}
	}
}

func (c *Client) closeWatches() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, set := range c.watches {
		for w := range set {
			close(w.ch)
		}
		delete(c.watches, key)
	}

	close(c.routed)
}

func parsePropertiesChanged(sig *dbus.Signal) (PropertiesChanged, bool) {
	if sig == nil || sig.Name != propertiesInterface+"."+propertiesChanged || len(sig.Body) < 2 {
		return PropertiesChanged{}, false
	}

	iface, ok := sig.Body[0].(string)
	if !ok {
		return PropertiesChanged{}, false
	}

	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return PropertiesChanged{}, false
	}

	var invalidated []string
	if len(sig.Body) > 2 {
		invalidated, _ = sig.Body[2].([]string)
	}

	return PropertiesChanged{
		Path:        sig.Path,
		Interface:   iface,
		Changed:     changed,
		Invalidated: invalidated,
	}, true
}

func matchOptions(path dbus.ObjectPath, iface string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember(propertiesChanged),
		dbus.WithMatchArg(0, iface),
	}
}

// Watch is a PropertiesChanged subscription for one object interface.
type Watch struct {
	client *Client
	key    watchKey
	ch     chan PropertiesChanged

	once sync.Once
	done chan struct{}
}

// Updates delivers changes in bus order.
func (w *Watch) Updates() <-chan PropertiesChanged {
	return w.ch
}

// Close removes the subscription and its match rule.
func (w *Watch) Close() {
	w.once.Do(func() {
		close(w.done)
		w.client.unregister(w)

		if w.client.conn == nil {
			return
		}

		err := w.client.conn.RemoveMatchSignalContext(context.Background(), matchOptions(w.key.path, w.key.iface)...)
		if err != nil {
			w.client.logger.Debugw("Failed to remove match rule", "path", w.key.path, "error", err)
		}
	})
}
