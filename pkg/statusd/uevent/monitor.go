// Package uevent shares one udev netlink socket between every mirror that
// reacts to kernel device events.
package uevent

import (
	"context"
	"path"
	"sort"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

const subscriptionBuffer = 16

// Event is a udev event reduced to what the mirrors need.
type Event struct {
	Action    string
	Subsystem string
	Sysname   string
	DevPath   string
	Env       map[string]string
}

// Monitor reads udev events for a fixed set of subsystems and hands them to
// per-subsystem subscribers.
type Monitor struct {
	logger     *zap.SugaredLogger
	subsystems []string

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	done    chan struct{}
	running bool
	subs    map[string]map[*subscription]struct{}
}

// NewMonitor creates a monitor for the given subsystems. Nothing is read
// before Start.
func NewMonitor(logger *zap.SugaredLogger, subsystems ...string) *Monitor {
	subsystems = append([]string(nil), subsystems...)
	sort.Strings(subsystems)

	return &Monitor{
		logger:     logger.Named("uevent"),
		subsystems: subsystems,
		subs:       make(map[string]map[*subscription]struct{}),
	}
}

// Start connects the netlink socket. A failed connect is logged and leaves
// the monitor idle; subscribers then only see their initial reads.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warnw("Failed to connect to udev netlink socket, device events unavailable", "error", err)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, conn, m.quit, m.done)

	m.logger.Debugw("Started udev monitor", "subsystems", m.subsystems)

	return nil
}

// Running reports whether the netlink socket is connected.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// Stop closes the socket and ends every subscription.
func (m *Monitor) Stop() {
	m.mu.Lock()
	quit, done, conn := m.quit, m.done, m.conn
	m.quit, m.done, m.conn = nil, nil, nil
	m.running = false
	m.mu.Unlock()

	if quit != nil {
		close(quit)
		<-done
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debugw("Failed to close udev netlink socket", "error", err)
		}
	}

	m.mu.Lock()
	for subsystem, subs := range m.subs {
		for sub := range subs {
			sub.end()
		}
		delete(m.subs, subsystem)
	}
	m.mu.Unlock()
}

// Subscribe follows the events of one subsystem. Subsystems the monitor was
// not created for never deliver anything.
func (m *Monitor) Subscribe(subsystem string) tracker.Source[Event] {
	sub := &subscription{
		monitor:   m,
		subsystem: subsystem,
		ch:        make(chan Event, subscriptionBuffer),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.subs[subsystem]
	if !ok {
		subs = make(map[*subscription]struct{})
		m.subs[subsystem] = subs
	}
	subs[sub] = struct{}{}

	return sub
}

func (m *Monitor) loop(ctx context.Context, conn *netlink.UEventConn, quit, done chan struct{}) {
	defer close(done)

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, buildMatcher(m.subsystems))

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			m.dispatch(fromUEvent(ev))
		case err := <-errs:
			m.logger.Warnw("Failed to read udev event", "error", err)
		}
	}
}

// dispatch never blocks the socket reader. A subscriber that lets its
// buffer fill loses the newest events.
func (m *Monitor) dispatch(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sub := range m.subs[ev.Subsystem] {
		select {
		case sub.ch <- ev:
		default:
			m.logger.Debugw("Dropped udev event for slow subscriber", "subsystem", ev.Subsystem, "sysname", ev.Sysname)
		}
	}
}

func (m *Monitor) unsubscribe(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subs, ok := m.subs[sub.subsystem]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			sub.end()
		}
	}
}

func buildMatcher(subsystems []string) netlink.Matcher {
	rules := &netlink.RuleDefinitions{}
	for _, subsystem := range subsystems {
		rules.AddRule(netlink.RuleDefinition{
			Env: map[string]string{"SUBSYSTEM": "^" + subsystem + "$"},
		})
	}

	return rules
}

func fromUEvent(ev netlink.UEvent) Event {
	devpath := ev.Env["DEVPATH"]
	if devpath == "" {
		devpath = ev.KObj
	}

	return Event{
		Action:    string(ev.Action),
		Subsystem: ev.Env["SUBSYSTEM"],
		Sysname:   sysname(devpath),
		DevPath:   devpath,
		Env:       ev.Env,
	}
}

func sysname(devpath string) string {
	if devpath == "" {
		return ""
	}

	return path.Base(devpath)
}

type subscription struct {
	monitor   *Monitor
	subsystem string
	ch        chan Event
	ended     bool
}

func (s *subscription) Updates() <-chan Event {
	return s.ch
}

func (s *subscription) Close() {
	s.monitor.unsubscribe(s)
}

// end runs with the monitor lock held.
func (s *subscription) end() {
	if !s.ended {
		s.ended = true
		close(s.ch)
	}
}
