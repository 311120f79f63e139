// Package pulse mirrors sinks, sources and the default devices through the
// PulseAudio protocol. It serves as the fallback audio backend and also works
// against pipewire-pulse.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

const (
	streamSinks    = "pulse sinks"
	streamSources  = "pulse sources"
	streamDefaults = "pulse defaults"
)

// ErrClosed is returned by commands after Close.
var ErrClosed = errors.New("pulse backend closed")

// requester is the part of proto.Client the backend uses.
type requester interface {
	Request(req proto.RequestArgs, rpl proto.Reply) error
}

// Backend implements audio.Backend on a PulseAudio connection.
type Backend struct {
	logger *zap.SugaredLogger

	client requester
	conn   net.Conn

	sinks    *fanout.Feed[[]audio.NodeState]
	sources  *fanout.Feed[[]audio.NodeState]
	defaults *fanout.Feed[audio.DefaultState]

	// dirty marks collect subscription events until the worker catches up
	sinkDirty   chan struct{}
	sourceDirty chan struct{}
	serverDirty chan struct{}
	trigger     chan struct{}

	mu           sync.Mutex
	lastSinks    []audio.NodeState
	lastSources  []audio.NodeState
	lastDefaults audio.DefaultState

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ audio.Backend = (*Backend)(nil)

// Connect opens a connection to server (empty for the default) and starts
// mirroring.
func Connect(ctx context.Context, logger *zap.SugaredLogger, server string) (*Backend, error) {
	logger = logger.Named("pulse")

	client, conn, err := proto.Connect(server)
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("statusd"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set PulseAudio client name: %w", err)
	}

	b := newBackend(logger, client, conn)

	client.Callback = func(msg interface{}) {
		if ev, ok := msg.(*proto.SubscribeEvent); ok {
			b.markDirty(ev.Event)
		}
	}

	mask := proto.SubscriptionMaskSink | proto.SubscriptionMaskSource | proto.SubscriptionMaskServer
	if err := client.Request(&proto.Subscribe{Mask: mask}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio events: %w", err)
	}

	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	// the first pass fills the caches before anyone listens
	b.refreshSinks()
	b.refreshSources()
	b.refreshServer()

	go b.run()

	logger.Debug("Created PulseAudio backend")

	return b, nil
}

func newBackend(logger *zap.SugaredLogger, client requester, conn net.Conn) *Backend {
	return &Backend{
		logger:       logger,
		client:       client,
		conn:         conn,
		sinks:        fanout.NewFeed[[]audio.NodeState](logger, streamSinks),
		sources:      fanout.NewFeed[[]audio.NodeState](logger, streamSources),
		defaults:     fanout.NewFeed[audio.DefaultState](logger, streamDefaults),
		sinkDirty:    make(chan struct{}, 1),
		sourceDirty:  make(chan struct{}, 1),
		serverDirty:  make(chan struct{}, 1),
		trigger:      make(chan struct{}, 1),
		lastSinks:    []audio.NodeState{},
		lastSources:  []audio.NodeState{},
		lastDefaults: audio.NewDefaultState(),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// markDirty runs on the reading goroutine of the client, so it must not
// issue requests itself.
func (b *Backend) markDirty(event proto.SubscriptionEventType) {
	switch event & proto.EventFacilityMask {
	case proto.EventSink:
		signal(b.sinkDirty)
	case proto.EventSource:
		signal(b.sourceDirty)
	case proto.EventServer:
		signal(b.serverDirty)
	}
}

func (b *Backend) run() {
	defer close(b.done)
	defer b.sinks.Close()
	defer b.sources.Close()
	defer b.defaults.Close()

	for {
		select {
		case <-b.stop:
			return
		case <-b.sinkDirty:
			b.refreshSinks()
		case <-b.sourceDirty:
			b.refreshSources()
		case <-b.serverDirty:
			// a default change may also rename what the server reports
			b.refreshServer()
		case <-b.trigger:
			b.publishSinks()
			b.publishSources()
			b.publishDefaults()
		case <-b.sinks.RefreshRequests():
			b.publishSinks()
		case <-b.sources.RefreshRequests():
			b.publishSources()
		case <-b.defaults.RefreshRequests():
			b.publishDefaults()
		}
	}
}

func (b *Backend) refreshSinks() {
	reply := proto.GetSinkInfoListReply{}
	if err := b.client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		b.logger.Warnw("Failed to get sink list", "stream", streamSinks, "error", err)
		return
	}

	states := sinkStates(reply)

	b.mu.Lock()
	changed := !equalStates(states, b.lastSinks)
	b.lastSinks = states
	b.mu.Unlock()

	if changed {
		b.publishSinks()
	}
}

func (b *Backend) refreshSources() {
	reply := proto.GetSourceInfoListReply{}
	if err := b.client.Request(&proto.GetSourceInfoList{}, &reply); err != nil {
		b.logger.Warnw("Failed to get source list", "stream", streamSources, "error", err)
		return
	}

	states := sourceStates(reply)

	b.mu.Lock()
	changed := !equalStates(states, b.lastSources)
	b.lastSources = states
	b.mu.Unlock()

	if changed {
		b.publishSources()
	}
}

func (b *Backend) refreshServer() {
	reply := proto.GetServerInfoReply{}
	if err := b.client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		b.logger.Warnw("Failed to get server info", "stream", streamDefaults, "error", err)
		return
	}

	state := defaultsFromServer(&reply)

	b.mu.Lock()
	changed := state != b.lastDefaults
	b.lastDefaults = state
	b.mu.Unlock()

	if changed {
		b.publishDefaults()
	}
}

func (b *Backend) publishSinks() {
	b.mu.Lock()
	states := cloneStates(b.lastSinks)
	b.mu.Unlock()

	b.sinks.Send(states)
}

func (b *Backend) publishSources() {
	b.mu.Lock()
	states := cloneStates(b.lastSources)
	b.mu.Unlock()

	b.sources.Send(states)
}

func (b *Backend) publishDefaults() {
	b.mu.Lock()
	state := b.lastDefaults
	b.mu.Unlock()

	b.defaults.Send(state)
}

// ListenSinks follows the list of sinks.
func (b *Backend) ListenSinks() *fanout.Subscription[[]audio.NodeState] {
	return b.sinks.Listen()
}

// ListenSources follows the list of sources, without monitors.
func (b *Backend) ListenSources() *fanout.Subscription[[]audio.NodeState] {
	return b.sources.Listen()
}

// ListenDefaults follows the default sink and source.
func (b *Backend) ListenDefaults() *fanout.Subscription[audio.DefaultState] {
	return b.defaults.Listen()
}

// lookup resolves name against the cached lists. Sinks win over sources.
func (b *Backend) lookup(name string) (audio.NodeState, audio.Class, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n, ok := audio.FindNode(b.lastSinks, name); ok {
		return n, audio.ClassSink, nil
	}
	if n, ok := audio.FindNode(b.lastSources, name); ok {
		return n, audio.ClassSource, nil
	}

	return audio.NodeState{}, 0, fmt.Errorf("lookup %s: %w", name, audio.ErrNodeNotFound)
}

func (b *Backend) closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// SetVolume sets the perceptual volume of each channel of the named node.
func (b *Backend) SetVolume(name string, volume []float32) error {
	if b.closed() {
		return ErrClosed
	}

	node, class, err := b.lookup(name)
	if err != nil {
		b.logger.Warnw("Cannot set volume", "name", name, "error", err)
		return err
	}

	volumes := toChannelVolumes(volume)

	var request proto.RequestArgs
	if class == audio.ClassSink {
		request = &proto.SetSinkVolume{SinkIndex: node.ID, ChannelVolumes: volumes}
	} else {
		request = &proto.SetSourceVolume{SourceIndex: node.ID, ChannelVolumes: volumes}
	}

	if err := b.client.Request(request, nil); err != nil {
		b.logger.Warnw("Failed to set volume", "name", name, "error", err)
		return fmt.Errorf("set volume of %s: %w", name, err)
	}

	return nil
}

// SetMute mutes or unmutes the named node.
func (b *Backend) SetMute(name string, mute bool) error {
	if b.closed() {
		return ErrClosed
	}

	node, class, err := b.lookup(name)
	if err != nil {
		b.logger.Warnw("Cannot set mute", "name", name, "error", err)
		return err
	}

	var request proto.RequestArgs
	if class == audio.ClassSink {
		request = &proto.SetSinkMute{SinkIndex: node.ID, Mute: mute}
	} else {
		request = &proto.SetSourceMute{SourceIndex: node.ID, Mute: mute}
	}

	if err := b.client.Request(request, nil); err != nil {
		b.logger.Warnw("Failed to set mute", "name", name, "error", err)
		return fmt.Errorf("set mute of %s: %w", name, err)
	}

	return nil
}

// SetDefaultSink selects the default sink.
func (b *Backend) SetDefaultSink(name string) error {
	if b.closed() {
		return ErrClosed
	}

	if err := b.client.Request(&proto.SetDefaultSink{SinkName: name}, nil); err != nil {
		b.logger.Warnw("Failed to set default sink", "name", name, "error", err)
		return fmt.Errorf("set default sink %s: %w", name, err)
	}

	return nil
}

// SetDefaultSource selects the default source.
func (b *Backend) SetDefaultSource(name string) error {
	if b.closed() {
		return ErrClosed
	}

	if err := b.client.Request(&proto.SetDefaultSource{SourceName: name}, nil); err != nil {
		b.logger.Warnw("Failed to set default source", "name", name, "error", err)
		return fmt.Errorf("set default source %s: %w", name, err)
	}

	return nil
}

// TriggerUpdate republishes sinks, sources and defaults.
func (b *Backend) TriggerUpdate() error {
	if b.closed() {
		return ErrClosed
	}

	signal(b.trigger)

	return nil
}

// Close stops mirroring and closes the connection.
func (b *Backend) Close() error {
	b.stopOnce.Do(func() {
		close(b.stop)
	})
	<-b.done

	if b.conn == nil {
		return nil
	}

	if err := b.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	b.logger.Debug("Released PulseAudio backend")

	return nil
}
