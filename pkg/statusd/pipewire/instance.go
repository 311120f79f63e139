// Package pipewire mirrors the audio graph of a PipeWire server over its
// native socket protocol. A single worker goroutine owns the connection and
// every table, so commands and events are handled strictly in order.
package pipewire

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

const (
	commandQueue = 32
	frameQueue   = 64

	streamSinks    = "pipewire sinks"
	streamSources  = "pipewire sources"
	streamDefaults = "pipewire defaults"
)

// ErrWorkerGone is returned by commands once the worker stopped.
var ErrWorkerGone = errors.New("pipewire worker is gone")

type command struct {
	name string
	run  func(w *worker) error
}

// Instance is the handle to a running worker. It implements audio.Backend.
type Instance struct {
	logger *zap.SugaredLogger

	sinks    *fanout.Feed[[]audio.NodeState]
	sources  *fanout.Feed[[]audio.NodeState]
	defaults *fanout.Feed[audio.DefaultState]

	commands chan command
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var _ audio.Backend = (*Instance)(nil)

// Start connects to remote (empty for the default socket) and starts the
// worker. It returns once the initial globals and the state of every bound
// object were received, so the first published snapshots are complete.
func Start(ctx context.Context, logger *zap.SugaredLogger, remote string) (*Instance, error) {
	logger = logger.Named("pipewire")
	logger.Debug("Connecting to PipeWire")

	conn, err := Dial(remote)
	if err != nil {
		logger.Warnw("Failed to connect to PipeWire", "error", err)
		return nil, fmt.Errorf("connect to pipewire: %w", err)
	}

	inst := newInstance(logger)
	ready := make(chan error, 1)

	go inst.runWorker(conn, ready)

	select {
	case err := <-ready:
		if err != nil {
			inst.Close()
			logger.Warnw("Failed to initialize PipeWire connection", "error", err)
			return nil, fmt.Errorf("initialize pipewire connection: %w", err)
		}
	case <-ctx.Done():
		inst.Close()
		return nil, ctx.Err()
	}

	logger.Debug("Connected to PipeWire")

	return inst, nil
}

func newInstance(logger *zap.SugaredLogger) *Instance {
	return &Instance{
		logger:   logger,
		sinks:    fanout.NewFeed[[]audio.NodeState](logger, streamSinks),
		sources:  fanout.NewFeed[[]audio.NodeState](logger, streamSources),
		defaults: fanout.NewFeed[audio.DefaultState](logger, streamDefaults),
		commands: make(chan command, commandQueue),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (i *Instance) runWorker(conn *Conn, ready chan<- error) {
	// the connection and every table stay on one thread for their lifetime
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	w := newWorker(i.logger, conn, i)
	w.run(ready)
}

// ListenSinks follows the list of sinks.
func (i *Instance) ListenSinks() *fanout.Subscription[[]audio.NodeState] {
	return i.sinks.Listen()
}

// ListenSources follows the list of sources.
func (i *Instance) ListenSources() *fanout.Subscription[[]audio.NodeState] {
	return i.sources.Listen()
}

// ListenDefaults follows the default sink and source.
func (i *Instance) ListenDefaults() *fanout.Subscription[audio.DefaultState] {
	return i.defaults.Listen()
}

// SetVolume sets the perceptual volume of each channel of the named node.
func (i *Instance) SetVolume(name string, volume []float32) error {
	return i.send(command{name: "set volume", run: func(w *worker) error {
		return w.nodes.setVolume(name, volume)
	}})
}

// SetMute mutes or unmutes the named node.
func (i *Instance) SetMute(name string, mute bool) error {
	return i.send(command{name: "set mute", run: func(w *worker) error {
		return w.nodes.setMute(name, mute)
	}})
}

// SetDefaultSink configures the default sink.
func (i *Instance) SetDefaultSink(name string) error {
	return i.send(command{name: "set default sink", run: func(w *worker) error {
		return w.defaults.setSink(name)
	}})
}

// SetDefaultSource configures the default source.
func (i *Instance) SetDefaultSource(name string) error {
	return i.send(command{name: "set default source", run: func(w *worker) error {
		return w.defaults.setSource(name)
	}})
}

// TriggerUpdate republishes sinks, sources and defaults.
func (i *Instance) TriggerUpdate() error {
	return i.send(command{name: "trigger update", run: func(w *worker) error {
		w.nodes.trigger()
		w.defaults.publish()
		return nil
	}})
}

func (i *Instance) send(cmd command) error {
	select {
	case <-i.done:
		return ErrWorkerGone
	default:
	}

	select {
	case i.commands <- cmd:
		return nil
	case <-i.done:
		return ErrWorkerGone
	}
}

// Close stops the worker and closes every stream.
func (i *Instance) Close() error {
	i.stopOnce.Do(func() {
		close(i.stop)
	})
	<-i.done

	return nil
}
