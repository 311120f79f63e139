package pipewire

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/spa"
)

// worker runs the event loop of one connection.
type worker struct {
	logger *zap.SugaredLogger
	inst   *Instance

	conn *Conn
	core *core

	nodes    *nodeTracker
	defaults *defaultTracker

	// startup takes two round trips: one for the globals and one for the
	// state of the objects bound while handling them.
	pendingSync uint32
	syncRounds  int
	synced      bool
}

func newWorker(logger *zap.SugaredLogger, conn *Conn, inst *Instance) *worker {
	c := newCore(conn)

	return &worker{
		logger:   logger,
		inst:     inst,
		conn:     conn,
		core:     c,
		nodes:    newNodeTracker(logger.Named("nodes"), c, inst.sinks, inst.sources),
		defaults: newDefaultTracker(logger.Named("defaults"), c, inst.defaults),
	}
}

func clientProps() map[string]string {
	props := map[string]string{
		"application.name":       "statusd",
		"application.process.id": fmt.Sprint(os.Getpid()),
	}
	if host, err := os.Hostname(); err == nil {
		props["application.process.host"] = host
	}

	return props
}

func (w *worker) run(ready chan<- error) {
	defer w.shutdown()

	frames := make(chan Message, frameQueue)
	readErr := make(chan error, 1)
	go w.read(frames, readErr)

	seq, err := w.core.connect(clientProps())
	if err != nil {
		ready <- err
		return
	}
	w.pendingSync = seq

	// commands wait until the registry burst was processed
	var commands chan command

	for {
		select {
		case <-w.inst.stop:
			w.logger.Debug("Stopping worker")
			return

		case err := <-readErr:
			if !w.synced {
				ready <- err
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				w.logger.Info("PipeWire closed the connection")
			} else {
				w.logger.Warnw("Failed to read from PipeWire", "error", err)
			}
			return

		case msg := <-frames:
			if err := w.dispatch(msg); err != nil {
				w.logger.Warnw("Failed to handle message", "id", msg.ID, "opcode", msg.Opcode, "error", err)
			}

			if w.synced && commands == nil {
				commands = w.inst.commands
				ready <- nil
			}

		case cmd := <-commands:
			if err := cmd.run(w); err != nil {
				w.logger.Errorw("Command failed", "command", cmd.name, "error", err)
			}

		case <-w.inst.sinks.RefreshRequests():
			w.nodes.publish(audio.ClassSink)
		case <-w.inst.sources.RefreshRequests():
			w.nodes.publish(audio.ClassSource)
		case <-w.inst.defaults.RefreshRequests():
			w.defaults.publish()
		}
	}
}

func (w *worker) read(frames chan<- Message, readErr chan<- error) {
	for {
		msg, err := w.conn.Receive()
		if err != nil {
			readErr <- err
			return
		}

		select {
		case frames <- msg:
		case <-w.inst.done:
			return
		}
	}
}

func (w *worker) shutdown() {
	if err := w.conn.Close(); err != nil {
		w.logger.Debugw("Failed to close PipeWire connection", "error", err)
	}

	w.inst.sinks.Close()
	w.inst.sources.Close()
	w.inst.defaults.Close()

	close(w.inst.done)
	w.logger.Debug("Worker stopped")
}

func (w *worker) dispatch(msg Message) error {
	args, err := msg.Args()
	if err != nil {
		return err
	}

	if msg.ID == coreID {
		return w.coreEvent(msg.Opcode, args)
	}

	p, ok := w.core.lookup(msg.ID)
	if !ok {
		w.logger.Debugw("Event for unknown proxy", "id", msg.ID, "opcode", msg.Opcode)
		return nil
	}

	switch p.kind {
	case kindRegistry:
		return w.registryEvent(msg.Opcode, args)
	case kindNode:
		return w.nodeEvent(p.global, msg.Opcode, args)
	case kindDevice:
		return w.deviceEvent(p.global, msg.Opcode, args)
	case kindMetadata:
		return w.metadataEvent(msg.Opcode, args)
	}

	return nil
}

func (w *worker) coreEvent(opcode uint8, args spa.Struct) error {
	r := newArgReader(args)

	switch opcode {
	case coreDone:
		r.uint()
		seq := r.uint()
		if r.err != nil {
			return fmt.Errorf("parse done: %w", r.err)
		}
		if w.synced || seq != w.pendingSync {
			return nil
		}

		w.syncRounds++
		if w.syncRounds == 2 {
			w.synced = true
			return nil
		}

		next, err := w.core.sync()
		if err != nil {
			return err
		}
		w.pendingSync = next

	case corePing:
		id, seq := r.uint(), r.int()
		if r.err != nil {
			return fmt.Errorf("parse ping: %w", r.err)
		}
		return w.core.pong(id, seq)

	case coreError:
		ev, err := parseCoreError(args)
		if err != nil {
			return fmt.Errorf("parse error: %w", err)
		}
		w.logger.Warnw("PipeWire reported an error", "id", ev.ID, "seq", ev.Seq, "res", ev.Res, "message", ev.Message)

	case coreRemoveID:
		id := r.uint()
		if r.err != nil {
			return fmt.Errorf("parse remove id: %w", r.err)
		}
		w.core.removeID(id)
	}

	return nil
}

func (w *worker) registryEvent(opcode uint8, args spa.Struct) error {
	switch opcode {
	case registryGlobal:
		ev, err := parseGlobal(args)
		if err != nil {
			return fmt.Errorf("parse global: %w", err)
		}

		switch ev.Type {
		case typeNode:
			w.nodes.addNode(ev.ID, ev.Props)
		case typeDevice:
			w.nodes.addDevice(ev.ID, ev.Props)
		case typeMetadata:
			w.defaults.add(ev.ID, ev.Props)
		}

	case registryGlobalRemove:
		r := newArgReader(args)
		id := r.uint()
		if r.err != nil {
			return fmt.Errorf("parse global remove: %w", r.err)
		}

		w.defaults.detach(id)
		w.nodes.remove(id)
	}

	return nil
}

func (w *worker) nodeEvent(global uint32, opcode uint8, args spa.Struct) error {
	switch opcode {
	case objectInfo:
		info, err := parseNodeInfo(args)
		if err != nil {
			return fmt.Errorf("parse node info: %w", err)
		}
		w.nodes.nodeInfo(global, info)

	case objectParam:
		ev, err := parseParam(args)
		if err != nil {
			return fmt.Errorf("parse node param: %w", err)
		}
		w.nodes.nodeParam(global, ev)
	}

	return nil
}

func (w *worker) deviceEvent(global uint32, opcode uint8, args spa.Struct) error {
	switch opcode {
	case objectInfo:
		info, err := parseDeviceInfo(args)
		if err != nil {
			return fmt.Errorf("parse device info: %w", err)
		}
		w.nodes.deviceInfo(global, info)

	case objectParam:
		ev, err := parseParam(args)
		if err != nil {
			return fmt.Errorf("parse device param: %w", err)
		}
		w.nodes.deviceParam(global, ev)
	}

	return nil
}

func (w *worker) metadataEvent(opcode uint8, args spa.Struct) error {
	if opcode != metadataProperty {
		return nil
	}

	ev, err := parseProperty(args)
	if err != nil {
		return fmt.Errorf("parse metadata property: %w", err)
	}

	if ev.Subject == 0 {
		w.defaults.property(ev)
	}

	return nil
}
