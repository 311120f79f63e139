package pipewire

import (
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/spa"
)

const (
	sinkGlobal     = 40
	streamGlobal   = 41
	metadataGlobal = 30
)

// fakeServer answers the startup sequence of a client with one sink, one
// playback stream and the default metadata.
type fakeServer struct {
	conn *Conn

	registry uint32
	bound    map[uint32]uint32
	syncs    int

	setParams chan spa.Struct
}

func globalArgs(id uint32, typ string, props map[string]string) spa.Struct {
	return spa.Struct{spa.Int(int32(id)), spa.Int(0x1ff), spa.String(typ), spa.Int(3), encodeDict(props)}
}

func (s *fakeServer) event(id uint32, opcode uint8, args spa.Struct) {
	_, _ = s.conn.Send(id, opcode, args)
}

func (s *fakeServer) serve() {
	for {
		msg, err := s.conn.Receive()
		if err != nil {
			return
		}

		args, err := msg.Args()
		if err != nil {
			return
		}

		switch {
		case msg.ID == coreID && msg.Opcode == coreGetRegistry:
			s.registry = uint32(args[1].(spa.Int))

		case msg.ID == coreID && msg.Opcode == coreSync:
			s.syncs++
			if s.syncs == 1 {
				s.event(s.registry, registryGlobal, globalArgs(sinkGlobal, typeNode, map[string]string{
					propMediaClass: "Audio/Sink", propNodeName: "speaker", propNodeDesc: "Speaker",
				}))
				s.event(s.registry, registryGlobal, globalArgs(streamGlobal, typeNode, map[string]string{
					propMediaClass: "Stream/Output/Audio", propNodeName: "player",
				}))
				s.event(s.registry, registryGlobal, globalArgs(metadataGlobal, typeMetadata, map[string]string{
					propMetadataName: defaultMetadata,
				}))
			}
			s.event(coreID, coreDone, spa.Struct{spa.Int(0), args[1]})

		case msg.ID == coreID || msg.ID == clientID:
			// hello, pong and client properties need no answer

		case msg.ID == s.registry && msg.Opcode == registryBind:
			global, proxy := uint32(args[0].(spa.Int)), uint32(args[3].(spa.Int))
			s.bound[global] = proxy

			if global == metadataGlobal {
				s.event(proxy, metadataProperty, spa.Struct{
					spa.Int(0), spa.String(keySink), spa.String(jsonType), spa.String(`{"name":"speaker"}`),
				})
			}

		case msg.ID == s.bound[sinkGlobal] && msg.Opcode == paramsEnum:
			s.event(msg.ID, objectParam, spa.Struct{
				args[0], spa.ID(spa.ParamProps), spa.Int(0), spa.Int(1),
				volumeProps([]float32{0.125, 0.125}, false),
			})

		case msg.Opcode == paramsSet:
			s.setParams <- args
		}
	}
}

func startWithFakeServer(t *testing.T) (*Instance, *fakeServer) {
	t.Helper()

	client, server := net.Pipe()
	srv := &fakeServer{
		conn:      NewConn(server),
		bound:     make(map[uint32]uint32),
		setParams: make(chan spa.Struct, 4),
	}
	go srv.serve()
	t.Cleanup(func() { _ = server.Close() })

	inst := newInstance(zap.NewNop().Sugar())
	ready := make(chan error, 1)
	go inst.runWorker(NewConn(client), ready)

	select {
	case err := <-ready:
		if err != nil {
			t.Fatalf("startup: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("startup did not complete")
	}

	return inst, srv
}

func TestWorkerMirrorsGraph(t *testing.T) {
	inst, srv := startWithFakeServer(t)
	defer inst.Close()

	sinks := inst.ListenSinks()
	select {
	case got := <-sinks.Updates():
		if len(got) != 1 || got[0].ID != sinkGlobal || got[0].Name != "speaker" || !near(got[0].Volume, []float32{0.5, 0.5}) {
			t.Fatalf("sinks = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no sinks published")
	}

	defaults := inst.ListenDefaults()
	select {
	case got := <-defaults.Updates():
		if got.Sink != "speaker" || got.ConfiguredSink != audio.Unknown {
			t.Fatalf("defaults = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no defaults published")
	}

	if err := inst.SetMute("speaker", true); err != nil {
		t.Fatalf("SetMute: %v", err)
	}

	select {
	case args := <-srv.setParams:
		obj, ok := args[2].(spa.Object)
		if args[0] != spa.ID(spa.ParamProps) || !ok {
			t.Fatalf("set param = %v", args)
		}
		if mute, _ := obj.Prop(spa.PropMute); mute != spa.Bool(true) {
			t.Fatalf("mute = %v", mute)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the mute")
	}
}

func TestWorkerTriggerUpdate(t *testing.T) {
	inst, _ := startWithFakeServer(t)
	defer inst.Close()

	sources := inst.ListenSources()
	<-sources.Updates()

	if err := inst.TriggerUpdate(); err != nil {
		t.Fatalf("TriggerUpdate: %v", err)
	}

	select {
	case got := <-sources.Updates():
		if len(got) != 0 {
			t.Fatalf("sources = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("trigger did not republish")
	}
}

func TestCommandsAfterClose(t *testing.T) {
	inst, _ := startWithFakeServer(t)
	sinks := inst.ListenSinks()

	if err := inst.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := inst.SetVolume("speaker", []float32{1}); !errors.Is(err, ErrWorkerGone) {
		t.Fatalf("err = %v, want ErrWorkerGone", err)
	}

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sinks.Updates():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("subscription was not closed")
		}
	}
}
