package pipewire

import (
	"errors"
	"net"
	"reflect"
	"testing"

	"github.com/MixyLabs/statusd/pkg/statusd/spa"
)

func TestSocketPath(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		env     map[string]string
		want    string
		wantErr error
	}{
		{
			name: "default socket in runtime dir",
			env:  map[string]string{"XDG_RUNTIME_DIR": "/run/user/1000"},
			want: "/run/user/1000/pipewire-0",
		},
		{
			name: "pipewire runtime dir wins",
			env:  map[string]string{"PIPEWIRE_RUNTIME_DIR": "/tmp/pw", "XDG_RUNTIME_DIR": "/run/user/1000"},
			want: "/tmp/pw/pipewire-0",
		},
		{
			name: "remote from environment",
			env:  map[string]string{"PIPEWIRE_REMOTE": "pipewire-1", "XDG_RUNTIME_DIR": "/run/user/1000"},
			want: "/run/user/1000/pipewire-1",
		},
		{
			name:   "explicit remote",
			remote: "pipewire-manager",
			env:    map[string]string{"PIPEWIRE_REMOTE": "pipewire-1", "XDG_RUNTIME_DIR": "/run/user/1000"},
			want:   "/run/user/1000/pipewire-manager",
		},
		{
			name:   "absolute remote",
			remote: "/var/run/pipewire/socket",
			want:   "/var/run/pipewire/socket",
		},
		{
			name:    "no runtime dir",
			wantErr: ErrNoRuntimeDir,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{"PIPEWIRE_REMOTE", "PIPEWIRE_RUNTIME_DIR", "XDG_RUNTIME_DIR"} {
				t.Setenv(key, tt.env[key])
			}

			got, err := SocketPath(tt.remote)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("SocketPath = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c, s := NewConn(client), NewConn(server)

	go func() {
		_, _ = c.Send(2, registryBind, bindArgs(40, typeNode, nodeVersion, 3))
		_, _ = c.Send(0, coreSync, syncArgs(1))
	}()

	first, err := s.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if first.ID != 2 || first.Opcode != registryBind || first.Seq != 0 || first.NFds != 0 {
		t.Fatalf("header = %+v", first)
	}

	args, err := first.Args()
	if err != nil {
		t.Fatalf("Args: %v", err)
	}
	want := spa.Struct{spa.Int(40), spa.String(typeNode), spa.Int(3), spa.Int(3)}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("args = %v, want %v", args, want)
	}

	second, err := s.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if second.ID != 0 || second.Opcode != coreSync || second.Seq != 1 {
		t.Fatalf("header = %+v", second)
	}
}

func TestDecodeDict(t *testing.T) {
	props := map[string]string{"media.class": "Audio/Sink", "node.name": "speaker"}

	got, err := decodeDict(encodeDict(props))
	if err != nil {
		t.Fatalf("decodeDict: %v", err)
	}
	if !reflect.DeepEqual(got, props) {
		t.Fatalf("dict = %v", got)
	}

	if _, err := decodeDict(spa.Struct{spa.Int(2), spa.String("only key")}); err == nil {
		t.Fatal("expected error for truncated dict")
	}
}

func TestParseNodeInfo(t *testing.T) {
	args := spa.Struct{
		spa.Int(40),
		spa.Int(0), spa.Int(1),
		spa.Long(int64(nodeChangeProps | nodeChangeParams)),
		spa.Int(0), spa.Int(1),
		spa.ID(3),
		spa.None{},
		encodeDict(map[string]string{"node.name": "speaker"}),
		spa.Struct{spa.Int(2), spa.ID(spa.ParamProps), spa.Int(int32(spa.ParamInfoRead)), spa.ID(spa.ParamFormat), spa.Int(0)},
	}

	info, err := parseNodeInfo(args)
	if err != nil {
		t.Fatalf("parseNodeInfo: %v", err)
	}

	if info.ID != 40 || info.ChangeMask&nodeChangeProps == 0 || info.Props["node.name"] != "speaker" {
		t.Fatalf("info = %+v", info)
	}
	wantParams := []paramInfo{{ID: spa.ParamProps, Flags: spa.ParamInfoRead}, {ID: spa.ParamFormat}}
	if !reflect.DeepEqual(info.Params, wantParams) {
		t.Fatalf("params = %+v", info.Params)
	}
}

func TestParseRejectsWrongTypes(t *testing.T) {
	tests := []struct {
		name  string
		parse func(spa.Struct) error
		args  spa.Struct
	}{
		{
			name:  "global with string id",
			parse: func(a spa.Struct) error { _, err := parseGlobal(a); return err },
			args:  spa.Struct{spa.String("40")},
		},
		{
			name:  "param missing pod",
			parse: func(a spa.Struct) error { _, err := parseParam(a); return err },
			args:  spa.Struct{spa.Int(1), spa.ID(2), spa.Int(0), spa.Int(0)},
		},
		{
			name:  "property with int key",
			parse: func(a spa.Struct) error { _, err := parseProperty(a); return err },
			args:  spa.Struct{spa.Int(0), spa.Int(1), spa.None{}, spa.None{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.parse(tt.args); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParsePropertyNulls(t *testing.T) {
	ev, err := parseProperty(spa.Struct{spa.Int(0), spa.None{}, spa.None{}, spa.None{}})
	if err != nil {
		t.Fatalf("parseProperty: %v", err)
	}
	if ev.HasKey || ev.HasValue {
		t.Fatalf("event = %+v", ev)
	}
}

func TestIDAllocatorReuses(t *testing.T) {
	a := idAllocator{next: 2}

	first, second := a.alloc(), a.alloc()
	if first != 2 || second != 3 {
		t.Fatalf("ids = %d, %d", first, second)
	}

	a.release(first)
	if got := a.alloc(); got != 2 {
		t.Fatalf("reused id = %d, want 2", got)
	}
	if got := a.alloc(); got != 4 {
		t.Fatalf("next id = %d, want 4", got)
	}
}
