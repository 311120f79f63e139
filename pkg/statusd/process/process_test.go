package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type fakeProcess struct {
	pid  int
	exec string
}

func (p fakeProcess) Pid() int           { return p.pid }
func (p fakeProcess) PPid() int          { return 1 }
func (p fakeProcess) Executable() string { return p.exec }

func writeProc(t *testing.T, root string, pid int, comm, cmdline string) {
	t.Helper()

	dir := filepath.Join(root, strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if comm != "" {
		if err := os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestLister(root string, procs ...ps.Process) *Lister {
	return &Lister{
		logger: zap.NewNop().Sugar(),
		root:   root,
		list:   func() ([]ps.Process, error) { return procs, nil },
	}
}

func TestReadRunning(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 812, "waybar", "/usr/bin/waybar\x00-c\x00/etc/bar.json\x00")
	writeProc(t, root, 2, "kthreadd", "")
	writeProc(t, root, 990, "", "python3\x00server.py\x00")

	l := newTestLister(root,
		fakeProcess{812, "waybar"},
		fakeProcess{4242, "gone"},
		fakeProcess{2, "kthreadd"},
		fakeProcess{990, "python3"},
	)

	got, err := l.ReadRunning()
	if err != nil {
		t.Fatalf("ReadRunning: %v", err)
	}

	want := []Info{
		{PID: 2, Name: "kthreadd", Cmdline: ""},
		{PID: 812, Name: "waybar", Cmdline: "/usr/bin/waybar -c /etc/bar.json"},
		{PID: 990, Name: "python3", Cmdline: "python3 server.py"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("processes = %+v", got)
	}
}

func TestReadRunningListFailure(t *testing.T) {
	l := newTestLister(t.TempDir())
	l.list = func() ([]ps.Process, error) { return nil, errors.New("no procfs") }

	if _, err := l.ReadRunning(); err == nil {
		t.Fatal("expected error")
	}
}

func TestListenPolls(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, 10, "sleep", "sleep\x00100\x00")

	l := newTestLister(root, fakeProcess{10, "sleep"})
	src := l.Listen(context.Background(), 10*time.Millisecond)
	defer src.Close()

	for i := 0; i < 2; i++ {
		select {
		case got := <-src.Updates():
			if len(got) != 1 || got[0].Cmdline != "sleep 100" {
				t.Fatalf("processes = %+v", got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("poll %d never arrived", i)
		}
	}
}

func TestFindByCmdline(t *testing.T) {
	infos := []Info{
		{PID: 5, Cmdline: "/usr/bin/obs --startrecording"},
		{PID: 9, Cmdline: "wf-recorder -f out.mp4"},
	}

	if info, ok := FindByCmdline(infos, "wf-recorder"); !ok || info.PID != 9 {
		t.Fatalf("FindByCmdline = %+v, %v", info, ok)
	}
	if _, ok := FindByCmdline(infos, "recorder"); ok {
		t.Fatal("prefix must match from the start")
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in      string
		want    unix.Signal
		wantErr bool
	}{
		{in: "SIGTERM", want: unix.SIGTERM},
		{in: "term", want: unix.SIGTERM},
		{in: "Kill", want: unix.SIGKILL},
		{in: "10", want: unix.Signal(10)},
		{in: "SIGNOPE", wantErr: true},
		{in: "999", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSignal(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseSignal(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSendSignal(t *testing.T) {
	if err := SendSignal(os.Getpid(), unix.Signal(0)); err != nil {
		t.Fatalf("probe own process: %v", err)
	}

	err := SendSignal(1<<22+7, unix.SIGTERM)
	if !errors.Is(err, unix.ESRCH) {
		t.Fatalf("err = %v, want ESRCH", err)
	}
}
