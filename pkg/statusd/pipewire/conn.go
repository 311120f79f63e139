package pipewire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/MixyLabs/statusd/pkg/statusd/spa"
)

const (
	defaultRemote = "pipewire-0"
	frameHeader   = 16
	maxFrameSize  = 1<<24 - 1
)

// ErrNoRuntimeDir is returned when no directory to look for the socket is set.
var ErrNoRuntimeDir = errors.New("neither PIPEWIRE_RUNTIME_DIR nor XDG_RUNTIME_DIR is set")

// SocketPath resolves the socket of remote the way libpipewire does. An empty
// remote falls back to PIPEWIRE_REMOTE and then to pipewire-0.
func SocketPath(remote string) (string, error) {
	if remote == "" {
		remote = os.Getenv("PIPEWIRE_REMOTE")
	}
	if remote == "" {
		remote = defaultRemote
	}

	if filepath.IsAbs(remote) {
		return remote, nil
	}

	for _, env := range []string{"PIPEWIRE_RUNTIME_DIR", "XDG_RUNTIME_DIR"} {
		if dir := os.Getenv(env); dir != "" {
			return filepath.Join(dir, remote), nil
		}
	}

	return "", ErrNoRuntimeDir
}

// Message is one frame received from the server.
type Message struct {
	ID     uint32
	Opcode uint8
	Seq    uint32
	NFds   uint32
	Body   []byte
}

// Args decodes the argument struct of the message. Trailing footers are ignored.
func (m Message) Args() (spa.Struct, error) {
	pod, _, err := spa.Unmarshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("decode message %d/%d: %w", m.ID, m.Opcode, err)
	}

	args, ok := pod.(spa.Struct)
	if !ok {
		return nil, fmt.Errorf("decode message %d/%d: body is %s, not a struct", m.ID, m.Opcode, pod.Type())
	}

	return args, nil
}

// Conn frames messages of the native protocol on a stream socket.
type Conn struct {
	conn net.Conn

	wmu sync.Mutex
	seq uint32

	hdr [frameHeader]byte
}

// Dial connects to the socket of remote.
func Dial(remote string) (*Conn, error) {
	path, err := SocketPath(remote)
	if err != nil {
		return nil, err
	}

	c, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}

	return NewConn(c), nil
}

// NewConn wraps an already connected stream.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send writes one method call on proxy id and returns its sequence number.
func (c *Conn) Send(id uint32, opcode uint8, args spa.Struct) (uint32, error) {
	body, err := spa.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("encode method %d/%d: %w", id, opcode, err)
	}
	if len(body) > maxFrameSize {
		return 0, fmt.Errorf("encode method %d/%d: %d bytes exceed frame size", id, opcode, len(body))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	seq := c.seq
	c.seq++

	frame := make([]byte, frameHeader, frameHeader+len(body))
	binary.LittleEndian.PutUint32(frame[0:], id)
	binary.LittleEndian.PutUint32(frame[4:], uint32(opcode)<<24|uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[8:], seq)
	binary.LittleEndian.PutUint32(frame[12:], 0)
	frame = append(frame, body...)

	if _, err := c.conn.Write(frame); err != nil {
		return 0, fmt.Errorf("write method %d/%d: %w", id, opcode, err)
	}

	return seq, nil
}

// Receive blocks for the next frame. Only one goroutine may call it.
func (c *Conn) Receive() (Message, error) {
	if _, err := io.ReadFull(c.conn, c.hdr[:]); err != nil {
		return Message{}, err
	}

	word := binary.LittleEndian.Uint32(c.hdr[4:])
	msg := Message{
		ID:     binary.LittleEndian.Uint32(c.hdr[0:]),
		Opcode: uint8(word >> 24),
		Seq:    binary.LittleEndian.Uint32(c.hdr[8:]),
		NFds:   binary.LittleEndian.Uint32(c.hdr[12:]),
		Body:   make([]byte, word&maxFrameSize),
	}

	if _, err := io.ReadFull(c.conn, msg.Body); err != nil {
		return Message{}, fmt.Errorf("read body of %d/%d: %w", msg.ID, msg.Opcode, err)
	}

	return msg, nil
}

// Close closes the socket, which also unblocks Receive.
func (c *Conn) Close() error {
	return c.conn.Close()
}
