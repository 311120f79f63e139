package network

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// State of an active connection as reported by NetworkManager.
type State uint32

const (
	StateUnknown State = iota
	StateActivating
	StateActivated
	StateDeactivating
	StateDeactivated
)

// ParseState maps the provider's numeric code. Codes it does not know are
// reported as StateUnknown.
func ParseState(code uint32) State {
	if code > uint32(StateDeactivated) {
		return StateUnknown
	}

	return State(code)
}

func (s State) String() string {
	switch s {
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateDeactivating:
		return "deactivating"
	case StateDeactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// Kind classifies a connection.
type Kind int

const (
	KindUnknown Kind = iota
	KindWired
	KindWireless
	KindCellular
)

// ParseKind classifies a NetworkManager connection type string.
func ParseKind(connectionType string) Kind {
	switch connectionType {
	case "802-3-ethernet":
		return KindWired
	case "802-11-wireless":
		return KindWireless
	case "gsm":
		return KindCellular
	default:
		return KindUnknown
	}
}

func (k Kind) String() string {
	switch k {
	case KindWired:
		return "wired"
	case KindWireless:
		return "wireless"
	case KindCellular:
		return "cellular"
	default:
		return "unknown"
	}
}

// ActiveConnection is the mirrored state of one active connection.
type ActiveConnection struct {
	Path dbus.ObjectPath
	Name string

	// Type is the raw connection type, kept so unknown kinds stay describable.
	Type  string
	Kind  Kind
	State State

	// Device is empty when the connection has no underlying device.
	Device dbus.ObjectPath
}

// KindName returns the kind, or the raw type for unknown kinds.
func (c ActiveConnection) KindName() string {
	if c.Kind == KindUnknown && c.Type != "" {
		return c.Type
	}

	return c.Kind.String()
}

// IsSentinel reports whether path is the provider's "no object" value.
func IsSentinel(path dbus.ObjectPath) bool {
	return path == "" || path == "/"
}

// DescribePath shortens an object path to its last two segments for logs.
func DescribePath(path dbus.ObjectPath) string {
	s := string(path)

	count := 0
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] != '/' {
			continue
		}

		count++
		if count == 2 {
			return s[i+1:]
		}
	}

	return s
}

// FindConnection returns the connection with the given path.
func FindConnection(connections []ActiveConnection, path dbus.ObjectPath) (ActiveConnection, bool) {
	if IsSentinel(path) {
		return ActiveConnection{}, false
	}

	for _, c := range connections {
		if c.Path == path {
			return c, true
		}
	}

	return ActiveConnection{}, false
}

func firstDevice(devices []dbus.ObjectPath) dbus.ObjectPath {
	for _, d := range devices {
		if !IsSentinel(d) {
			return d
		}
	}

	return ""
}

func trimPath(path string) dbus.ObjectPath {
	return dbus.ObjectPath(strings.TrimSpace(path))
}
