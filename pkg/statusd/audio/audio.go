// Package audio holds the backend-neutral model of the mirrored audio graph:
// sink and source node states, the default device selection and the Backend
// interface both the PipeWire and the PulseAudio mirror implement.
package audio

import (
	"errors"
	"math"
	"slices"

	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

// Unknown is used for default fields that were never observed or failed to parse.
const Unknown = "unknown"

// ErrNodeNotFound is returned when a command names a node that is not tracked.
var ErrNodeNotFound = errors.New("node not found")

// Class is the media class of a tracked node.
type Class int

const (
	ClassSink Class = iota
	ClassSource
)

// ParseClass maps a media.class property. Only audio sinks and sources are
// of interest, everything else reports false.
func ParseClass(mediaClass string) (Class, bool) {
	switch mediaClass {
	case "Audio/Sink":
		return ClassSink, true
	case "Audio/Source":
		return ClassSource, true
	default:
		return 0, false
	}
}

func (c Class) String() string {
	if c == ClassSource {
		return "source"
	}

	return "sink"
}

// NodeState is the mirrored state of one sink or source.
type NodeState struct {
	ID uint32

	Name        string
	Description string

	Mute bool

	// Volume holds one perceptual value per channel.
	Volume []float32

	// Route is the profile device of the node on its card, if HasRoute.
	Route    uint32
	HasRoute bool
}

// NewNodeState creates an empty state for id.
func NewNodeState(id uint32) NodeState {
	return NodeState{ID: id}
}

// Clone returns a deep copy, so published snapshots never share the volume slice.
func (n NodeState) Clone() NodeState {
	n.Volume = slices.Clone(n.Volume)
	return n
}

// Equal reports whether both states are identical.
func (n NodeState) Equal(other NodeState) bool {
	return n.ID == other.ID &&
		n.Name == other.Name &&
		n.Description == other.Description &&
		n.Mute == other.Mute &&
		n.Route == other.Route &&
		n.HasRoute == other.HasRoute &&
		slices.Equal(n.Volume, other.Volume)
}

// AverageVolume returns the mean perceptual volume over all channels.
func (n NodeState) AverageVolume() float32 {
	var sum float32
	for _, v := range n.Volume {
		sum += v
	}

	return sum / float32(max(len(n.Volume), 1))
}

// FindNode returns the first node named name. Duplicate names resolve to the
// node seen first.
func FindNode(nodes []NodeState, name string) (NodeState, bool) {
	for _, n := range nodes {
		if n.Name == name {
			return n, true
		}
	}

	return NodeState{}, false
}

// LinearToPerceptual converts a linear amplitude to the cube root scale
// reported to consumers.
func LinearToPerceptual(linear float32) float32 {
	return float32(math.Cbrt(float64(linear)))
}

// PerceptualToLinear converts back for the wire. Negative values clamp to zero.
func PerceptualToLinear(perceptual float32) float32 {
	p := max(perceptual, 0)
	return p * p * p
}

// UniformVolume expands v to channels channels.
func UniformVolume(v float32, channels int) []float32 {
	volume := make([]float32, max(channels, 1))
	for i := range volume {
		volume[i] = v
	}

	return volume
}

// DefaultState is the default device selection.
type DefaultState struct {
	ConfiguredSink   string
	Sink             string
	ConfiguredSource string
	Source           string
}

// NewDefaultState returns a state where every field is Unknown.
func NewDefaultState() DefaultState {
	return DefaultState{
		ConfiguredSink:   Unknown,
		Sink:             Unknown,
		ConfiguredSource: Unknown,
		Source:           Unknown,
	}
}

// Backend is implemented by each audio mirror.
type Backend interface {
	ListenSinks() *fanout.Subscription[[]NodeState]
	ListenSources() *fanout.Subscription[[]NodeState]
	ListenDefaults() *fanout.Subscription[DefaultState]

	// SetVolume takes perceptual per-channel values.
	SetVolume(name string, volume []float32) error
	SetMute(name string, mute bool) error
	SetDefaultSink(name string) error
	SetDefaultSource(name string) error

	// TriggerUpdate republishes every stream without a state change.
	TriggerUpdate() error

	Close() error
}
