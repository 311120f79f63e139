package statusd

import (
	"fmt"
	"strings"
	"sync"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/network"
)

// Status is the combined view every module writes into.
type Status struct {
	Sinks    []audio.NodeState
	Sources  []audio.NodeState
	Defaults audio.DefaultState

	Primary    network.ActiveConnection
	HasPrimary bool
	// Strength is -1 while unknown.
	Strength float64

	HasAC      bool
	ACOnline   bool
	Batteries  []float64
	Charge     float64
	Brightness float64

	Modes        []string
	DoNotDisturb bool
	Indicators   []string
}

func newStatus() Status {
	return Status{
		Defaults:   audio.NewDefaultState(),
		Strength:   -1,
		Charge:     -1,
		Brightness: -1,
	}
}

// DefaultSink returns the state of the effective default sink.
func (s Status) DefaultSink() (audio.NodeState, bool) {
	return audio.FindNode(s.Sinks, s.Defaults.Sink)
}

// VolumeLabel describes the default sink for menus and logs.
func (s Status) VolumeLabel() string {
	sink, ok := s.DefaultSink()
	if !ok {
		return "Volume: unavailable"
	}

	if sink.Mute {
		return fmt.Sprintf("Volume: muted (%s)", sink.Description)
	}

	return fmt.Sprintf("Volume: %.0f%% (%s)", sink.AverageVolume()*100, sink.Description)
}

// NetworkLabel describes the primary connection.
func (s Status) NetworkLabel() string {
	if !s.HasPrimary {
		return "Network: offline"
	}

	label := fmt.Sprintf("Network: %s (%s)", s.Primary.Name, s.Primary.KindName())
	if s.Strength >= 0 {
		label += fmt.Sprintf(" %.0f%%", s.Strength*100)
	}

	return label
}

// PowerLabel describes the adapter and the combined battery charge.
func (s Status) PowerLabel() string {
	var parts []string

	if s.HasAC {
		if s.ACOnline {
			parts = append(parts, "plugged in")
		} else {
			parts = append(parts, "on battery")
		}
	}
	if s.Charge >= 0 {
		parts = append(parts, fmt.Sprintf("%.0f%%", s.Charge*100))
	}

	if len(parts) == 0 {
		return "Power: unavailable"
	}

	return "Power: " + strings.Join(parts, ", ")
}

// statusBoard guards the status and wakes up a single watcher on changes.
type statusBoard struct {
	mu      sync.Mutex
	status  Status
	changed chan struct{}
}

func newStatusBoard() *statusBoard {
	return &statusBoard{
		status:  newStatus(),
		changed: make(chan struct{}, 1),
	}
}

func (b *statusBoard) update(apply func(s *Status)) {
	b.mu.Lock()
	apply(&b.status)
	b.mu.Unlock()

	select {
	case b.changed <- struct{}{}:
	default:
	}
}

func (b *statusBoard) snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.status
	s.Sinks = cloneNodes(s.Sinks)
	s.Sources = cloneNodes(s.Sources)
	s.Batteries = append([]float64(nil), s.Batteries...)
	s.Modes = append([]string(nil), s.Modes...)
	s.Indicators = append([]string(nil), s.Indicators...)

	return s
}

func cloneNodes(nodes []audio.NodeState) []audio.NodeState {
	if nodes == nil {
		return nil
	}

	out := make([]audio.NodeState, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}

	return out
}
