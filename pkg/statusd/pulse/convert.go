package pulse

import (
	"math"

	"github.com/jfreymuth/pulse/proto"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
)

// PulseAudio volumes already use the cubic scale, so the normalized value is
// the perceptual one.
func fromChannelVolumes(volumes proto.ChannelVolumes) []float32 {
	out := make([]float32, len(volumes))
	for i, v := range volumes {
		out[i] = float32(v) / float32(proto.VolumeNorm)
	}

	return out
}

func toChannelVolumes(volume []float32) proto.ChannelVolumes {
	out := make(proto.ChannelVolumes, len(volume))
	for i, v := range volume {
		out[i] = uint32(math.Round(float64(max(v, 0)) * float64(proto.VolumeNorm)))
	}

	return out
}

func isMonitor(props proto.PropList) bool {
	class, ok := props["device.class"]
	return ok && class.String() == "monitor"
}

func sinkStates(reply proto.GetSinkInfoListReply) []audio.NodeState {
	states := make([]audio.NodeState, 0, len(reply))
	for _, info := range reply {
		states = append(states, audio.NodeState{
			ID:          info.SinkIndex,
			Name:        info.SinkName,
			Description: info.Device,
			Mute:        info.Mute,
			Volume:      fromChannelVolumes(info.ChannelVolumes),
		})
	}

	return states
}

func sourceStates(reply proto.GetSourceInfoListReply) []audio.NodeState {
	states := make([]audio.NodeState, 0, len(reply))
	for _, info := range reply {
		if isMonitor(info.Properties) {
			continue
		}

		states = append(states, audio.NodeState{
			ID:          info.SourceIndex,
			Name:        info.SourceName,
			Description: info.Device,
			Mute:        info.Mute,
			Volume:      fromChannelVolumes(info.ChannelVolumes),
		})
	}

	return states
}

// defaultsFromServer maps the server info. PulseAudio does not distinguish
// the configured from the effective default.
func defaultsFromServer(info *proto.GetServerInfoReply) audio.DefaultState {
	state := audio.NewDefaultState()

	if info.DefaultSinkName != "" {
		state.ConfiguredSink = info.DefaultSinkName
		state.Sink = info.DefaultSinkName
	}
	if info.DefaultSourceName != "" {
		state.ConfiguredSource = info.DefaultSourceName
		state.Source = info.DefaultSourceName
	}

	return state
}

func equalStates(a, b []audio.NodeState) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}

	return true
}

func cloneStates(states []audio.NodeState) []audio.NodeState {
	out := make([]audio.NodeState, len(states))
	for i, s := range states {
		out[i] = s.Clone()
	}

	return out
}
