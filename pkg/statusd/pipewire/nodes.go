package pipewire

import (
	"errors"
	"fmt"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
	"github.com/MixyLabs/statusd/pkg/statusd/spa"
	"github.com/MixyLabs/statusd/pkg/statusd/tracker"
)

const (
	propMediaClass   = "media.class"
	propDeviceID     = "device.id"
	propNodeName     = "node.name"
	propNodeDesc     = "node.description"
	propProfileRoute = "card.profile.device"

	audioDeviceClass = "Audio/Device"
)

var (
	errNoRoute       = errors.New("node has no route")
	errNoRouteIndex  = errors.New("no index for route")
	errDeviceMissing = errors.New("device is not tracked")
)

type trackedNode struct {
	proxy uint32
	class audio.Class

	// device is the owning card, if hasDevice. Such nodes are controlled
	// through the route of the card.
	device    uint32
	hasDevice bool

	state audio.NodeState
}

type trackedDevice struct {
	proxy uint32

	// indices maps a profile device to the index of its active route.
	indices map[uint32]uint32
}

// nodeTracker mirrors sink and source nodes and the cards that own them.
type nodeTracker struct {
	logger *zap.SugaredLogger
	send   sender

	nodes   *tracker.Table[uint32, *trackedNode]
	devices *tracker.Table[uint32, *trackedDevice]

	sinks   *fanout.Feed[[]audio.NodeState]
	sources *fanout.Feed[[]audio.NodeState]
}

func newNodeTracker(
	logger *zap.SugaredLogger,
	send sender,
	sinks, sources *fanout.Feed[[]audio.NodeState],
) *nodeTracker {
	return &nodeTracker{
		logger:  logger,
		send:    send,
		nodes:   tracker.NewTable[uint32, *trackedNode](),
		devices: tracker.NewTable[uint32, *trackedDevice](),
		sinks:   sinks,
		sources: sources,
	}
}

func (t *nodeTracker) parseID(props map[string]string, key string, global uint32) (uint32, bool) {
	raw, ok := props[key]
	if !ok {
		return 0, false
	}

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		t.logger.Warnw("Property is not an integer", "global", global, "key", key, "value", raw)
		return 0, false
	}

	return uint32(id), true
}

// addNode binds the node if it is a sink or source.
func (t *nodeTracker) addNode(global uint32, props map[string]string) {
	class, ok := audio.ParseClass(props[propMediaClass])
	if !ok {
		return
	}

	device, hasDevice := t.parseID(props, propDeviceID, global)

	proxy, err := t.send.bind(global, kindNode)
	if err != nil {
		t.logger.Warnw("Failed to bind node", "global", global, "error", err)
		return
	}

	if err := t.send.enumParams(proxy, spa.ParamProps); err != nil {
		t.logger.Warnw("Failed to enumerate node props", "global", global, "error", err)
	}
	if err := t.send.subscribeParams(proxy, spa.ParamProps); err != nil {
		t.logger.Warnw("Failed to subscribe to node props", "global", global, "error", err)
	}

	node := &trackedNode{
		proxy:     proxy,
		class:     class,
		device:    device,
		hasDevice: hasDevice,
		state:     audio.NewNodeState(global),
	}
	t.updateProps(node, props)
	t.nodes.Put(global, node)

	t.logger.Debugw("Tracking node", "global", global, "name", node.state.Name, "class", class, "device", device, "hasDevice", hasDevice)

	t.publish(class)
}

// addDevice binds an audio card so its routes can be followed.
func (t *nodeTracker) addDevice(global uint32, props map[string]string) {
	if props[propMediaClass] != audioDeviceClass {
		return
	}

	proxy, err := t.send.bind(global, kindDevice)
	if err != nil {
		t.logger.Warnw("Failed to bind device", "global", global, "error", err)
		return
	}

	if err := t.send.enumParams(proxy, spa.ParamRoute); err != nil {
		t.logger.Warnw("Failed to enumerate device routes", "global", global, "error", err)
	}
	if err := t.send.subscribeParams(proxy, spa.ParamRoute); err != nil {
		t.logger.Warnw("Failed to subscribe to device routes", "global", global, "error", err)
	}

	t.devices.Put(global, &trackedDevice{proxy: proxy, indices: make(map[uint32]uint32)})
	t.logger.Debugw("Tracking device", "global", global)
}

func (t *nodeTracker) remove(global uint32) {
	if node, ok := t.nodes.Delete(global); ok {
		t.logger.Debugw("Node removed", "global", global, "name", node.state.Name)
		t.publish(node.class)
	}

	if _, ok := t.devices.Delete(global); ok {
		t.logger.Debugw("Device removed", "global", global)
	}
}

func (t *nodeTracker) nodeInfo(global uint32, info objectInfoEvent) {
	node, ok := t.nodes.Get(global)
	if !ok {
		t.logger.Debugw("Info for untracked node", "global", global)
		return
	}

	if info.ChangeMask&nodeChangeProps != 0 && t.updateProps(node, info.Props) {
		t.publish(node.class)
	}
}

func (t *nodeTracker) nodeParam(global uint32, ev paramEvent) {
	if ev.ID != spa.ParamProps {
		return
	}

	node, ok := t.nodes.Get(global)
	if !ok {
		t.logger.Debugw("Params for untracked node", "global", global)
		return
	}
	if node.hasDevice {
		// the card route carries the values of this node
		return
	}

	obj, ok := ev.Param.(spa.Object)
	if !ok {
		t.logger.Warnw("Node props are not an object", "global", global, "type", podType(ev.Param))
		return
	}

	if updateParams(&node.state, obj) {
		t.publish(node.class)
	}
}

func (t *nodeTracker) deviceInfo(global uint32, info objectInfoEvent) {
	device, ok := t.devices.Get(global)
	if !ok {
		return
	}

	// a subscription alone does not deliver route changes
	for _, p := range info.Params {
		if p.ID != spa.ParamRoute {
			continue
		}
		if err := t.send.enumParams(device.proxy, spa.ParamRoute); err != nil {
			t.logger.Warnw("Failed to enumerate device routes", "global", global, "error", err)
		}
	}
}

func (t *nodeTracker) deviceParam(global uint32, ev paramEvent) {
	if ev.ID != spa.ParamRoute {
		return
	}

	obj, ok := ev.Param.(spa.Object)
	if !ok {
		t.logger.Warnw("Device route is not an object", "global", global, "type", podType(ev.Param))
		return
	}

	route, index, props, ok := parseRoute(obj)
	if !ok {
		t.logger.Warnw("Received incomplete route", "global", global)
		return
	}

	if device, ok := t.devices.Get(global); ok {
		device.indices[route] = index
	} else {
		t.logger.Warnw("Route for untracked device", "global", global, "route", route)
	}

	node, ok := t.nodes.Find(func(n *trackedNode) bool {
		return n.hasDevice && n.device == global && n.state.HasRoute && n.state.Route == route
	})
	if !ok {
		t.logger.Debugw("No node consumed route", "global", global, "route", route)
		return
	}

	if updateParams(&node.state, props) {
		t.publish(node.class)
	}
}

func parseRoute(obj spa.Object) (route, index uint32, props spa.Object, ok bool) {
	var hasRoute, hasIndex, hasProps bool

	for _, p := range obj.Props {
		switch p.Key {
		case spa.RouteDevice:
			if v, ok := spa.AsInt(p.Value); ok {
				route, hasRoute = uint32(v), true
			}
		case spa.RouteIndex:
			if v, ok := spa.AsInt(p.Value); ok {
				index, hasIndex = uint32(v), true
			}
		case spa.RouteProps:
			props, hasProps = p.Value.(spa.Object)
		}
	}

	return route, index, props, hasRoute && hasIndex && hasProps
}

func (t *nodeTracker) updateProps(node *trackedNode, props map[string]string) bool {
	changed := false
	state := &node.state

	if name, ok := props[propNodeName]; ok {
		changed = changed || name != state.Name
		state.Name = name
	}

	if desc, ok := props[propNodeDesc]; ok {
		changed = changed || desc != state.Description
		state.Description = desc
	}

	if route, ok := t.parseID(props, propProfileRoute, state.ID); ok {
		changed = changed || !state.HasRoute || route != state.Route
		state.Route, state.HasRoute = route, true
	}

	return changed
}

// updateParams applies a Props object. Volumes arrive linear and are stored
// perceptual.
func updateParams(state *audio.NodeState, params spa.Object) bool {
	changed := false

	for _, p := range params.Props {
		switch p.Key {
		case spa.PropChannelVolumes:
			linear, ok := spa.Floats(p.Value)
			if !ok {
				continue
			}

			volume := make([]float32, len(linear))
			for i, v := range linear {
				volume[i] = audio.LinearToPerceptual(v)
			}

			changed = changed || !slices.Equal(volume, state.Volume)
			state.Volume = volume
		case spa.PropMute:
			mute, ok := spa.AsBool(p.Value)
			if !ok {
				continue
			}

			changed = changed || mute != state.Mute
			state.Mute = mute
		}
	}

	return changed
}

func (t *nodeTracker) setVolume(name string, volume []float32) error {
	linear := make([]float32, len(volume))
	for i, v := range volume {
		linear[i] = audio.PerceptualToLinear(v)
	}

	return t.set(name, spa.PropsObject(spa.Prop{Key: spa.PropChannelVolumes, Value: spa.FloatArray(linear)}))
}

func (t *nodeTracker) setMute(name string, mute bool) error {
	return t.set(name, spa.PropsObject(spa.Prop{Key: spa.PropMute, Value: spa.Bool(mute)}))
}

// set writes props to the node named name, through the card route when the
// node belongs to a card.
func (t *nodeTracker) set(name string, props spa.Object) error {
	node, ok := t.nodes.Find(func(n *trackedNode) bool { return n.state.Name == name })
	if !ok {
		return fmt.Errorf("set %s: %w", name, audio.ErrNodeNotFound)
	}

	if !node.hasDevice {
		return t.send.setParam(node.proxy, spa.ParamProps, props)
	}

	if !node.state.HasRoute {
		return fmt.Errorf("set %s: %w", name, errNoRoute)
	}

	device, ok := t.devices.Get(node.device)
	if !ok {
		return fmt.Errorf("set %s on device %d: %w", name, node.device, errDeviceMissing)
	}

	index, ok := device.indices[node.state.Route]
	if !ok {
		return fmt.Errorf("set %s: %w %d of device %d", name, errNoRouteIndex, node.state.Route, node.device)
	}

	route := spa.RouteObject(int32(node.state.Route), int32(index), props, true)

	return t.send.setParam(device.proxy, spa.ParamRoute, route)
}

func (t *nodeTracker) snapshot(class audio.Class) []audio.NodeState {
	states := []audio.NodeState{}
	for _, n := range t.nodes.Values() {
		if n.class == class {
			states = append(states, n.state.Clone())
		}
	}

	return states
}

func (t *nodeTracker) publish(class audio.Class) {
	feed := t.sinks
	if class == audio.ClassSource {
		feed = t.sources
	}

	feed.Send(t.snapshot(class))
}

// trigger republishes both classes without a change.
func (t *nodeTracker) trigger() {
	t.publish(audio.ClassSink)
	t.publish(audio.ClassSource)
}

func podType(pod spa.Pod) string {
	if pod == nil {
		return "nothing"
	}

	return pod.Type().String()
}
