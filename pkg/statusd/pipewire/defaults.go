package pipewire

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MixyLabs/statusd/pkg/statusd/audio"
	"github.com/MixyLabs/statusd/pkg/statusd/fanout"
)

const (
	propMetadataName = "metadata.name"
	defaultMetadata  = "default"

	keyConfiguredSink   = "default.configured.audio.sink"
	keySink             = "default.audio.sink"
	keyConfiguredSource = "default.configured.audio.source"
	keySource           = "default.audio.source"

	jsonType = "Spa:String:JSON"
)

var errNoMetadata = errors.New("default metadata is not attached")

type defaultValue struct {
	Name string `json:"name"`
}

// defaultTracker follows the default metadata object of the graph.
type defaultTracker struct {
	logger *zap.SugaredLogger
	send   sender

	attached bool
	global   uint32
	proxy    uint32

	state audio.DefaultState
	feed  *fanout.Feed[audio.DefaultState]
}

func newDefaultTracker(logger *zap.SugaredLogger, send sender, feed *fanout.Feed[audio.DefaultState]) *defaultTracker {
	return &defaultTracker{
		logger: logger,
		send:   send,
		state:  audio.NewDefaultState(),
		feed:   feed,
	}
}

// add binds global if it is the default metadata object.
func (t *defaultTracker) add(global uint32, props map[string]string) {
	if props[propMetadataName] != defaultMetadata {
		return
	}

	proxy, err := t.send.bind(global, kindMetadata)
	if err != nil {
		t.logger.Warnw("Failed to bind default metadata", "global", global, "error", err)
		return
	}

	t.attached, t.global, t.proxy = true, global, proxy
	t.logger.Debugw("Attached default metadata", "global", global)
}

// detach drops the metadata object if global is the one attached. The last
// known state is kept.
func (t *defaultTracker) detach(global uint32) {
	if !t.attached || t.global != global {
		return
	}

	t.attached = false
	t.logger.Infow("Default metadata was removed from the graph", "global", global)
}

func (t *defaultTracker) property(ev propertyEvent) {
	if t.update(ev) {
		t.publish()
	}
}

// update applies one metadata property. A null key would clear every value,
// but servers send it spuriously, so it is ignored.
func (t *defaultTracker) update(ev propertyEvent) bool {
	if !ev.HasKey {
		return false
	}

	var field *string
	switch ev.Key {
	case keyConfiguredSink:
		field = &t.state.ConfiguredSink
	case keySink:
		field = &t.state.Sink
	case keyConfiguredSource:
		field = &t.state.ConfiguredSource
	case keySource:
		field = &t.state.Source
	default:
		t.logger.Debugw("Ignoring default metadata key", "key", ev.Key)
		return false
	}

	value := audio.Unknown
	if ev.HasValue {
		if name, err := parseDefaultValue(ev.Value); err != nil {
			t.logger.Warnw("Failed to parse default metadata value", "key", ev.Key, "value", ev.Value, "error", err)
		} else {
			value = name
		}
	}

	if *field == value {
		return false
	}

	*field = value

	return true
}

func parseDefaultValue(raw string) (string, error) {
	var parsed struct {
		Name *string `json:"name"`
	}

	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return "", err
	}
	if parsed.Name == nil {
		return "", errors.New("missing name")
	}

	return *parsed.Name, nil
}

func (t *defaultTracker) publish() {
	t.feed.Send(t.state)
}

func (t *defaultTracker) setSink(name string) error {
	return t.setDefault(keyConfiguredSink, name)
}

func (t *defaultTracker) setSource(name string) error {
	return t.setDefault(keyConfiguredSource, name)
}

func (t *defaultTracker) setDefault(key, name string) error {
	if !t.attached {
		return fmt.Errorf("set %s: %w", key, errNoMetadata)
	}

	value, err := json.Marshal(defaultValue{Name: name})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	return t.send.setProperty(t.proxy, 0, key, jsonType, string(value))
}
