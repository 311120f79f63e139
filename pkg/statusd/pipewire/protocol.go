package pipewire

import (
	"fmt"
	"sort"

	"github.com/MixyLabs/statusd/pkg/statusd/spa"
)

const (
	protocolVersion = 3

	coreID   uint32 = 0
	clientID uint32 = 1
)

// Interface types and the versions bound for them.
const (
	typeRegistry = "PipeWire:Interface:Registry"
	typeNode     = "PipeWire:Interface:Node"
	typeDevice   = "PipeWire:Interface:Device"
	typeMetadata = "PipeWire:Interface:Metadata"

	registryVersion = 3
	nodeVersion     = 3
	deviceVersion   = 3
	metadataVersion = 3
)

// Method opcodes.
const (
	coreHello       uint8 = 1
	coreSync        uint8 = 2
	corePong        uint8 = 3
	coreGetRegistry uint8 = 5

	clientUpdateProperties uint8 = 2

	registryBind uint8 = 1

	paramsSubscribe uint8 = 1
	paramsEnum      uint8 = 2
	paramsSet       uint8 = 3

	metadataSetProperty uint8 = 1
)

// Event opcodes.
const (
	coreInfo     uint8 = 0
	coreDone     uint8 = 1
	corePing     uint8 = 2
	coreError    uint8 = 3
	coreRemoveID uint8 = 4
	coreBoundID  uint8 = 5

	registryGlobal       uint8 = 0
	registryGlobalRemove uint8 = 1

	objectInfo  uint8 = 0
	objectParam uint8 = 1

	metadataProperty uint8 = 0
)

// Change mask bits of node and device info events.
const (
	nodeChangeProps    uint64 = 1 << 3
	nodeChangeParams   uint64 = 1 << 4
	deviceChangeProps  uint64 = 1 << 0
	deviceChangeParams uint64 = 1 << 1
)

// argReader walks the fields of an argument struct. The first mismatch sticks
// in err and every later read returns a zero value.
type argReader struct {
	args spa.Struct
	pos  int
	err  error
}

func newArgReader(args spa.Struct) *argReader {
	return &argReader{args: args}
}

func (r *argReader) next(want spa.Type) spa.Pod {
	if r.err != nil {
		return nil
	}
	if r.pos >= len(r.args) {
		r.err = fmt.Errorf("missing argument %d (%s)", r.pos, want)
		return nil
	}

	pod := r.args[r.pos]
	r.pos++

	if want != spa.TypePod && pod.Type() != want {
		r.err = fmt.Errorf("argument %d is %s, want %s", r.pos-1, pod.Type(), want)
		return nil
	}

	return pod
}

func (r *argReader) int() int32 {
	v, _ := r.next(spa.TypeInt).(spa.Int)
	return int32(v)
}

func (r *argReader) uint() uint32 {
	return uint32(r.int())
}

func (r *argReader) long() int64 {
	v, _ := r.next(spa.TypeLong).(spa.Long)
	return int64(v)
}

func (r *argReader) id() uint32 {
	v, _ := r.next(spa.TypeID).(spa.ID)
	return uint32(v)
}

// optString reads a String that may be sent as None.
func (r *argReader) optString() (string, bool) {
	pod := r.next(spa.TypePod)
	if pod == nil {
		return "", false
	}

	switch v := pod.(type) {
	case spa.String:
		return string(v), true
	case spa.None:
		return "", false
	default:
		r.err = fmt.Errorf("argument %d is %s, want String", r.pos-1, pod.Type())
		return "", false
	}
}

func (r *argReader) string() string {
	s, _ := r.optString()
	return s
}

func (r *argReader) structure() spa.Struct {
	v, _ := r.next(spa.TypeStruct).(spa.Struct)
	return v
}

func (r *argReader) pod() spa.Pod {
	return r.next(spa.TypePod)
}

func (r *argReader) dict() map[string]string {
	s := r.structure()
	if r.err != nil {
		return nil
	}

	props, err := decodeDict(s)
	if err != nil {
		r.err = err
	}

	return props
}

func (r *argReader) params() []paramInfo {
	s := r.structure()
	if r.err != nil {
		return nil
	}

	params, err := decodeParams(s)
	if err != nil {
		r.err = err
	}

	return params
}

// encodeDict writes Struct(Int n, (String key, String value)*) in key order.
func encodeDict(props map[string]string) spa.Struct {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dict := spa.Struct{spa.Int(int32(len(keys)))}
	for _, k := range keys {
		dict = append(dict, spa.String(k), spa.String(props[k]))
	}

	return dict
}

func decodeDict(s spa.Struct) (map[string]string, error) {
	r := newArgReader(s)
	n := int(r.int())
	if r.err != nil {
		return nil, fmt.Errorf("decode dict: %w", r.err)
	}

	props := make(map[string]string, n)
	for i := 0; i < n; i++ {
		key := r.string()
		value := r.string()
		if r.err != nil {
			return nil, fmt.Errorf("decode dict item %d: %w", i, r.err)
		}
		props[key] = value
	}

	return props, nil
}

type paramInfo struct {
	ID    uint32
	Flags uint32
}

func decodeParams(s spa.Struct) ([]paramInfo, error) {
	r := newArgReader(s)
	n := int(r.int())

	params := make([]paramInfo, 0, max(n, 0))
	for i := 0; i < n && r.err == nil; i++ {
		params = append(params, paramInfo{ID: r.id(), Flags: r.uint()})
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode params: %w", r.err)
	}

	return params, nil
}

type globalEvent struct {
	ID          uint32
	Permissions uint32
	Type        string
	Version     uint32
	Props       map[string]string
}

func parseGlobal(args spa.Struct) (globalEvent, error) {
	r := newArgReader(args)
	ev := globalEvent{
		ID:          r.uint(),
		Permissions: r.uint(),
		Type:        r.string(),
		Version:     r.uint(),
		Props:       r.dict(),
	}

	return ev, r.err
}

type coreErrorEvent struct {
	ID      uint32
	Seq     int32
	Res     int32
	Message string
}

func parseCoreError(args spa.Struct) (coreErrorEvent, error) {
	r := newArgReader(args)
	ev := coreErrorEvent{
		ID:      r.uint(),
		Seq:     r.int(),
		Res:     r.int(),
		Message: r.string(),
	}

	return ev, r.err
}

// objectInfoEvent is the part of node and device info the trackers use.
type objectInfoEvent struct {
	ID         uint32
	ChangeMask uint64
	Props      map[string]string
	Params     []paramInfo
}

func parseNodeInfo(args spa.Struct) (objectInfoEvent, error) {
	r := newArgReader(args)

	var ev objectInfoEvent
	ev.ID = r.uint()
	r.int() // max input ports
	r.int() // max output ports
	ev.ChangeMask = uint64(r.long())
	r.int() // input ports
	r.int() // output ports
	r.id()  // state
	r.optString()
	ev.Props = r.dict()
	ev.Params = r.params()

	return ev, r.err
}

func parseDeviceInfo(args spa.Struct) (objectInfoEvent, error) {
	r := newArgReader(args)
	ev := objectInfoEvent{
		ID:         r.uint(),
		ChangeMask: uint64(r.long()),
		Props:      r.dict(),
		Params:     r.params(),
	}

	return ev, r.err
}

type paramEvent struct {
	Seq   int32
	ID    uint32
	Index uint32
	Next  uint32
	Param spa.Pod
}

func parseParam(args spa.Struct) (paramEvent, error) {
	r := newArgReader(args)
	ev := paramEvent{
		Seq:   r.int(),
		ID:    r.id(),
		Index: r.uint(),
		Next:  r.uint(),
		Param: r.pod(),
	}

	return ev, r.err
}

type propertyEvent struct {
	Subject  uint32
	Key      string
	HasKey   bool
	Type     string
	Value    string
	HasValue bool
}

func parseProperty(args spa.Struct) (propertyEvent, error) {
	r := newArgReader(args)

	var ev propertyEvent
	ev.Subject = r.uint()
	ev.Key, ev.HasKey = r.optString()
	ev.Type, _ = r.optString()
	ev.Value, ev.HasValue = r.optString()

	return ev, r.err
}

func optional(s string, ok bool) spa.Pod {
	if !ok {
		return spa.None{}
	}

	return spa.String(s)
}

func helloArgs() spa.Struct {
	return spa.Struct{spa.Int(protocolVersion)}
}

func updatePropertiesArgs(props map[string]string) spa.Struct {
	return spa.Struct{encodeDict(props)}
}

func getRegistryArgs(newID uint32) spa.Struct {
	return spa.Struct{spa.Int(registryVersion), spa.Int(int32(newID))}
}

func syncArgs(seq uint32) spa.Struct {
	return spa.Struct{spa.Int(int32(coreID)), spa.Int(int32(seq))}
}

func pongArgs(id uint32, seq int32) spa.Struct {
	return spa.Struct{spa.Int(int32(id)), spa.Int(seq)}
}

func bindArgs(global uint32, typ string, version uint32, newID uint32) spa.Struct {
	return spa.Struct{spa.Int(int32(global)), spa.String(typ), spa.Int(int32(version)), spa.Int(int32(newID))}
}

func subscribeParamsArgs(ids ...uint32) spa.Struct {
	values := make([]spa.Pod, len(ids))
	for i, id := range ids {
		values[i] = spa.ID(id)
	}

	return spa.Struct{spa.Array{Child: spa.TypeID, Values: values}}
}

// enumParamsArgs asks for every value of param without a filter.
func enumParamsArgs(seq int32, param uint32) spa.Struct {
	return spa.Struct{spa.Int(seq), spa.ID(param), spa.Int(0), spa.Int(-1), spa.None{}}
}

func setParamArgs(param uint32, flags uint32, pod spa.Pod) spa.Struct {
	return spa.Struct{spa.ID(param), spa.Int(int32(flags)), pod}
}

func setPropertyArgs(subject uint32, key string, typ string, value string, hasValue bool) spa.Struct {
	return spa.Struct{
		spa.Int(int32(subject)),
		spa.String(key),
		optional(typ, hasValue),
		optional(value, hasValue),
	}
}
