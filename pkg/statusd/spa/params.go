package spa

// Object types of parameter objects.
const (
	ObjectPropInfo     uint32 = 0x40001
	ObjectProps        uint32 = 0x40002
	ObjectFormat       uint32 = 0x40003
	ObjectParamProfile uint32 = 0x40007
	ObjectParamRoute   uint32 = 0x40009
)

// Param ids, used as object id and in enum/set/subscribe calls.
const (
	ParamInvalid     uint32 = 0
	ParamPropInfo    uint32 = 1
	ParamProps       uint32 = 2
	ParamEnumFormat  uint32 = 3
	ParamFormat      uint32 = 4
	ParamEnumProfile uint32 = 8
	ParamProfile     uint32 = 9
	ParamEnumRoute   uint32 = 12
	ParamRoute       uint32 = 13
)

// Keys of Props objects.
const (
	PropVolume         uint32 = 0x10003
	PropMute           uint32 = 0x10004
	PropChannelVolumes uint32 = 0x10008
	PropVolumeBase     uint32 = 0x10009
	PropVolumeStep     uint32 = 0x1000a
	PropChannelMap     uint32 = 0x1000b
	PropSoftMute       uint32 = 0x1000f
	PropSoftVolumes    uint32 = 0x10010
)

// Keys of Route objects.
const (
	RouteIndex       uint32 = 1
	RouteDirection   uint32 = 2
	RouteDevice      uint32 = 3
	RouteName        uint32 = 4
	RouteDescription uint32 = 5
	RoutePriority    uint32 = 6
	RouteAvailable   uint32 = 7
	RouteInfo        uint32 = 8
	RouteProfiles    uint32 = 9
	RouteProps       uint32 = 10
	RouteDevices     uint32 = 11
	RouteProfile     uint32 = 12
	RouteSave        uint32 = 13
)

// Param info flags announced in node and device info.
const (
	ParamInfoSerial uint32 = 1 << 0
	ParamInfoRead   uint32 = 1 << 1
	ParamInfoWrite  uint32 = 1 << 2
)

// PropsObject builds a Props parameter object.
func PropsObject(props ...Prop) Object {
	return Object{ObjectType: ObjectProps, ID: ParamProps, Props: props}
}

// RouteObject builds a Route parameter that applies props to the profile
// device of a card through the route at index.
func RouteObject(device, index int32, props Object, save bool) Object {
	return Object{
		ObjectType: ObjectParamRoute,
		ID:         ParamRoute,
		Props: []Prop{
			{Key: RouteDevice, Value: Int(device)},
			{Key: RouteIndex, Value: Int(index)},
			{Key: RouteProps, Value: props},
			{Key: RouteSave, Value: Bool(save)},
		},
	}
}
