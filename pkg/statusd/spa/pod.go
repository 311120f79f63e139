// Package spa encodes and decodes SPA POD values, the typed binary object
// format PipeWire uses for method arguments, events and parameters.
//
// Every POD starts with an 8 byte header (body size, type) followed by the
// body, padded to 8 bytes. Containers embed their children including padding.
package spa

import "fmt"

// Type is a POD type tag.
type Type uint32

const (
	TypeNone      Type = 1
	TypeBool      Type = 2
	TypeID        Type = 3
	TypeInt       Type = 4
	TypeLong      Type = 5
	TypeFloat     Type = 6
	TypeDouble    Type = 7
	TypeString    Type = 8
	TypeBytes     Type = 9
	TypeRectangle Type = 10
	TypeFraction  Type = 11
	TypeBitmap    Type = 12
	TypeArray     Type = 13
	TypeStruct    Type = 14
	TypeObject    Type = 15
	TypeSequence  Type = 16
	TypePointer   Type = 17
	TypeFd        Type = 18
	TypeChoice    Type = 19
	TypePod       Type = 20
)

func (t Type) String() string {
	names := map[Type]string{
		TypeNone: "None", TypeBool: "Bool", TypeID: "Id", TypeInt: "Int", TypeLong: "Long",
		TypeFloat: "Float", TypeDouble: "Double", TypeString: "String", TypeBytes: "Bytes",
		TypeRectangle: "Rectangle", TypeFraction: "Fraction", TypeBitmap: "Bitmap",
		TypeArray: "Array", TypeStruct: "Struct", TypeObject: "Object", TypeSequence: "Sequence",
		TypePointer: "Pointer", TypeFd: "Fd", TypeChoice: "Choice", TypePod: "Pod",
	}

	if name, ok := names[t]; ok {
		return name
	}

	return fmt.Sprintf("Type(%d)", uint32(t))
}

// Pod is any decoded POD value.
type Pod interface {
	Type() Type
}

type (
	None   struct{}
	Bool   bool
	ID     uint32
	Int    int32
	Long   int64
	Float  float32
	Double float64
	String string
	Bytes  []byte
	Fd     int64
)

// Rectangle is a width and height pair.
type Rectangle struct {
	Width, Height uint32
}

// Fraction is a numerator and denominator pair.
type Fraction struct {
	Num, Denom uint32
}

// Pointer is an opaque typed pointer value.
type Pointer struct {
	PointerType uint32
	Value       uint64
}

// Array holds values that all share the child type.
type Array struct {
	Child  Type
	Values []Pod
}

// Struct is an ordered list of PODs of any type.
type Struct []Pod

// Prop is one keyed entry of an Object.
type Prop struct {
	Key   uint32
	Flags uint32
	Value Pod
}

// Object is a typed set of keyed properties.
type Object struct {
	ObjectType uint32
	ID         uint32
	Props      []Prop
}

// Choice kinds.
const (
	ChoiceNone  uint32 = 0
	ChoiceRange uint32 = 1
	ChoiceStep  uint32 = 2
	ChoiceEnum  uint32 = 3
	ChoiceFlags uint32 = 4
)

// Choice is a set of alternatives. For ChoiceNone the first value is the value.
type Choice struct {
	Kind   uint32
	Flags  uint32
	Child  Type
	Values []Pod
}

// Raw keeps the body of a POD this package does not interpret.
type Raw struct {
	RawType Type
	Body    []byte
}

func (None) Type() Type      { return TypeNone }
func (Bool) Type() Type      { return TypeBool }
func (ID) Type() Type        { return TypeID }
func (Int) Type() Type       { return TypeInt }
func (Long) Type() Type      { return TypeLong }
func (Float) Type() Type     { return TypeFloat }
func (Double) Type() Type    { return TypeDouble }
func (String) Type() Type    { return TypeString }
func (Bytes) Type() Type     { return TypeBytes }
func (Fd) Type() Type        { return TypeFd }
func (Rectangle) Type() Type { return TypeRectangle }
func (Fraction) Type() Type  { return TypeFraction }
func (Pointer) Type() Type   { return TypePointer }
func (Array) Type() Type     { return TypeArray }
func (Struct) Type() Type    { return TypeStruct }
func (Object) Type() Type    { return TypeObject }
func (Choice) Type() Type    { return TypeChoice }
func (r Raw) Type() Type     { return r.RawType }

// Prop returns the value stored under key.
func (o Object) Prop(key uint32) (Pod, bool) {
	for _, p := range o.Props {
		if p.Key == key {
			return p.Value, true
		}
	}

	return nil, false
}

// FloatArray builds an array of floats.
func FloatArray(values []float32) Array {
	pods := make([]Pod, len(values))
	for i, v := range values {
		pods[i] = Float(v)
	}

	return Array{Child: TypeFloat, Values: pods}
}

// Unwrap returns the current value of a ChoiceNone, or pod itself.
func Unwrap(pod Pod) Pod {
	c, ok := pod.(Choice)
	if !ok || len(c.Values) == 0 {
		return pod
	}

	return c.Values[0]
}

// Floats extracts a float array, looking through a Choice.
func Floats(pod Pod) ([]float32, bool) {
	arr, ok := Unwrap(pod).(Array)
	if !ok || arr.Child != TypeFloat {
		return nil, false
	}

	values := make([]float32, 0, len(arr.Values))
	for _, v := range arr.Values {
		f, ok := v.(Float)
		if !ok {
			return nil, false
		}
		values = append(values, float32(f))
	}

	return values, true
}

// AsInt extracts an Int, looking through a Choice.
func AsInt(pod Pod) (int32, bool) {
	v, ok := Unwrap(pod).(Int)
	return int32(v), ok
}

// AsBool extracts a Bool, looking through a Choice.
func AsBool(pod Pod) (bool, bool) {
	v, ok := Unwrap(pod).(Bool)
	return bool(v), ok
}

// AsID extracts an Id, looking through a Choice.
func AsID(pod Pod) (uint32, bool) {
	v, ok := Unwrap(pod).(ID)
	return uint32(v), ok
}

// AsString extracts a String. None decodes as absent.
func AsString(pod Pod) (string, bool) {
	v, ok := pod.(String)
	return string(v), ok
}
