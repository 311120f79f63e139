package spa

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const headerSize = 8

var (
	// ErrShortBuffer is returned when a POD claims more bytes than available.
	ErrShortBuffer = errors.New("spa: short buffer")

	// ErrUnsupported is returned when a value cannot be encoded.
	ErrUnsupported = errors.New("spa: unsupported value")
)

var order = binary.LittleEndian

func pad8(n int) int {
	return (n + 7) &^ 7
}

// Marshal encodes pod including its trailing padding.
func Marshal(pod Pod) ([]byte, error) {
	var e encoder
	if err := e.pod(pod); err != nil {
		return nil, err
	}

	return e.buf, nil
}

type encoder struct {
	buf []byte
}

func (e *encoder) u32(v uint32) {
	e.buf = order.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = order.AppendUint64(e.buf, v)
}

func (e *encoder) padTo8() {
	for len(e.buf)%8 != 0 {
		e.buf = append(e.buf, 0)
	}
}

// pod writes header, body and padding.
func (e *encoder) pod(p Pod) error {
	if p == nil {
		p = None{}
	}

	start := len(e.buf)
	e.u32(0)
	e.u32(uint32(p.Type()))

	if err := e.body(p); err != nil {
		return err
	}

	order.PutUint32(e.buf[start:], uint32(len(e.buf)-start-headerSize))
	e.padTo8()

	return nil
}

func (e *encoder) body(p Pod) error {
	switch v := p.(type) {
	case None:
	case Bool:
		if v {
			e.u32(1)
		} else {
			e.u32(0)
		}
	case ID:
		e.u32(uint32(v))
	case Int:
		e.u32(uint32(v))
	case Long:
		e.u64(uint64(v))
	case Float:
		e.u32(math.Float32bits(float32(v)))
	case Double:
		e.u64(math.Float64bits(float64(v)))
	case Fd:
		e.u64(uint64(v))
	case String:
		e.buf = append(e.buf, v...)
		e.buf = append(e.buf, 0)
	case Bytes:
		e.buf = append(e.buf, v...)
	case Rectangle:
		e.u32(v.Width)
		e.u32(v.Height)
	case Fraction:
		e.u32(v.Num)
		e.u32(v.Denom)
	case Pointer:
		e.u32(v.PointerType)
		e.u32(0)
		e.u64(v.Value)
	case Raw:
		e.buf = append(e.buf, v.Body...)
	case Struct:
		for _, child := range v {
			if err := e.pod(child); err != nil {
				return err
			}
		}
	case Object:
		e.u32(v.ObjectType)
		e.u32(v.ID)
		for _, prop := range v.Props {
			e.u32(prop.Key)
			e.u32(prop.Flags)
			if err := e.pod(prop.Value); err != nil {
				return err
			}
		}
	case Array:
		return e.packed(v.Child, v.Values)
	case Choice:
		e.u32(v.Kind)
		e.u32(v.Flags)
		return e.packed(v.Child, v.Values)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, p)
	}

	return nil
}

// packed writes a child header followed by values without padding.
func (e *encoder) packed(child Type, values []Pod) error {
	size, ok := elementSize(child)
	if !ok {
		return fmt.Errorf("%w: array of %s", ErrUnsupported, child)
	}

	e.u32(uint32(size))
	e.u32(uint32(child))

	for _, v := range values {
		if v == nil || v.Type() != child {
			return fmt.Errorf("%w: %T in array of %s", ErrUnsupported, v, child)
		}
		if err := e.body(v); err != nil {
			return err
		}
	}

	return nil
}

func elementSize(t Type) (int, bool) {
	switch t {
	case TypeNone:
		return 0, true
	case TypeBool, TypeID, TypeInt, TypeFloat:
		return 4, true
	case TypeLong, TypeDouble, TypeFd, TypeRectangle, TypeFraction:
		return 8, true
	default:
		return 0, false
	}
}

// Unmarshal decodes the POD at the start of b. It returns the number of bytes
// consumed including padding.
func Unmarshal(b []byte) (Pod, int, error) {
	if len(b) < headerSize {
		return nil, 0, ErrShortBuffer
	}

	size := int(order.Uint32(b))
	t := Type(order.Uint32(b[4:]))

	if headerSize+size > len(b) {
		return nil, 0, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShortBuffer, t, size, len(b)-headerSize)
	}

	body := b[headerSize : headerSize+size]

	pod, err := decodeBody(t, body)
	if err != nil {
		return nil, 0, err
	}

	return pod, min(pad8(headerSize+size), len(b)), nil
}

func decodeBody(t Type, body []byte) (Pod, error) {
	need := func(n int) error {
		if len(body) < n {
			return fmt.Errorf("%w: %s body of %d bytes", ErrShortBuffer, t, len(body))
		}
		return nil
	}

	switch t {
	case TypeNone:
		return None{}, nil
	case TypeBool:
		if err := need(4); err != nil {
			return nil, err
		}
		return Bool(order.Uint32(body) != 0), nil
	case TypeID:
		if err := need(4); err != nil {
			return nil, err
		}
		return ID(order.Uint32(body)), nil
	case TypeInt:
		if err := need(4); err != nil {
			return nil, err
		}
		return Int(int32(order.Uint32(body))), nil
	case TypeLong:
		if err := need(8); err != nil {
			return nil, err
		}
		return Long(int64(order.Uint64(body))), nil
	case TypeFloat:
		if err := need(4); err != nil {
			return nil, err
		}
		return Float(math.Float32frombits(order.Uint32(body))), nil
	case TypeDouble:
		if err := need(8); err != nil {
			return nil, err
		}
		return Double(math.Float64frombits(order.Uint64(body))), nil
	case TypeFd:
		if err := need(8); err != nil {
			return nil, err
		}
		return Fd(int64(order.Uint64(body))), nil
	case TypeString:
		if len(body) == 0 {
			return String(""), nil
		}
		end := len(body)
		for i, c := range body {
			if c == 0 {
				end = i
				break
			}
		}
		return String(body[:end]), nil
	case TypeBytes:
		return Bytes(append([]byte(nil), body...)), nil
	case TypeRectangle:
		if err := need(8); err != nil {
			return nil, err
		}
		return Rectangle{Width: order.Uint32(body), Height: order.Uint32(body[4:])}, nil
	case TypeFraction:
		if err := need(8); err != nil {
			return nil, err
		}
		return Fraction{Num: order.Uint32(body), Denom: order.Uint32(body[4:])}, nil
	case TypePointer:
		if err := need(16); err != nil {
			return nil, err
		}
		return Pointer{PointerType: order.Uint32(body), Value: order.Uint64(body[8:])}, nil
	case TypeStruct:
		fields, err := decodeStruct(body)
		if err != nil {
			return nil, err
		}
		return fields, nil
	case TypeObject:
		obj, err := decodeObject(body)
		if err != nil {
			return nil, err
		}
		return obj, nil
	case TypeArray:
		child, values, err := decodePacked(body)
		if err != nil {
			return nil, err
		}
		return Array{Child: child, Values: values}, nil
	case TypeChoice:
		if err := need(8); err != nil {
			return nil, err
		}
		child, values, err := decodePacked(body[8:])
		if err != nil {
			return nil, err
		}
		return Choice{Kind: order.Uint32(body), Flags: order.Uint32(body[4:]), Child: child, Values: values}, nil
	default:
		return Raw{RawType: t, Body: append([]byte(nil), body...)}, nil
	}
}

func decodeStruct(body []byte) (Struct, error) {
	fields := Struct{}

	for off := 0; off < len(body); {
		pod, n, err := Unmarshal(body[off:])
		if err != nil {
			return nil, fmt.Errorf("struct field %d: %w", len(fields), err)
		}

		fields = append(fields, pod)
		off += n
	}

	return fields, nil
}

func decodeObject(body []byte) (Object, error) {
	if len(body) < 8 {
		return Object{}, fmt.Errorf("%w: object body of %d bytes", ErrShortBuffer, len(body))
	}

	obj := Object{ObjectType: order.Uint32(body), ID: order.Uint32(body[4:])}

	for off := 8; off < len(body); {
		if len(body)-off < 8 {
			return Object{}, fmt.Errorf("%w: truncated property", ErrShortBuffer)
		}

		key := order.Uint32(body[off:])
		flags := order.Uint32(body[off+4:])
		off += 8

		value, n, err := Unmarshal(body[off:])
		if err != nil {
			return Object{}, fmt.Errorf("property %#x: %w", key, err)
		}

		obj.Props = append(obj.Props, Prop{Key: key, Flags: flags, Value: value})
		off += n
	}

	return obj, nil
}

func decodePacked(body []byte) (Type, []Pod, error) {
	if len(body) < headerSize {
		return 0, nil, fmt.Errorf("%w: missing child header", ErrShortBuffer)
	}

	size := int(order.Uint32(body))
	child := Type(order.Uint32(body[4:]))
	data := body[headerSize:]

	if size == 0 {
		return child, nil, nil
	}

	values := make([]Pod, 0, len(data)/size)
	for off := 0; off+size <= len(data); off += size {
		v, err := decodeBody(child, data[off:off+size])
		if err != nil {
			return 0, nil, err
		}
		values = append(values, v)
	}

	return child, values, nil
}
