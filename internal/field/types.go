package field

import (
	"fmt"
	"strings"
)

// PrimitiveType is the in-target storage type of a field.
type PrimitiveType int

const (
	I8 PrimitiveType = iota + 1
	U8
	I16
	U16
	I32
	U32
	F32
	F64
)

var typeNames = map[PrimitiveType]string{
	I8:  "INT8",
	U8:  "UINT8",
	I16: "INT16",
	U16: "UINT16",
	I32: "INT32",
	U32: "UINT32",
	F32: "FLOAT",
	F64: "DOUBLE",
}

// aliases accepted by ParseType in addition to the canonical names
var typeAliases = map[string]PrimitiveType{
	"I8":  I8,
	"U8":  U8,
	"I16": I16,
	"U16": U16,
	"I32": I32,
	"U32": U32,
	"F32": F32,
	"F64": F64,
}

// ParseType maps a layout type name (INT8 ... DOUBLE, or I8 ... F64) to a PrimitiveType.
func ParseType(name string) (PrimitiveType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	for t, n := range typeNames {
		if n == upper {
			return t, nil
		}
	}
	if t, ok := typeAliases[upper]; ok {
		return t, nil
	}

	return 0, fmt.Errorf("unknown primitive type %q", name)
}

func (t PrimitiveType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("PrimitiveType(%d)", int(t))
}

// Size returns the width in bytes, or 0 for an unknown type.
func (t PrimitiveType) Size() int {
	switch t {
	case I8, U8:
		return 1
	case I16, U16:
		return 2
	case I32, U32, F32:
		return 4
	case F64:
		return 8
	default:
		return 0
	}
}

// Signed reports whether the type is a signed integer or a float.
func (t PrimitiveType) Signed() bool {
	switch t {
	case I8, I16, I32, F32, F64:
		return true
	default:
		return false
	}
}

// IsFloat reports whether the type is IEEE-754.
func (t PrimitiveType) IsFloat() bool {
	return t == F32 || t == F64
}

// Direction selects which target struct a field lives in.
type Direction int

const (
	Read Direction = iota + 1
	Write
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func (d Direction) String() string {
	switch d {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Spec describes one typed, scaled field. Immutable once loaded.
type Spec struct {
	ID          string
	Name        string
	Description string
	Type        PrimitiveType
	Signed      bool
	Scale       float64
	Unit        string
	// Offset is relative to instance 0 of Group, or to the struct base
	// when Group is empty.
	Offset    int
	Direction Direction
	Group     string
}

// Size is shorthand for s.Type.Size().
func (s Spec) Size() int {
	return s.Type.Size()
}
