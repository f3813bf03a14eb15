package ndarray

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DType is the element type of an array. The set is closed: a dataset's
// type is chosen once, when its descriptor is created.
type DType int

// Supported element types
const (
	InvalidDType DType = iota
	Uint8
	Uint16
	Uint32
	Uint64
	Int8
	Int16
	Int32
	Int64
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	Uint8:   "uint8",
	Uint16:  "uint16",
	Uint32:  "uint32",
	Uint64:  "uint64",
	Int8:    "int8",
	Int16:   "int16",
	Int32:   "int32",
	Int64:   "int64",
	Float32: "float32",
	Float64: "float64",
}

// ParseDType returns the DType with the given name.
func ParseDType(name string) (DType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range dtypeNames {
		if n == name {
			return t, nil
		}
	}
	return InvalidDType, fmt.Errorf("unsupported element type %q", name)
}

func (t DType) String() string {
	if n, ok := dtypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("DType(%d)", int(t))
}

// Size returns the width of one element in bytes.
func (t DType) Size() int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Uint64, Int64, Float64:
		return 8
	}
	return 0
}

// Valid reports whether t is one of the supported element types.
func (t DType) Valid() bool {
	_, ok := dtypeNames[t]
	return ok
}

// MarshalJSON encodes the type by name. InvalidDType encodes as "".
func (t DType) MarshalJSON() ([]byte, error) {
	if t == InvalidDType {
		return []byte(`""`), nil
	}
	if !t.Valid() {
		return nil, fmt.Errorf("cannot encode %s", t)
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a type name.
func (t *DType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	if name == "" {
		*t = InvalidDType
		return nil
	}
	parsed, err := ParseDType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
