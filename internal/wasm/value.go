package wasm

// ValueType is a WebAssembly value type, encoded as its single-byte binary
// format tag. See https://www.w3.org/TR/wasm-core-1/#value-types%E2%91%A4
type ValueType byte

const (
	ValueTypeI32       ValueType = 0x7f
	ValueTypeI64       ValueType = 0x7e
	ValueTypeF32       ValueType = 0x7d
	ValueTypeF64       ValueType = 0x7c
	ValueTypeFuncref   ValueType = 0x70
	ValueTypeExternref ValueType = 0x6f
)

func (v ValueType) String() string {
	switch v {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether v is one of i32/i64/f32/f64.
func (v ValueType) IsNumeric() bool {
	switch v {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return true
	}
	return false
}

// IsReference reports whether v is funcref or externref.
func (v ValueType) IsReference() bool {
	return v == ValueTypeFuncref || v == ValueTypeExternref
}

func isValidValueType(b byte) bool {
	switch ValueType(b) {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64, ValueTypeFuncref, ValueTypeExternref:
		return true
	}
	return false
}

func sameValueTypes(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
