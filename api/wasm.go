// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#import-section%E2%91%A0
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#export-section%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

const (
	ExternTypeFuncName   = "func"
	ExternTypeTableName  = "table"
	ExternTypeMemoryName = "memory"
	ExternTypeGlobalName = "global"
)

// ExternTypeName returns the text format field name of the given type.
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return ExternTypeFuncName
	case ExternTypeTable:
		return ExternTypeTableName
	case ExternTypeMemory:
		return ExternTypeMemoryName
	case ExternTypeGlobal:
		return ExternTypeGlobalName
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a numeric type used in WebAssembly 1.0 (20191205).
// Function parameters and results are only definable as a value type.
//
// The following describes how to convert between Wasm and Go types:
//   - ValueTypeI32 - uint64(uint32,int32)
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 and DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64 and DecodeF64 from float64
//   - ValueTypeFuncref / ValueTypeExternref - an opaque handle; see
//     EncodeExternref/DecodeExternref. A null reference is RefNull.
//
// Note: this is a type alias as it is easier to encode and decode in the
// binary format.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	ValueTypeI32       ValueType = 0x7f
	ValueTypeI64       ValueType = 0x7e
	ValueTypeF32       ValueType = 0x7d
	ValueTypeF64       ValueType = 0x7c
	ValueTypeFuncref   ValueType = 0x70
	ValueTypeExternref ValueType = 0x6f
)

// RefNull is the bit pattern of the null reference, for both funcref and
// externref values.
const RefNull uint64 = ^uint64(0)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
// It returns "unknown" for an undefined ValueType value.
func ValueTypeName(t ValueType) string {
	switch t {
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
	}
	return "unknown"
}

// Module is functions, memory, and globals exported from an instantiated
// module (Runtime.InstantiateModule).
//
// Note: this is an interface for decoupling, not third-party
// implementations. All implementations are in tinywasm.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type Module interface {
	fmt.Stringer

	// Name is the name this module was instantiated with.
	Name() string

	// Memory returns the module's memory, or nil if it declares none.
	Memory() Memory

	// ExportedFunction returns a function exported from this module or
	// nil if it wasn't.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module or nil
	// if it wasn't.
	ExportedMemory(name string) Memory

	// ExportedGlobal returns a global exported from this module or nil
	// if it wasn't.
	ExportedGlobal(name string) Global

	Closer
}

// Closer closes a resource.
type Closer interface {
	// Close releases resources associated with this module. The module
	// stays registered under its instantiation name, so that name is not
	// available for reuse. Note: when the context is
	// nil, it defaults to context.Background.
	Close(context.Context) error
}

// Function is a WebAssembly 1.0 (20191205) function exported from an
// instantiated module.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#syntax-func
type Function interface {
	// ParamTypes are the possibly empty sequence of value types accepted
	// by a function with this signature.
	ParamTypes() []ValueType

	// ResultTypes are the possibly empty sequence of value types
	// returned by a function with this signature.
	//
	// Note: in WebAssembly 1.0 (20191205), there can be at most one
	// result.
	ResultTypes() []ValueType

	// Call invokes the function with parameters encoded according to
	// ParamTypes, returning results encoded according to ResultTypes. A
	// *wasmruntime.Trap is returned (wrapped) if execution aborted.
	//
	// Note: when the context is nil, it defaults to context.Background.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Global is a WebAssembly 1.0 (20191205) global exported from an
// instantiated module.
//
// Globals are allowed by the specification to be mutable. When in doubt,
// type-assert to MutableGlobal to find out if the value can change:
//
//	g := module.ExportedGlobal("offset")
//	if _, ok := g.(api.MutableGlobal); ok {
//		// value can change
//	}
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#globals%E2%91%A0
type Global interface {
	fmt.Stringer

	// Type describes the numeric type of the global.
	Type() ValueType

	// Get returns the last known value of this global.
	Get(context.Context) uint64
}

// MutableGlobal is a Global whose value can be updated at run time.
type MutableGlobal interface {
	Global

	// Set updates the value of this global.
	Set(ctx context.Context, v uint64)
}

// Memory allows restricted access to a module's linear memory. This does
// not allow growing beyond what Grow permits.
//
// Note: all multi-byte values are little-endian, matching the WebAssembly
// core specification.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#storage%E2%91%A0
type Memory interface {
	// Size returns the size in bytes available. Ex. If the underlying
	// memory has 1 page: 65536.
	Size(context.Context) uint32

	// Grow increases memory by the delta in pages (65536 bytes per
	// page). The return value is the previous memory size in pages, or
	// false if the delta was ignored as it exceeds the max memory.
	//
	// Note: this is the same as the "memory.grow" instruction, except it
	// returns false instead of -1 on failure.
	Grow(ctx context.Context, deltaPages uint32) (previousPages uint32, ok bool)

	// ReadByte reads a single byte at the offset, or false if out of
	// range.
	ReadByte(ctx context.Context, offset uint32) (byte, bool)

	// ReadUint32Le reads a uint32 in little-endian encoding at the
	// offset, or false if out of range.
	ReadUint32Le(ctx context.Context, offset uint32) (uint32, bool)

	// ReadUint64Le reads a uint64 in little-endian encoding at the
	// offset, or false if out of range.
	ReadUint64Le(ctx context.Context, offset uint32) (uint64, bool)

	// Read reads byteCount bytes at the offset, or false if out of
	// range.
	//
	// This returns a view of the underlying memory, not a copy: writes
	// to the returned slice are visible to Wasm code and vice versa.
	Read(ctx context.Context, offset, byteCount uint32) ([]byte, bool)

	// WriteByte writes a single byte at the offset, or false if out of
	// range.
	WriteByte(ctx context.Context, offset uint32, v byte) bool

	// WriteUint32Le writes v in little-endian encoding at the offset, or
	// false if out of range.
	WriteUint32Le(ctx context.Context, offset, v uint32) bool

	// WriteUint64Le writes v in little-endian encoding at the offset, or
	// false if out of range.
	WriteUint64Le(ctx context.Context, offset uint32, v uint64) bool

	// Write writes v at the offset, or false if out of range.
	Write(ctx context.Context, offset uint32, v []byte) bool
}

// EncodeExternref encodes the input as a ValueTypeExternref handle.
// See DecodeExternref
func EncodeExternref(input uintptr) uint64 {
	return uint64(input)
}

// DecodeExternref decodes the input as a ValueTypeExternref handle.
// See EncodeExternref
func DecodeExternref(input uint64) uintptr {
	return uintptr(input)
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
// See DecodeF32
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
// See EncodeF32
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
// See DecodeF64
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
// See EncodeF64
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}

// MemorySizer applies during compilation, after a module has been decoded
// but before it is instantiated. It determines the amount of memory pages
// (65536 bytes per page) to use when a memory is instantiated as a
// []byte.
//
// Ex. Here's how to set the capacity to max instead of min, when set:
//
//	capIsMax := func(minPages uint32, maxPages *uint32) (min, capacity, max uint32) {
//		if maxPages != nil {
//			return minPages, *maxPages, *maxPages
//		}
//		return minPages, minPages, 65536
//	}
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
type MemorySizer func(minPages uint32, maxPages *uint32) (min, capacity, max uint32)
