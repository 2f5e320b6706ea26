package wasmruntime

import "math"

// Values on the operand stack are always a single uint64 bit pattern
// rather than a tagged union: i32/f32 occupy the low 32 bits zero-extended,
// i64/f64 occupy all 64 bits, and reference values are an opaque 64-bit
// handle (RefNull for the null reference, otherwise a function address for
// funcref or a host-assigned handle for externref).

// RefNull is the bit pattern representing the null reference, for both
// funcref and externref.
const RefNull uint64 = math.MaxUint64

func encodeI32(v int32) uint64  { return uint64(uint32(v)) }
func encodeI64(v int64) uint64  { return uint64(v) }
func encodeF32(v float32) uint64 { return uint64(math.Float32bits(v)) }
func encodeF64(v float64) uint64 { return math.Float64bits(v) }

func decodeI32(v uint64) int32   { return int32(uint32(v)) }
func decodeU32(v uint64) uint32  { return uint32(v) }
func decodeI64(v uint64) int64   { return int64(v) }
func decodeU64(v uint64) uint64  { return v }
func decodeF32(v uint64) float32 { return math.Float32frombits(uint32(v)) }
func decodeF64(v uint64) float64 { return math.Float64frombits(v) }
