package wasmruntime

import (
	"math"
	"math/bits"

	"github.com/danielstuart14/tinywasm/internal/wasm"
)

func isLoadOp(op wasm.Opcode) bool {
	return op >= wasm.OpcodeI32Load && op <= wasm.OpcodeI64Load32U
}

func isStoreOp(op wasm.Opcode) bool {
	return op >= wasm.OpcodeI32Store && op <= wasm.OpcodeI64Store32
}

func execLoad(mem *MemoryInstance, in *wasm.Instruction, stackp *[]uint64) {
	stack := *stackp
	base := decodeU32(stack[len(stack)-1])
	stack = stack[:len(stack)-1]
	addr := effectiveAddr(in, base)

	mem.mu.RLock()
	defer mem.mu.RUnlock()

	read := func(n uint64) []byte {
		boundsCheck(mem, addr, n)
		return mem.Data[addr : addr+n]
	}

	var v uint64
	switch in.Opcode {
	case wasm.OpcodeI32Load:
		v = uint64(littleEndianU32(read(4)))
	case wasm.OpcodeI64Load:
		v = littleEndianU64(read(8))
	case wasm.OpcodeF32Load:
		v = uint64(littleEndianU32(read(4)))
	case wasm.OpcodeF64Load:
		v = littleEndianU64(read(8))
	case wasm.OpcodeI32Load8S:
		v = encodeI32(int32(int8(read(1)[0])))
	case wasm.OpcodeI32Load8U:
		v = uint64(read(1)[0])
	case wasm.OpcodeI32Load16S:
		v = encodeI32(int32(int16(littleEndianU16(read(2)))))
	case wasm.OpcodeI32Load16U:
		v = uint64(littleEndianU16(read(2)))
	case wasm.OpcodeI64Load8S:
		v = encodeI64(int64(int8(read(1)[0])))
	case wasm.OpcodeI64Load8U:
		v = uint64(read(1)[0])
	case wasm.OpcodeI64Load16S:
		v = encodeI64(int64(int16(littleEndianU16(read(2)))))
	case wasm.OpcodeI64Load16U:
		v = uint64(littleEndianU16(read(2)))
	case wasm.OpcodeI64Load32S:
		v = encodeI64(int64(int32(littleEndianU32(read(4)))))
	case wasm.OpcodeI64Load32U:
		v = uint64(littleEndianU32(read(4)))
	}
	stack = append(stack, v)
	*stackp = stack
}

func execStore(mem *MemoryInstance, in *wasm.Instruction, stackp *[]uint64) {
	stack := *stackp
	val := stack[len(stack)-1]
	base := decodeU32(stack[len(stack)-2])
	stack = stack[:len(stack)-2]
	addr := effectiveAddr(in, base)

	mem.mu.Lock()
	defer mem.mu.Unlock()

	write := func(n uint64) []byte {
		boundsCheck(mem, addr, n)
		return mem.Data[addr : addr+n]
	}

	switch in.Opcode {
	case wasm.OpcodeI32Store, wasm.OpcodeF32Store:
		putLittleEndianU32(write(4), uint32(val))
	case wasm.OpcodeI64Store, wasm.OpcodeF64Store:
		putLittleEndianU64(write(8), val)
	case wasm.OpcodeI32Store8, wasm.OpcodeI64Store8:
		write(1)[0] = byte(val)
	case wasm.OpcodeI32Store16, wasm.OpcodeI64Store16:
		putLittleEndianU16(write(2), uint16(val))
	case wasm.OpcodeI64Store32:
		putLittleEndianU32(write(4), uint32(val))
	}
	*stackp = stack
}

func littleEndianU16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func littleEndianU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func littleEndianU64(b []byte) uint64 {
	return uint64(littleEndianU32(b[:4])) | uint64(littleEndianU32(b[4:8]))<<32
}
func putLittleEndianU16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLittleEndianU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLittleEndianU64(b []byte, v uint64) {
	putLittleEndianU32(b[:4], uint32(v))
	putLittleEndianU32(b[4:8], uint32(v>>32))
}

// execNumeric handles every arithmetic, comparison, conversion and
// reinterpret opcode. Traps for division/overflow/invalid-conversion are
// raised here.
func execNumeric(op wasm.Opcode, stackp *[]uint64) {
	stack := *stackp
	pop1 := func() uint64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	pop2 := func() (uint64, uint64) {
		b := stack[len(stack)-1]
		a := stack[len(stack)-2]
		stack = stack[:len(stack)-2]
		return a, b
	}
	push := func(v uint64) { stack = append(stack, v) }
	pushBool := func(b bool) {
		if b {
			push(1)
		} else {
			push(0)
		}
	}

	switch op {
	// i32 comparisons
	case wasm.OpcodeI32Eqz:
		pushBool(decodeI32(pop1()) == 0)
	case wasm.OpcodeI32Eq:
		a, b := pop2()
		pushBool(decodeI32(a) == decodeI32(b))
	case wasm.OpcodeI32Ne:
		a, b := pop2()
		pushBool(decodeI32(a) != decodeI32(b))
	case wasm.OpcodeI32LtS:
		a, b := pop2()
		pushBool(decodeI32(a) < decodeI32(b))
	case wasm.OpcodeI32LtU:
		a, b := pop2()
		pushBool(decodeU32(a) < decodeU32(b))
	case wasm.OpcodeI32GtS:
		a, b := pop2()
		pushBool(decodeI32(a) > decodeI32(b))
	case wasm.OpcodeI32GtU:
		a, b := pop2()
		pushBool(decodeU32(a) > decodeU32(b))
	case wasm.OpcodeI32LeS:
		a, b := pop2()
		pushBool(decodeI32(a) <= decodeI32(b))
	case wasm.OpcodeI32LeU:
		a, b := pop2()
		pushBool(decodeU32(a) <= decodeU32(b))
	case wasm.OpcodeI32GeS:
		a, b := pop2()
		pushBool(decodeI32(a) >= decodeI32(b))
	case wasm.OpcodeI32GeU:
		a, b := pop2()
		pushBool(decodeU32(a) >= decodeU32(b))

	// i64 comparisons
	case wasm.OpcodeI64Eqz:
		pushBool(decodeI64(pop1()) == 0)
	case wasm.OpcodeI64Eq:
		a, b := pop2()
		pushBool(decodeI64(a) == decodeI64(b))
	case wasm.OpcodeI64Ne:
		a, b := pop2()
		pushBool(decodeI64(a) != decodeI64(b))
	case wasm.OpcodeI64LtS:
		a, b := pop2()
		pushBool(decodeI64(a) < decodeI64(b))
	case wasm.OpcodeI64LtU:
		a, b := pop2()
		pushBool(decodeU64(a) < decodeU64(b))
	case wasm.OpcodeI64GtS:
		a, b := pop2()
		pushBool(decodeI64(a) > decodeI64(b))
	case wasm.OpcodeI64GtU:
		a, b := pop2()
		pushBool(decodeU64(a) > decodeU64(b))
	case wasm.OpcodeI64LeS:
		a, b := pop2()
		pushBool(decodeI64(a) <= decodeI64(b))
	case wasm.OpcodeI64LeU:
		a, b := pop2()
		pushBool(decodeU64(a) <= decodeU64(b))
	case wasm.OpcodeI64GeS:
		a, b := pop2()
		pushBool(decodeI64(a) >= decodeI64(b))
	case wasm.OpcodeI64GeU:
		a, b := pop2()
		pushBool(decodeU64(a) >= decodeU64(b))

	// float comparisons (NaN compares false for all but ne)
	case wasm.OpcodeF32Eq:
		a, b := pop2()
		pushBool(decodeF32(a) == decodeF32(b))
	case wasm.OpcodeF32Ne:
		a, b := pop2()
		pushBool(decodeF32(a) != decodeF32(b))
	case wasm.OpcodeF32Lt:
		a, b := pop2()
		pushBool(decodeF32(a) < decodeF32(b))
	case wasm.OpcodeF32Gt:
		a, b := pop2()
		pushBool(decodeF32(a) > decodeF32(b))
	case wasm.OpcodeF32Le:
		a, b := pop2()
		pushBool(decodeF32(a) <= decodeF32(b))
	case wasm.OpcodeF32Ge:
		a, b := pop2()
		pushBool(decodeF32(a) >= decodeF32(b))
	case wasm.OpcodeF64Eq:
		a, b := pop2()
		pushBool(decodeF64(a) == decodeF64(b))
	case wasm.OpcodeF64Ne:
		a, b := pop2()
		pushBool(decodeF64(a) != decodeF64(b))
	case wasm.OpcodeF64Lt:
		a, b := pop2()
		pushBool(decodeF64(a) < decodeF64(b))
	case wasm.OpcodeF64Gt:
		a, b := pop2()
		pushBool(decodeF64(a) > decodeF64(b))
	case wasm.OpcodeF64Le:
		a, b := pop2()
		pushBool(decodeF64(a) <= decodeF64(b))
	case wasm.OpcodeF64Ge:
		a, b := pop2()
		pushBool(decodeF64(a) >= decodeF64(b))

	// i32 arithmetic
	case wasm.OpcodeI32Clz:
		push(encodeI32(int32(bits.LeadingZeros32(decodeU32(pop1())))))
	case wasm.OpcodeI32Ctz:
		push(encodeI32(int32(bits.TrailingZeros32(decodeU32(pop1())))))
	case wasm.OpcodeI32Popcnt:
		push(encodeI32(int32(bits.OnesCount32(decodeU32(pop1())))))
	case wasm.OpcodeI32Add:
		a, b := pop2()
		push(encodeI32(decodeI32(a) + decodeI32(b)))
	case wasm.OpcodeI32Sub:
		a, b := pop2()
		push(encodeI32(decodeI32(a) - decodeI32(b)))
	case wasm.OpcodeI32Mul:
		a, b := pop2()
		push(encodeI32(decodeI32(a) * decodeI32(b)))
	case wasm.OpcodeI32DivS:
		a, b := pop2()
		x, y := decodeI32(a), decodeI32(b)
		if y == 0 {
			trap(TrapDivideByZero, "i32.div_s by zero")
		}
		if x == math.MinInt32 && y == -1 {
			trap(TrapIntegerOverflow, "i32.div_s overflow")
		}
		push(encodeI32(x / y))
	case wasm.OpcodeI32DivU:
		a, b := pop2()
		x, y := decodeU32(a), decodeU32(b)
		if y == 0 {
			trap(TrapDivideByZero, "i32.div_u by zero")
		}
		push(encodeI32(int32(x / y)))
	case wasm.OpcodeI32RemS:
		a, b := pop2()
		x, y := decodeI32(a), decodeI32(b)
		if y == 0 {
			trap(TrapDivideByZero, "i32.rem_s by zero")
		}
		if x == math.MinInt32 && y == -1 {
			push(encodeI32(0))
		} else {
			push(encodeI32(x % y))
		}
	case wasm.OpcodeI32RemU:
		a, b := pop2()
		x, y := decodeU32(a), decodeU32(b)
		if y == 0 {
			trap(TrapDivideByZero, "i32.rem_u by zero")
		}
		push(encodeI32(int32(x % y)))
	case wasm.OpcodeI32And:
		a, b := pop2()
		push(encodeI32(decodeI32(a) & decodeI32(b)))
	case wasm.OpcodeI32Or:
		a, b := pop2()
		push(encodeI32(decodeI32(a) | decodeI32(b)))
	case wasm.OpcodeI32Xor:
		a, b := pop2()
		push(encodeI32(decodeI32(a) ^ decodeI32(b)))
	case wasm.OpcodeI32Shl:
		a, b := pop2()
		push(encodeI32(decodeI32(a) << (decodeU32(b) % 32)))
	case wasm.OpcodeI32ShrS:
		a, b := pop2()
		push(encodeI32(decodeI32(a) >> (decodeU32(b) % 32)))
	case wasm.OpcodeI32ShrU:
		a, b := pop2()
		push(encodeI32(int32(decodeU32(a) >> (decodeU32(b) % 32))))
	case wasm.OpcodeI32Rotl:
		a, b := pop2()
		push(encodeI32(int32(bits.RotateLeft32(decodeU32(a), int(decodeU32(b)%32)))))
	case wasm.OpcodeI32Rotr:
		a, b := pop2()
		push(encodeI32(int32(bits.RotateLeft32(decodeU32(a), -int(decodeU32(b)%32)))))

	// i64 arithmetic
	case wasm.OpcodeI64Clz:
		push(encodeI64(int64(bits.LeadingZeros64(decodeU64(pop1())))))
	case wasm.OpcodeI64Ctz:
		push(encodeI64(int64(bits.TrailingZeros64(decodeU64(pop1())))))
	case wasm.OpcodeI64Popcnt:
		push(encodeI64(int64(bits.OnesCount64(decodeU64(pop1())))))
	case wasm.OpcodeI64Add:
		a, b := pop2()
		push(encodeI64(decodeI64(a) + decodeI64(b)))
	case wasm.OpcodeI64Sub:
		a, b := pop2()
		push(encodeI64(decodeI64(a) - decodeI64(b)))
	case wasm.OpcodeI64Mul:
		a, b := pop2()
		push(encodeI64(decodeI64(a) * decodeI64(b)))
	case wasm.OpcodeI64DivS:
		a, b := pop2()
		x, y := decodeI64(a), decodeI64(b)
		if y == 0 {
			trap(TrapDivideByZero, "i64.div_s by zero")
		}
		if x == math.MinInt64 && y == -1 {
			trap(TrapIntegerOverflow, "i64.div_s overflow")
		}
		push(encodeI64(x / y))
	case wasm.OpcodeI64DivU:
		a, b := pop2()
		x, y := decodeU64(a), decodeU64(b)
		if y == 0 {
			trap(TrapDivideByZero, "i64.div_u by zero")
		}
		push(encodeI64(int64(x / y)))
	case wasm.OpcodeI64RemS:
		a, b := pop2()
		x, y := decodeI64(a), decodeI64(b)
		if y == 0 {
			trap(TrapDivideByZero, "i64.rem_s by zero")
		}
		if x == math.MinInt64 && y == -1 {
			push(encodeI64(0))
		} else {
			push(encodeI64(x % y))
		}
	case wasm.OpcodeI64RemU:
		a, b := pop2()
		x, y := decodeU64(a), decodeU64(b)
		if y == 0 {
			trap(TrapDivideByZero, "i64.rem_u by zero")
		}
		push(encodeI64(int64(x % y)))
	case wasm.OpcodeI64And:
		a, b := pop2()
		push(encodeI64(decodeI64(a) & decodeI64(b)))
	case wasm.OpcodeI64Or:
		a, b := pop2()
		push(encodeI64(decodeI64(a) | decodeI64(b)))
	case wasm.OpcodeI64Xor:
		a, b := pop2()
		push(encodeI64(decodeI64(a) ^ decodeI64(b)))
	case wasm.OpcodeI64Shl:
		a, b := pop2()
		push(encodeI64(decodeI64(a) << (decodeU64(b) % 64)))
	case wasm.OpcodeI64ShrS:
		a, b := pop2()
		push(encodeI64(decodeI64(a) >> (decodeU64(b) % 64)))
	case wasm.OpcodeI64ShrU:
		a, b := pop2()
		push(encodeI64(int64(decodeU64(a) >> (decodeU64(b) % 64))))
	case wasm.OpcodeI64Rotl:
		a, b := pop2()
		push(encodeI64(int64(bits.RotateLeft64(decodeU64(a), int(decodeU64(b)%64)))))
	case wasm.OpcodeI64Rotr:
		a, b := pop2()
		push(encodeI64(int64(bits.RotateLeft64(decodeU64(a), -int(decodeU64(b)%64)))))

	// f32 arithmetic
	case wasm.OpcodeF32Abs:
		push(encodeF32(float32(math.Abs(float64(decodeF32(pop1()))))))
	case wasm.OpcodeF32Neg:
		push(encodeF32(-decodeF32(pop1())))
	case wasm.OpcodeF32Ceil:
		push(encodeF32(float32(math.Ceil(float64(decodeF32(pop1()))))))
	case wasm.OpcodeF32Floor:
		push(encodeF32(float32(math.Floor(float64(decodeF32(pop1()))))))
	case wasm.OpcodeF32Trunc:
		push(encodeF32(float32(math.Trunc(float64(decodeF32(pop1()))))))
	case wasm.OpcodeF32Nearest:
		push(encodeF32(float32(math.RoundToEven(float64(decodeF32(pop1()))))))
	case wasm.OpcodeF32Sqrt:
		push(encodeF32(float32(math.Sqrt(float64(decodeF32(pop1()))))))
	case wasm.OpcodeF32Add:
		a, b := pop2()
		push(encodeF32(canonNaN32(decodeF32(a) + decodeF32(b))))
	case wasm.OpcodeF32Sub:
		a, b := pop2()
		push(encodeF32(canonNaN32(decodeF32(a) - decodeF32(b))))
	case wasm.OpcodeF32Mul:
		a, b := pop2()
		push(encodeF32(canonNaN32(decodeF32(a) * decodeF32(b))))
	case wasm.OpcodeF32Div:
		a, b := pop2()
		push(encodeF32(canonNaN32(decodeF32(a) / decodeF32(b))))
	case wasm.OpcodeF32Min:
		a, b := pop2()
		push(encodeF32(f32Min(decodeF32(a), decodeF32(b))))
	case wasm.OpcodeF32Max:
		a, b := pop2()
		push(encodeF32(f32Max(decodeF32(a), decodeF32(b))))
	case wasm.OpcodeF32Copysign:
		a, b := pop2()
		push(encodeF32(float32(math.Copysign(float64(decodeF32(a)), float64(decodeF32(b))))))

	// f64 arithmetic
	case wasm.OpcodeF64Abs:
		push(encodeF64(math.Abs(decodeF64(pop1()))))
	case wasm.OpcodeF64Neg:
		push(encodeF64(-decodeF64(pop1())))
	case wasm.OpcodeF64Ceil:
		push(encodeF64(math.Ceil(decodeF64(pop1()))))
	case wasm.OpcodeF64Floor:
		push(encodeF64(math.Floor(decodeF64(pop1()))))
	case wasm.OpcodeF64Trunc:
		push(encodeF64(math.Trunc(decodeF64(pop1()))))
	case wasm.OpcodeF64Nearest:
		push(encodeF64(math.RoundToEven(decodeF64(pop1()))))
	case wasm.OpcodeF64Sqrt:
		push(encodeF64(math.Sqrt(decodeF64(pop1()))))
	case wasm.OpcodeF64Add:
		a, b := pop2()
		push(encodeF64(canonNaN64(decodeF64(a) + decodeF64(b))))
	case wasm.OpcodeF64Sub:
		a, b := pop2()
		push(encodeF64(canonNaN64(decodeF64(a) - decodeF64(b))))
	case wasm.OpcodeF64Mul:
		a, b := pop2()
		push(encodeF64(canonNaN64(decodeF64(a) * decodeF64(b))))
	case wasm.OpcodeF64Div:
		a, b := pop2()
		push(encodeF64(canonNaN64(decodeF64(a) / decodeF64(b))))
	case wasm.OpcodeF64Min:
		a, b := pop2()
		push(encodeF64(f64Min(decodeF64(a), decodeF64(b))))
	case wasm.OpcodeF64Max:
		a, b := pop2()
		push(encodeF64(f64Max(decodeF64(a), decodeF64(b))))
	case wasm.OpcodeF64Copysign:
		a, b := pop2()
		push(encodeF64(math.Copysign(decodeF64(a), decodeF64(b))))

	// conversions
	case wasm.OpcodeI32WrapI64:
		push(encodeI32(int32(decodeI64(pop1()))))
	case wasm.OpcodeI32TruncF32S:
		push(encodeI32(truncToI32(float64(decodeF32(pop1())))))
	case wasm.OpcodeI32TruncF32U:
		push(encodeI32(int32(truncToU32(float64(decodeF32(pop1()))))))
	case wasm.OpcodeI32TruncF64S:
		push(encodeI32(truncToI32(decodeF64(pop1()))))
	case wasm.OpcodeI32TruncF64U:
		push(encodeI32(int32(truncToU32(decodeF64(pop1())))))
	case wasm.OpcodeI64ExtendI32S:
		push(encodeI64(int64(decodeI32(pop1()))))
	case wasm.OpcodeI64ExtendI32U:
		push(encodeI64(int64(decodeU32(pop1()))))
	case wasm.OpcodeI64TruncF32S:
		push(encodeI64(truncToI64(float64(decodeF32(pop1())))))
	case wasm.OpcodeI64TruncF32U:
		push(encodeI64(int64(truncToU64(float64(decodeF32(pop1()))))))
	case wasm.OpcodeI64TruncF64S:
		push(encodeI64(truncToI64(decodeF64(pop1()))))
	case wasm.OpcodeI64TruncF64U:
		push(encodeI64(int64(truncToU64(decodeF64(pop1())))))
	case wasm.OpcodeF32ConvertI32S:
		push(encodeF32(float32(decodeI32(pop1()))))
	case wasm.OpcodeF32ConvertI32U:
		push(encodeF32(float32(decodeU32(pop1()))))
	case wasm.OpcodeF32ConvertI64S:
		push(encodeF32(float32(decodeI64(pop1()))))
	case wasm.OpcodeF32ConvertI64U:
		push(encodeF32(float32(decodeU64(pop1()))))
	case wasm.OpcodeF32DemoteF64:
		push(encodeF32(float32(decodeF64(pop1()))))
	case wasm.OpcodeF64ConvertI32S:
		push(encodeF64(float64(decodeI32(pop1()))))
	case wasm.OpcodeF64ConvertI32U:
		push(encodeF64(float64(decodeU32(pop1()))))
	case wasm.OpcodeF64ConvertI64S:
		push(encodeF64(float64(decodeI64(pop1()))))
	case wasm.OpcodeF64ConvertI64U:
		push(encodeF64(float64(decodeU64(pop1()))))
	case wasm.OpcodeF64PromoteF32:
		push(encodeF64(float64(decodeF32(pop1()))))

	// reinterprets: bit pattern is already the storage format, no-op
	case wasm.OpcodeI32ReinterpretF32, wasm.OpcodeI64ReinterpretF64,
		wasm.OpcodeF32ReinterpretI32, wasm.OpcodeF64ReinterpretI64:
		// value representation is already the raw bits; nothing to do

	// sign extension
	case wasm.OpcodeI32Extend8S:
		push(encodeI32(int32(int8(decodeI32(pop1())))))
	case wasm.OpcodeI32Extend16S:
		push(encodeI32(int32(int16(decodeI32(pop1())))))
	case wasm.OpcodeI64Extend8S:
		push(encodeI64(int64(int8(decodeI64(pop1())))))
	case wasm.OpcodeI64Extend16S:
		push(encodeI64(int64(int16(decodeI64(pop1())))))
	case wasm.OpcodeI64Extend32S:
		push(encodeI64(int64(int32(decodeI64(pop1())))))
	}
	*stackp = stack
}

// canonNaN32/64 canonicalize any NaN result of an arithmetic op to the
// canonical quiet NaN bit pattern (the resolved Open Question recorded in
// DESIGN.md), rather than propagating an operand's NaN payload.
func canonNaN32(v float32) float32 {
	if math.IsNaN(float64(v)) {
		return float32(math.NaN())
	}
	return v
}

func canonNaN64(v float64) float64 {
	if math.IsNaN(v) {
		return math.NaN()
	}
	return v
}

func f32Min(a, b float32) float32 {
	if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
		return float32(math.NaN())
	}
	if a == 0 && b == 0 {
		if math.Signbit(float64(a)) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func f32Max(a, b float32) float32 {
	if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
		return float32(math.NaN())
	}
	if a == 0 && b == 0 {
		if !math.Signbit(float64(a)) {
			return a
		}
		return b
	}
	if a > b {
		return a
	}
	return b
}

func f64Min(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if a == 0 && b == 0 {
		if math.Signbit(a) {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

func f64Max(a, b float64) float64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.NaN()
	}
	if a == 0 && b == 0 {
		if !math.Signbit(a) {
			return a
		}
		return b
	}
	if a > b {
		return a
	}
	return b
}

func truncToI32(f float64) int32 {
	if math.IsNaN(f) {
		trap(TrapInvalidConversionToInteger, "NaN cannot be converted to i32")
	}
	t := math.Trunc(f)
	if t < math.MinInt32 || t > math.MaxInt32 {
		trap(TrapIntegerOverflow, "float %v out of i32 range", f)
	}
	return int32(t)
}

func truncToU32(f float64) uint32 {
	if math.IsNaN(f) {
		trap(TrapInvalidConversionToInteger, "NaN cannot be converted to u32")
	}
	t := math.Trunc(f)
	if t < 0 || t > math.MaxUint32 {
		trap(TrapIntegerOverflow, "float %v out of u32 range", f)
	}
	return uint32(t)
}

func truncToI64(f float64) int64 {
	if math.IsNaN(f) {
		trap(TrapInvalidConversionToInteger, "NaN cannot be converted to i64")
	}
	t := math.Trunc(f)
	if t < math.MinInt64 || t >= math.MaxInt64 {
		trap(TrapIntegerOverflow, "float %v out of i64 range", f)
	}
	return int64(t)
}

func truncToU64(f float64) uint64 {
	if math.IsNaN(f) {
		trap(TrapInvalidConversionToInteger, "NaN cannot be converted to u64")
	}
	t := math.Trunc(f)
	if t < 0 || t >= math.MaxUint64 {
		trap(TrapIntegerOverflow, "float %v out of u64 range", f)
	}
	return uint64(t)
}

func satTruncToI32(f float64) int32 {
	if math.IsNaN(f) {
		return 0
	}
	t := math.Trunc(f)
	if t < math.MinInt32 {
		return math.MinInt32
	}
	if t > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(t)
}

func satTruncToU32(f float64) uint32 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	t := math.Trunc(f)
	if t > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(t)
}

func satTruncToI64(f float64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	t := math.Trunc(f)
	if t < math.MinInt64 {
		return math.MinInt64
	}
	if t >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(t)
}

func satTruncToU64(f float64) uint64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	t := math.Trunc(f)
	if t >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(t)
}

// execMisc handles the 0xfc-prefixed opcodes: saturating truncation plus
// the bulk-memory/table operations, whose segment indices were bounds
// checked at decode time against the module's element/data bookkeeping.
func execMisc(ctx *CallContext, mod *ModuleInstance, in *wasm.Instruction, stackp *[]uint64) {
	stack := *stackp
	pop1 := func() uint64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	pop3 := func() (uint64, uint64, uint64) {
		c := stack[len(stack)-1]
		b := stack[len(stack)-2]
		a := stack[len(stack)-3]
		stack = stack[:len(stack)-3]
		return a, b, c
	}
	push := func(v uint64) { stack = append(stack, v) }

	switch in.Misc {
	case wasm.MiscI32TruncSatF32S:
		push(encodeI32(satTruncToI32(float64(decodeF32(pop1())))))
	case wasm.MiscI32TruncSatF32U:
		push(encodeI32(int32(satTruncToU32(float64(decodeF32(pop1()))))))
	case wasm.MiscI32TruncSatF64S:
		push(encodeI32(satTruncToI32(decodeF64(pop1()))))
	case wasm.MiscI32TruncSatF64U:
		push(encodeI32(int32(satTruncToU32(decodeF64(pop1())))))
	case wasm.MiscI64TruncSatF32S:
		push(encodeI64(satTruncToI64(float64(decodeF32(pop1())))))
	case wasm.MiscI64TruncSatF32U:
		push(encodeI64(int64(satTruncToU64(float64(decodeF32(pop1()))))))
	case wasm.MiscI64TruncSatF64S:
		push(encodeI64(satTruncToI64(decodeF64(pop1()))))
	case wasm.MiscI64TruncSatF64U:
		push(encodeI64(int64(satTruncToU64(decodeF64(pop1())))))

	case wasm.MiscMemoryInit:
		d, s, n := pop3()
		data := *mod.dataSegments[in.SegmentIndex]
		memoryInit(mod.Memory, data, decodeU32(d), decodeU32(s), decodeU32(n))
	case wasm.MiscDataDrop:
		empty := []byte{}
		mod.dataSegments[in.SegmentIndex] = &empty
	case wasm.MiscMemoryCopy:
		d, s, n := pop3()
		memoryCopy(mod.Memory, decodeU32(d), decodeU32(s), decodeU32(n))
	case wasm.MiscMemoryFill:
		d, val, n := pop3()
		memoryFill(mod.Memory, decodeU32(d), byte(val), decodeU32(n))

	case wasm.MiscTableInit:
		d, s, n := pop3()
		refs := *mod.elemSegments[in.SegmentIndex]
		tableInit(mod.Tables[in.TableIndex], refs, decodeU32(d), decodeU32(s), decodeU32(n))
	case wasm.MiscElemDrop:
		empty := []uint64{}
		mod.elemSegments[in.SegmentIndex] = &empty
	case wasm.MiscTableCopy:
		d, s, n := pop3()
		tableCopy(mod.Tables[in.TableIndex2], mod.Tables[in.TableIndex], decodeU32(d), decodeU32(s), decodeU32(n))
	case wasm.MiscTableGrow:
		delta := decodeU32(pop1())
		val := pop1()
		tbl := mod.Tables[in.TableIndex]
		prev := len(tbl.Elements)
		max := uint32(math.MaxUint32)
		if tbl.Max != nil {
			max = *tbl.Max
		}
		if uint64(prev)+uint64(delta) > uint64(max) {
			push(encodeI32(-1))
		} else {
			grown := make([]uint64, delta)
			for i := range grown {
				grown[i] = val
			}
			tbl.Elements = append(tbl.Elements, grown...)
			push(encodeI32(int32(prev)))
		}
	case wasm.MiscTableSize:
		push(encodeI32(int32(len(mod.Tables[in.TableIndex].Elements))))
	case wasm.MiscTableFill:
		d, val, n := pop3()
		tbl := mod.Tables[in.TableIndex]
		off := decodeU32(d)
		count := decodeU32(n)
		if uint64(off)+uint64(count) > uint64(len(tbl.Elements)) {
			trap(TrapOutOfBoundsTableAccess, "table.fill out of bounds")
		}
		for i := uint32(0); i < count; i++ {
			tbl.Elements[off+i] = val
		}
	}
	*stackp = stack
}

func memoryInit(mem *MemoryInstance, data []byte, dst, src, n uint32) {
	if uint64(src)+uint64(n) > uint64(len(data)) || uint64(dst)+uint64(n) > uint64(len(mem.Data)) {
		trap(TrapOutOfBoundsMemoryAccess, "memory.init out of bounds")
	}
	copy(mem.Data[dst:uint64(dst)+uint64(n)], data[src:uint64(src)+uint64(n)])
}

func memoryCopy(mem *MemoryInstance, dst, src, n uint32) {
	if uint64(src)+uint64(n) > uint64(len(mem.Data)) || uint64(dst)+uint64(n) > uint64(len(mem.Data)) {
		trap(TrapOutOfBoundsMemoryAccess, "memory.copy out of bounds")
	}
	copy(mem.Data[dst:uint64(dst)+uint64(n)], mem.Data[src:uint64(src)+uint64(n)])
}

func memoryFill(mem *MemoryInstance, dst uint32, val byte, n uint32) {
	if uint64(dst)+uint64(n) > uint64(len(mem.Data)) {
		trap(TrapOutOfBoundsMemoryAccess, "memory.fill out of bounds")
	}
	for i := uint32(0); i < n; i++ {
		mem.Data[dst+i] = val
	}
}

func tableInit(tbl *TableInstance, refs []uint64, dst, src, n uint32) {
	if uint64(src)+uint64(n) > uint64(len(refs)) || uint64(dst)+uint64(n) > uint64(len(tbl.Elements)) {
		trap(TrapOutOfBoundsTableAccess, "table.init out of bounds")
	}
	copy(tbl.Elements[dst:uint64(dst)+uint64(n)], refs[src:uint64(src)+uint64(n)])
}

func tableCopy(dstTbl, srcTbl *TableInstance, dst, src, n uint32) {
	if uint64(src)+uint64(n) > uint64(len(srcTbl.Elements)) || uint64(dst)+uint64(n) > uint64(len(dstTbl.Elements)) {
		trap(TrapOutOfBoundsTableAccess, "table.copy out of bounds")
	}
	copy(dstTbl.Elements[dst:uint64(dst)+uint64(n)], srcTbl.Elements[src:uint64(src)+uint64(n)])
}
