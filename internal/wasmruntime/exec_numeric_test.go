package wasmruntime

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstuart14/tinywasm/internal/wasm"
)

// run pushes the given operands and dispatches a single opcode, returning
// the value left on top of the stack.
func run(t *testing.T, op wasm.Opcode, operands ...uint64) uint64 {
	t.Helper()
	stack := append([]uint64(nil), operands...)
	execNumeric(op, &stack)
	require.NotEmpty(t, stack)
	return stack[len(stack)-1]
}

// catchTrap runs f and returns the trap it panics with, failing the test if
// it does not trap.
func catchTrap(t *testing.T, f func()) *Trap {
	t.Helper()
	var tr *Trap
	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "expected a trap")
			var ok bool
			tr, ok = r.(*Trap)
			require.True(t, ok, "panic value %v is not a Trap", r)
		}()
		f()
	}()
	return tr
}

func TestExecNumeric_i32(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   wasm.Opcode
		args []uint64
		exp  int32
	}{
		{name: "add", op: wasm.OpcodeI32Add, args: []uint64{encodeI32(2), encodeI32(3)}, exp: 5},
		{name: "sub wraps", op: wasm.OpcodeI32Sub, args: []uint64{encodeI32(math.MinInt32), encodeI32(1)}, exp: math.MaxInt32},
		{name: "mul", op: wasm.OpcodeI32Mul, args: []uint64{encodeI32(-3), encodeI32(7)}, exp: -21},
		{name: "div_s", op: wasm.OpcodeI32DivS, args: []uint64{encodeI32(-7), encodeI32(2)}, exp: -3},
		{name: "div_u", op: wasm.OpcodeI32DivU, args: []uint64{encodeI32(-1), encodeI32(2)}, exp: math.MaxInt32},
		{name: "rem_s", op: wasm.OpcodeI32RemS, args: []uint64{encodeI32(-7), encodeI32(2)}, exp: -1},
		{name: "rem_s min by -1", op: wasm.OpcodeI32RemS, args: []uint64{encodeI32(math.MinInt32), encodeI32(-1)}, exp: 0},
		{name: "rem_u", op: wasm.OpcodeI32RemU, args: []uint64{encodeI32(7), encodeI32(4)}, exp: 3},
		{name: "and", op: wasm.OpcodeI32And, args: []uint64{encodeI32(0x0ff0), encodeI32(0x00ff)}, exp: 0x00f0},
		{name: "or", op: wasm.OpcodeI32Or, args: []uint64{encodeI32(0x0f00), encodeI32(0x00f0)}, exp: 0x0ff0},
		{name: "xor", op: wasm.OpcodeI32Xor, args: []uint64{encodeI32(-1), encodeI32(0x0f)}, exp: ^int32(0x0f)},
		{name: "shl masks count", op: wasm.OpcodeI32Shl, args: []uint64{encodeI32(1), encodeI32(33)}, exp: 2},
		{name: "shr_s keeps sign", op: wasm.OpcodeI32ShrS, args: []uint64{encodeI32(-8), encodeI32(1)}, exp: -4},
		{name: "shr_u", op: wasm.OpcodeI32ShrU, args: []uint64{encodeI32(-8), encodeI32(1)}, exp: 0x7ffffffc},
		{name: "rotl", op: wasm.OpcodeI32Rotl, args: []uint64{encodeI32(decodeI32(uint64(0x80000001))), encodeI32(1)}, exp: 3},
		{name: "rotr", op: wasm.OpcodeI32Rotr, args: []uint64{encodeI32(3), encodeI32(1)}, exp: decodeI32(uint64(0x80000001))},
		{name: "clz", op: wasm.OpcodeI32Clz, args: []uint64{encodeI32(1)}, exp: 31},
		{name: "clz zero", op: wasm.OpcodeI32Clz, args: []uint64{encodeI32(0)}, exp: 32},
		{name: "ctz", op: wasm.OpcodeI32Ctz, args: []uint64{encodeI32(8)}, exp: 3},
		{name: "popcnt", op: wasm.OpcodeI32Popcnt, args: []uint64{encodeI32(0x0f0f)}, exp: 8},
		{name: "eqz", op: wasm.OpcodeI32Eqz, args: []uint64{encodeI32(0)}, exp: 1},
		{name: "lt_s", op: wasm.OpcodeI32LtS, args: []uint64{encodeI32(-1), encodeI32(0)}, exp: 1},
		{name: "lt_u", op: wasm.OpcodeI32LtU, args: []uint64{encodeI32(-1), encodeI32(0)}, exp: 0},
		{name: "ge_u", op: wasm.OpcodeI32GeU, args: []uint64{encodeI32(-1), encodeI32(0)}, exp: 1},
		{name: "extend8_s", op: wasm.OpcodeI32Extend8S, args: []uint64{encodeI32(0x80)}, exp: -128},
		{name: "extend16_s", op: wasm.OpcodeI32Extend16S, args: []uint64{encodeI32(0x8000)}, exp: -32768},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, decodeI32(run(t, tc.op, tc.args...)))
		})
	}
}

func TestExecNumeric_i32Traps(t *testing.T) {
	tr := catchTrap(t, func() {
		stack := []uint64{encodeI32(1), encodeI32(0)}
		execNumeric(wasm.OpcodeI32DivS, &stack)
	})
	assert.Equal(t, TrapDivideByZero, tr.Kind)

	tr = catchTrap(t, func() {
		stack := []uint64{encodeI32(math.MinInt32), encodeI32(-1)}
		execNumeric(wasm.OpcodeI32DivS, &stack)
	})
	assert.Equal(t, TrapIntegerOverflow, tr.Kind)

	tr = catchTrap(t, func() {
		stack := []uint64{encodeI32(1), encodeI32(0)}
		execNumeric(wasm.OpcodeI32RemU, &stack)
	})
	assert.Equal(t, TrapDivideByZero, tr.Kind)
}

func TestExecNumeric_i64(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   wasm.Opcode
		args []uint64
		exp  int64
	}{
		{name: "add wraps", op: wasm.OpcodeI64Add, args: []uint64{encodeI64(math.MaxInt64), encodeI64(1)}, exp: math.MinInt64},
		{name: "div_s", op: wasm.OpcodeI64DivS, args: []uint64{encodeI64(-9), encodeI64(2)}, exp: -4},
		{name: "rem_s min by -1", op: wasm.OpcodeI64RemS, args: []uint64{encodeI64(math.MinInt64), encodeI64(-1)}, exp: 0},
		{name: "shl masks count", op: wasm.OpcodeI64Shl, args: []uint64{encodeI64(1), encodeI64(65)}, exp: 2},
		{name: "rotl", op: wasm.OpcodeI64Rotl, args: []uint64{encodeI64(int64(-1) << 63), encodeI64(1)}, exp: 1},
		{name: "clz zero", op: wasm.OpcodeI64Clz, args: []uint64{encodeI64(0)}, exp: 64},
		{name: "popcnt", op: wasm.OpcodeI64Popcnt, args: []uint64{encodeI64(-1)}, exp: 64},
		{name: "extend32_s", op: wasm.OpcodeI64Extend32S, args: []uint64{encodeI64(0x80000000)}, exp: -2147483648},
		{name: "extend_i32_u", op: wasm.OpcodeI64ExtendI32U, args: []uint64{encodeI32(-1)}, exp: 0xffffffff},
		{name: "extend_i32_s", op: wasm.OpcodeI64ExtendI32S, args: []uint64{encodeI32(-1)}, exp: -1},
		{name: "eqz", op: wasm.OpcodeI64Eqz, args: []uint64{encodeI64(0)}, exp: 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.exp, decodeI64(run(t, tc.op, tc.args...)))
		})
	}

	t.Run("div_s overflow", func(t *testing.T) {
		tr := catchTrap(t, func() {
			stack := []uint64{encodeI64(math.MinInt64), encodeI64(-1)}
			execNumeric(wasm.OpcodeI64DivS, &stack)
		})
		assert.Equal(t, TrapIntegerOverflow, tr.Kind)
	})
}

func TestExecNumeric_floats(t *testing.T) {
	t.Run("f64 arithmetic", func(t *testing.T) {
		assert.Equal(t, 5.5, decodeF64(run(t, wasm.OpcodeF64Add, encodeF64(2.25), encodeF64(3.25))))
		assert.Equal(t, 2.0, decodeF64(run(t, wasm.OpcodeF64Sqrt, encodeF64(4))))
		assert.Equal(t, -2.0, decodeF64(run(t, wasm.OpcodeF64Floor, encodeF64(-1.5))))
		assert.Equal(t, -1.0, decodeF64(run(t, wasm.OpcodeF64Trunc, encodeF64(-1.5))))
		assert.Equal(t, 2.0, decodeF64(run(t, wasm.OpcodeF64Nearest, encodeF64(1.5))))
		assert.Equal(t, 2.0, decodeF64(run(t, wasm.OpcodeF64Nearest, encodeF64(2.5))))
	})

	t.Run("division by zero is infinity, not a trap", func(t *testing.T) {
		assert.True(t, math.IsInf(decodeF64(run(t, wasm.OpcodeF64Div, encodeF64(1), encodeF64(0))), 1))
	})

	t.Run("copysign", func(t *testing.T) {
		assert.Equal(t, -3.0, decodeF64(run(t, wasm.OpcodeF64Copysign, encodeF64(3), encodeF64(math.Copysign(0, -1)))))
		assert.Equal(t, float32(-3), decodeF32(run(t, wasm.OpcodeF32Copysign, encodeF32(3), encodeF32(-1))))
	})

	t.Run("min max zero signs", func(t *testing.T) {
		negZero := math.Float64bits(math.Copysign(0, -1))
		assert.Equal(t, negZero, run(t, wasm.OpcodeF64Min, encodeF64(math.Copysign(0, -1)), encodeF64(0)))
		assert.Equal(t, math.Float64bits(0), run(t, wasm.OpcodeF64Max, encodeF64(math.Copysign(0, -1)), encodeF64(0)))
	})

	t.Run("NaN canonicalization", func(t *testing.T) {
		// An arithmetic result that is NaN carries the canonical quiet
		// pattern regardless of the operand's payload.
		payload := uint64(0x7ff8_0000_dead_beef)
		got := run(t, wasm.OpcodeF64Add, payload, encodeF64(1))
		assert.Equal(t, math.Float64bits(math.NaN()), got)

		got32 := run(t, wasm.OpcodeF32Mul, uint64(0x7fc0_1234), encodeF32(2))
		assert.Equal(t, uint64(math.Float32bits(float32(math.NaN()))), got32)

		// min/max with a NaN operand produce the canonical NaN, whichever
		// side the NaN arrives on.
		canon64 := math.Float64bits(math.NaN())
		canon32 := uint64(math.Float32bits(float32(math.NaN())))
		assert.Equal(t, canon64, run(t, wasm.OpcodeF64Min, encodeF64(math.NaN()), encodeF64(1)))
		assert.Equal(t, canon64, run(t, wasm.OpcodeF64Min, encodeF64(5), encodeF64(math.NaN())))
		assert.Equal(t, canon64, run(t, wasm.OpcodeF64Max, encodeF64(5), encodeF64(math.NaN())))
		assert.Equal(t, canon32, run(t, wasm.OpcodeF32Min, encodeF32(5), uint64(0x7fc0_1234)))
		assert.Equal(t, canon32, run(t, wasm.OpcodeF32Max, encodeF32(5), uint64(0x7fc0_1234)))
	})

	t.Run("NaN comparisons", func(t *testing.T) {
		nan := encodeF64(math.NaN())
		assert.Equal(t, int32(0), decodeI32(run(t, wasm.OpcodeF64Eq, nan, nan)))
		assert.Equal(t, int32(1), decodeI32(run(t, wasm.OpcodeF64Ne, nan, nan)))
		assert.Equal(t, int32(0), decodeI32(run(t, wasm.OpcodeF64Le, nan, nan)))
	})
}

func TestExecNumeric_conversions(t *testing.T) {
	t.Run("wrap", func(t *testing.T) {
		assert.Equal(t, int32(-1), decodeI32(run(t, wasm.OpcodeI32WrapI64, encodeI64(0x1_ffff_ffff))))
	})

	t.Run("trunc in range", func(t *testing.T) {
		assert.Equal(t, int32(-3), decodeI32(run(t, wasm.OpcodeI32TruncF64S, encodeF64(-3.9))))
		assert.Equal(t, int64(3), decodeI64(run(t, wasm.OpcodeI64TruncF32S, encodeF32(3.9))))
	})

	t.Run("trunc NaN traps InvalidConversion", func(t *testing.T) {
		tr := catchTrap(t, func() {
			stack := []uint64{encodeF64(math.NaN())}
			execNumeric(wasm.OpcodeI32TruncF64S, &stack)
		})
		assert.Equal(t, TrapInvalidConversionToInteger, tr.Kind)
	})

	t.Run("trunc out of range traps IntegerOverflow", func(t *testing.T) {
		tr := catchTrap(t, func() {
			stack := []uint64{encodeF64(math.MaxInt32 + 1)}
			execNumeric(wasm.OpcodeI32TruncF64S, &stack)
		})
		assert.Equal(t, TrapIntegerOverflow, tr.Kind)

		tr = catchTrap(t, func() {
			stack := []uint64{encodeF64(-1)}
			execNumeric(wasm.OpcodeI32TruncF64U, &stack)
		})
		assert.Equal(t, TrapIntegerOverflow, tr.Kind)
	})

	t.Run("convert", func(t *testing.T) {
		assert.Equal(t, float64(math.MaxUint32), decodeF64(run(t, wasm.OpcodeF64ConvertI32U, encodeI32(-1))))
		assert.Equal(t, float64(-1), decodeF64(run(t, wasm.OpcodeF64ConvertI32S, encodeI32(-1))))
		assert.Equal(t, float32(42), decodeF32(run(t, wasm.OpcodeF32ConvertI64S, encodeI64(42))))
	})

	t.Run("promote demote", func(t *testing.T) {
		assert.Equal(t, float64(float32(1.5)), decodeF64(run(t, wasm.OpcodeF64PromoteF32, encodeF32(1.5))))
		assert.Equal(t, float32(2.5), decodeF32(run(t, wasm.OpcodeF32DemoteF64, encodeF64(2.5))))
	})

	t.Run("reinterpret is the identity on the bit pattern", func(t *testing.T) {
		v := encodeF64(-1.25)
		assert.Equal(t, v, run(t, wasm.OpcodeI64ReinterpretF64, v))
		assert.Equal(t, v, run(t, wasm.OpcodeF64ReinterpretI64, v))
	})
}

func TestSaturatingTruncation(t *testing.T) {
	assert.Equal(t, int32(0), satTruncToI32(math.NaN()))
	assert.Equal(t, int32(math.MaxInt32), satTruncToI32(math.Inf(1)))
	assert.Equal(t, int32(math.MinInt32), satTruncToI32(math.Inf(-1)))
	assert.Equal(t, int32(-3), satTruncToI32(-3.7))

	assert.Equal(t, uint32(0), satTruncToU32(-1))
	assert.Equal(t, uint32(math.MaxUint32), satTruncToU32(1e18))

	assert.Equal(t, int64(math.MaxInt64), satTruncToI64(1e30))
	assert.Equal(t, int64(math.MinInt64), satTruncToI64(-1e30))
	assert.Equal(t, uint64(0), satTruncToU64(math.NaN()))
	assert.Equal(t, uint64(math.MaxUint64), satTruncToU64(1e30))
}

func loadInstr(op wasm.Opcode, offset uint32) *wasm.Instruction {
	return &wasm.Instruction{Opcode: op, Offset: offset}
}

func TestExecLoadStore(t *testing.T) {
	mem := &MemoryInstance{Data: make([]byte, MemoryPageSize)}
	copy(mem.Data, []byte{0xef, 0xbe, 0xad, 0xde, 0x01, 0x02, 0x03, 0x80})

	t.Run("i32.load little endian", func(t *testing.T) {
		stack := []uint64{encodeI32(0)}
		execLoad(mem, loadInstr(wasm.OpcodeI32Load, 0), &stack)
		assert.Equal(t, uint32(0xdeadbeef), decodeU32(stack[0]))
	})

	t.Run("static offset is added to the base", func(t *testing.T) {
		stack := []uint64{encodeI32(1)}
		execLoad(mem, loadInstr(wasm.OpcodeI32Load8U, 3), &stack)
		assert.Equal(t, int32(0x01), decodeI32(stack[0]))
	})

	t.Run("signed narrow load extends", func(t *testing.T) {
		stack := []uint64{encodeI32(7)}
		execLoad(mem, loadInstr(wasm.OpcodeI32Load8S, 0), &stack)
		assert.Equal(t, int32(-128), decodeI32(stack[0]))

		stack = []uint64{encodeI32(7)}
		execLoad(mem, loadInstr(wasm.OpcodeI64Load8S, 0), &stack)
		assert.Equal(t, int64(-128), decodeI64(stack[0]))
	})

	t.Run("unsigned narrow load zero extends", func(t *testing.T) {
		stack := []uint64{encodeI32(6)}
		execLoad(mem, loadInstr(wasm.OpcodeI32Load16U, 0), &stack)
		assert.Equal(t, int32(0x8003), decodeI32(stack[0]))
	})

	t.Run("i64 store and load round trip", func(t *testing.T) {
		stack := []uint64{encodeI32(16), encodeI64(-2)}
		execStore(mem, loadInstr(wasm.OpcodeI64Store, 0), &stack)
		assert.Empty(t, stack)

		stack = []uint64{encodeI32(16)}
		execLoad(mem, loadInstr(wasm.OpcodeI64Load, 0), &stack)
		assert.Equal(t, int64(-2), decodeI64(stack[0]))
	})

	t.Run("narrow store truncates", func(t *testing.T) {
		stack := []uint64{encodeI32(32), encodeI32(0x1234_5678)}
		execStore(mem, loadInstr(wasm.OpcodeI32Store16, 0), &stack)
		assert.Equal(t, byte(0x78), mem.Data[32])
		assert.Equal(t, byte(0x56), mem.Data[33])
		assert.Equal(t, byte(0x00), mem.Data[34])
	})

	t.Run("load beyond the page traps", func(t *testing.T) {
		tr := catchTrap(t, func() {
			stack := []uint64{encodeI32(MemoryPageSize - 3)}
			execLoad(mem, loadInstr(wasm.OpcodeI32Load, 0), &stack)
		})
		assert.Equal(t, TrapOutOfBoundsMemoryAccess, tr.Kind)
	})

	t.Run("offset overflowing u32 traps instead of wrapping", func(t *testing.T) {
		tr := catchTrap(t, func() {
			stack := []uint64{encodeI32(-1)} // base 0xffffffff
			execLoad(mem, loadInstr(wasm.OpcodeI32Load, math.MaxUint32), &stack)
		})
		assert.Equal(t, TrapOutOfBoundsMemoryAccess, tr.Kind)
	})
}

func TestMemoryHelpers(t *testing.T) {
	mem := &MemoryInstance{Data: make([]byte, 64)}

	memoryFill(mem, 8, 0xaa, 8)
	assert.Equal(t, byte(0xaa), mem.Data[8])
	assert.Equal(t, byte(0xaa), mem.Data[15])
	assert.Equal(t, byte(0x00), mem.Data[16])

	// Overlapping copy behaves as if through an intermediate buffer.
	memoryCopy(mem, 10, 8, 8)
	for i := 10; i < 16; i++ {
		assert.Equal(t, byte(0xaa), mem.Data[i])
	}

	tr := catchTrap(t, func() { memoryFill(mem, 60, 1, 8) })
	assert.Equal(t, TrapOutOfBoundsMemoryAccess, tr.Kind)

	tr = catchTrap(t, func() { memoryCopy(mem, 0, 60, 8) })
	assert.Equal(t, TrapOutOfBoundsMemoryAccess, tr.Kind)

	tr = catchTrap(t, func() { memoryInit(mem, []byte{1, 2}, 0, 1, 2) })
	assert.Equal(t, TrapOutOfBoundsMemoryAccess, tr.Kind)
}

func TestTableHelpers(t *testing.T) {
	tbl := &TableInstance{ElemType: wasm.ValueTypeFuncref, Elements: []uint64{RefNull, RefNull, RefNull, RefNull}}

	tableInit(tbl, []uint64{1, 2, 3}, 1, 0, 3)
	assert.Equal(t, []uint64{RefNull, 1, 2, 3}, tbl.Elements)

	tableCopy(tbl, tbl, 0, 1, 3)
	assert.Equal(t, []uint64{1, 2, 3, 3}, tbl.Elements)

	tr := catchTrap(t, func() { tableInit(tbl, []uint64{1}, 0, 0, 2) })
	assert.Equal(t, TrapOutOfBoundsTableAccess, tr.Kind)

	tr = catchTrap(t, func() { tableCopy(tbl, tbl, 3, 0, 2) })
	assert.Equal(t, TrapOutOfBoundsTableAccess, tr.Kind)
}

func TestValueEncoding(t *testing.T) {
	assert.Equal(t, uint64(0xffff_ffff), encodeI32(-1), "i32 is stored zero extended")
	assert.Equal(t, int32(-1), decodeI32(encodeI32(-1)))
	assert.Equal(t, int64(-1), decodeI64(encodeI64(-1)))
	assert.Equal(t, float32(1.5), decodeF32(encodeF32(1.5)))
	assert.Equal(t, 1.5, decodeF64(encodeF64(1.5)))
	assert.Equal(t, uint64(math.MaxUint64), RefNull)
}
