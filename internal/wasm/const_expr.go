package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/danielstuart14/tinywasm/internal/leb128"
)

// ConstExpr is a constant initializer expression, used for global
// initializers, element/data segment offsets and passive-element
// reference lists. The legal opcodes are t.const, global.get (of an
// imported, immutable global), ref.null and ref.func.
type ConstExpr struct {
	Opcode Opcode
	// Immediate holds the decoded operand: int32 for i32.const, int64 for
	// i64.const, float32/float64 for the float consts, uint32 for
	// global.get/ref.func, ValueType for ref.null.
	Immediate interface{}
}

func readConstExpr(r *bytes.Reader, offsetBase int) (*ConstExpr, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return nil, malformed(offsetBase, "read const expr opcode: %v", err)
	}
	op := Opcode(opByte)

	var imm interface{}
	switch op {
	case OpcodeI32Const:
		v, _, err := leb128.DecodeInt32(r)
		if err != nil {
			return nil, malformed(offsetBase, "read i32.const operand: %v", err)
		}
		imm = v
	case OpcodeI64Const:
		v, _, err := leb128.DecodeInt64(r)
		if err != nil {
			return nil, malformed(offsetBase, "read i64.const operand: %v", err)
		}
		imm = v
	case OpcodeF32Const:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, malformed(offsetBase, "read f32.const operand: %v", err)
		}
		imm = math.Float32frombits(binary.LittleEndian.Uint32(buf[:]))
	case OpcodeF64Const:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, malformed(offsetBase, "read f64.const operand: %v", err)
		}
		imm = math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
	case OpcodeGlobalGet:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, malformed(offsetBase, "read global.get index: %v", err)
		}
		imm = idx
	case OpcodeRefNull:
		b, err := r.ReadByte()
		if err != nil {
			return nil, malformed(offsetBase, "read ref.null type: %v", err)
		}
		if !isValidValueType(b) {
			return nil, malformed(offsetBase, "invalid reference type %#x", b)
		}
		imm = ValueType(b)
	case OpcodeRefFunc:
		idx, _, err := leb128.DecodeUint32(r)
		if err != nil {
			return nil, malformed(offsetBase, "read ref.func index: %v", err)
		}
		imm = idx
	default:
		return nil, fmt.Errorf("%w: opcode %#x not allowed in a constant expression", ErrInvalidInitializer, op)
	}

	end, err := r.ReadByte()
	if err != nil {
		return nil, malformed(offsetBase, "read const expr end: %v", err)
	}
	if Opcode(end) != OpcodeEnd {
		return nil, malformed(offsetBase, "constant expression not terminated with end")
	}

	return &ConstExpr{Opcode: op, Immediate: imm}, nil
}
