package wasm

import "github.com/danielstuart14/tinywasm/internal/leb128"

// decodeNumeric validates the fixed, immediate-less operand/result shape of
// loads, stores, comparisons, and the numeric/conversion instruction space
// (opcodes 0x28-0xbf plus the sign-extension opcodes 0xc0-0xc4). The memarg
// (align/offset) for loads and stores is read by the caller once this
// returns, after the type-stack effect has been validated.
func (fd *funcDecoder) decodeNumeric(op Opcode) error {
	switch op {
	// Loads: i32 address -> value
	case OpcodeI32Load, OpcodeI32Load8S, OpcodeI32Load8U, OpcodeI32Load16S, OpcodeI32Load16U:
		return fd.load(ValueTypeI32)
	case OpcodeI64Load, OpcodeI64Load8S, OpcodeI64Load8U, OpcodeI64Load16S, OpcodeI64Load16U, OpcodeI64Load32S, OpcodeI64Load32U:
		return fd.load(ValueTypeI64)
	case OpcodeF32Load:
		return fd.load(ValueTypeF32)
	case OpcodeF64Load:
		return fd.load(ValueTypeF64)

	// Stores: i32 address, value -> (nothing)
	case OpcodeI32Store, OpcodeI32Store8, OpcodeI32Store16:
		return fd.store(ValueTypeI32)
	case OpcodeI64Store, OpcodeI64Store8, OpcodeI64Store16, OpcodeI64Store32:
		return fd.store(ValueTypeI64)
	case OpcodeF32Store:
		return fd.store(ValueTypeF32)
	case OpcodeF64Store:
		return fd.store(ValueTypeF64)

	case OpcodeI32Eqz:
		return fd.unary(ValueTypeI32, ValueTypeI32)
	case OpcodeI32Eq, OpcodeI32Ne, OpcodeI32LtS, OpcodeI32LtU, OpcodeI32GtS, OpcodeI32GtU,
		OpcodeI32LeS, OpcodeI32LeU, OpcodeI32GeS, OpcodeI32GeU:
		return fd.compare(ValueTypeI32)

	case OpcodeI64Eqz:
		return fd.unary(ValueTypeI64, ValueTypeI32)
	case OpcodeI64Eq, OpcodeI64Ne, OpcodeI64LtS, OpcodeI64LtU, OpcodeI64GtS, OpcodeI64GtU,
		OpcodeI64LeS, OpcodeI64LeU, OpcodeI64GeS, OpcodeI64GeU:
		return fd.compare(ValueTypeI64)

	case OpcodeF32Eq, OpcodeF32Ne, OpcodeF32Lt, OpcodeF32Gt, OpcodeF32Le, OpcodeF32Ge:
		return fd.compare(ValueTypeF32)
	case OpcodeF64Eq, OpcodeF64Ne, OpcodeF64Lt, OpcodeF64Gt, OpcodeF64Le, OpcodeF64Ge:
		return fd.compare(ValueTypeF64)

	case OpcodeI32Clz, OpcodeI32Ctz, OpcodeI32Popcnt:
		return fd.unary(ValueTypeI32, ValueTypeI32)
	case OpcodeI32Add, OpcodeI32Sub, OpcodeI32Mul, OpcodeI32DivS, OpcodeI32DivU, OpcodeI32RemS, OpcodeI32RemU,
		OpcodeI32And, OpcodeI32Or, OpcodeI32Xor, OpcodeI32Shl, OpcodeI32ShrS, OpcodeI32ShrU, OpcodeI32Rotl, OpcodeI32Rotr:
		return fd.binary(ValueTypeI32)

	case OpcodeI64Clz, OpcodeI64Ctz, OpcodeI64Popcnt:
		return fd.unary(ValueTypeI64, ValueTypeI64)
	case OpcodeI64Add, OpcodeI64Sub, OpcodeI64Mul, OpcodeI64DivS, OpcodeI64DivU, OpcodeI64RemS, OpcodeI64RemU,
		OpcodeI64And, OpcodeI64Or, OpcodeI64Xor, OpcodeI64Shl, OpcodeI64ShrS, OpcodeI64ShrU, OpcodeI64Rotl, OpcodeI64Rotr:
		return fd.binary(ValueTypeI64)

	case OpcodeF32Abs, OpcodeF32Neg, OpcodeF32Ceil, OpcodeF32Floor, OpcodeF32Trunc, OpcodeF32Nearest, OpcodeF32Sqrt:
		return fd.unary(ValueTypeF32, ValueTypeF32)
	case OpcodeF32Add, OpcodeF32Sub, OpcodeF32Mul, OpcodeF32Div, OpcodeF32Min, OpcodeF32Max, OpcodeF32Copysign:
		return fd.binary(ValueTypeF32)

	case OpcodeF64Abs, OpcodeF64Neg, OpcodeF64Ceil, OpcodeF64Floor, OpcodeF64Trunc, OpcodeF64Nearest, OpcodeF64Sqrt:
		return fd.unary(ValueTypeF64, ValueTypeF64)
	case OpcodeF64Add, OpcodeF64Sub, OpcodeF64Mul, OpcodeF64Div, OpcodeF64Min, OpcodeF64Max, OpcodeF64Copysign:
		return fd.binary(ValueTypeF64)

	case OpcodeI32WrapI64:
		return fd.unary(ValueTypeI64, ValueTypeI32)
	case OpcodeI32TruncF32S, OpcodeI32TruncF32U:
		return fd.unary(ValueTypeF32, ValueTypeI32)
	case OpcodeI32TruncF64S, OpcodeI32TruncF64U:
		return fd.unary(ValueTypeF64, ValueTypeI32)
	case OpcodeI64ExtendI32S, OpcodeI64ExtendI32U:
		return fd.unary(ValueTypeI32, ValueTypeI64)
	case OpcodeI64TruncF32S, OpcodeI64TruncF32U:
		return fd.unary(ValueTypeF32, ValueTypeI64)
	case OpcodeI64TruncF64S, OpcodeI64TruncF64U:
		return fd.unary(ValueTypeF64, ValueTypeI64)
	case OpcodeF32ConvertI32S, OpcodeF32ConvertI32U:
		return fd.unary(ValueTypeI32, ValueTypeF32)
	case OpcodeF32ConvertI64S, OpcodeF32ConvertI64U:
		return fd.unary(ValueTypeI64, ValueTypeF32)
	case OpcodeF32DemoteF64:
		return fd.unary(ValueTypeF64, ValueTypeF32)
	case OpcodeF64ConvertI32S, OpcodeF64ConvertI32U:
		return fd.unary(ValueTypeI32, ValueTypeF64)
	case OpcodeF64ConvertI64S, OpcodeF64ConvertI64U:
		return fd.unary(ValueTypeI64, ValueTypeF64)
	case OpcodeF64PromoteF32:
		return fd.unary(ValueTypeF32, ValueTypeF64)
	case OpcodeI32ReinterpretF32:
		return fd.unary(ValueTypeF32, ValueTypeI32)
	case OpcodeI64ReinterpretF64:
		return fd.unary(ValueTypeF64, ValueTypeI64)
	case OpcodeF32ReinterpretI32:
		return fd.unary(ValueTypeI32, ValueTypeF32)
	case OpcodeF64ReinterpretI64:
		return fd.unary(ValueTypeI64, ValueTypeF64)

	case OpcodeI32Extend8S, OpcodeI32Extend16S:
		return fd.unary(ValueTypeI32, ValueTypeI32)
	case OpcodeI64Extend8S, OpcodeI64Extend16S, OpcodeI64Extend32S:
		return fd.unary(ValueTypeI64, ValueTypeI64)

	default:
		return invalid(0, "unknown opcode %#x", byte(op))
	}
}

func (fd *funcDecoder) load(result ValueType) error {
	if err := fd.requireMemory(); err != nil {
		return err
	}
	if err := fd.popExpect(ValueTypeI32); err != nil {
		return err
	}
	fd.push(result)
	return nil
}

func (fd *funcDecoder) store(value ValueType) error {
	if err := fd.requireMemory(); err != nil {
		return err
	}
	if err := fd.popExpect(value); err != nil {
		return err
	}
	return fd.popExpect(ValueTypeI32)
}

func (fd *funcDecoder) unary(in, out ValueType) error {
	if err := fd.popExpect(in); err != nil {
		return err
	}
	fd.push(out)
	return nil
}

func (fd *funcDecoder) binary(t ValueType) error {
	if err := fd.popExpect(t); err != nil {
		return err
	}
	if err := fd.popExpect(t); err != nil {
		return err
	}
	fd.push(t)
	return nil
}

func (fd *funcDecoder) compare(t ValueType) error {
	if err := fd.popExpect(t); err != nil {
		return err
	}
	if err := fd.popExpect(t); err != nil {
		return err
	}
	fd.push(ValueTypeI32)
	return nil
}

// decodeMisc validates the 0xfc-prefixed secondary opcode space: saturating
// truncation (pure type-stack effect, same shape as their trapping
// counterparts) and the bulk-memory/table instructions.
func (fd *funcDecoder) decodeMisc(misc Opcode, instr *Instruction) error {
	switch misc {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U:
		return fd.unary(ValueTypeF32, ValueTypeI32)
	case MiscI32TruncSatF64S, MiscI32TruncSatF64U:
		return fd.unary(ValueTypeF64, ValueTypeI32)
	case MiscI64TruncSatF32S, MiscI64TruncSatF32U:
		return fd.unary(ValueTypeF32, ValueTypeI64)
	case MiscI64TruncSatF64S, MiscI64TruncSatF64U:
		return fd.unary(ValueTypeF64, ValueTypeI64)

	case MiscMemoryInit:
		segIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		if _, err := fd.r.ReadByte(); err != nil { // reserved memory index
			return malformed(fd.offset(), "read memory.init reserved byte: %v", err)
		}
		if err := fd.requireMemory(); err != nil {
			return err
		}
		instr.SegmentIndex = segIdx
		return fd.popN3(ValueTypeI32, ValueTypeI32, ValueTypeI32)
	case MiscDataDrop:
		segIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		instr.SegmentIndex = segIdx
		return nil
	case MiscMemoryCopy:
		if _, err := fd.r.ReadByte(); err != nil {
			return malformed(fd.offset(), "read memory.copy dst reserved byte: %v", err)
		}
		if _, err := fd.r.ReadByte(); err != nil {
			return malformed(fd.offset(), "read memory.copy src reserved byte: %v", err)
		}
		if err := fd.requireMemory(); err != nil {
			return err
		}
		return fd.popN3(ValueTypeI32, ValueTypeI32, ValueTypeI32)
	case MiscMemoryFill:
		if _, err := fd.r.ReadByte(); err != nil {
			return malformed(fd.offset(), "read memory.fill reserved byte: %v", err)
		}
		if err := fd.requireMemory(); err != nil {
			return err
		}
		return fd.popN3(ValueTypeI32, ValueTypeI32, ValueTypeI32)

	case MiscTableInit:
		segIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		tblIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		if err := fd.requireTable(tblIdx); err != nil {
			return err
		}
		instr.SegmentIndex = segIdx
		instr.TableIndex = tblIdx
		return fd.popN3(ValueTypeI32, ValueTypeI32, ValueTypeI32)
	case MiscElemDrop:
		segIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		instr.SegmentIndex = segIdx
		return nil
	case MiscTableCopy:
		dst, _, err := fd.readU32()
		if err != nil {
			return err
		}
		src, _, err := fd.readU32()
		if err != nil {
			return err
		}
		if err := fd.requireTable(dst); err != nil {
			return err
		}
		if err := fd.requireTable(src); err != nil {
			return err
		}
		instr.TableIndex2 = dst
		instr.TableIndex = src
		return fd.popN3(ValueTypeI32, ValueTypeI32, ValueTypeI32)
	case MiscTableGrow:
		tblIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		if err := fd.requireTable(tblIdx); err != nil {
			return err
		}
		instr.TableIndex = tblIdx
		if err := fd.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := fd.popExpect(fd.tableElemType(tblIdx)); err != nil {
			return err
		}
		fd.push(ValueTypeI32)
		return nil
	case MiscTableSize:
		tblIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		if err := fd.requireTable(tblIdx); err != nil {
			return err
		}
		instr.TableIndex = tblIdx
		fd.push(ValueTypeI32)
		return nil
	case MiscTableFill:
		tblIdx, _, err := fd.readU32()
		if err != nil {
			return err
		}
		if err := fd.requireTable(tblIdx); err != nil {
			return err
		}
		instr.TableIndex = tblIdx
		if err := fd.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := fd.popExpect(fd.tableElemType(tblIdx)); err != nil {
			return err
		}
		return fd.popExpect(ValueTypeI32)
	default:
		return invalid(0, "unknown 0xfc opcode %d", misc)
	}
}

func (fd *funcDecoder) readU32() (uint32, uint64, error) {
	v, n, err := leb128.DecodeUint32(fd.r)
	if err != nil {
		return 0, 0, malformed(fd.offset(), "read index: %v", err)
	}
	return v, n, nil
}

func (fd *funcDecoder) popN3(a, b, c ValueType) error {
	if err := fd.popExpect(c); err != nil {
		return err
	}
	if err := fd.popExpect(b); err != nil {
		return err
	}
	return fd.popExpect(a)
}
